package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanLocation(row pgx.Row) (*Location, error) {
	var l Location
	var hours []byte

	err := row.Scan(
		&l.ID,
		&l.Name,
		&l.Address,
		&l.TimeZone,
		&hours,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLocationNotFound
		}
		return nil, err
	}

	if len(hours) > 0 {
		if err := json.Unmarshal(hours, &l.Hours); err != nil {
			return nil, fmt.Errorf("decode location hours: %w", err)
		}
	}
	return &l, nil
}

func scanService(row pgx.Row) (*ClinicService, error) {
	var s ClinicService
	var operatorIDs []byte

	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.DurationMinutes,
		&s.PriceCents,
		&s.OnRequest,
		&operatorIDs,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}

	if len(operatorIDs) > 0 {
		if err := json.Unmarshal(operatorIDs, &s.OperatorIDs); err != nil {
			return nil, fmt.Errorf("decode service operators: %w", err)
		}
	}
	return &s, nil
}

func scanOperator(row pgx.Row) (*Operator, error) {
	var o Operator
	var accessToken, refreshToken *string
	var expiry *time.Time

	err := row.Scan(
		&o.ID,
		&o.Name,
		&o.Email,
		&accessToken,
		&refreshToken,
		&expiry,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, err
	}

	if accessToken != nil {
		o.CalendarAccessToken = *accessToken
	}
	if refreshToken != nil {
		o.CalendarRefreshToken = *refreshToken
	}
	if expiry != nil {
		o.CalendarTokenExpiry = *expiry
	}
	return &o, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.Phone,
		&p.Role,
		&p.FiscalCode,
		&p.BirthDate,
		&p.Sex,
		&p.Address,
		&p.ConsentTreatmentAt,
		&p.ConsentPrivacyAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

const bookingColumns = `
	id, service_id, operator_id, location_id, patient_id,
	start_time, end_time, status, payment_status,
	calendar_event_id, payment_session_id, invoice_id,
	document_front_ref, document_back_ref, intake_note,
	partner_name, partner_fiscal,
	created_at, updated_at`

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking

	err := row.Scan(
		&b.ID,
		&b.ServiceID,
		&b.OperatorID,
		&b.LocationID,
		&b.PatientID,
		&b.StartTime,
		&b.EndTime,
		&b.Status,
		&b.PaymentStatus,
		&b.CalendarEventID,
		&b.PaymentSessionID,
		&b.InvoiceID,
		&b.DocumentFrontRef,
		&b.DocumentBackRef,
		&b.IntakeNote,
		&b.PartnerName,
		&b.PartnerFiscal,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	return &b, nil
}

// Interface methods

func (r *PgRepository) GetLocationByID(ctx context.Context, id uuid.UUID) (*Location, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, address, time_zone, hours, created_at, updated_at
		FROM locations
		WHERE id = $1
	`, id)
	return scanLocation(row)
}

func (r *PgRepository) GetServiceByID(ctx context.Context, id uuid.UUID) (*ClinicService, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, duration_minutes, price_cents, on_request, operator_ids, created_at, updated_at
		FROM services
		WHERE id = $1
	`, id)
	return scanService(row)
}

func (r *PgRepository) GetOperatorByID(ctx context.Context, id uuid.UUID) (*Operator, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, cal_access_token, cal_refresh_token, cal_token_expiry, created_at, updated_at
		FROM operators
		WHERE id = $1
	`, id)
	return scanOperator(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, phone, role, fiscal_code, birth_date, sex, address,
		       consent_treatment_at, consent_privacy_at, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) FindPatientByEmail(ctx context.Context, email string) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, phone, role, fiscal_code, birth_date, sex, address,
		       consent_treatment_at, consent_privacy_at, created_at, updated_at
		FROM patients
		WHERE lower(email) = lower($1)
	`, email)
	return scanPatient(row)
}

func (r *PgRepository) UpsertPatient(ctx context.Context, p Patient) (*Patient, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO patients (id, name, email, phone, role, fiscal_code, birth_date, sex, address,
		                      consent_treatment_at, consent_privacy_at, created_at, updated_at)
		VALUES ($1, $2, lower($3), $4, 'patient', $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (email) DO UPDATE SET
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			fiscal_code = EXCLUDED.fiscal_code,
			birth_date = EXCLUDED.birth_date,
			sex = EXCLUDED.sex,
			address = EXCLUDED.address,
			consent_treatment_at = COALESCE(EXCLUDED.consent_treatment_at, patients.consent_treatment_at),
			consent_privacy_at = COALESCE(EXCLUDED.consent_privacy_at, patients.consent_privacy_at),
			updated_at = now()
		RETURNING id, name, email, phone, role, fiscal_code, birth_date, sex, address,
		          consent_treatment_at, consent_privacy_at, created_at, updated_at
	`, p.ID, p.Name, p.Email, p.Phone, p.FiscalCode, p.BirthDate, p.Sex, p.Address,
		p.ConsentTreatmentAt, p.ConsentPrivacyAt)

	return scanPatient(row)
}

func (r *PgRepository) GetBookingByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE id = $1
	`, id)
	return scanBooking(row)
}

func (r *PgRepository) FindBookingByPaymentSession(ctx context.Context, sessionID string) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE payment_session_id = $1
	`, sessionID)
	return scanBooking(row)
}

func (r *PgRepository) CreateBooking(ctx context.Context, b Booking) (*Booking, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO bookings (id, service_id, operator_id, location_id, patient_id,
		                      start_time, end_time, status, payment_status,
		                      calendar_event_id, payment_session_id,
		                      document_front_ref, document_back_ref, intake_note,
		                      partner_name, partner_fiscal,
		                      created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 'pending', $8, $9, $10, $11, $12, $13, $14, now(), now())
		RETURNING `+bookingColumns+`
	`, b.ID, b.ServiceID, b.OperatorID, b.LocationID, b.PatientID,
		b.StartTime, b.EndTime, b.CalendarEventID, b.PaymentSessionID,
		b.DocumentFrontRef, b.DocumentBackRef, b.IntakeNote,
		b.PartnerName, b.PartnerFiscal)

	return scanBooking(row)
}

func (r *PgRepository) SetBookingPaymentSession(ctx context.Context, id uuid.UUID, sessionID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET payment_session_id = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, sessionID)
	if err != nil {
		return fmt.Errorf("set payment session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookingNotFound
	}
	return nil
}

func (r *PgRepository) MarkBookingPaid(ctx context.Context, id uuid.UUID, calendarEventID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET status = 'confirmed',
		    payment_status = 'paid',
		    calendar_event_id = $2,
		    updated_at = now()
		WHERE id = $1
		  AND payment_status = 'pending'
	`, id, calendarEventID)
	if err != nil {
		return false, fmt.Errorf("mark booking paid: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PgRepository) SetBookingInvoice(ctx context.Context, id uuid.UUID, invoiceID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET invoice_id = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, invoiceID)
	if err != nil {
		return fmt.Errorf("set booking invoice: %w", err)
	}
	return nil
}

func (r *PgRepository) ClearBookingDocuments(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET document_front_ref = NULL,
		    document_back_ref = NULL,
		    updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("clear booking documents: %w", err)
	}
	return nil
}

func (r *PgRepository) DeleteAbandonedPending(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM bookings
		WHERE status = 'pending'
		  AND payment_status = 'pending'
		  AND created_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete abandoned pending bookings: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PgRepository) SaveOperatorCredentials(ctx context.Context, operatorID uuid.UUID, accessToken string, expiry time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE operators
		SET cal_access_token = $2,
		    cal_token_expiry = $3,
		    updated_at = now()
		WHERE id = $1
	`, operatorID, accessToken, expiry)
	if err != nil {
		return fmt.Errorf("save operator credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOperatorNotFound
	}
	return nil
}
