package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinic-booking/internal/availability"
	"github.com/clinicdesk/clinic-booking/internal/calendar"
	"github.com/clinicdesk/clinic-booking/internal/fiscalcode"
	"github.com/clinicdesk/clinic-booking/internal/invoice"
	"github.com/clinicdesk/clinic-booking/internal/notify"
	"github.com/clinicdesk/clinic-booking/internal/payment"
	"github.com/clinicdesk/clinic-booking/internal/ratelimit"
	redisclient "github.com/clinicdesk/clinic-booking/internal/redisclient"
)

// SlotEngine re-validates a requested slot against live availability.
type SlotEngine interface {
	AvailableSlots(ctx context.Context, q availability.Query) ([]availability.Slot, error)
}

// PricingPolicy decides the ancillary stamp-duty line item. Injected so
// the threshold stays jurisdiction policy, not code.
type PricingPolicy struct {
	StampDutyThresholdCents int64
	StampDutyCents          int64
}

// AppliesTo reports whether the stamp duty is owed for a price.
func (p PricingPolicy) AppliesTo(priceCents int64) bool {
	return p.StampDutyCents > 0 && priceCents > p.StampDutyThresholdCents
}

// CheckoutURLs are where the payment provider sends the patient after
// the hosted checkout.
type CheckoutURLs struct {
	Success string
	Cancel  string
}

// Deps wires the lifecycle service.
type Deps struct {
	Repo        Repository
	Slots       SlotEngine
	Locker      redisclient.Locker
	Calendar    calendar.Provider
	Payments    payment.Provider
	Invoices    invoice.Provider
	Mailer      notify.Notifier
	Limiter     *ratelimit.Limiter
	Pricing     PricingPolicy
	URLs        CheckoutURLs
	ClinicEmail string
	Logger      zerolog.Logger
}

// Service owns the booking lifecycle: intake creates (pending, pending)
// records, the payment webhook drives them to settlement.
type Service struct {
	repo        Repository
	slots       SlotEngine
	locker      redisclient.Locker
	cal         calendar.Provider
	pay         payment.Provider
	inv         invoice.Provider
	mailer      notify.Notifier
	limiter     *ratelimit.Limiter
	pricing     PricingPolicy
	urls        CheckoutURLs
	clinicEmail string
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(d Deps) *Service {
	return &Service{
		repo:        d.Repo,
		slots:       d.Slots,
		locker:      d.Locker,
		cal:         d.Calendar,
		pay:         d.Payments,
		inv:         d.Invoices,
		mailer:      d.Mailer,
		limiter:     d.Limiter,
		pricing:     d.Pricing,
		urls:        d.URLs,
		clinicEmail: d.ClinicEmail,
		logger:      d.Logger,
		now:         time.Now,
	}
}

// PatientIntake carries the identity, legal and consent fields supplied
// with a booking request.
type PatientIntake struct {
	Name             string
	Email            string
	Phone            string
	FiscalCode       string
	BirthDate        *time.Time
	Sex              string
	Address          string
	ConsentTreatment bool
	ConsentPrivacy   bool
}

type CreateBookingInput struct {
	ServiceID  uuid.UUID
	OperatorID uuid.UUID
	LocationID uuid.UUID
	StartTime  time.Time
	ClientAddr string

	Patient PatientIntake

	DocumentFrontRef *string
	DocumentBackRef  *string
	IntakeNote       *string
	PartnerName      *string
	PartnerFiscal    *string
}

type CreateBookingResult struct {
	Booking     *Booking
	CheckoutURL string
}

// CreateBooking runs the intake sequence: abuse control, field and
// fiscal-code validation, live availability re-validation under the
// operator/start lock, patient upsert with the privileged-role guard,
// a non-fatal calendar hold, persistence at (pending, pending), and
// checkout-session creation for services with an immediate payment
// path.
func (s *Service) CreateBooking(ctx context.Context, in CreateBookingInput) (*CreateBookingResult, error) {
	if !s.limiter.AllowBooking(in.ClientAddr) {
		return nil, ErrRateLimited
	}

	if err := s.validateIntake(in); err != nil {
		return nil, err
	}

	svc, err := s.repo.GetServiceByID(ctx, in.ServiceID)
	if err != nil {
		return nil, err
	}
	op, err := s.repo.GetOperatorByID(ctx, in.OperatorID)
	if err != nil {
		return nil, err
	}
	loc, err := s.repo.GetLocationByID(ctx, in.LocationID)
	if err != nil {
		return nil, err
	}

	if len(svc.OperatorIDs) > 0 && !containsID(svc.OperatorIDs, op.ID) {
		return nil, validationErr("operator does not offer the requested service")
	}

	var result CreateBookingResult

	err = s.locker.WithSlotLock(ctx, op.ID, in.StartTime, func(lockCtx context.Context) error {
		if err := s.revalidateSlot(lockCtx, svc, op, loc, in.StartTime); err != nil {
			return err
		}

		patient, err := s.upsertPatient(lockCtx, in.Patient)
		if err != nil {
			return err
		}

		end := in.StartTime.Add(time.Duration(svc.DurationMinutes) * time.Minute)

		// A calendar outage must not lose the booking: the hold is best
		// effort and the definitive event is created at settlement.
		var holdEventID *string
		hold := calendar.EventInput{
			Title: fmt.Sprintf("[Da confermare] %s — %s", svc.Name, patient.Name),
			Start: in.StartTime,
			End:   end,
		}
		if id, err := s.cal.CreateEvent(lockCtx, calendarAccount(op), hold); err != nil {
			s.logger.Warn().Err(err).
				Str("operator", op.Email).
				Time("start", in.StartTime).
				Msg("calendar hold failed at intake, proceeding without it")
		} else {
			holdEventID = &id
		}

		created, err := s.repo.CreateBooking(lockCtx, Booking{
			ServiceID:        svc.ID,
			OperatorID:       op.ID,
			LocationID:       loc.ID,
			PatientID:        patient.ID,
			StartTime:        in.StartTime,
			EndTime:          end,
			CalendarEventID:  holdEventID,
			DocumentFrontRef: in.DocumentFrontRef,
			DocumentBackRef:  in.DocumentBackRef,
			IntakeNote:       in.IntakeNote,
			PartnerName:      in.PartnerName,
			PartnerFiscal:    in.PartnerFiscal,
		})
		if err != nil {
			return fmt.Errorf("create booking: %w", err)
		}
		result.Booking = created

		if svc.OnRequest {
			return nil
		}

		session, err := s.createCheckout(lockCtx, created, svc, patient)
		if err != nil {
			return err
		}
		if err := s.repo.SetBookingPaymentSession(lockCtx, created.ID, session.ID); err != nil {
			return fmt.Errorf("store payment session: %w", err)
		}
		sessionID := session.ID
		created.PaymentSessionID = &sessionID
		result.CheckoutURL = session.URL

		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotContended
		}
		return nil, err
	}

	return &result, nil
}

func (s *Service) validateIntake(in CreateBookingInput) error {
	var problems []string

	if in.ServiceID == uuid.Nil {
		problems = append(problems, "service_id is required")
	}
	if in.OperatorID == uuid.Nil {
		problems = append(problems, "operator_id is required")
	}
	if in.LocationID == uuid.Nil {
		problems = append(problems, "location_id is required")
	}
	if in.StartTime.IsZero() {
		problems = append(problems, "start_time is required")
	}
	if strings.TrimSpace(in.Patient.Name) == "" {
		problems = append(problems, "patient name is required")
	}
	if strings.TrimSpace(in.Patient.Email) == "" {
		problems = append(problems, "patient email is required")
	}
	if !in.Patient.ConsentTreatment {
		problems = append(problems, "treatment consent is required")
	}
	if !in.Patient.ConsentPrivacy {
		problems = append(problems, "privacy consent is required")
	}

	if strings.TrimSpace(in.Patient.FiscalCode) == "" {
		problems = append(problems, "fiscal code is required")
	} else {
		res := fiscalcode.Validate(in.Patient.FiscalCode)
		if !res.IsValid {
			problems = append(problems, res.Errors...)
		} else if in.Patient.BirthDate != nil {
			coh := fiscalcode.Coherence(in.Patient.FiscalCode, *in.Patient.BirthDate, in.Patient.Sex)
			if !coh.IsCoherent {
				problems = append(problems, coh.Issues...)
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// revalidateSlot checks the requested start against live availability.
// The calendar, not the bookings table, is the source of truth for the
// operator's commitments.
func (s *Service) revalidateSlot(ctx context.Context, svc *ClinicService, op *Operator, loc *Location, start time.Time) error {
	tz, err := time.LoadLocation(loc.TimeZone)
	if err != nil {
		return fmt.Errorf("location zone %q: %w", loc.TimeZone, err)
	}

	opID := op.ID
	slots, err := s.slots.AvailableSlots(ctx, availability.Query{
		Date:            start.In(tz).Format("2006-01-02"),
		DurationMinutes: svc.DurationMinutes,
		OperatorID:      &opID,
		LocationID:      loc.ID,
	})
	if err != nil {
		return fmt.Errorf("re-validate availability: %w", err)
	}

	for _, slot := range slots {
		if slot.Start.Equal(start) {
			return nil
		}
	}
	return ErrSlotTaken
}

// upsertPatient refreshes the record matched by email, rejecting emails
// that belong to privileged accounts before any write happens.
func (s *Service) upsertPatient(ctx context.Context, in PatientIntake) (*Patient, error) {
	existing, err := s.repo.FindPatientByEmail(ctx, in.Email)
	if err != nil && !errors.Is(err, ErrPatientNotFound) {
		return nil, fmt.Errorf("look up patient: %w", err)
	}
	if existing != nil && existing.Role.Privileged() {
		return nil, ErrPrivilegedEmail
	}

	now := s.now()
	p := Patient{
		Name:       in.Name,
		Email:      strings.ToLower(strings.TrimSpace(in.Email)),
		Phone:      in.Phone,
		Role:       RolePatient,
		FiscalCode: strings.ToUpper(strings.TrimSpace(in.FiscalCode)),
		BirthDate:  in.BirthDate,
		Sex:        in.Sex,
		Address:    in.Address,
	}
	if in.ConsentTreatment {
		p.ConsentTreatmentAt = &now
	}
	if in.ConsentPrivacy {
		p.ConsentPrivacyAt = &now
	}
	if existing != nil {
		p.ID = existing.ID
	}

	upserted, err := s.repo.UpsertPatient(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("upsert patient: %w", err)
	}
	return upserted, nil
}

func (s *Service) createCheckout(ctx context.Context, b *Booking, svc *ClinicService, patient *Patient) (*payment.CheckoutSession, error) {
	items := []payment.LineItem{
		{Name: svc.Name, AmountCents: svc.PriceCents, Quantity: 1},
	}
	if s.pricing.AppliesTo(svc.PriceCents) {
		items = append(items, payment.LineItem{
			Name:        "Imposta di bollo",
			AmountCents: s.pricing.StampDutyCents,
			Quantity:    1,
		})
	}

	session, err := s.pay.CreateCheckoutSession(ctx, payment.CheckoutInput{
		LineItems:     items,
		SuccessURL:    s.urls.Success,
		CancelURL:     s.urls.Cancel,
		CustomerEmail: patient.Email,
		Metadata:      map[string]string{"booking_id": b.ID.String()},
	})
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return session, nil
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
