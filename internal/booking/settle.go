package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clinicdesk/clinic-booking/internal/calendar"
	"github.com/clinicdesk/clinic-booking/internal/invoice"
)

// SettlePayment processes one payment-completion delivery. Deliveries
// are at-least-once and may arrive concurrently, so every step either
// tolerates repetition or is a conditional write.
//
// An unknown or missing session id is a no-op. Calendar-event creation
// is the one step allowed to abort the delivery; once it has committed,
// the clinic has both the money and the calendar entry and nothing
// downstream may undo that. The finalize phase runs whether or not
// settlement succeeded.
func (s *Service) SettlePayment(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		s.logger.Warn().Msg("payment webhook without session id, ignoring")
		return nil
	}

	b, err := s.repo.FindBookingByPaymentSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			s.logger.Warn().Str("session_id", sessionID).Msg("no booking for payment session, ignoring")
			return nil
		}
		return fmt.Errorf("correlate payment session: %w", err)
	}

	settleErr := s.settle(ctx, b)

	// Finalize phase: sensitive documents are erased no matter how the
	// settlement attempt went. Retaining them past settlement is a
	// compliance incident, so its own failure escalates instead of
	// hiding behind the settlement outcome.
	if err := s.repo.ClearBookingDocuments(ctx, b.ID); err != nil {
		s.logger.Error().Err(err).
			Str("alert", "compliance").
			Str("booking_id", b.ID.String()).
			Msg("failed to erase sensitive booking documents")
	}

	return settleErr
}

func (s *Service) settle(ctx context.Context, b *Booking) error {
	patient, err := s.repo.GetPatientByID(ctx, b.PatientID)
	if err != nil {
		return fmt.Errorf("load patient: %w", err)
	}
	svc, err := s.repo.GetServiceByID(ctx, b.ServiceID)
	if err != nil {
		return fmt.Errorf("load service: %w", err)
	}
	op, err := s.repo.GetOperatorByID(ctx, b.OperatorID)
	if err != nil {
		return fmt.Errorf("load operator: %w", err)
	}
	loc, err := s.repo.GetLocationByID(ctx, b.LocationID)
	if err != nil {
		return fmt.Errorf("load location: %w", err)
	}

	// Payment must not be marked paid without a calendar commitment, so
	// a failure here aborts before the paid flip; the next at-least-once
	// delivery retries the whole sequence.
	eventID, err := s.cal.CreateEvent(ctx, calendarAccount(op), calendar.EventInput{
		Title:         settlementTitle(svc, patient, loc, b),
		Description:   settlementDescription(patient, b),
		Start:         b.StartTime,
		End:           b.EndTime,
		AttendeeEmail: op.Email,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCalendarSettlement, err)
	}

	paid, err := s.repo.MarkBookingPaid(ctx, b.ID, eventID)
	if err != nil {
		return err
	}
	if !paid {
		s.logger.Info().
			Str("booking_id", b.ID.String()).
			Msg("booking already paid, duplicate settlement delivery")
	}

	s.notifySettled(ctx, b, svc, patient, loc)

	invoiceID, err := s.inv.IssueInvoice(ctx,
		invoice.Customer{
			Name:       patient.Name,
			Email:      patient.Email,
			FiscalCode: patient.FiscalCode,
			Address:    patient.Address,
		},
		invoice.Line{Description: svc.Name, AmountCents: svc.PriceCents},
		s.ancillaryLines(svc),
	)
	if err != nil {
		// The money is already in; an invoicing outage is logged, not
		// allowed to fail the delivery.
		s.logger.Warn().Err(err).
			Str("booking_id", b.ID.String()).
			Msg("invoice issuance failed")
	} else if invoiceID != "" {
		if err := s.repo.SetBookingInvoice(ctx, b.ID, invoiceID); err != nil {
			s.logger.Warn().Err(err).
				Str("booking_id", b.ID.String()).
				Str("invoice_id", invoiceID).
				Msg("failed to persist invoice id")
		}
	}

	return nil
}

func (s *Service) ancillaryLines(svc *ClinicService) []invoice.Line {
	if !s.pricing.AppliesTo(svc.PriceCents) {
		return nil
	}
	return []invoice.Line{{Description: "Imposta di bollo", AmountCents: s.pricing.StampDutyCents}}
}

func (s *Service) notifySettled(ctx context.Context, b *Booking, svc *ClinicService, patient *Patient, loc *Location) {
	when := b.StartTime
	if tz, err := time.LoadLocation(loc.TimeZone); err == nil {
		when = b.StartTime.In(tz)
	}
	stamp := when.Format("02/01/2006 15:04")

	clinicBody := fmt.Sprintf("Prenotazione confermata: %s per %s (%s) il %s presso %s.",
		svc.Name, patient.Name, patient.Email, stamp, loc.Name)
	if err := s.mailer.Notify(ctx, s.clinicEmail, "Prenotazione confermata", clinicBody); err != nil {
		s.logger.Warn().Err(err).Str("booking_id", b.ID.String()).Msg("clinic notification failed")
	}

	patientBody := fmt.Sprintf("Gentile %s, la sua prenotazione per %s del %s presso %s (%s) è confermata.",
		patient.Name, svc.Name, stamp, loc.Name, loc.Address)
	if err := s.mailer.Notify(ctx, patient.Email, "Conferma prenotazione", patientBody); err != nil {
		s.logger.Warn().Err(err).Str("booking_id", b.ID.String()).Msg("patient notification failed")
	}
}

func settlementTitle(svc *ClinicService, patient *Patient, loc *Location, b *Booking) string {
	when := b.StartTime
	if tz, err := time.LoadLocation(loc.TimeZone); err == nil {
		when = b.StartTime.In(tz)
	}
	return fmt.Sprintf("%s — %s — %s — %s",
		svc.Name, patient.Name, when.Format("02/01/2006 15:04"), loc.Address)
}

// settlementDescription renders the full intake payload for the
// operator's calendar entry.
func settlementDescription(patient *Patient, b *Booking) string {
	var lines []string
	add := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			lines = append(lines, label+": "+value)
		}
	}

	add("Paziente", patient.Name)
	add("Email", patient.Email)
	add("Telefono", patient.Phone)
	add("Codice fiscale", patient.FiscalCode)
	if patient.BirthDate != nil {
		add("Data di nascita", patient.BirthDate.Format("02/01/2006"))
	}
	add("Sesso", patient.Sex)
	add("Indirizzo", patient.Address)
	if patient.ConsentTreatmentAt != nil {
		add("Consenso trattamento", patient.ConsentTreatmentAt.Format(time.RFC3339))
	}
	if patient.ConsentPrivacyAt != nil {
		add("Consenso privacy", patient.ConsentPrivacyAt.Format(time.RFC3339))
	}
	if b.IntakeNote != nil {
		add("Note", *b.IntakeNote)
	}
	if b.PartnerName != nil {
		add("Partner", *b.PartnerName)
	}
	if b.PartnerFiscal != nil {
		add("Codice fiscale partner", *b.PartnerFiscal)
	}

	return strings.Join(lines, "\n")
}
