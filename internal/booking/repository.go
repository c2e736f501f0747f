package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrLocationNotFound = errors.New("location not found")
	ErrServiceNotFound  = errors.New("service not found")
	ErrOperatorNotFound = errors.New("operator not found")
	ErrPatientNotFound  = errors.New("patient not found")
	ErrBookingNotFound  = errors.New("booking not found")
)

// Repository contains all DB interactions needed by the lifecycle
// service and the availability adapter.
type Repository interface {
	GetLocationByID(ctx context.Context, id uuid.UUID) (*Location, error)
	GetServiceByID(ctx context.Context, id uuid.UUID) (*ClinicService, error)
	GetOperatorByID(ctx context.Context, id uuid.UUID) (*Operator, error)

	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	FindPatientByEmail(ctx context.Context, email string) (*Patient, error)
	// UpsertPatient creates the patient or refreshes an existing
	// non-privileged record matched by email. The privileged-role guard
	// lives in the service, not here, so it stays observable.
	UpsertPatient(ctx context.Context, p Patient) (*Patient, error)

	GetBookingByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	FindBookingByPaymentSession(ctx context.Context, sessionID string) (*Booking, error)
	CreateBooking(ctx context.Context, b Booking) (*Booking, error)
	SetBookingPaymentSession(ctx context.Context, id uuid.UUID, sessionID string) error

	// MarkBookingPaid flips (pending, pending) to (confirmed, paid) and
	// records the calendar event id. It reports false without error when
	// the booking was already paid, which makes duplicate settlement
	// deliveries a no-op at the datastore.
	MarkBookingPaid(ctx context.Context, id uuid.UUID, calendarEventID string) (bool, error)
	SetBookingInvoice(ctx context.Context, id uuid.UUID, invoiceID string) error
	ClearBookingDocuments(ctx context.Context, id uuid.UUID) error

	// Retention worker
	DeleteAbandonedPending(ctx context.Context, olderThan time.Time) (int64, error)

	// Satisfies calendar.CredentialStore: refreshed access tokens are
	// written back to the operator record.
	SaveOperatorCredentials(ctx context.Context, operatorID uuid.UUID, accessToken string, expiry time.Time) error
}
