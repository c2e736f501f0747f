package booking

import (
	"time"

	"github.com/google/uuid"
)

type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusConfirmed BookingStatus = "confirmed"
	StatusCancelled BookingStatus = "cancelled"
	StatusCompleted BookingStatus = "completed"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

type Role string

const (
	RolePatient  Role = "patient"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Privileged reports whether the role may not be taken over by a
// booking-time patient upsert.
func (r Role) Privileged() bool {
	return r == RoleOperator || r == RoleAdmin
}

// Location is a clinic site with its fixed zone and per-weekday open
// intervals ("HH:MM-HH:MM", keyed by lowercase weekday name).
type Location struct {
	ID        uuid.UUID
	Name      string
	Address   string
	TimeZone  string
	Hours     map[string][]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClinicService is a bookable service. Duration drives slot length;
// OnRequest services skip the immediate payment path.
type ClinicService struct {
	ID              uuid.UUID
	Name            string
	DurationMinutes int
	PriceCents      int64
	OnRequest       bool
	OperatorIDs     []uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Operator owns one external calendar. Email doubles as the calendar
// identity and as the invitee address on created events.
type Operator struct {
	ID                   uuid.UUID
	Name                 string
	Email                string
	CalendarAccessToken  string
	CalendarRefreshToken string
	CalendarTokenExpiry  time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type Patient struct {
	ID                 uuid.UUID
	Name               string
	Email              string
	Phone              string
	Role               Role
	FiscalCode         string
	BirthDate          *time.Time
	Sex                string
	Address            string
	ConsentTreatmentAt *time.Time
	ConsentPrivacyAt   *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Booking is the authoritative record of one appointment. Status and
// payment status move only through the lifecycle service. The document
// references are sensitive and are nulled by the settlement finalize
// phase.
type Booking struct {
	ID               uuid.UUID
	ServiceID        uuid.UUID
	OperatorID       uuid.UUID
	LocationID       uuid.UUID
	PatientID        uuid.UUID
	StartTime        time.Time
	EndTime          time.Time
	Status           BookingStatus
	PaymentStatus    PaymentStatus
	CalendarEventID  *string
	PaymentSessionID *string
	InvoiceID        *string
	DocumentFrontRef *string
	DocumentBackRef  *string
	IntakeNote       *string
	PartnerName      *string
	PartnerFiscal    *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
