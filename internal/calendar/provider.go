// Package calendar defines the external calendar integration: busy
// interval queries used by the availability engine and event management
// used by the booking lifecycle.
package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnauthorized  = errors.New("calendar credentials rejected")
	ErrEventNotFound = errors.New("calendar event not found")
)

// BusyInterval is an occupied range on an operator's calendar. Fetched
// per availability query, never persisted.
type BusyInterval struct {
	Start time.Time
	End   time.Time
	Title string
}

// EventInput describes a calendar event to create or update.
type EventInput struct {
	Title         string
	Description   string
	Start         time.Time
	End           time.Time
	AttendeeEmail string
}

// Account carries one operator's calendar identity and OAuth credential.
// The calendar id doubles as the operator's invitee address.
type Account struct {
	OperatorID   uuid.UUID
	CalendarID   string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
}

// CredentialStore persists refreshed access tokens back to the operator
// record, so the next query does not repeat the refresh round-trip.
type CredentialStore interface {
	SaveOperatorCredentials(ctx context.Context, operatorID uuid.UUID, accessToken string, expiry time.Time) error
}

// Provider is the calendar integration consumed by this service.
type Provider interface {
	ListBusyIntervals(ctx context.Context, acct Account, from, to time.Time) ([]BusyInterval, error)
	CreateEvent(ctx context.Context, acct Account, in EventInput) (string, error)
	UpdateEvent(ctx context.Context, acct Account, eventID string, in EventInput) error
	DeleteEvent(ctx context.Context, acct Account, eventID string) error
}
