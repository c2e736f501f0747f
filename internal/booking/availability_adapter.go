package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicdesk/clinic-booking/internal/availability"
	"github.com/clinicdesk/clinic-booking/internal/calendar"
)

// AvailabilityAdapter backs the availability engine with the datastore
// and the live calendar provider.
type AvailabilityAdapter struct {
	repo Repository
	cal  calendar.Provider
}

func NewAvailabilityAdapter(repo Repository, cal calendar.Provider) *AvailabilityAdapter {
	return &AvailabilityAdapter{repo: repo, cal: cal}
}

func (a *AvailabilityAdapter) ResolveLocation(ctx context.Context, id uuid.UUID) (*availability.LocationInfo, error) {
	loc, err := a.repo.GetLocationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &availability.LocationInfo{TimeZone: loc.TimeZone, Hours: loc.Hours}, nil
}

func (a *AvailabilityAdapter) OperatorBusy(ctx context.Context, operatorID uuid.UUID, from, to time.Time) ([]calendar.BusyInterval, error) {
	op, err := a.repo.GetOperatorByID(ctx, operatorID)
	if err != nil {
		return nil, err
	}

	busy, err := a.cal.ListBusyIntervals(ctx, calendarAccount(op), from, to)
	if err != nil {
		return nil, fmt.Errorf("busy intervals for operator %s: %w", op.Email, err)
	}
	return busy, nil
}

// calendarAccount maps an operator record to its calendar credential.
func calendarAccount(op *Operator) calendar.Account {
	return calendar.Account{
		OperatorID:   op.ID,
		CalendarID:   op.Email,
		AccessToken:  op.CalendarAccessToken,
		RefreshToken: op.CalendarRefreshToken,
		TokenExpiry:  op.CalendarTokenExpiry,
	}
}
