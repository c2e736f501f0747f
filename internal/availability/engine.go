// Package availability computes bookable time windows for a location
// and optional operator by reconciling per-weekday working hours with
// the operator's live calendar busy intervals.
package availability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicdesk/clinic-booking/internal/calendar"
)

var (
	ErrLocationNotFound = errors.New("location not found")
	ErrBadDate          = errors.New("date must be YYYY-MM-DD")
	ErrBadDuration      = errors.New("duration must be a positive number of minutes")
)

// Slot is a candidate bookable window. Both instants are absolute;
// slots are recomputed on every query and never persisted.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// LocationInfo is what the engine needs to know about a location: its
// fixed IANA zone and the ordered open intervals per lowercase weekday
// name, each "HH:MM-HH:MM".
type LocationInfo struct {
	TimeZone string
	Hours    map[string][]string
}

// LocationResolver loads location working-hours data.
type LocationResolver interface {
	ResolveLocation(ctx context.Context, id uuid.UUID) (*LocationInfo, error)
}

// BusySource answers the calendar round-trip for one operator. Callers
// should treat it as a network operation.
type BusySource interface {
	OperatorBusy(ctx context.Context, operatorID uuid.UUID, from, to time.Time) ([]calendar.BusyInterval, error)
}

// Query asks for the bookable slots of one civil date.
type Query struct {
	Date            string // YYYY-MM-DD, interpreted in the location's zone
	DurationMinutes int
	OperatorID      *uuid.UUID
	LocationID      uuid.UUID
}

type Engine struct {
	locations LocationResolver
	busy      BusySource
	marker    string // busy events with this title are internal aggregate markers
	now       func() time.Time
}

func NewEngine(locations LocationResolver, busy BusySource, aggregateMarker string) *Engine {
	return &Engine{
		locations: locations,
		busy:      busy,
		marker:    aggregateMarker,
		now:       time.Now,
	}
}

// AvailableSlots returns the ordered bookable slots for the query. A
// closed day or a date entirely in the past yields an empty slice, not
// an error. Results are never cached: a staleness window here is a
// double-booking risk.
func (e *Engine) AvailableSlots(ctx context.Context, q Query) ([]Slot, error) {
	if q.DurationMinutes <= 0 {
		return nil, ErrBadDuration
	}

	year, month, day, err := parseCivilDate(q.Date)
	if err != nil {
		return nil, err
	}

	info, err := e.locations.ResolveLocation(ctx, q.LocationID)
	if err != nil {
		return nil, err
	}

	tz, err := time.LoadLocation(info.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("location zone %q: %w", info.TimeZone, err)
	}

	dayStart := civilInstant(tz, year, month, day, 0)
	weekday := strings.ToLower(dayStart.Weekday().String())

	openIntervals := info.Hours[weekday]
	if len(openIntervals) == 0 {
		return []Slot{}, nil
	}

	var busy []calendar.BusyInterval
	if q.OperatorID != nil {
		busy, err = e.busy.OperatorBusy(ctx, *q.OperatorID, dayStart, dayStart.AddDate(0, 0, 1))
		if err != nil {
			return nil, fmt.Errorf("fetch busy intervals: %w", err)
		}
	}

	now := e.now()
	duration := time.Duration(q.DurationMinutes) * time.Minute

	var slots []Slot
	for _, interval := range openIntervals {
		open, close, err := parseOpenInterval(interval)
		if err != nil {
			return nil, err
		}

		for offset := open; offset+q.DurationMinutes <= close; offset += q.DurationMinutes {
			start := civilInstant(tz, year, month, day, offset)
			end := start.Add(duration)

			if !start.After(now) {
				continue
			}
			if e.overlapsBusy(start, end, busy) {
				continue
			}

			slots = append(slots, Slot{Start: start, End: end})
		}
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })

	if slots == nil {
		slots = []Slot{}
	}
	return slots, nil
}

func (e *Engine) overlapsBusy(start, end time.Time, busy []calendar.BusyInterval) bool {
	for _, b := range busy {
		if strings.TrimSpace(b.Title) == e.marker {
			continue
		}
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}

// civilInstant is the single constructor for slot instants: civil
// wall-clock components anchored to the location's zone. Slot times are
// never derived from server-local arithmetic.
func civilInstant(tz *time.Location, year int, month time.Month, day, minuteOfDay int) time.Time {
	return time.Date(year, month, day, minuteOfDay/60, minuteOfDay%60, 0, 0, tz)
}

func parseCivilDate(s string) (int, time.Month, int, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return 0, 0, 0, ErrBadDate
	}
	return t.Year(), t.Month(), t.Day(), nil
}

// parseOpenInterval converts "HH:MM-HH:MM" into minute-of-day offsets.
func parseOpenInterval(s string) (open, close int, err error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("open interval %q: want HH:MM-HH:MM", s)
	}
	open, err = parseMinuteOfDay(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("open interval %q: %w", s, err)
	}
	close, err = parseMinuteOfDay(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("open interval %q: %w", s, err)
	}
	if close <= open {
		return 0, 0, fmt.Errorf("open interval %q: close must be after open", s)
	}
	return open, close, nil
}

func parseMinuteOfDay(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad time %q", s)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("bad hour %q", parts[0])
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("bad minute %q", parts[1])
	}
	return hh*60 + mm, nil
}
