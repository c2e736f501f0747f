package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/clinic-booking/internal/calendar"
)

type fakeResolver struct {
	info *LocationInfo
	err  error
}

func (f *fakeResolver) ResolveLocation(_ context.Context, _ uuid.UUID) (*LocationInfo, error) {
	return f.info, f.err
}

type fakeBusy struct {
	intervals []calendar.BusyInterval
	err       error
	calls     int
}

func (f *fakeBusy) OperatorBusy(_ context.Context, _ uuid.UUID, _, _ time.Time) ([]calendar.BusyInterval, error) {
	f.calls++
	return f.intervals, f.err
}

var rome = func() *time.Location {
	l, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		panic(err)
	}
	return l
}()

func velletriLocation() *LocationInfo {
	return &LocationInfo{
		TimeZone: "Europe/Rome",
		Hours: map[string][]string{
			"wednesday": {"09:00-13:00", "15:00-18:00"},
			"friday":    {"09:00-12:00"},
		},
	}
}

func newTestEngine(resolver *fakeResolver, busy *fakeBusy, now time.Time) *Engine {
	e := NewEngine(resolver, busy, "Appuntamenti")
	e.now = func() time.Time { return now }
	return e
}

// 2026-03-04 is a Wednesday.
const wednesday = "2026-03-04"

func TestAvailableSlots_WalksOpenIntervals(t *testing.T) {
	busy := &fakeBusy{}
	// Well before the queried day, so every candidate is in the future.
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, rome)
	e := newTestEngine(&fakeResolver{info: velletriLocation()}, busy, now)

	opID := uuid.New()
	slots, err := e.AvailableSlots(context.Background(), Query{
		Date:            wednesday,
		DurationMinutes: 30,
		OperatorID:      &opID,
		LocationID:      uuid.New(),
	})
	require.NoError(t, err)

	// 09:00..12:30 and 15:00..17:30, every 30 minutes.
	require.Len(t, slots, 14)
	assert.Equal(t, time.Date(2026, 3, 4, 9, 0, 0, 0, rome), slots[0].Start)
	assert.Equal(t, time.Date(2026, 3, 4, 12, 30, 0, 0, rome), slots[7].Start)
	assert.Equal(t, time.Date(2026, 3, 4, 15, 0, 0, 0, rome), slots[8].Start)
	assert.Equal(t, time.Date(2026, 3, 4, 17, 30, 0, 0, rome), slots[13].Start)

	for _, s := range slots {
		assert.Equal(t, 30*time.Minute, s.End.Sub(s.Start))
		// Neither 13:00 nor 18:00 may appear as a start.
		assert.NotEqual(t, time.Date(2026, 3, 4, 13, 0, 0, 0, rome), s.Start)
		assert.NotEqual(t, time.Date(2026, 3, 4, 18, 0, 0, 0, rome), s.Start)
	}
}

func TestAvailableSlots_ClosedDayIsEmptyNotError(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, rome)
	e := newTestEngine(&fakeResolver{info: velletriLocation()}, &fakeBusy{}, now)

	// 2026-03-02 is a Monday with no hours configured.
	slots, err := e.AvailableSlots(context.Background(), Query{
		Date:            "2026-03-02",
		DurationMinutes: 30,
		LocationID:      uuid.New(),
	})
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestAvailableSlots_PastDateIsEmpty(t *testing.T) {
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, rome)
	e := newTestEngine(&fakeResolver{info: velletriLocation()}, &fakeBusy{}, now)

	slots, err := e.AvailableSlots(context.Background(), Query{
		Date:            wednesday, // already behind "now"
		DurationMinutes: 30,
		LocationID:      uuid.New(),
	})
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestAvailableSlots_DropsNonFutureCandidatesSameDay(t *testing.T) {
	// Querying mid-morning on the day itself: 09:00-10:30 already gone.
	now := time.Date(2026, 3, 4, 10, 30, 0, 0, rome)
	e := newTestEngine(&fakeResolver{info: velletriLocation()}, &fakeBusy{}, now)

	slots, err := e.AvailableSlots(context.Background(), Query{
		Date:            wednesday,
		DurationMinutes: 30,
		LocationID:      uuid.New(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, slots)
	assert.Equal(t, time.Date(2026, 3, 4, 11, 0, 0, 0, rome), slots[0].Start)
}

func TestAvailableSlots_ExcludesBusyOverlaps(t *testing.T) {
	busy := &fakeBusy{intervals: []calendar.BusyInterval{
		{
			Start: time.Date(2026, 3, 4, 9, 15, 0, 0, rome),
			End:   time.Date(2026, 3, 4, 10, 15, 0, 0, rome),
			Title: "Visita",
		},
	}}
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, rome)
	e := newTestEngine(&fakeResolver{info: velletriLocation()}, busy, now)

	opID := uuid.New()
	slots, err := e.AvailableSlots(context.Background(), Query{
		Date:            wednesday,
		DurationMinutes: 30,
		OperatorID:      &opID,
		LocationID:      uuid.New(),
	})
	require.NoError(t, err)

	// 09:00, 09:30 and 10:00 all overlap the busy hour.
	for _, s := range slots {
		assert.False(t, s.Start.Before(busy.intervals[0].End) && busy.intervals[0].Start.Before(s.End),
			"slot %s overlaps busy interval", s.Start)
	}
	assert.Equal(t, time.Date(2026, 3, 4, 10, 30, 0, 0, rome), slots[0].Start)
}

func TestAvailableSlots_AggregateMarkerIgnored(t *testing.T) {
	busy := &fakeBusy{intervals: []calendar.BusyInterval{
		{
			Start: time.Date(2026, 3, 4, 9, 0, 0, 0, rome),
			End:   time.Date(2026, 3, 4, 13, 0, 0, 0, rome),
			Title: "Appuntamenti",
		},
	}}
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, rome)
	e := newTestEngine(&fakeResolver{info: velletriLocation()}, busy, now)

	opID := uuid.New()
	slots, err := e.AvailableSlots(context.Background(), Query{
		Date:            wednesday,
		DurationMinutes: 30,
		OperatorID:      &opID,
		LocationID:      uuid.New(),
	})
	require.NoError(t, err)
	// The marker spans the whole morning yet blocks nothing.
	assert.Equal(t, time.Date(2026, 3, 4, 9, 0, 0, 0, rome), slots[0].Start)
}

func TestAvailableSlots_NoOperatorSkipsCalendarFetch(t *testing.T) {
	busy := &fakeBusy{}
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, rome)
	e := newTestEngine(&fakeResolver{info: velletriLocation()}, busy, now)

	_, err := e.AvailableSlots(context.Background(), Query{
		Date:            wednesday,
		DurationMinutes: 30,
		LocationID:      uuid.New(),
	})
	require.NoError(t, err)
	assert.Zero(t, busy.calls)
}

func TestAvailableSlots_SlotsAnchoredToLocationZone(t *testing.T) {
	// A zone far from any plausible server zone makes naive arithmetic
	// show up immediately.
	info := &LocationInfo{
		TimeZone: "Pacific/Auckland",
		Hours:    map[string][]string{"wednesday": {"09:00-10:00"}},
	}
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	e := newTestEngine(&fakeResolver{info: info}, &fakeBusy{}, now)

	slots, err := e.AvailableSlots(context.Background(), Query{
		Date:            wednesday,
		DurationMinutes: 60,
		LocationID:      uuid.New(),
	})
	require.NoError(t, err)
	require.Len(t, slots, 1)

	auckland, err := time.LoadLocation("Pacific/Auckland")
	require.NoError(t, err)
	assert.True(t, slots[0].Start.Equal(time.Date(2026, 3, 4, 9, 0, 0, 0, auckland)))
}

func TestAvailableSlots_ErrorPaths(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, rome)

	t.Run("bad date", func(t *testing.T) {
		e := newTestEngine(&fakeResolver{info: velletriLocation()}, &fakeBusy{}, now)
		_, err := e.AvailableSlots(context.Background(), Query{Date: "04/03/2026", DurationMinutes: 30})
		assert.ErrorIs(t, err, ErrBadDate)
	})

	t.Run("bad duration", func(t *testing.T) {
		e := newTestEngine(&fakeResolver{info: velletriLocation()}, &fakeBusy{}, now)
		_, err := e.AvailableSlots(context.Background(), Query{Date: wednesday, DurationMinutes: 0})
		assert.ErrorIs(t, err, ErrBadDuration)
	})

	t.Run("location missing", func(t *testing.T) {
		e := newTestEngine(&fakeResolver{err: ErrLocationNotFound}, &fakeBusy{}, now)
		_, err := e.AvailableSlots(context.Background(), Query{Date: wednesday, DurationMinutes: 30})
		assert.ErrorIs(t, err, ErrLocationNotFound)
	})

	t.Run("busy fetch failure propagates", func(t *testing.T) {
		busyErr := errors.New("calendar timeout")
		e := newTestEngine(&fakeResolver{info: velletriLocation()}, &fakeBusy{err: busyErr}, now)
		opID := uuid.New()
		_, err := e.AvailableSlots(context.Background(), Query{
			Date: wednesday, DurationMinutes: 30, OperatorID: &opID,
		})
		assert.ErrorIs(t, err, busyErr)
	})
}
