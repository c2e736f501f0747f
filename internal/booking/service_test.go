package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/clinic-booking/internal/availability"
	"github.com/clinicdesk/clinic-booking/internal/calendar"
	"github.com/clinicdesk/clinic-booking/internal/invoice"
	"github.com/clinicdesk/clinic-booking/internal/payment"
	"github.com/clinicdesk/clinic-booking/internal/ratelimit"
	redisclient "github.com/clinicdesk/clinic-booking/internal/redisclient"
)

// In-memory fakes

type memRepo struct {
	mu        sync.Mutex
	locations map[uuid.UUID]*Location
	services  map[uuid.UUID]*ClinicService
	operators map[uuid.UUID]*Operator
	patients  map[uuid.UUID]*Patient
	bookings  map[uuid.UUID]*Booking

	clearErr   error
	clearCalls int
}

func newMemRepo() *memRepo {
	return &memRepo{
		locations: make(map[uuid.UUID]*Location),
		services:  make(map[uuid.UUID]*ClinicService),
		operators: make(map[uuid.UUID]*Operator),
		patients:  make(map[uuid.UUID]*Patient),
		bookings:  make(map[uuid.UUID]*Booking),
	}
}

func (r *memRepo) GetLocationByID(_ context.Context, id uuid.UUID) (*Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locations[id]; ok {
		cp := *l
		return &cp, nil
	}
	return nil, ErrLocationNotFound
}

func (r *memRepo) GetServiceByID(_ context.Context, id uuid.UUID) (*ClinicService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.services[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, ErrServiceNotFound
}

func (r *memRepo) GetOperatorByID(_ context.Context, id uuid.UUID) (*Operator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.operators[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, ErrOperatorNotFound
}

func (r *memRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.patients[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, ErrPatientNotFound
}

func (r *memRepo) FindPatientByEmail(_ context.Context, email string) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.patients {
		if p.Email == email {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPatientNotFound
}

func (r *memRepo) UpsertPatient(_ context.Context, p Patient) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.patients {
		if existing.Email == p.Email {
			p.ID = existing.ID
			p.Role = existing.Role
			break
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
		p.Role = RolePatient
	}
	cp := p
	r.patients[p.ID] = &cp
	out := p
	return &out, nil
}

func (r *memRepo) GetBookingByID(_ context.Context, id uuid.UUID) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bookings[id]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, ErrBookingNotFound
}

func (r *memRepo) FindBookingByPaymentSession(_ context.Context, sessionID string) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bookings {
		if b.PaymentSessionID != nil && *b.PaymentSessionID == sessionID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrBookingNotFound
}

func (r *memRepo) CreateBooking(_ context.Context, b Booking) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.Status = StatusPending
	b.PaymentStatus = PaymentPending
	b.CreatedAt = time.Now()
	cp := b
	r.bookings[b.ID] = &cp
	out := b
	return &out, nil
}

func (r *memRepo) SetBookingPaymentSession(_ context.Context, id uuid.UUID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[id]
	if !ok {
		return ErrBookingNotFound
	}
	b.PaymentSessionID = &sessionID
	return nil
}

func (r *memRepo) MarkBookingPaid(_ context.Context, id uuid.UUID, calendarEventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[id]
	if !ok {
		return false, ErrBookingNotFound
	}
	if b.PaymentStatus != PaymentPending {
		return false, nil
	}
	b.Status = StatusConfirmed
	b.PaymentStatus = PaymentPaid
	b.CalendarEventID = &calendarEventID
	return true, nil
}

func (r *memRepo) SetBookingInvoice(_ context.Context, id uuid.UUID, invoiceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[id]
	if !ok {
		return ErrBookingNotFound
	}
	b.InvoiceID = &invoiceID
	return nil
}

func (r *memRepo) ClearBookingDocuments(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearCalls++
	if r.clearErr != nil {
		return r.clearErr
	}
	b, ok := r.bookings[id]
	if !ok {
		return ErrBookingNotFound
	}
	b.DocumentFrontRef = nil
	b.DocumentBackRef = nil
	return nil
}

func (r *memRepo) DeleteAbandonedPending(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, b := range r.bookings {
		if b.Status == StatusPending && b.PaymentStatus == PaymentPending && b.CreatedAt.Before(olderThan) {
			delete(r.bookings, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) SaveOperatorCredentials(_ context.Context, operatorID uuid.UUID, accessToken string, expiry time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.operators[operatorID]
	if !ok {
		return ErrOperatorNotFound
	}
	o.CalendarAccessToken = accessToken
	o.CalendarTokenExpiry = expiry
	return nil
}

type fakeLocker struct {
	contended bool
	calls     int
}

func (l *fakeLocker) WithSlotLock(ctx context.Context, _ uuid.UUID, _ time.Time, fn func(ctx context.Context) error) error {
	l.calls++
	if l.contended {
		return redisclient.ErrLockNotAcquired
	}
	return fn(ctx)
}

type fakeCalendar struct {
	createErr error
	created   []calendar.EventInput
	nextID    int
}

func (c *fakeCalendar) ListBusyIntervals(context.Context, calendar.Account, time.Time, time.Time) ([]calendar.BusyInterval, error) {
	return nil, nil
}

func (c *fakeCalendar) CreateEvent(_ context.Context, _ calendar.Account, in calendar.EventInput) (string, error) {
	if c.createErr != nil {
		return "", c.createErr
	}
	c.nextID++
	c.created = append(c.created, in)
	return fmt.Sprintf("evt-%d", c.nextID), nil
}

func (c *fakeCalendar) UpdateEvent(context.Context, calendar.Account, string, calendar.EventInput) error {
	return nil
}

func (c *fakeCalendar) DeleteEvent(context.Context, calendar.Account, string) error {
	return nil
}

type fakePayments struct {
	err      error
	sessions int
	lastIn   payment.CheckoutInput
}

func (p *fakePayments) CreateCheckoutSession(_ context.Context, in payment.CheckoutInput) (*payment.CheckoutSession, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.sessions++
	p.lastIn = in
	return &payment.CheckoutSession{
		ID:  fmt.Sprintf("sess-%d", p.sessions),
		URL: "https://pay.example/checkout/" + fmt.Sprint(p.sessions),
	}, nil
}

type fakeInvoices struct {
	err   error
	calls int
}

func (i *fakeInvoices) IssueInvoice(context.Context, invoice.Customer, invoice.Line, []invoice.Line) (string, error) {
	i.calls++
	if i.err != nil {
		return "", i.err
	}
	return fmt.Sprintf("inv-%d", i.calls), nil
}

type fakeMailer struct {
	sentTo []string
}

func (m *fakeMailer) Notify(_ context.Context, to, _, _ string) error {
	m.sentTo = append(m.sentTo, to)
	return nil
}

type fakeSlots struct {
	slots []availability.Slot
	err   error
}

func (f *fakeSlots) AvailableSlots(context.Context, availability.Query) ([]availability.Slot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.slots, nil
}

// Harness

type harness struct {
	svc    *Service
	repo   *memRepo
	locker *fakeLocker
	cal    *fakeCalendar
	pay    *fakePayments
	inv    *fakeInvoices
	mail   *fakeMailer
	slots  *fakeSlots

	serviceID  uuid.UUID
	operatorID uuid.UUID
	locationID uuid.UUID
	start      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	rome, err := time.LoadLocation("Europe/Rome")
	require.NoError(t, err)
	start := time.Date(2026, time.March, 4, 9, 0, 0, 0, rome)

	h := &harness{
		repo:       newMemRepo(),
		locker:     &fakeLocker{},
		cal:        &fakeCalendar{},
		pay:        &fakePayments{},
		inv:        &fakeInvoices{},
		mail:       &fakeMailer{},
		serviceID:  uuid.New(),
		operatorID: uuid.New(),
		locationID: uuid.New(),
		start:      start,
	}
	h.slots = &fakeSlots{slots: []availability.Slot{{Start: start, End: start.Add(30 * time.Minute)}}}

	h.repo.locations[h.locationID] = &Location{
		ID:       h.locationID,
		Name:     "Studio Velletri",
		Address:  "Via Roma 12, Velletri",
		TimeZone: "Europe/Rome",
		Hours:    map[string][]string{"wednesday": {"09:00-13:00"}},
	}
	h.repo.services[h.serviceID] = &ClinicService{
		ID:              h.serviceID,
		Name:            "Visita ostetrica",
		DurationMinutes: 30,
		PriceCents:      12000,
		OperatorIDs:     []uuid.UUID{h.operatorID},
	}
	h.repo.operators[h.operatorID] = &Operator{
		ID:    h.operatorID,
		Name:  "Dott.ssa Bianchi",
		Email: "bianchi@clinica.example",
	}

	h.svc = NewService(Deps{
		Repo:     h.repo,
		Slots:    h.slots,
		Locker:   h.locker,
		Calendar: h.cal,
		Payments: h.pay,
		Invoices: h.inv,
		Mailer:   h.mail,
		Limiter: ratelimit.New(ratelimit.Options{
			BookingMax:    10,
			BookingWindow: time.Hour,
			LoginMax:      5,
			LoginWindow:   15 * time.Minute,
		}),
		Pricing:     PricingPolicy{StampDutyThresholdCents: 7747, StampDutyCents: 200},
		URLs:        CheckoutURLs{Success: "https://clinic.example/ok", Cancel: "https://clinic.example/ko"},
		ClinicEmail: "segreteria@clinica.example",
		Logger:      zerolog.Nop(),
	})
	h.svc.now = func() time.Time { return start.Add(-48 * time.Hour) }

	return h
}

func (h *harness) input() CreateBookingInput {
	birth := time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)
	front := "doc/front.jpg"
	back := "doc/back.jpg"
	return CreateBookingInput{
		ServiceID:  h.serviceID,
		OperatorID: h.operatorID,
		LocationID: h.locationID,
		StartTime:  h.start,
		ClientAddr: "203.0.113.7",
		Patient: PatientIntake{
			Name:             "Mario Rossi",
			Email:            "mario.rossi@example.com",
			Phone:            "+39 333 1234567",
			FiscalCode:       "RSSMRA80A01H501U",
			BirthDate:        &birth,
			Sex:              "M",
			Address:          "Via Appia 1, Roma",
			ConsentTreatment: true,
			ConsentPrivacy:   true,
		},
		DocumentFrontRef: &front,
		DocumentBackRef:  &back,
	}
}

// Intake tests

func TestCreateBooking(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.CreateBooking(context.Background(), h.input())
	require.NoError(t, err)
	require.NotNil(t, res.Booking)

	assert.Equal(t, StatusPending, res.Booking.Status)
	assert.Equal(t, PaymentPending, res.Booking.PaymentStatus)
	assert.NotEmpty(t, res.CheckoutURL)
	require.NotNil(t, res.Booking.PaymentSessionID)
	assert.Equal(t, "sess-1", *res.Booking.PaymentSessionID)
	assert.Equal(t, h.start.Add(30*time.Minute), res.Booking.EndTime)

	// Hold event carries the provisional prefix.
	require.Len(t, h.cal.created, 1)
	assert.Contains(t, h.cal.created[0].Title, "[Da confermare]")
}

func TestCreateBookingStampDutyLineItem(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreateBooking(context.Background(), h.input())
	require.NoError(t, err)

	require.Len(t, h.pay.lastIn.LineItems, 2)
	assert.Equal(t, "Imposta di bollo", h.pay.lastIn.LineItems[1].Name)
	assert.Equal(t, int64(200), h.pay.lastIn.LineItems[1].AmountCents)
}

func TestCreateBookingCheapServiceSkipsStampDuty(t *testing.T) {
	h := newHarness(t)
	h.repo.services[h.serviceID].PriceCents = 5000

	_, err := h.svc.CreateBooking(context.Background(), h.input())
	require.NoError(t, err)

	require.Len(t, h.pay.lastIn.LineItems, 1)
}

func TestCreateBookingOnRequestSkipsCheckout(t *testing.T) {
	h := newHarness(t)
	h.repo.services[h.serviceID].OnRequest = true

	res, err := h.svc.CreateBooking(context.Background(), h.input())
	require.NoError(t, err)

	assert.Empty(t, res.CheckoutURL)
	assert.Nil(t, res.Booking.PaymentSessionID)
	assert.Zero(t, h.pay.sessions)
}

func TestCreateBookingRateLimited(t *testing.T) {
	h := newHarness(t)
	h.svc.limiter = ratelimit.New(ratelimit.Options{BookingMax: 1, BookingWindow: time.Hour})

	_, err := h.svc.CreateBooking(context.Background(), h.input())
	require.NoError(t, err)

	_, err = h.svc.CreateBooking(context.Background(), h.input())
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestCreateBookingValidation(t *testing.T) {
	h := newHarness(t)

	in := h.input()
	in.Patient.ConsentPrivacy = false
	in.Patient.FiscalCode = "RSSMRA80A01H501A" // bad check character

	_, err := h.svc.CreateBooking(context.Background(), in)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 2)
	assert.Zero(t, h.locker.calls, "validation failures must not reach the lock")
}

func TestCreateBookingSlotTaken(t *testing.T) {
	h := newHarness(t)
	h.slots.slots = nil

	_, err := h.svc.CreateBooking(context.Background(), h.input())
	assert.ErrorIs(t, err, ErrSlotTaken)
}

func TestCreateBookingSlotContended(t *testing.T) {
	h := newHarness(t)
	h.locker.contended = true

	_, err := h.svc.CreateBooking(context.Background(), h.input())
	assert.ErrorIs(t, err, ErrSlotContended)
}

func TestCreateBookingPrivilegedEmail(t *testing.T) {
	h := newHarness(t)
	h.repo.patients[uuid.New()] = &Patient{
		ID:    uuid.New(),
		Name:  "Dott.ssa Bianchi",
		Email: "mario.rossi@example.com",
		Role:  RoleOperator,
	}

	_, err := h.svc.CreateBooking(context.Background(), h.input())
	assert.ErrorIs(t, err, ErrPrivilegedEmail)
	assert.Empty(t, h.repo.bookings)
}

func TestCreateBookingOperatorNotOffering(t *testing.T) {
	h := newHarness(t)
	h.repo.services[h.serviceID].OperatorIDs = []uuid.UUID{uuid.New()}

	_, err := h.svc.CreateBooking(context.Background(), h.input())

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCreateBookingCalendarHoldFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.cal.createErr = errors.New("calendar down")

	res, err := h.svc.CreateBooking(context.Background(), h.input())
	require.NoError(t, err)

	assert.Nil(t, res.Booking.CalendarEventID)
	assert.NotEmpty(t, res.CheckoutURL)
}

// Settlement tests

func settled(t *testing.T, h *harness) *Booking {
	t.Helper()
	res, err := h.svc.CreateBooking(context.Background(), h.input())
	require.NoError(t, err)
	require.NotNil(t, res.Booking.PaymentSessionID)
	return res.Booking
}

func TestSettlePayment(t *testing.T) {
	h := newHarness(t)
	created := settled(t, h)

	err := h.svc.SettlePayment(context.Background(), *created.PaymentSessionID)
	require.NoError(t, err)

	b, err := h.repo.GetBookingByID(context.Background(), created.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, b.Status)
	assert.Equal(t, PaymentPaid, b.PaymentStatus)
	require.NotNil(t, b.CalendarEventID)
	require.NotNil(t, b.InvoiceID)
	assert.Equal(t, "inv-1", *b.InvoiceID)

	// Sensitive documents erased by the finalize phase.
	assert.Nil(t, b.DocumentFrontRef)
	assert.Nil(t, b.DocumentBackRef)

	// Clinic and patient both notified.
	assert.Equal(t, []string{"segreteria@clinica.example", "mario.rossi@example.com"}, h.mail.sentTo)

	// Definitive event carries the intake payload, not the hold prefix.
	definitive := h.cal.created[len(h.cal.created)-1]
	assert.NotContains(t, definitive.Title, "[Da confermare]")
	assert.Contains(t, definitive.Title, "Visita ostetrica")
	assert.Contains(t, definitive.Description, "Codice fiscale: RSSMRA80A01H501U")
}

func TestSettlePaymentIdempotent(t *testing.T) {
	h := newHarness(t)
	created := settled(t, h)

	require.NoError(t, h.svc.SettlePayment(context.Background(), *created.PaymentSessionID))
	require.NoError(t, h.svc.SettlePayment(context.Background(), *created.PaymentSessionID))

	b, err := h.repo.GetBookingByID(context.Background(), created.ID)
	require.NoError(t, err)

	assert.Equal(t, PaymentPaid, b.PaymentStatus)
	assert.Nil(t, b.DocumentFrontRef)
	assert.Equal(t, 2, h.repo.clearCalls)
}

func TestSettlePaymentCalendarFailureBlocks(t *testing.T) {
	h := newHarness(t)
	created := settled(t, h)
	h.cal.createErr = errors.New("calendar down")

	err := h.svc.SettlePayment(context.Background(), *created.PaymentSessionID)
	assert.ErrorIs(t, err, ErrCalendarSettlement)

	b, lookupErr := h.repo.GetBookingByID(context.Background(), created.ID)
	require.NoError(t, lookupErr)

	// Not marked paid without a calendar commitment.
	assert.Equal(t, PaymentPending, b.PaymentStatus)
	assert.Zero(t, h.inv.calls)

	// The finalize phase still erased the documents.
	assert.Nil(t, b.DocumentFrontRef)
	assert.Nil(t, b.DocumentBackRef)
}

func TestSettlePaymentInvoiceFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	created := settled(t, h)
	h.inv.err = errors.New("invoicing outage")

	err := h.svc.SettlePayment(context.Background(), *created.PaymentSessionID)
	require.NoError(t, err)

	b, err := h.repo.GetBookingByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, b.PaymentStatus)
	assert.Nil(t, b.InvoiceID)
}

func TestSettlePaymentUnknownSession(t *testing.T) {
	h := newHarness(t)
	settled(t, h)

	err := h.svc.SettlePayment(context.Background(), "sess-unknown")
	require.NoError(t, err)
	assert.Zero(t, h.repo.clearCalls)
}

func TestSettlePaymentEmptySession(t *testing.T) {
	h := newHarness(t)

	err := h.svc.SettlePayment(context.Background(), "")
	require.NoError(t, err)
}

func TestSettlePaymentEraseFailureDoesNotMaskOutcome(t *testing.T) {
	h := newHarness(t)
	created := settled(t, h)
	h.repo.clearErr = errors.New("storage error")

	err := h.svc.SettlePayment(context.Background(), *created.PaymentSessionID)
	require.NoError(t, err)

	b, err := h.repo.GetBookingByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, b.PaymentStatus)
}
