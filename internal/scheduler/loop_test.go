package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/visa-scheduler/internal/appointments"
	"github.com/wolfman30/visa-scheduler/internal/booking"
	"github.com/wolfman30/visa-scheduler/internal/session"
	"github.com/wolfman30/visa-scheduler/internal/store"
	"github.com/wolfman30/visa-scheduler/internal/window"
	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

type fakeGuard struct {
	ensureErr error
	expired   bool
	err       error
	userID    string
	ensures   int
}

func (f *fakeGuard) EnsureValidSession(context.Context) error {
	f.ensures++
	return f.ensureErr
}
func (f *fakeGuard) Expired() bool { return f.expired }
func (f *fakeGuard) Err() error { return f.err }
func (f *fakeGuard) UserID() string { return f.userID }

type fakeStore struct {
	mu      sync.Mutex
	creds   *store.Credentials
	current *store.CurrentAppointment
	state   map[string]any
	errs    []store.ErrorLog
}

func (f *fakeStore) GetCredentials(context.Context) (*store.Credentials, error) { return f.creds, nil }

func (f *fakeStore) CurrentAppointment(context.Context) (*store.CurrentAppointment, error) {
	return f.current, nil
}

func (f *fakeStore) SetAppState(_ context.Context, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == nil {
		f.state = map[string]any{}
	}
	f.state[key] = value
	return nil
}

func (f *fakeStore) LogError(_ context.Context, e store.ErrorLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, e)
	return nil
}

type fakeProber struct {
	rounds  [][]*appointments.Candidate
	calls   int
	userIDs []string
	onProbe func()
}

func (f *fakeProber) ProbeAll(_ context.Context, userID string, _ []appointments.Facility, _ appointments.Criteria) []*appointments.Candidate {
	f.calls++
	f.userIDs = append(f.userIDs, userID)
	if f.onProbe != nil {
		f.onProbe()
	}
	if len(f.rounds) == 0 {
		return nil
	}
	r := f.rounds[0]
	f.rounds = f.rounds[1:]
	return r
}

type fakeBooker struct {
	booked []appointments.Candidate
	result booking.Result
}

func (f *fakeBooker) Book(_ context.Context, _ string, c appointments.Candidate) booking.Result {
	f.booked = append(f.booked, c)
	return f.result
}

type fakeLease struct {
	held  bool
	kept  int
	lose  context.CancelFunc
	stops int
}

func (f *fakeLease) Hold(context.Context) (bool, error) { return f.held, nil }

func (f *fakeLease) Keep(ctx context.Context) (context.Context, func()) {
	f.kept++
	kctx, cancel := context.WithCancel(ctx)
	f.lose = cancel
	return kctx, func() {
		f.stops++
		cancel()
	}
}

type harness struct {
	loop   *Loop
	guard  *fakeGuard
	store  *fakeStore
	prober *fakeProber
	booker *fakeBooker
	slept  []time.Duration
}

var testConfig = Config{
	Facilities:          []appointments.Facility{{ID: 94, Name: "Toronto"}, {ID: 89, Name: "Calgary"}},
	HorizonDays:         365,
	MinDelay:            5 * time.Second,
	MaxDelay:            30 * time.Second,
	OutsideWindowPause:  5 * time.Minute,
	IterationErrorPause: 10 * time.Second,
	AfterBookingPause:   5 * time.Second,
	StartJitter:         5 * time.Second,
	LeasePause:          10 * time.Second,
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	w, err := window.New(19, 5, "UTC")
	require.NoError(t, err)

	h := &harness{
		guard:  &fakeGuard{},
		store:  &fakeStore{creds: &store.Credentials{Email: "a@b.c", UserID: "4242"}},
		prober: &fakeProber{},
		booker: &fakeBooker{},
	}
	h.loop = NewLoop(w, h.guard, h.store, h.prober, h.booker, testConfig, logging.NewWithFormat("error", "json", &bytes.Buffer{}))
	h.loop.now = func() time.Time { return now }
	h.loop.randN = func(n int64) int64 { return n - 1 }
	h.loop.sleep = func(ctx context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return ctx.Err()
	}
	return h
}

var (
	evening = time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)
	noon    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func TestRunCycleNoCandidate(t *testing.T) {
	h := newHarness(t, evening)
	h.prober.rounds = [][]*appointments.Candidate{{nil, nil}}

	booked, err := h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, booked)
	assert.Equal(t, 1, h.guard.ensures)
	assert.Equal(t, []string{"4242"}, h.prober.userIDs)
	assert.Empty(t, h.booker.booked)

	summary, ok := h.store.state[StateLastCheck].(CheckSummary)
	require.True(t, ok)
	assert.Nil(t, summary.Candidate)
	assert.NotEmpty(t, summary.CycleID)
}

func TestRunCycleBooksEarliest(t *testing.T) {
	h := newHarness(t, evening)
	h.prober.rounds = [][]*appointments.Candidate{{
		{FacilityID: 94, FacilityName: "Toronto", Date: "2026-05-10"},
		{FacilityID: 89, FacilityName: "Calgary", Date: "2026-04-02"},
	}}
	h.booker.result = booking.Result{Booked: true, TimeSlot: "08:00", Attempts: 1}

	booked, err := h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, booked)
	require.Len(t, h.booker.booked, 1)
	assert.Equal(t, 89, h.booker.booked[0].FacilityID)

	summary, ok := h.store.state[StateLastBooking].(BookingSummary)
	require.True(t, ok)
	assert.Equal(t, "2026-04-02", summary.Date)
	assert.Equal(t, "08:00", summary.TimeSlot)
}

func TestRunCycleFallsBackToGuardUserID(t *testing.T) {
	h := newHarness(t, evening)
	h.store.creds = &store.Credentials{Email: "a@b.c"}
	h.guard.userID = "777"

	_, err := h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"777"}, h.prober.userIDs)
}

func TestRunCycleWithoutUserID(t *testing.T) {
	h := newHarness(t, evening)
	h.store.creds = nil

	_, err := h.loop.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrNoUserID)
	assert.Zero(t, h.prober.calls)
}

func TestRunCycleAbortsWhenSessionLost(t *testing.T) {
	h := newHarness(t, evening)
	h.prober.rounds = [][]*appointments.Candidate{{{FacilityID: 94, Date: "2026-05-10"}}}
	h.prober.onProbe = func() { h.guard.expired = true }

	_, err := h.loop.RunCycle(context.Background())
	require.ErrorIs(t, err, session.ErrSessionLost)
	assert.Empty(t, h.booker.booked)
}

func TestRunCycleSessionError(t *testing.T) {
	h := newHarness(t, evening)
	h.guard.ensureErr = errors.New("captcha")

	_, err := h.loop.RunCycle(context.Background())
	require.Error(t, err)
	assert.Zero(t, h.prober.calls)
}

func TestIterateOutsideWindow(t *testing.T) {
	h := newHarness(t, noon)

	pause := h.loop.Iterate(context.Background())
	assert.Equal(t, 5*time.Minute, pause)
	assert.Zero(t, h.guard.ensures)
	assert.Empty(t, h.slept)
}

func TestIterateRepeatsAfterBooking(t *testing.T) {
	h := newHarness(t, evening)
	h.prober.rounds = [][]*appointments.Candidate{{{FacilityID: 94, FacilityName: "Toronto", Date: "2026-05-10"}}}
	h.booker.result = booking.Result{Booked: true, TimeSlot: "08:00", Attempts: 1}

	pause := h.loop.Iterate(context.Background())
	assert.Equal(t, 30*time.Second, pause)
	assert.Equal(t, 2, h.prober.calls)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, h.slept, "start jitter then post-booking pause")
}

func TestIterateRecordsCycleErrors(t *testing.T) {
	h := newHarness(t, evening)
	h.guard.ensureErr = errors.New("still on sign-in page")

	pause := h.loop.Iterate(context.Background())
	assert.Equal(t, 10*time.Second, pause)
	require.Len(t, h.store.errs, 1)
	assert.Equal(t, "cycle", h.store.errs[0].Type)
	assert.Contains(t, h.store.errs[0].Message, "still on sign-in page")
	id, ok := h.store.errs[0].Context["cycle_id"].(string)
	require.True(t, ok, "cycle id recorded")
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
}

func TestRunCycleErrorLogCarriesCycleID(t *testing.T) {
	h := newHarness(t, evening)
	h.store.creds = nil

	_, err := h.loop.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrNoUserID)
	require.Len(t, h.store.errs, 1)
	assert.NotEmpty(t, h.store.errs[0].Context["cycle_id"])
}

func TestRunCycleCancelledIsNotLogged(t *testing.T) {
	h := newHarness(t, evening)
	ctx, cancel := context.WithCancel(context.Background())
	h.prober.onProbe = cancel

	_, err := h.loop.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.store.errs)
	assert.Empty(t, h.booker.booked)
}

func TestIterateRecoversPanics(t *testing.T) {
	h := newHarness(t, evening)
	h.prober.onProbe = func() { panic("nil map") }

	pause := h.loop.Iterate(context.Background())
	assert.Equal(t, 10*time.Second, pause)
	require.Len(t, h.store.errs, 1)
	assert.Equal(t, "panic", h.store.errs[0].Type)
	assert.Contains(t, h.store.errs[0].Message, "nil map")
	assert.Contains(t, h.store.errs[0].Context, "stack")
}

func TestIterateWaitsForLease(t *testing.T) {
	h := newHarness(t, evening)
	lease := &fakeLease{held: false}
	h.loop.WithLease(lease)

	pause := h.loop.Iterate(context.Background())
	assert.Equal(t, 10*time.Second, pause)
	assert.Zero(t, h.guard.ensures)
	assert.Zero(t, lease.kept)
}

func TestIterateKeepsLeaseForWholeIteration(t *testing.T) {
	h := newHarness(t, evening)
	lease := &fakeLease{held: true}
	h.loop.WithLease(lease)
	h.prober.rounds = [][]*appointments.Candidate{{{FacilityID: 94, FacilityName: "Toronto", Date: "2026-05-10"}}}
	h.booker.result = booking.Result{Booked: true, TimeSlot: "08:00", Attempts: 1}

	pause := h.loop.Iterate(context.Background())
	assert.Equal(t, 30*time.Second, pause)
	assert.Equal(t, 1, lease.kept)
	assert.Equal(t, 1, lease.stops)
	assert.Equal(t, 2, h.prober.calls, "repeat cycle ran under the same renewal")
}

func TestIterateYieldsWhenLeaseLost(t *testing.T) {
	h := newHarness(t, evening)
	lease := &fakeLease{held: true}
	h.loop.WithLease(lease)
	h.prober.rounds = [][]*appointments.Candidate{{{FacilityID: 94, FacilityName: "Toronto", Date: "2026-05-10"}}}
	h.prober.onProbe = func() { lease.lose() }

	pause := h.loop.Iterate(context.Background())
	assert.Equal(t, 10*time.Second, pause)
	assert.Empty(t, h.booker.booked, "no booking after losing the lease")
	assert.Empty(t, h.store.errs)
	assert.Equal(t, 1, lease.stops)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, noon)
	ctx, cancel := context.WithCancel(context.Background())
	h.loop.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestJitterBounds(t *testing.T) {
	h := newHarness(t, evening)
	h.loop.randN = func(int64) int64 { return 0 }
	assert.Equal(t, 5*time.Second, h.loop.jitter(5*time.Second, 30*time.Second))
	assert.Equal(t, 7*time.Second, h.loop.jitter(7*time.Second, 7*time.Second))
}
