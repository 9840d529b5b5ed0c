package appointments

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

	"github.com/wolfman30/visa-scheduler/internal/audit"
	"github.com/wolfman30/visa-scheduler/internal/portal"
	"github.com/wolfman30/visa-scheduler/internal/store"
	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

type dayResult struct {
	days []portal.Day
	err  error
}

type fakeDays map[int]dayResult

func (f fakeDays) Days(_ context.Context, _ string, facilityID int) ([]portal.Day, error) {
	r := f[facilityID]
	return r.days, r.err
}

type fakeGuard struct {
	mu   sync.Mutex
	errs []error
}

func (f *fakeGuard) HandleSessionError(_ context.Context, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
	return nil
}

type checkSink struct {
	mu     sync.Mutex
	checks []store.AppointmentCheck
}

func (s *checkSink) LogAppointmentCheck(_ context.Context, c store.AppointmentCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, c)
	return nil
}

func (s *checkSink) LogBookingAttempt(context.Context, store.BookingAttempt) error { return nil }

func (s *checkSink) byFacility() map[int]store.AppointmentCheck {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]store.AppointmentCheck, len(s.checks))
	for _, c := range s.checks {
		out[c.FacilityID] = c
	}
	return out
}

var facilities = []Facility{{94, "Toronto"}, {89, "Calgary"}, {95, "Vancouver"}}

func newProber(t *testing.T, days fakeDays) (*Prober, *fakeGuard, *checkSink, *audit.Recorder) {
	t.Helper()
	logger := logging.NewWithFormat("error", "json", &bytes.Buffer{})
	sink := &checkSink{}
	rec := audit.NewRecorder(sink, 16, logger)
	guard := &fakeGuard{}
	return NewProber(days, guard, rec, logger), guard, sink, rec
}

func criteriaBefore(date string) Criteria {
	return NewCriteria(&store.CurrentAppointment{Date: date, IsActive: true}, nil, nil, 365,
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
}

func TestProbeAllSelectsAcrossFacilities(t *testing.T) {
	p, guard, sink, rec := newProber(t, fakeDays{
		94: {days: []portal.Day{{Date: "2026-05-10", BusinessDay: true}, {Date: "2026-05-11"}}},
		89: {days: []portal.Day{{Date: "2026-04-02", BusinessDay: true}}},
		95: {days: nil},
	})

	cycle := uuid.New()
	ctx := audit.WithCycle(context.Background(), cycle)
	results := p.ProbeAll(ctx, "4242", facilities, criteriaBefore("2026-09-15"))
	require.Len(t, results, 3)
	require.NotNil(t, results[0])
	assert.Equal(t, "2026-05-10", results[0].Date)
	assert.Nil(t, results[2])

	best := Select(results)
	require.NotNil(t, best)
	assert.Equal(t, Candidate{FacilityID: 89, FacilityName: "Calgary", Date: "2026-04-02"}, *best)
	assert.Empty(t, guard.errs)

	require.NoError(t, rec.Close(context.Background()))
	checks := sink.byFacility()
	require.Len(t, checks, 3)
	assert.Equal(t, store.CheckSuccess, checks[94].Status)
	assert.Equal(t, []string{"2026-05-10", "2026-05-11"}, checks[94].AvailableSlots)
	assert.Equal(t, store.CheckNoSlots, checks[95].Status)
	assert.Equal(t, cycle, checks[89].CycleID)
}

func TestProbeRejectsLaterDate(t *testing.T) {
	p, _, sink, rec := newProber(t, fakeDays{
		94: {days: []portal.Day{{Date: "2026-10-01"}}},
	})
	assert.Nil(t, p.Probe(context.Background(), "4242", facilities[0], criteriaBefore("2026-09-15")))

	require.NoError(t, rec.Close(context.Background()))
	c := sink.byFacility()[94]
	assert.Equal(t, store.CheckNoSlots, c.Status)
	assert.Equal(t, "2026-10-01", c.EarliestDate)
}

func TestProbeTakesFirstEntryUnlessScanning(t *testing.T) {
	days := fakeDays{94: {days: []portal.Day{{Date: "2026-06-01"}, {Date: "2026-05-01"}}}}
	p, _, _, _ := newProber(t, days)

	got := p.Probe(context.Background(), "4242", facilities[0], criteriaBefore("2026-09-15"))
	require.NotNil(t, got)
	assert.Equal(t, "2026-06-01", got.Date)

	got = p.WithScanAll(true).Probe(context.Background(), "4242", facilities[0], criteriaBefore("2026-09-15"))
	require.NotNil(t, got)
	assert.Equal(t, "2026-05-01", got.Date)
}

func TestProbeSessionExpiryCallsGuard(t *testing.T) {
	p, guard, sink, rec := newProber(t, fakeDays{
		94: {err: &portal.StatusError{Code: 401, Text: "Unauthorized"}},
		89: {err: &portal.StatusError{Code: 500, Text: "Internal Server Error"}},
		95: {err: portal.ErrMalformed},
	})

	results := p.ProbeAll(context.Background(), "4242", facilities, criteriaBefore("2026-09-15"))
	assert.Equal(t, []*Candidate{nil, nil, nil}, results)
	require.Len(t, guard.errs, 1)

	var se *portal.StatusError
	require.True(t, errors.As(guard.errs[0], &se))
	assert.Equal(t, 401, se.Code)

	require.NoError(t, rec.Close(context.Background()))
	checks := sink.byFacility()
	assert.Equal(t, store.CheckError, checks[94].Status)
	assert.Equal(t, "HTTP 401", checks[94].ErrorMessage)
	assert.Equal(t, "HTTP 500", checks[89].ErrorMessage)
	assert.Equal(t, store.CheckError, checks[95].Status)
}

func TestProbeMalformedDateIsAnError(t *testing.T) {
	for _, date := range []string{"03/01/2026", "soon", ""} {
		t.Run(date, func(t *testing.T) {
			p, _, sink, rec := newProber(t, fakeDays{
				94: {days: []portal.Day{{Date: date}, {Date: "2026-04-02"}}},
			})
			assert.Nil(t, p.Probe(context.Background(), "4242", facilities[0], criteriaBefore("2026-09-15")))

			require.NoError(t, rec.Close(context.Background()))
			check := sink.byFacility()[94]
			assert.Equal(t, store.CheckError, check.Status)
			assert.Empty(t, check.EarliestDate)
			assert.Contains(t, check.ErrorMessage, portal.ErrMalformed.Error())
		})
	}
}

func TestProbeScanAllSkipsMalformedEntries(t *testing.T) {
	p, _, sink, rec := newProber(t, fakeDays{
		94: {days: []portal.Day{{Date: "03/01/2026"}, {Date: "2026-05-01"}, {Date: "2026-04-02"}}},
	})
	p.WithScanAll(true)

	c := p.Probe(context.Background(), "4242", facilities[0], criteriaBefore("2026-09-15"))
	require.NotNil(t, c)
	assert.Equal(t, "2026-04-02", c.Date)

	require.NoError(t, rec.Close(context.Background()))
	assert.Equal(t, store.CheckSuccess, sink.byFacility()[94].Status)
}
