// Package scheduler runs the polling loop: inside the checking window it
// validates the session, probes every facility, and books the best date.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/visa-scheduler/internal/appointments"
	"github.com/wolfman30/visa-scheduler/internal/audit"
	"github.com/wolfman30/visa-scheduler/internal/booking"
	"github.com/wolfman30/visa-scheduler/internal/observability/metrics"
	"github.com/wolfman30/visa-scheduler/internal/session"
	"github.com/wolfman30/visa-scheduler/internal/store"
	"github.com/wolfman30/visa-scheduler/internal/window"
	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

var loopTracer = otel.Tracer("visa.internal.scheduler.loop")

// ErrNoUserID means neither the stored credentials nor the login produced a
// schedule id.
var ErrNoUserID = errors.New("scheduler: no user id, run login first")

// App state keys written after each cycle.
const (
	StateLastCheck   = "last_check"
	StateLastBooking = "last_booking"
)

type Guardian interface {
	EnsureValidSession(ctx context.Context) error
	Expired() bool
	Err() error
	UserID() string
}

type Prober interface {
	ProbeAll(ctx context.Context, userID string, facilities []appointments.Facility, c appointments.Criteria) []*appointments.Candidate
}

type Booker interface {
	Book(ctx context.Context, userID string, c appointments.Candidate) booking.Result
}

// Lease is the single-runner lock. Keep renews it for the length of an
// iteration and cancels the returned context once ownership is lost.
type Lease interface {
	Hold(ctx context.Context) (bool, error)
	Keep(ctx context.Context) (context.Context, func())
}

// Store is the persistence the loop reads and writes directly.
type Store interface {
	GetCredentials(ctx context.Context) (*store.Credentials, error)
	CurrentAppointment(ctx context.Context) (*store.CurrentAppointment, error)
	SetAppState(ctx context.Context, key string, value any) error
	LogError(ctx context.Context, e store.ErrorLog) error
}

// Config controls what is probed and how long the loop rests.
type Config struct {
	Facilities          []appointments.Facility
	StartDate           *time.Time
	EndDate             *time.Time
	HorizonDays         int
	MinDelay            time.Duration
	MaxDelay            time.Duration
	OutsideWindowPause  time.Duration
	IterationErrorPause time.Duration
	AfterBookingPause   time.Duration
	StartJitter         time.Duration
	LeasePause          time.Duration
}

// CheckSummary is stored under StateLastCheck.
type CheckSummary struct {
	CycleID   string                  `json:"cycle_id"`
	At        time.Time               `json:"at"`
	Candidate *appointments.Candidate `json:"candidate,omitempty"`
}

// BookingSummary is stored under StateLastBooking.
type BookingSummary struct {
	CycleID      string    `json:"cycle_id"`
	At           time.Time `json:"at"`
	FacilityID   int       `json:"facility_id"`
	FacilityName string    `json:"facility_name"`
	Date         string    `json:"date"`
	TimeSlot     string    `json:"time_slot"`
	Attempts     int       `json:"attempts"`
}

// Loop is the single scheduling worker.
type Loop struct {
	window  window.Window
	guard   Guardian
	store   Store
	prober  Prober
	booker  Booker
	lease   Lease
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.SchedulerMetrics

	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error
	randN           func(n int64) int64
	errWriteTimeout time.Duration
}

// NewLoop creates the scheduling worker. It runs without a lease until
// WithLease is called.
func NewLoop(w window.Window, guard Guardian, st Store, prober Prober, booker Booker, cfg Config, logger *logging.Logger) *Loop {
	if logger == nil {
		logger = logging.Default()
	}
	return &Loop{
		window: w,
		guard:  guard,
		store:  st,
		prober: prober,
		booker: booker,
		cfg:    cfg,
		logger: logger.Module("scheduler"),

		now:             time.Now,
		sleep:           sleepCtx,
		randN:           rand.Int64N,
		errWriteTimeout: 5 * time.Second,
	}
}

// WithLease makes the loop idle while another instance holds the lease.
func (l *Loop) WithLease(lease Lease) *Loop {
	l.lease = lease
	return l
}

// WithMetrics attaches cycle and window metrics.
func (l *Loop) WithMetrics(m *metrics.SchedulerMetrics) *Loop {
	l.metrics = m
	return l
}

// Run iterates until ctx is cancelled. Iteration failures never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	names := make([]string, 0, len(l.cfg.Facilities))
	for _, f := range l.cfg.Facilities {
		names = append(names, f.Name)
	}
	l.logger.Info("scheduler started", "window", l.window.String(), "facilities", names)

	for {
		if ctx.Err() != nil {
			l.logger.Info("scheduler stopped")
			return nil
		}
		pause := l.Iterate(ctx)
		if err := l.sleep(ctx, pause); err != nil {
			l.logger.Info("scheduler stopped")
			return nil
		}
	}
}

// Iterate runs one pass of the loop and returns how long to rest after it.
func (l *Loop) Iterate(ctx context.Context) (pause time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			l.recordError(ctx, "panic", fmt.Errorf("scheduler: panic: %v", r), map[string]any{
				"stack": string(debug.Stack()),
			})
			pause = l.cfg.IterationErrorPause
		}
	}()

	parent := ctx
	if l.lease != nil {
		held, err := l.lease.Hold(ctx)
		if err != nil {
			l.logger.Warn("lease check failed", "error", err)
			return l.cfg.LeasePause
		}
		if !held {
			l.logger.Debug("another instance holds the lease")
			return l.cfg.LeasePause
		}
		var stop func()
		ctx, stop = l.lease.Keep(ctx)
		defer stop()
	}

	now := l.now()
	open := l.window.Contains(now)
	l.metrics.SetWindowOpen(open)
	if !open {
		l.logger.Info("outside checking window",
			"window", l.window.String(),
			"local_time", now.In(l.window.Location()).Format("15:04"),
			"opens_in_hours", int(l.window.UntilOpen(now).Hours()),
		)
		return l.cfg.OutsideWindowPause
	}

	if err := l.sleep(ctx, l.jitter(0, l.cfg.StartJitter)); err != nil {
		return l.interrupted(parent)
	}

	for {
		booked, err := l.RunCycle(ctx)
		if ctx.Err() != nil {
			return l.interrupted(parent)
		}
		if err != nil {
			return l.cfg.IterationErrorPause
		}
		if !booked {
			break
		}
		l.logger.Info("booked, checking again for an even earlier date")
		if err := l.sleep(ctx, l.cfg.AfterBookingPause); err != nil {
			return l.interrupted(parent)
		}
	}

	delay := l.jitter(l.cfg.MinDelay, l.cfg.MaxDelay)
	l.logger.Info("next check scheduled", "in", delay.String())
	return delay
}

// interrupted picks the pause after the iteration context ended. A live parent
// means the lease was lost mid-iteration.
func (l *Loop) interrupted(parent context.Context) time.Duration {
	if parent.Err() != nil {
		return 0
	}
	l.logger.Warn("lease lost during iteration, yielding")
	return l.cfg.LeasePause
}

// RunCycle validates the session, probes all facilities and books the best
// acceptable date. It reports whether a booking was made. Failures are written
// to the error log under the cycle id.
func (l *Loop) RunCycle(ctx context.Context) (booked bool, err error) {
	id := uuid.New()
	ctx = audit.WithCycle(ctx, id)
	ctx, span := loopTracer.Start(ctx, "scheduler.cycle")
	span.SetAttributes(attribute.String("visa.cycle_id", id.String()))
	logger := l.logger.With("cycle_id", id.String())

	start := l.now()
	outcome := "error"
	defer func() {
		if err != nil {
			span.RecordError(err)
			if ctx.Err() == nil {
				l.recordError(ctx, "cycle", err, nil)
			}
		}
		span.SetAttributes(attribute.String("visa.outcome", outcome))
		span.End()
		l.metrics.ObserveCycle(outcome, l.now().Sub(start).Seconds())
	}()

	if err := l.guard.EnsureValidSession(ctx); err != nil {
		return false, fmt.Errorf("scheduler: session: %w", err)
	}

	userID, err := l.userID(ctx)
	if err != nil {
		return false, err
	}

	current, err := l.store.CurrentAppointment(ctx)
	if err != nil {
		return false, fmt.Errorf("scheduler: current appointment: %w", err)
	}
	criteria := appointments.NewCriteria(current, l.cfg.StartDate, l.cfg.EndDate, l.cfg.HorizonDays, start.In(l.window.Location()))
	if date, ok := criteria.Current(); ok {
		logger.Info("starting facility check", "current_appointment", date, "facilities", len(l.cfg.Facilities))
	} else {
		logger.Info("starting facility check", "facilities", len(l.cfg.Facilities))
	}

	results := l.prober.ProbeAll(ctx, userID, l.cfg.Facilities, criteria)
	if l.guard.Expired() {
		outcome = "session_lost"
		lost := l.guard.Err()
		if lost == nil {
			lost = session.ErrSessionLost
		}
		return false, fmt.Errorf("scheduler: session expired during probing: %w", lost)
	}

	if err := ctx.Err(); err != nil {
		outcome = "interrupted"
		return false, err
	}

	best := appointments.Select(results)
	l.saveState(ctx, StateLastCheck, CheckSummary{CycleID: id.String(), At: start, Candidate: best})
	if best == nil {
		outcome = "no_candidate"
		logger.Info("no better appointments found")
		return false, nil
	}

	logger.Info("better appointment found", "facility", best.FacilityName, "date", best.Date)
	res := l.booker.Book(ctx, userID, *best)
	if !res.Booked {
		outcome = "booking_failed"
		logger.Warn("booking failed, will continue checking", "attempts", res.Attempts, "error", res.Err)
		return false, nil
	}

	outcome = "booked"
	logger.Info("booking successful", "facility", best.FacilityName, "date", best.Date, "slot", res.TimeSlot)
	l.saveState(ctx, StateLastBooking, BookingSummary{
		CycleID:      id.String(),
		At:           l.now(),
		FacilityID:   best.FacilityID,
		FacilityName: best.FacilityName,
		Date:         best.Date,
		TimeSlot:     res.TimeSlot,
		Attempts:     res.Attempts,
	})
	return true, nil
}

func (l *Loop) userID(ctx context.Context) (string, error) {
	creds, err := l.store.GetCredentials(ctx)
	if err != nil {
		return "", fmt.Errorf("scheduler: load credentials: %w", err)
	}
	if creds != nil && creds.UserID != "" {
		return creds.UserID, nil
	}
	if id := l.guard.UserID(); id != "" {
		return id, nil
	}
	return "", ErrNoUserID
}

func (l *Loop) saveState(ctx context.Context, key string, value any) {
	if err := l.store.SetAppState(ctx, key, value); err != nil {
		l.logger.Warn("failed to save app state", "key", key, "error", err)
	}
}

// recordError logs err and writes it to the error log table. The write is
// best effort and survives cancellation of ctx.
func (l *Loop) recordError(ctx context.Context, kind string, err error, extra map[string]any) {
	l.logger.Error("iteration failed", "type", kind, "error", err)

	detail := map[string]any{}
	if id := audit.CycleFrom(ctx); id != uuid.Nil {
		detail["cycle_id"] = id.String()
	}
	for k, v := range extra {
		detail[k] = v
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.errWriteTimeout)
	defer cancel()
	if werr := l.store.LogError(writeCtx, store.ErrorLog{
		Time:     l.now(),
		Type:     kind,
		Message:  err.Error(),
		Context:  detail,
		Severity: "error",
	}); werr != nil {
		l.logger.Warn("failed to write error log", "error", werr)
	}
}

// jitter returns a random duration in [lo, hi].
func (l *Loop) jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(l.randN(int64(hi-lo)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
