// Package booking drives the portal's appointment form to claim a probed
// date, trying every offered time slot and retrying whole attempts.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/visa-scheduler/internal/appointments"
	"github.com/wolfman30/visa-scheduler/internal/artifacts"
	"github.com/wolfman30/visa-scheduler/internal/audit"
	"github.com/wolfman30/visa-scheduler/internal/browser"
	"github.com/wolfman30/visa-scheduler/internal/notify"
	"github.com/wolfman30/visa-scheduler/internal/observability/metrics"
	"github.com/wolfman30/visa-scheduler/internal/portal"
	"github.com/wolfman30/visa-scheduler/internal/session"
	"github.com/wolfman30/visa-scheduler/internal/store"
	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

var bookingTracer = otel.Tracer("visa.internal.booking.executor")

var (
	// ErrNoTimeSlots means the times endpoint offered nothing for the date.
	ErrNoTimeSlots = errors.New("booking: no time slots available for this date")
	// ErrAllSlotsFailed means no offered slot produced a confirmation.
	ErrAllSlotsFailed = errors.New("booking: all time slots failed or were unavailable")
)

// TimeLister lists the open time slots on a day.
type TimeLister interface {
	Times(ctx context.Context, userID string, facilityID int, date string) ([]string, error)
}

// ExpiryHandler re-authenticates after a session-expiry signal.
type ExpiryHandler interface {
	HandleSessionError(ctx context.Context, err error) error
}

// AppointmentStore tracks the applicant's active appointment.
type AppointmentStore interface {
	CurrentAppointment(ctx context.Context) (*store.CurrentAppointment, error)
	ReplaceCurrentAppointment(ctx context.Context, a store.CurrentAppointment) error
}

// Config holds retry counts and form settle delays.
type Config struct {
	MaxRetries     int
	RetryPause     time.Duration
	FacilitySettle time.Duration
	DateSettle     time.Duration
	SlotSettle     time.Duration
	ConfirmWait    time.Duration
	ConfirmSettle  time.Duration
	TimesRetries   int
	TimesBackoff   time.Duration
	PersistRetries int
}

// DefaultConfig returns the portal's known-good pacing.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryPause:     2 * time.Second,
		FacilitySettle: 500 * time.Millisecond,
		DateSettle:     time.Second,
		SlotSettle:     1500 * time.Millisecond,
		ConfirmWait:    2 * time.Second,
		ConfirmSettle:  3 * time.Second,
		TimesRetries:   3,
		TimesBackoff:   time.Second,
		PersistRetries: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries < 1 {
		c.MaxRetries = d.MaxRetries
	}
	if c.TimesRetries < 1 {
		c.TimesRetries = d.TimesRetries
	}
	if c.PersistRetries < 1 {
		c.PersistRetries = d.PersistRetries
	}
	return c
}

// Result is the outcome of Book.
type Result struct {
	Booked   bool
	TimeSlot string
	Attempts int
	Err      error
}

// Executor books a candidate through the appointment form.
type Executor struct {
	page     browser.Page
	site     portal.Site
	times    TimeLister
	store    AppointmentStore
	cfg      Config
	logger   *logging.Logger
	guard    ExpiryHandler
	recorder *audit.Recorder
	notifier *notify.BookingNotifier
	shots    artifacts.Sink
	metrics  *metrics.SchedulerMetrics

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewExecutor creates an Executor. Retry counts below one fall back to
// DefaultConfig.
func NewExecutor(page browser.Page, site portal.Site, times TimeLister, st AppointmentStore, cfg Config, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Executor{
		page:   page,
		site:   site,
		times:  times,
		store:  st,
		cfg:    cfg.withDefaults(),
		logger: logger.Module("booking"),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// WithGuard routes 401/403 responses from the time-slot fetch to re-login.
func (e *Executor) WithGuard(g ExpiryHandler) *Executor {
	e.guard = g
	return e
}

// WithRecorder audits every attempt.
func (e *Executor) WithRecorder(r *audit.Recorder) *Executor {
	e.recorder = r
	return e
}

// WithNotifier sends booked and exhausted notices.
func (e *Executor) WithNotifier(n *notify.BookingNotifier) *Executor {
	e.notifier = n
	return e
}

// WithScreenshots archives the form when every attempt fails.
func (e *Executor) WithScreenshots(s artifacts.Sink) *Executor {
	e.shots = s
	return e
}

// WithMetrics attaches booking metrics.
func (e *Executor) WithMetrics(m *metrics.SchedulerMetrics) *Executor {
	e.metrics = m
	return e
}

// Book makes up to MaxRetries attempts at the candidate date.
func (e *Executor) Book(ctx context.Context, userID string, c appointments.Candidate) Result {
	maxAttempts := e.cfg.MaxRetries
	var lastErr error
	attempts := 0

	for n := 1; n <= maxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		attempts = n
		e.logger.Info("booking attempt", "attempt", n, "max", maxAttempts, "facility", c.FacilityName, "date", c.Date)
		e.audit(ctx, c, n, store.AttemptTrying, "", "", 0)

		start := e.now()
		slot, err := e.attempt(ctx, userID, c, n)
		if err == nil {
			e.metrics.ObserveAttempt(string(store.AttemptSuccess))
			e.metrics.ObserveBooking(strconv.Itoa(c.FacilityID))
			return Result{Booked: true, TimeSlot: slot, Attempts: n}
		}

		lastErr = err
		e.logger.Error("booking attempt failed", "attempt", n, "error", err)
		e.audit(ctx, c, n, store.AttemptFailed, "", err.Error(), e.now().Sub(start))
		e.metrics.ObserveAttempt(string(store.AttemptFailed))

		if n < maxAttempts {
			if err := e.sleep(ctx, e.cfg.RetryPause); err != nil {
				lastErr = err
				break
			}
		}
	}

	e.exhausted(ctx, c, attempts, lastErr)
	return Result{Attempts: attempts, Err: lastErr}
}

func (e *Executor) attempt(ctx context.Context, userID string, c appointments.Candidate, n int) (string, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.attempt", trace.WithAttributes(
		attribute.Int("visa.facility_id", c.FacilityID),
		attribute.String("visa.date", c.Date),
		attribute.Int("visa.attempt", n),
	))
	defer span.End()

	slot, err := e.runForm(ctx, userID, c, n)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("visa.time_slot", slot))
	return slot, nil
}

func (e *Executor) runForm(ctx context.Context, userID string, c appointments.Candidate, n int) (string, error) {
	loc, err := e.page.URL(ctx)
	if err != nil {
		return "", fmt.Errorf("booking: read location: %w", err)
	}
	if !portal.IsAppointmentURL(loc) {
		if err := e.page.Navigate(ctx, e.site.Appointment(userID)); err != nil {
			return "", fmt.Errorf("booking: open appointment form: %w", err)
		}
	}

	if visible, _ := e.page.Visible(ctx, portal.SelectorFacility); visible {
		if err := e.page.Select(ctx, portal.SelectorFacility, strconv.Itoa(c.FacilityID)); err != nil {
			return "", fmt.Errorf("booking: select facility: %w", err)
		}
		if err := e.sleep(ctx, e.cfg.FacilitySettle); err != nil {
			return "", err
		}
	}

	if err := e.page.Fill(ctx, portal.SelectorDate, c.Date); err != nil {
		return "", fmt.Errorf("booking: fill date: %w", err)
	}
	if err := e.page.Click(ctx, portal.SelectorDate); err != nil {
		return "", fmt.Errorf("booking: click date: %w", err)
	}
	if err := e.sleep(ctx, e.cfg.DateSettle); err != nil {
		return "", err
	}

	slots, err := e.fetchTimes(ctx, userID, c)
	if err != nil {
		return "", err
	}
	if len(slots) == 0 {
		return "", ErrNoTimeSlots
	}
	e.logger.Info("found time slots", "count", len(slots), "slots", slots)

	for i, slot := range slots {
		e.logger.Info("trying time slot", "index", i+1, "of", len(slots), "slot", slot)
		ok, err := e.trySlot(ctx, slot)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			e.logger.Warn("error with time slot", "slot", slot, "error", err)
			continue
		}
		if !ok {
			e.logger.Warn("time slot did not confirm, trying next", "slot", slot)
			continue
		}

		if err := e.page.Click(ctx, portal.SelectorConfirm); err != nil {
			e.logger.Warn("error confirming time slot", "slot", slot, "error", err)
			continue
		}
		e.audit(ctx, c, n, store.AttemptSuccess, slot, "", 0)
		if err := e.sleep(ctx, e.cfg.ConfirmSettle); err != nil {
			return "", err
		}
		e.confirmed(ctx, c, slot, n)
		return slot, nil
	}
	return "", ErrAllSlotsFailed
}

// trySlot selects a slot and submits, reporting whether the confirmation
// affordance appeared.
func (e *Executor) trySlot(ctx context.Context, slot string) (bool, error) {
	if err := e.page.Select(ctx, portal.SelectorTime, slot); err != nil {
		return false, fmt.Errorf("select time: %w", err)
	}
	if err := e.page.Click(ctx, portal.SelectorSubmit); err != nil {
		return false, fmt.Errorf("submit: %w", err)
	}
	if err := e.sleep(ctx, e.cfg.SlotSettle); err != nil {
		return false, err
	}
	return e.page.WaitVisible(ctx, portal.SelectorConfirm, e.cfg.ConfirmWait)
}

func (e *Executor) fetchTimes(ctx context.Context, userID string, c appointments.Candidate) ([]string, error) {
	var lastErr error
	for i := 1; i <= e.cfg.TimesRetries; i++ {
		slots, err := e.times.Times(ctx, userID, c.FacilityID, c.Date)
		if err == nil {
			return slots, nil
		}
		lastErr = err
		e.logger.Warn("time slot fetch failed", "attempt", i, "date", c.Date, "error", err)
		if session.IsExpiry(err) && e.guard != nil {
			if herr := e.guard.HandleSessionError(ctx, err); herr != nil {
				return nil, herr
			}
		}
		if i < e.cfg.TimesRetries {
			if err := e.sleep(ctx, time.Duration(i)*e.cfg.TimesBackoff); err != nil {
				return nil, err
			}
		}
	}
	e.logger.Error("all time slot fetches failed", "retries", e.cfg.TimesRetries, "date", c.Date)
	return nil, fmt.Errorf("booking: fetch time slots: %w", lastErr)
}

// confirmed records the new appointment. The booking already stands on the
// portal, so failures here are logged rather than returned.
func (e *Executor) confirmed(ctx context.Context, c appointments.Candidate, slot string, n int) {
	previous := ""
	if cur, err := e.store.CurrentAppointment(ctx); err == nil && cur != nil {
		previous = cur.Date
	}

	appt := store.CurrentAppointment{
		Date:         c.Date,
		FacilityID:   c.FacilityID,
		FacilityName: c.FacilityName,
		TimeSlot:     slot,
		BookedAt:     e.now(),
		IsActive:     true,
	}
	var err error
	for i := 1; i <= e.cfg.PersistRetries; i++ {
		if err = e.store.ReplaceCurrentAppointment(ctx, appt); err == nil {
			break
		}
		e.logger.Error("failed to record current appointment", "attempt", i, "error", err)
		if i < e.cfg.PersistRetries {
			if serr := e.sleep(ctx, time.Second); serr != nil {
				break
			}
		}
	}
	if err != nil {
		e.logger.Error("booked appointment not recorded", "facility", c.FacilityName, "date", c.Date, "slot", slot, "error", err)
	}

	e.logger.Info("booking confirmed", "facility", c.FacilityName, "date", c.Date, "slot", slot)
	if err := e.notifier.NotifyBooked(ctx, notify.Booked{
		FacilityName: c.FacilityName,
		Date:         c.Date,
		TimeSlot:     slot,
		PreviousDate: previous,
		Attempts:     n,
		BookedAt:     appt.BookedAt,
	}); err != nil {
		e.logger.Warn("booking notification failed", "error", err)
	}
}

func (e *Executor) exhausted(ctx context.Context, c appointments.Candidate, attempts int, lastErr error) {
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	e.logger.Error("booking failed", "attempts", attempts, "facility", c.FacilityName, "date", c.Date)
	e.audit(ctx, c, attempts, store.AttemptExhausted, "", msg, 0)
	e.metrics.ObserveAttempt(string(store.AttemptExhausted))

	if ctx.Err() != nil {
		return
	}
	shot := e.screenshot(ctx)
	if err := e.notifier.NotifyExhausted(ctx, notify.Exhausted{
		FacilityName: c.FacilityName,
		Date:         c.Date,
		Attempts:     attempts,
		LastError:    msg,
		Screenshot:   shot,
	}); err != nil {
		e.logger.Warn("exhaustion notification failed", "error", err)
	}
}

func (e *Executor) screenshot(ctx context.Context) string {
	if e.shots == nil {
		return ""
	}
	png, err := e.page.Screenshot(ctx)
	if err != nil {
		e.logger.Warn("screenshot failed", "error", err)
		return ""
	}
	loc, err := e.shots.Save(ctx, "booking-exhausted", png)
	if err != nil {
		e.logger.Warn("screenshot upload failed", "error", err)
		return ""
	}
	return loc
}

func (e *Executor) audit(ctx context.Context, c appointments.Candidate, n int, status store.AttemptStatus, slot, errMsg string, d time.Duration) {
	e.recorder.Attempt(ctx, store.BookingAttempt{
		AttemptTime:   e.now(),
		FacilityID:    c.FacilityID,
		FacilityName:  c.FacilityName,
		TargetDate:    c.Date,
		TimeSlot:      slot,
		AttemptNumber: n,
		Status:        status,
		ErrorMessage:  errMsg,
		Duration:      d,
	})
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
