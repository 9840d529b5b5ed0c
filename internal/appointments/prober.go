package appointments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/visa-scheduler/internal/audit"
	"github.com/wolfman30/visa-scheduler/internal/observability/metrics"
	"github.com/wolfman30/visa-scheduler/internal/portal"
	"github.com/wolfman30/visa-scheduler/internal/session"
	"github.com/wolfman30/visa-scheduler/internal/store"
	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

var probeTracer = otel.Tracer("visa.internal.appointments.prober")

const maxAuditedDays = 20

// DayLister lists the open days at a facility.
type DayLister interface {
	Days(ctx context.Context, userID string, facilityID int) ([]portal.Day, error)
}

// ExpiryHandler re-authenticates after a session-expiry signal.
type ExpiryHandler interface {
	HandleSessionError(ctx context.Context, err error) error
}

// Prober checks facilities for days that satisfy the cycle's criteria.
type Prober struct {
	days     DayLister
	guard    ExpiryHandler
	recorder *audit.Recorder
	metrics  *metrics.SchedulerMetrics
	logger   *logging.Logger
	scanAll  bool
	now      func() time.Time
}

// NewProber creates a Prober. guard and recorder may be nil.
func NewProber(days DayLister, guard ExpiryHandler, recorder *audit.Recorder, logger *logging.Logger) *Prober {
	if logger == nil {
		logger = logging.Default()
	}
	return &Prober{
		days:     days,
		guard:    guard,
		recorder: recorder,
		logger:   logger.Module("prober"),
		now:      time.Now,
	}
}

// WithMetrics attaches per-facility probe metrics.
func (p *Prober) WithMetrics(m *metrics.SchedulerMetrics) *Prober {
	p.metrics = m
	return p
}

// WithScanAll makes Probe take the minimum of the whole day list instead of
// trusting the first entry to be the earliest.
func (p *Prober) WithScanAll(scan bool) *Prober {
	p.scanAll = scan
	return p
}

// Probe checks one facility. It never fails: every problem is audited and
// reported as a nil candidate.
func (p *Prober) Probe(ctx context.Context, userID string, f Facility, c Criteria) *Candidate {
	ctx, span := probeTracer.Start(ctx, "appointments.probe", trace.WithAttributes(
		attribute.Int("visa.facility_id", f.ID),
		attribute.String("visa.facility_name", f.Name),
	))
	defer span.End()

	start := p.now()
	check := store.AppointmentCheck{
		FacilityID:   f.ID,
		FacilityName: f.Name,
	}
	finish := func(status store.CheckStatus, errMsg string) {
		check.Status = status
		check.ErrorMessage = errMsg
		check.Duration = p.now().Sub(start)
		check.CheckTime = start
		p.recorder.Check(ctx, check)
		p.metrics.ObserveProbe(strconv.Itoa(f.ID), string(status), check.Duration.Seconds())
		span.SetAttributes(attribute.String("visa.probe_status", string(status)))
	}

	p.logger.Debug("checking facility", "facility", f.Name, "facility_id", f.ID)
	days, err := p.days.Days(ctx, userID, f.ID)
	if err != nil {
		span.RecordError(err)
		if session.IsExpiry(err) && p.guard != nil {
			if herr := p.guard.HandleSessionError(ctx, err); herr != nil {
				p.logger.Error("session recovery failed", "facility", f.Name, "error", herr)
			}
		}
		p.logger.Warn("facility check failed", "facility", f.Name, "error", err)
		finish(store.CheckError, probeErrorMessage(err))
		return nil
	}
	if len(days) == 0 {
		p.logger.Info("no appointments available", "facility", f.Name)
		finish(store.CheckNoSlots, "")
		return nil
	}

	check.AvailableSlots = listedDates(days)
	earliest := p.earliest(days)
	if _, err := time.Parse(DateLayout, earliest); err != nil {
		span.RecordError(err)
		p.logger.Warn("unparseable date in day list", "facility", f.Name, "date", earliest)
		finish(store.CheckError, fmt.Sprintf("%s: date %q", portal.ErrMalformed, earliest))
		return nil
	}
	check.EarliestDate = earliest
	if !c.Accepts(earliest) {
		p.logger.Info("date is not better", "facility", f.Name, "date", earliest)
		finish(store.CheckNoSlots, "")
		return nil
	}

	p.logger.Info("found better date", "facility", f.Name, "date", earliest)
	finish(store.CheckSuccess, "")
	return &Candidate{FacilityID: f.ID, FacilityName: f.Name, Date: earliest}
}

// ProbeAll probes every facility concurrently and waits for all of them.
// The result is index-aligned with facilities.
func (p *Prober) ProbeAll(ctx context.Context, userID string, facilities []Facility, c Criteria) []*Candidate {
	results := make([]*Candidate, len(facilities))
	var g errgroup.Group
	for i, f := range facilities {
		g.Go(func() error {
			results[i] = p.Probe(ctx, userID, f, c)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Prober) earliest(days []portal.Day) string {
	if !p.scanAll {
		return days[0].Date
	}
	best := ""
	for _, d := range days {
		if _, err := time.Parse(DateLayout, d.Date); err != nil {
			continue
		}
		if best == "" || d.Date < best {
			best = d.Date
		}
	}
	if best == "" {
		return days[0].Date
	}
	return best
}

func listedDates(days []portal.Day) []string {
	n := min(len(days), maxAuditedDays)
	out := make([]string, 0, n)
	for _, d := range days[:n] {
		out = append(out, d.Date)
	}
	return out
}

func probeErrorMessage(err error) string {
	var se *portal.StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("HTTP %d", se.Code)
	}
	return err.Error()
}
