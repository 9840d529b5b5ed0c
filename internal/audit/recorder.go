// Package audit records probe and booking outcomes without slowing the
// scheduling loop. Writes are queued and drained by a single goroutine.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/visa-scheduler/internal/observability/metrics"
	"github.com/wolfman30/visa-scheduler/internal/store"
	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

const (
	defaultBuffer       = 256
	defaultWriteTimeout = 5 * time.Second
)

// Sink persists audit rows.
type Sink interface {
	LogAppointmentCheck(ctx context.Context, c store.AppointmentCheck) error
	LogBookingAttempt(ctx context.Context, a store.BookingAttempt) error
}

type record struct {
	check   *store.AppointmentCheck
	attempt *store.BookingAttempt
}

// Recorder is a fire-and-forget audit writer. A nil Recorder discards
// everything.
type Recorder struct {
	sink    Sink
	logger  *logging.Logger
	metrics *metrics.SchedulerMetrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan record
	done   chan struct{}
}

// NewRecorder starts the drain goroutine. buffer <= 0 uses a default size.
func NewRecorder(sink Sink, buffer int, logger *logging.Logger) *Recorder {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = logging.Default()
	}
	r := &Recorder{
		sink:    sink,
		logger:  logger.Module("audit"),
		timeout: defaultWriteTimeout,
		queue:   make(chan record, buffer),
		done:    make(chan struct{}),
	}
	go r.drain()
	return r
}

// WithMetrics counts dropped records.
func (r *Recorder) WithMetrics(m *metrics.SchedulerMetrics) *Recorder {
	if r != nil {
		r.metrics = m
	}
	return r
}

// Check queues a probe audit row. It never blocks.
func (r *Recorder) Check(ctx context.Context, c store.AppointmentCheck) {
	if r == nil {
		return
	}
	if c.CycleID == uuid.Nil {
		c.CycleID = CycleFrom(ctx)
	}
	r.enqueue(record{check: &c})
}

// Attempt queues a booking audit row. It never blocks.
func (r *Recorder) Attempt(ctx context.Context, a store.BookingAttempt) {
	if r == nil {
		return
	}
	if a.CycleID == uuid.Nil {
		a.CycleID = CycleFrom(ctx)
	}
	r.enqueue(record{attempt: &a})
}

func (r *Recorder) enqueue(rec record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(rec)
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.drop(rec)
	}
}

func (r *Recorder) drop(rec record) {
	r.metrics.ObserveAuditDrop()
	kind := "check"
	if rec.attempt != nil {
		kind = "attempt"
	}
	r.logger.Warn("audit record dropped", "kind", kind)
}

func (r *Recorder) drain() {
	defer close(r.done)
	for rec := range r.queue {
		r.write(rec)
	}
}

func (r *Recorder) write(rec record) {
	if r.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	switch {
	case rec.check != nil:
		err = r.sink.LogAppointmentCheck(ctx, *rec.check)
	case rec.attempt != nil:
		err = r.sink.LogBookingAttempt(ctx, *rec.attempt)
	}
	if err != nil {
		r.logger.Error("audit write failed", "error", err)
	}
}

// Close stops accepting records and waits for the queue to flush or ctx to
// expire.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
