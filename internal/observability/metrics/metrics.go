package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulerMetrics exposes counters/histograms for the polling and booking loop.
type SchedulerMetrics struct {
	probesTotal      *prometheus.CounterVec
	probeLatency     *prometheus.HistogramVec
	attemptsTotal    *prometheus.CounterVec
	bookingsTotal    *prometheus.CounterVec
	cycleDuration    *prometheus.HistogramVec
	reloginsTotal    *prometheus.CounterVec
	auditDropped     prometheus.Counter
	windowOpen       prometheus.Gauge
	sessionValidated prometheus.Gauge
}

func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visa",
			Subsystem: "prober",
			Name:      "probes_total",
			Help:      "Facility probes by outcome",
		}, []string{"facility", "status"}),
		probeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "visa",
			Subsystem: "prober",
			Name:      "probe_latency_seconds",
			Help:      "Latency of a single facility days request",
			Buckets:   prometheus.DefBuckets,
		}, []string{"facility"}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visa",
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking attempts by audit status",
		}, []string{"status"}),
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visa",
			Subsystem: "booking",
			Name:      "bookings_total",
			Help:      "Confirmed bookings",
		}, []string{"facility"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "visa",
			Subsystem: "scheduler",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one check-and-book cycle",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"outcome"}),
		reloginsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visa",
			Subsystem: "session",
			Name:      "relogins_total",
			Help:      "Re-authentications by result",
		}, []string{"result"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visa",
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Audit records dropped because the buffer was full or closed",
		}),
		windowOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visa",
			Subsystem: "scheduler",
			Name:      "window_open",
			Help:      "1 while the checking window is open",
		}),
		sessionValidated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visa",
			Subsystem: "session",
			Name:      "last_validated_timestamp_seconds",
			Help:      "Unix time of the last successful session validation",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.probesTotal, m.probeLatency, m.attemptsTotal, m.bookingsTotal,
		m.cycleDuration, m.reloginsTotal, m.auditDropped, m.windowOpen, m.sessionValidated)
	return m
}

func (m *SchedulerMetrics) ObserveProbe(facility, status string, seconds float64) {
	if m == nil {
		return
	}
	m.probesTotal.WithLabelValues(facility, status).Inc()
	m.probeLatency.WithLabelValues(facility).Observe(seconds)
}

func (m *SchedulerMetrics) ObserveAttempt(status string) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(status).Inc()
}

func (m *SchedulerMetrics) ObserveBooking(facility string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(facility).Inc()
}

func (m *SchedulerMetrics) ObserveCycle(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.cycleDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *SchedulerMetrics) ObserveRelogin(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.reloginsTotal.WithLabelValues(result).Inc()
}

func (m *SchedulerMetrics) ObserveAuditDrop() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

func (m *SchedulerMetrics) SetWindowOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.windowOpen.Set(1)
		return
	}
	m.windowOpen.Set(0)
}

func (m *SchedulerMetrics) SetSessionValidated(unixSeconds float64) {
	if m == nil {
		return
	}
	m.sessionValidated.Set(unixSeconds)
}
