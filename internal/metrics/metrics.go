// Package metrics exposes Prometheus instrumentation for the scheduling service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the appointment service reports to.
type Recorder interface {
	AppointmentWritten(op, status string)
	SchedulingConflict(op string)
	WriteRetried(op string)
	AuditFailed()
	ObserveOperation(op, outcome string, d time.Duration)
}

// Collector is the Prometheus-backed Recorder.
type Collector struct {
	written   *prometheus.CounterVec
	conflicts *prometheus.CounterVec
	retries   *prometheus.CounterVec
	auditFail prometheus.Counter
	latency   *prometheus.HistogramVec
}

// NewCollector registers the scheduling metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		written: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduling_appointments_written_total",
			Help: "Appointments created or updated, by operation and resulting status.",
		}, []string{"op", "status"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduling_conflicts_total",
			Help: "Writes rejected because the doctor was already booked.",
		}, []string{"op"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduling_write_retries_total",
			Help: "Check-then-write units retried after losing a race.",
		}, []string{"op"}),
		auditFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduling_audit_failures_total",
			Help: "Audit events that could not be recorded.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scheduling_operation_duration_seconds",
			Help:    "Latency of scheduling operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
	}

	reg.MustRegister(
		c.written,
		c.conflicts,
		c.retries,
		c.auditFail,
		c.latency,
	)

	return c
}

func (c *Collector) AppointmentWritten(op, status string) {
	c.written.WithLabelValues(op, status).Inc()
}

func (c *Collector) SchedulingConflict(op string) {
	c.conflicts.WithLabelValues(op).Inc()
}

func (c *Collector) WriteRetried(op string) {
	c.retries.WithLabelValues(op).Inc()
}

func (c *Collector) AuditFailed() {
	c.auditFail.Inc()
}

func (c *Collector) ObserveOperation(op, outcome string, d time.Duration) {
	c.latency.WithLabelValues(op, outcome).Observe(d.Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) AppointmentWritten(string, string) {}
func (Nop) SchedulingConflict(string) {}
func (Nop) WriteRetried(string) {}
func (Nop) AuditFailed() {}
func (Nop) ObserveOperation(string, string, time.Duration) {}
