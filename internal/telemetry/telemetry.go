package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cycletime/internal/models"
)

type Metrics struct {
	registry       *prometheus.Registry
	auditEvents    *prometheus.CounterVec
	auditFailures  prometheus.Counter
	loginThrottled prometheus.Counter
	activeSessions prometheus.Gauge
	records        prometheus.Gauge
}

// New registers the collectors on a private registry so that several
// instances can coexist in one process.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		auditEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cycletime",
				Name:      "audit_events_total",
				Help:      "Audit events appended, by event type.",
			},
			[]string{"event_type"},
		),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cycletime",
			Name:      "audit_append_failures_total",
			Help:      "Audit appends that could not be persisted.",
		}),
		loginThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cycletime",
			Name:      "login_throttled_total",
			Help:      "Login attempts refused by the failed-attempt throttle.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cycletime",
			Name:      "active_sessions",
			Help:      "Sessions currently held by the HTTP adapter.",
		}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cycletime",
			Name:      "cycle_records",
			Help:      "Cycle time records after the last mutation.",
		}),
	}
	m.registry.MustRegister(
		m.auditEvents,
		m.auditFailures,
		m.loginThrottled,
		m.activeSessions,
		m.records,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) AuditAppended(t models.EventType) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) AuditFailed() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

func (m *Metrics) LoginThrottled() {
	if m == nil {
		return
	}
	m.loginThrottled.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) SetRecordCount(n int) {
	if m == nil {
		return
	}
	m.records.Set(float64(n))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
