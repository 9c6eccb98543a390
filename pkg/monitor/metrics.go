package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes supervisor lifecycle counters through a dedicated
// prometheus registry. It implements the supervisor's metrics interface.
type Metrics struct {
	registry *prometheus.Registry

	serviceUp           *prometheus.GaugeVec
	restartsTotal       *prometheus.CounterVec
	healthFailuresTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the supervisor metric set
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		serviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stackd_service_up",
			Help: "Whether the service process is running and considered healthy (1) or not (0)",
		}, []string{"service"}),
		restartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackd_restarts_total",
			Help: "Number of automatic restarts performed per service",
		}, []string{"service"}),
		healthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackd_health_check_failures_total",
			Help: "Number of failed health probes per service",
		}, []string{"service"}),
	}

	m.registry.MustRegister(m.serviceUp, m.restartsTotal, m.healthFailuresTotal)
	return m
}

// Registry returns the registry backing the /metrics endpoint
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ServiceUp(service string, up bool) {
	value := 0.0
	if up {
		value = 1.0
	}
	m.serviceUp.WithLabelValues(service).Set(value)
}

// RestartRecorded counts a restart; the free-form reason is carried in
// logs and status, not as a label, to keep cardinality bounded
func (m *Metrics) RestartRecorded(service string, reason string) {
	m.restartsTotal.WithLabelValues(service).Inc()
}

func (m *Metrics) HealthFailureRecorded(service string) {
	m.healthFailuresTotal.WithLabelValues(service).Inc()
}
