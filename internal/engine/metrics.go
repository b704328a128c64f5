package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/availwatch/internal/faults"
	"github.com/roach88/availwatch/internal/record"
)

const metricsSubsystem = "engine"

// Metrics instruments the lifecycle engine.
type Metrics struct {
	submissions *prometheus.CounterVec
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	fallbacks   prometheus.Counter
	staleFlight prometheus.Gauge
}

// NewMetrics registers the engine metrics on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "submissions_total",
			Help:      "Records created, by kind",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "transitions_total",
			Help:      "Applied record transitions, by resulting fine status",
		}, []string{"fine_status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "failures_total",
			Help:      "Records that reached Failed, by fault code",
		}, []string{"code"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "fallback_finalizations_total",
			Help:      "Records finalized by the finality timeout",
		}),
		staleFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: metricsSubsystem,
			Name:      "stale_in_flight",
			Help:      "In-flight submissions without progress at the last sweep",
		}),
	}
	registry.MustRegister(m.submissions, m.transitions, m.failures, m.fallbacks, m.staleFlight)
	return m
}

func (m *Metrics) submitted(kind record.Kind) {
	if m != nil {
		m.submissions.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) transitioned(f record.FineStatus) {
	if m != nil {
		m.transitions.WithLabelValues(f.String()).Inc()
	}
}

func (m *Metrics) failed(code faults.Code) {
	if m != nil {
		m.failures.WithLabelValues(string(code)).Inc()
	}
}

func (m *Metrics) fellBack() {
	if m != nil {
		m.fallbacks.Inc()
	}
}

func (m *Metrics) setStale(n int) {
	if m != nil {
		m.staleFlight.Set(float64(n))
	}
}
