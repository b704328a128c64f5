package query

import "github.com/prometheus/client_golang/prometheus"

const metricsSubsystem = "query"

// Metrics counts cache behaviour per read.
type Metrics struct {
	hits        *prometheus.CounterVec
	misses      *prometheus.CounterVec
	fetchErrors *prometheus.CounterVec
	staleServed *prometheus.CounterVec
}

// NewMetrics registers the query metrics on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{Subsystem: metricsSubsystem,
			Name: "cache_hits_total", Help: "Reads answered from cache without a refetch"}, []string{"read"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{Subsystem: metricsSubsystem,
			Name: "cache_misses_total", Help: "Reads that triggered a refetch"}, []string{"read"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{Subsystem: metricsSubsystem,
			Name: "fetch_errors_total", Help: "Refetches that failed after all retries"}, []string{"read"}),
		staleServed: prometheus.NewCounterVec(prometheus.CounterOpts{Subsystem: metricsSubsystem,
			Name: "stale_served_total", Help: "Reads answered with cached data after a failed refetch"}, []string{"read"}),
	}
	registry.MustRegister(m.hits, m.misses, m.fetchErrors, m.staleServed)
	return m
}

func (m *Metrics) hit(read string) {
	if m != nil {
		m.hits.WithLabelValues(read).Inc()
	}
}

func (m *Metrics) miss(read string) {
	if m != nil {
		m.misses.WithLabelValues(read).Inc()
	}
}

func (m *Metrics) fetchError(read string) {
	if m != nil {
		m.fetchErrors.WithLabelValues(read).Inc()
	}
}

func (m *Metrics) stale(read string) {
	if m != nil {
		m.staleServed.WithLabelValues(read).Inc()
	}
}
