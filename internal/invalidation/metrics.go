package invalidation

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for view invalidation.
type Metrics struct {
	invalidations   *prometheus.CounterVec
	refetchFailures *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors against registerer, or the default
// Prometheus registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atlas_view_invalidations_total",
		Help: "Read-view invalidations partitioned by view kind.",
	}, []string{"kind"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atlas_view_refetch_failures_total",
		Help: "Failed refetches after invalidation partitioned by view kind.",
	}, []string{"kind"})
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atlas_view_cache_lookups_total",
		Help: "Cached read-view lookups partitioned by view kind and result.",
	}, []string{"kind", "result"})
	registerer.MustRegister(invalidations, failures, lookups)
	return &Metrics{invalidations: invalidations, refetchFailures: failures, cacheLookups: lookups}
}

func (m *Metrics) invalidated(kind Kind) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) refetchFailed(kind Kind) {
	if m == nil {
		return
	}
	m.refetchFailures.WithLabelValues(string(kind)).Inc()
}

// ObserveLookup records a cache hit or miss for kind.
func (m *Metrics) ObserveLookup(kind Kind, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(string(kind), result).Inc()
}
