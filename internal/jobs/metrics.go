// Package jobmetrics instruments the asynq task handlers.
package jobmetrics

import (
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Task outcomes recorded in the status label.
const (
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusDiscarded = "discarded"
)

// Metrics counts task runs and count views written back to the cache.
type Metrics struct {
	runs      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	refreshed *prometheus.CounterVec
}

var defaultMetrics = sync.OnceValue(func() *Metrics {
	return register(prometheus.DefaultRegisterer)
})

// NewMetrics registers the collectors on registerer, or returns the
// process-wide instance on the default registerer when registerer is nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		return defaultMetrics()
	}
	return register(registerer)
}

func register(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atlas",
			Name:      "jobs_total",
			Help:      "Task executions by task type and outcome.",
		}, []string{"job", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "atlas",
			Name:      "job_duration_seconds",
			Help:      "Task execution time by task type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		refreshed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atlas",
			Name:      "counts_refreshed_total",
			Help:      "Count views recomputed and written back to the cache, by view kind.",
		}, []string{"kind"}),
	}
	registerer.MustRegister(m.runs, m.duration, m.refreshed)
	return m
}

// Tracker times one task run.
type Tracker struct {
	metrics *Metrics
	job     string
	started time.Time
}

// Track starts timing a run of job. It is safe on a nil Metrics.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, started: time.Now()}
}

// End records the run and hands err back so it can be deferred around a
// handler's named result. Errors wrapping asynq.SkipRetry count as discarded.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil {
		return err
	}
	t.metrics.runs.WithLabelValues(t.job, outcome(err)).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.started).Seconds())
	return err
}

// CountRefreshed records a count view rewritten into the cache.
func (m *Metrics) CountRefreshed(kind string) {
	if m == nil {
		return
	}
	m.refreshed.WithLabelValues(kind).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, asynq.SkipRetry):
		return StatusDiscarded
	default:
		return StatusFailure
	}
}
