package jobmetrics

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter reads one sample of a counter family from reg.
func counter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	sample:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue sample
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	assert.NoError(t, m.Track("refresh").End(nil))
	boom := errors.New("boom")
	assert.Same(t, boom, m.Track("refresh").End(boom))
	_ = m.Track("refresh").End(fmt.Errorf("bad payload: %w", asynq.SkipRetry))

	for _, status := range []string{StatusSuccess, StatusFailure, StatusDiscarded} {
		assert.Equal(t, 1.0, counter(t, reg, "atlas_jobs_total", map[string]string{"job": "refresh", "status": status}), status)
	}
}

func TestNilMetricsIsInert(t *testing.T) {
	var m *Metrics
	err := errors.New("kept")

	assert.Same(t, err, m.Track("refresh").End(err))
	assert.NotPanics(t, func() { m.CountRefreshed("like_count") })
}

func TestCountRefreshed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.CountRefreshed("rsvp_count")
	m.CountRefreshed("rsvp_count")

	assert.Equal(t, 2.0, counter(t, reg, "atlas_counts_refreshed_total", map[string]string{"kind": "rsvp_count"}))
}
