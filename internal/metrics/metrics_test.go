package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Request("memory")
	m.Request("memory")
	m.Fetch("ok", 128)
	m.Evicted("longterm", 2, 1000)

	assert.Equal(t, 2.0, counterValue(t, reg, "picturecache_requests_total"))
	assert.Equal(t, 128.0, counterValue(t, reg, "picturecache_fetched_bytes_total"))
	assert.Equal(t, 1000.0, counterValue(t, reg, "picturecache_evicted_bytes_total"))

	var nilMetrics *Metrics
	nilMetrics.Request("memory")
	nilMetrics.JobStarted()
	assert.Nil(t, nilMetrics.Tracker())
}

func TestLatencyTracker(t *testing.T) {
	lt := NewLatencyTracker(0.01)
	for i := 1; i <= 100; i++ {
		lt.Record(StageFetch, time.Duration(i)*time.Millisecond)
	}
	lt.Record(StageDecode, time.Millisecond)

	s, err := lt.Stats(StageFetch)
	require.NoError(t, err)
	assert.Equal(t, int64(100), s.Count)
	assert.InDelta(t, 50, s.P50, 2)
	assert.InDelta(t, 100, s.Max, 2)

	_, err = lt.Stats("missing")
	assert.Error(t, err)

	all := lt.AllStats()
	require.Len(t, all, 2)
	assert.Equal(t, StageDecode, all[0].Stage)
	assert.Contains(t, all[1].String(), "fetch (n=100)")
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}
