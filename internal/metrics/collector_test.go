package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value sums the samples of family name whose labels include every
// key/value pair in labels.
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metric:
		for _, m := range family.GetMetric() {
			for k, v := range labels {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == v {
						found = true
					}
				}
				if !found {
					continue metric
				}
			}
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordQuery("search", "ok", time.Millisecond)
		c.RecordRoute("Received>Done")
		c.RecordDegraded("semantic_unavailable")
		c.RecordRecovered("upstream_unavailable")
		c.RecordCache("memory", true)
		c.RecordCacheCorruption("redis")
		c.SetCacheEntries(3)
		c.RecordSemanticCall("search", "ok", time.Millisecond)
		c.RecordUnresolved(2)
		c.RecordGovernorRejection("cooldown")
		c.AddGovernorQueued(1)
		c.AddGovernorInFlight(1)
		c.RecordDroppedRows("ratings", "orphan", 4)
		c.SetGeneration(1, 0.5)
		c.SetBreakerState("semantic", 0)
	})
}

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordQuery("recommend", "ok", 10*time.Millisecond)
	c.RecordQuery("recommend", "ok", 20*time.Millisecond)
	c.RecordQuery("search", "degraded", time.Millisecond)
	assert.Equal(t, 2.0, value(t, reg, "bookrec_query_requests_total", map[string]string{"mode": "recommend"}))
	assert.Equal(t, 3.0, value(t, reg, "bookrec_query_requests_total", nil))
	assert.Equal(t, 3.0, value(t, reg, "bookrec_query_latency_seconds", nil))

	c.RecordCacheCorruption("redis")
	assert.Equal(t, 1.0, value(t, reg, "bookrec_cache_corruption_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "bookrec_errors_recovered_total", map[string]string{"kind": "cache_corruption"}))

	c.RecordDroppedRows("ratings", "orphan", 0)
	c.RecordDroppedRows("ratings", "orphan", 3)
	assert.Equal(t, 3.0, value(t, reg, "bookrec_dataset_dropped_rows_total", nil))

	c.RecordUnresolved(-1)
	c.RecordUnresolved(2)
	assert.Equal(t, 2.0, value(t, reg, "bookrec_semantic_unresolved_total", nil))

	c.AddGovernorInFlight(2)
	c.AddGovernorInFlight(-1)
	assert.Equal(t, 1.0, value(t, reg, "bookrec_governor_in_flight", nil))

	c.SetGeneration(7, 0.25)
	assert.Equal(t, 7.0, value(t, reg, "bookrec_generation", nil))
	assert.Equal(t, 0.25, value(t, reg, "bookrec_rating_matrix_density", nil))
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}
