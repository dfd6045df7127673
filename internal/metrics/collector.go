package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the engine's Prometheus metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	queryRequests   *prometheus.CounterVec
	queryLatency    *prometheus.HistogramVec
	routePaths      *prometheus.CounterVec
	degraded        *prometheus.CounterVec
	recoveredErrors *prometheus.CounterVec

	cacheRequests   *prometheus.CounterVec
	cacheCorruption *prometheus.CounterVec
	cacheEntries    prometheus.Gauge

	semanticCalls   *prometheus.CounterVec
	semanticLatency prometheus.Histogram
	unresolved      prometheus.Counter

	governorRejections *prometheus.CounterVec
	governorQueueDepth prometheus.Gauge
	governorInFlight   prometheus.Gauge

	droppedRows *prometheus.CounterVec
	generation  prometheus.Gauge
	density     prometheus.Gauge

	breakerState *prometheus.GaugeVec
}

// NewCollector registers all metrics against reg. Registering twice against
// the same registry panics.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		queryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bookrec_query_requests_total",
			Help: "Total number of engine queries by mode and outcome",
		}, []string{"mode", "outcome"}),

		queryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bookrec_query_latency_seconds",
			Help:    "Engine query latency in seconds",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1.0, 2.0, 5.0, 15.0},
		}, []string{"mode"}),

		routePaths: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bookrec_route_paths_total",
			Help: "Router branch taken per query",
		}, []string{"path"}),

		degraded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bookrec_degraded_responses_total",
			Help: "Queries answered with a partial result set",
		}, []string{"reason"}),

		recoveredErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bookrec_errors_recovered_total",
			Help: "Errors recovered inside the engine instead of being surfaced",
		}, []string{"kind"}),

		cacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bookrec_cache_requests_total",
			Help: "Cache lookups by cache and result",
		}, []string{"cache", "result"}),

		cacheCorruption: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bookrec_cache_corruption_total",
			Help: "Cache entries discarded because they failed validation",
		}, []string{"cache"}),

		cacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bookrec_result_cache_entries",
			Help: "Number of entries in the in-memory result cache",
		}),

		semanticCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bookrec_semantic_calls_total",
			Help: "Calls to the semantic completion service by mode and outcome",
		}, []string{"mode", "outcome"}),

		semanticLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bookrec_semantic_latency_seconds",
			Help:    "Semantic completion call latency in seconds",
			Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0},
		}),

		unresolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "bookrec_semantic_unresolved_total",
			Help: "Semantic candidates dropped because no catalog book matched",
		}),

		governorRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bookrec_governor_rejections_total",
			Help: "Semantic calls refused by the rate governor",
		}, []string{"reason"}),

		governorQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bookrec_governor_queue_depth",
			Help: "Callers waiting for a semantic call slot",
		}),

		governorInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bookrec_governor_in_flight",
			Help: "Semantic calls currently holding a slot",
		}),

		droppedRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bookrec_dataset_dropped_rows_total",
			Help: "Dataset rows dropped at load time",
		}, []string{"dataset", "reason"}),

		generation: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bookrec_generation",
			Help: "Identifier of the generation currently serving",
		}),

		density: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bookrec_rating_matrix_density",
			Help: "Density of the serving rating matrix",
		}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bookrec_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}
}

func (c *Collector) RecordQuery(mode, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.queryRequests.WithLabelValues(mode, outcome).Inc()
	c.queryLatency.WithLabelValues(mode).Observe(duration.Seconds())
}

func (c *Collector) RecordRoute(path string) {
	if c == nil {
		return
	}
	c.routePaths.WithLabelValues(path).Inc()
}

func (c *Collector) RecordDegraded(reason string) {
	if c == nil {
		return
	}
	c.degraded.WithLabelValues(reason).Inc()
}

// RecordRecovered counts an error that was handled without reaching the caller.
func (c *Collector) RecordRecovered(kind string) {
	if c == nil {
		return
	}
	c.recoveredErrors.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordCache(cache string, hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheRequests.WithLabelValues(cache, result).Inc()
}

func (c *Collector) RecordCacheCorruption(cache string) {
	if c == nil {
		return
	}
	c.cacheCorruption.WithLabelValues(cache).Inc()
	c.recoveredErrors.WithLabelValues("cache_corruption").Inc()
}

func (c *Collector) SetCacheEntries(n int) {
	if c == nil {
		return
	}
	c.cacheEntries.Set(float64(n))
}

func (c *Collector) RecordSemanticCall(mode, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.semanticCalls.WithLabelValues(mode, outcome).Inc()
	c.semanticLatency.Observe(duration.Seconds())
}

func (c *Collector) RecordUnresolved(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.unresolved.Add(float64(n))
}

func (c *Collector) RecordGovernorRejection(reason string) {
	if c == nil {
		return
	}
	c.governorRejections.WithLabelValues(reason).Inc()
}

func (c *Collector) AddGovernorQueued(delta int) {
	if c == nil {
		return
	}
	c.governorQueueDepth.Add(float64(delta))
}

func (c *Collector) AddGovernorInFlight(delta int) {
	if c == nil {
		return
	}
	c.governorInFlight.Add(float64(delta))
}

func (c *Collector) RecordDroppedRows(dataset, reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.droppedRows.WithLabelValues(dataset, reason).Add(float64(n))
}

func (c *Collector) SetGeneration(id uint64, density float64) {
	if c == nil {
		return
	}
	c.generation.Set(float64(id))
	c.density.Set(density)
}

func (c *Collector) SetBreakerState(name string, state float64) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(name).Set(state)
}
