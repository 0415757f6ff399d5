// Package metrics exposes Prometheus instrumentation for the fetch,
// cache, and summarization paths. All methods are safe on a nil
// receiver so callers can run uninstrumented.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for a single service instance.
type Metrics struct {
	fetchTotal      *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	cacheBytes      prometheus.Gauge
	cacheEntries    prometheus.Gauge
	summaryTotal    *prometheus.CounterVec
	summaryDuration *prometheus.HistogramVec
	poolInUse       prometheus.Gauge
	poolWaiters     prometheus.Gauge
}

// New registers the collectors with reg and returns the instrumented set.
// Passing prometheus.DefaultRegisterer wires the process-wide registry;
// tests pass a fresh prometheus.NewRegistry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webdigest_fetch_total",
			Help: "Fetch attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webdigest_fetch_duration_seconds",
			Help:    "Fetch latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webdigest_cache_hits_total",
			Help: "Cache hits by namespace.",
		}, []string{"namespace"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webdigest_cache_misses_total",
			Help: "Cache misses by namespace.",
		}, []string{"namespace"}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webdigest_cache_bytes",
			Help: "Bytes currently held by the disk cache.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webdigest_cache_entries",
			Help: "Entries currently held by the disk cache.",
		}),
		summaryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webdigest_summaries_total",
			Help: "Summarization runs by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		summaryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webdigest_summary_duration_seconds",
			Help:    "End-to-end summarization latency by strategy.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"strategy"}),
		poolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webdigest_browser_pool_in_use",
			Help: "Browser handles currently checked out.",
		}),
		poolWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webdigest_browser_pool_waiters",
			Help: "Callers blocked waiting for a browser handle.",
		}),
	}

	reg.MustRegister(
		m.fetchTotal, m.fetchDuration,
		m.cacheHits, m.cacheMisses, m.cacheBytes, m.cacheEntries,
		m.summaryTotal, m.summaryDuration,
		m.poolInUse, m.poolWaiters,
	)
	return m
}

// ObserveFetch records one completed fetch attempt.
func (m *Metrics) ObserveFetch(method string, seconds float64, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.fetchTotal.WithLabelValues(method, outcome).Inc()
	m.fetchDuration.WithLabelValues(method).Observe(seconds)
}

// ObserveCache records a hit or miss against one cache namespace.
func (m *Metrics) ObserveCache(namespace string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.WithLabelValues(namespace).Inc()
	} else {
		m.cacheMisses.WithLabelValues(namespace).Inc()
	}
}

// SetCacheSize updates the cache occupancy gauges.
func (m *Metrics) SetCacheSize(entries int, bytes int64) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(entries))
	m.cacheBytes.Set(float64(bytes))
}

// ObserveSummary records one completed summarization run.
func (m *Metrics) ObserveSummary(strategy string, seconds float64, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.summaryTotal.WithLabelValues(strategy, outcome).Inc()
	m.summaryDuration.WithLabelValues(strategy).Observe(seconds)
}

// SetPoolStats updates the browser pool gauges.
func (m *Metrics) SetPoolStats(inUse, waiters int) {
	if m == nil {
		return
	}
	m.poolInUse.Set(float64(inUse))
	m.poolWaiters.Set(float64(waiters))
}
