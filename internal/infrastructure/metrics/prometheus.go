package metrics

import (
	"net/http"

	"github.com/asakaida/habilis/internal/entities"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter exports metrics to Prometheus format.
type PrometheusExporter struct {
	collector *Collector
	gatherer  prometheus.Gatherer

	cacheHitRate     prometheus.Gauge
	cacheKeys        prometheus.Gauge
	cacheMemoryBytes prometheus.Gauge

	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	reconcile *prometheus.CounterVec
	rows      *prometheus.CounterVec
}

// NewPrometheusExporter creates a new Prometheus exporter registered on
// registry. A nil registry uses the process-wide default registry.
func NewPrometheusExporter(collector *Collector, registry *prometheus.Registry) *PrometheusExporter {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if registry != nil {
		registerer, gatherer = registry, registry
	}
	factory := promauto.With(registerer)

	cacheStat := func(pick func(*CacheMetrics) uint64) func() float64 {
		return func() float64 { return float64(pick(collector.GetCacheMetrics())) }
	}

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "habilis_membership_cache_hits_total",
		Help: "Total number of membership cache hits",
	}, cacheStat(func(m *CacheMetrics) uint64 { return m.Hits }))
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "habilis_membership_cache_misses_total",
		Help: "Total number of membership cache misses",
	}, cacheStat(func(m *CacheMetrics) uint64 { return m.Misses }))
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "habilis_membership_cache_evictions_total",
		Help: "Total number of cache evictions due to memory limits",
	}, cacheStat(func(m *CacheMetrics) uint64 { return m.Evictions }))

	return &PrometheusExporter{
		collector: collector,
		gatherer:  gatherer,
		cacheHitRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "habilis_membership_cache_hit_rate",
			Help: "Current cache hit rate (0.0 to 1.0)",
		}),
		cacheKeys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "habilis_membership_cache_keys_current",
			Help: "Current number of keys in the membership cache",
		}),
		cacheMemoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "habilis_membership_cache_memory_bytes",
			Help: "Current memory usage of the membership cache in bytes",
		}),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "habilis_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "habilis_request_duration_seconds",
				Help:    "Duration of API requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
			},
			[]string{"method"},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "habilis_errors_total",
				Help: "Total number of failed API requests",
			},
			[]string{"method"},
		),
		reconcile: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "habilis_reconcile_total",
				Help: "Total number of reconcile calls by association kind and status",
			},
			[]string{"kind", "status"},
		),
		rows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "habilis_reconcile_rows_total",
				Help: "Rows handled by reconcile calls by association kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
	}
}

// Update updates Gauge metrics from the collector.
// Counters are updated as events happen, so only gauges are refreshed here.
// This should be called periodically (e.g., every 10 seconds).
func (e *PrometheusExporter) Update() {
	cacheMetrics := e.collector.GetCacheMetrics()
	e.cacheHitRate.Set(cacheMetrics.HitRate)
	e.cacheKeys.Set(float64(cacheMetrics.KeysCurrent))
	e.cacheMemoryBytes.Set(float64(cacheMetrics.MemoryBytes))
}

// Handler serves the registered metrics
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.gatherer, promhttp.HandlerOpts{})
}

// RecordRequest records a request in Prometheus.
func (e *PrometheusExporter) RecordRequest(method string) {
	e.requests.WithLabelValues(method).Inc()
}

// RecordDuration records a duration in Prometheus.
func (e *PrometheusExporter) RecordDuration(method string, durationSeconds float64) {
	e.duration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordError records an error in Prometheus.
func (e *PrometheusExporter) RecordError(method string) {
	e.errors.WithLabelValues(method).Inc()
}

// RecordReconcile records a reconcile call in Prometheus.
func (e *PrometheusExporter) RecordReconcile(kind entities.AssociationKind, result *entities.ReconcileResult, err error) {
	if err != nil {
		e.reconcile.WithLabelValues(string(kind), "error").Inc()
		return
	}
	e.reconcile.WithLabelValues(string(kind), "ok").Inc()
	if result == nil {
		return
	}
	for outcome, n := range Outcomes(result) {
		if n > 0 {
			e.rows.WithLabelValues(string(kind), outcome).Add(float64(n))
		}
	}
}
