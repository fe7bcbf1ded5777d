package fieldsync

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request pipeline and the
// offline sync engine. All methods are nil-safe.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	throttleDelay *prometheus.HistogramVec

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheFallbacks *prometheus.CounterVec
	cacheSize      prometheus.Gauge

	deduplicationHits *prometheus.CounterVec

	storageErrors *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	syncRuns   *prometheus.CounterVec
	syncItems  *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec

	registry prometheus.Registerer
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	factory.NewGauge(prometheus.GaugeOpts{
		Name:        "fieldsync_build_info",
		Help:        "Build metadata, always 1",
		ConstLabels: prometheus.Labels(GetVersionInfo()),
	}).Set(1)
	return &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldsync_requests_total",
				Help: "Total number of requests sent through the transport",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fieldsync_request_duration_seconds",
				Help:    "Duration of transport round trips in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fieldsync_requests_in_flight",
				Help: "Number of transport round trips currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldsync_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "error_type"},
		),
		throttleDelay: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fieldsync_throttle_delay_seconds",
				Help:    "Time requests spent waiting for the per-endpoint throttle",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"endpoint"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldsync_cache_hits_total",
				Help: "Total number of cache hits by tier",
			},
			[]string{"endpoint", "tier"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldsync_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"endpoint"},
		),
		cacheFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldsync_cache_fallbacks_total",
				Help: "Rate-limited requests answered from cache",
			},
			[]string{"endpoint", "served"},
		),
		cacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fieldsync_cache_entries",
				Help: "Current number of entries in the memory cache tier",
			},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldsync_deduplication_hits_total",
				Help: "Total number of callers that joined an in-flight request",
			},
			[]string{"endpoint"},
		),
		storageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldsync_storage_errors_total",
				Help: "Durable storage failures that were swallowed",
			},
			[]string{"operation"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldsync_errors_total",
				Help: "Total number of errors returned to callers",
			},
			[]string{"type", "method", "endpoint"},
		),
		syncRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldsync_sync_runs_total",
				Help: "Sync passes by outcome",
			},
			[]string{"outcome"},
		),
		syncItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldsync_sync_items_total",
				Help: "Items processed during sync by phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fieldsync_offline_items",
				Help: "Items waiting in each offline collection",
			},
			[]string{"collection"},
		),
		registry: registry,
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry counts a scheduled retry.
func (mc *MetricsCollector) RecordRetry(method, endpoint, errorType string) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(method, endpoint, errorType).Inc()
}

// RecordThrottleDelay observes a throttle wait.
func (mc *MetricsCollector) RecordThrottleDelay(endpoint string, d time.Duration) {
	if mc == nil {
		return
	}
	mc.throttleDelay.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RecordCacheHit increments cache hit counter for a tier ("memory" or "durable").
func (mc *MetricsCollector) RecordCacheHit(endpoint, tier string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(endpoint, tier).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(endpoint).Inc()
}

// RecordCacheFallback counts a 429 and whether a cached value answered it.
func (mc *MetricsCollector) RecordCacheFallback(endpoint string, served bool) {
	if mc == nil {
		return
	}
	mc.cacheFallbacks.WithLabelValues(endpoint, strconv.FormatBool(served)).Inc()
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}
	mc.cacheSize.Set(float64(size))
}

// RecordDeduplicationHit increments de-dup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit(endpoint string) {
	if mc == nil {
		return
	}
	mc.deduplicationHits.WithLabelValues(endpoint).Inc()
}

// RecordStorageError counts a swallowed durable storage failure.
func (mc *MetricsCollector) RecordStorageError(operation string) {
	if mc == nil {
		return
	}
	mc.storageErrors.WithLabelValues(operation).Inc()
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// RecordSyncRun counts a finished sync pass ("complete", "error", "skipped").
func (mc *MetricsCollector) RecordSyncRun(outcome string) {
	if mc == nil {
		return
	}
	mc.syncRuns.WithLabelValues(outcome).Inc()
}

// RecordSyncItems adds n items to a phase/outcome counter.
func (mc *MetricsCollector) RecordSyncItems(phase, outcome string, n int) {
	if mc == nil || n <= 0 {
		return
	}
	mc.syncItems.WithLabelValues(phase, outcome).Add(float64(n))
}

// RecordQueueDepth sets the size of an offline collection.
func (mc *MetricsCollector) RecordQueueDepth(collection string, n int) {
	if mc == nil {
		return
	}
	mc.queueDepth.WithLabelValues(collection).Set(float64(n))
}

// GetRegistry exposes the underlying prometheus registry, or nil when the
// collector was built on a Registerer that is not a *prometheus.Registry.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	reg, _ := mc.registry.(*prometheus.Registry)
	return reg
}
