package apigate

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exports coordinator metrics to Prometheus. A nil
// collector is valid: every method is a no-op, so call sites never need a
// nil check.
type MetricsCollector struct {
	registry prometheus.Registerer

	requestsTotal        *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	requestsInFlight     *prometheus.GaugeVec
	retriesTotal         *prometheus.CounterVec
	cacheHitsTotal       *prometheus.CounterVec
	cacheMissesTotal     *prometheus.CounterVec
	cacheSize            prometheus.Gauge
	deduplicationTotal   *prometheus.CounterVec
	rateLimitedTotal     *prometheus.CounterVec
	refreshTotal         *prometheus.CounterVec
	suspendedQueueLength prometheus.Gauge
	errorsTotal          *prometheus.CounterVec
	circuitBreakerState  prometheus.Gauge
}

// NewMetricsCollector creates a collector registered on the default
// Prometheus registry.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector registered on the
// given registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	m := &MetricsCollector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apigate_requests_total",
				Help: "Total number of coordinated requests by method, endpoint and status code.",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apigate_request_duration_seconds",
				Help:    "Request duration from admission to settle.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		requestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "apigate_requests_in_flight",
				Help: "Number of requests currently being coordinated.",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apigate_retries_total",
				Help: "Total number of retry attempts.",
			},
			[]string{"method", "endpoint"},
		),
		cacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apigate_cache_hits_total",
				Help: "Total number of cache hits.",
			},
			[]string{"method", "endpoint"},
		),
		cacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apigate_cache_misses_total",
				Help: "Total number of cache misses.",
			},
			[]string{"method", "endpoint"},
		),
		cacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "apigate_cache_size",
				Help: "Number of entries in the response cache.",
			},
		),
		deduplicationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apigate_deduplication_hits_total",
				Help: "Total number of requests collapsed into an in-flight call.",
			},
			[]string{"method", "endpoint"},
		),
		rateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apigate_rate_limited_total",
				Help: "Total number of requests denied by the rate gate.",
			},
			[]string{"endpoint"},
		),
		refreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apigate_token_refresh_total",
				Help: "Total number of token refresh operations by outcome.",
			},
			[]string{"outcome"},
		),
		suspendedQueueLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "apigate_suspended_queue_length",
				Help: "Number of requests parked while a token refresh is in flight.",
			},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apigate_errors_total",
				Help: "Total number of errors by type.",
			},
			[]string{"error_type", "method", "endpoint"},
		),
		circuitBreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "apigate_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
		),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.requestsInFlight,
		m.retriesTotal,
		m.cacheHitsTotal,
		m.cacheMissesTotal,
		m.cacheSize,
		m.deduplicationTotal,
		m.rateLimitedTotal,
		m.refreshTotal,
		m.suspendedQueueLength,
		m.errorsTotal,
		m.circuitBreakerState,
	)

	return m
}

// RecordRequest records a completed request.
func (m *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart marks a request as in flight.
func (m *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if m == nil {
		return
	}
	m.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd marks a request as settled.
func (m *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if m == nil {
		return
	}
	m.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetries records n retry attempts for one request.
func (m *MetricsCollector) RecordRetries(method, endpoint string, n int) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(method, endpoint).Add(float64(n))
}

// RecordCacheHit records a cache hit.
func (m *MetricsCollector) RecordCacheHit(method, endpoint string) {
	if m == nil {
		return
	}
	m.cacheHitsTotal.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *MetricsCollector) RecordCacheMiss(method, endpoint string) {
	if m == nil {
		return
	}
	m.cacheMissesTotal.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheSize records the current cache entry count.
func (m *MetricsCollector) RecordCacheSize(size int) {
	if m == nil {
		return
	}
	m.cacheSize.Set(float64(size))
}

// RecordDeduplicationHit records a request collapsed into an in-flight call.
func (m *MetricsCollector) RecordDeduplicationHit(method, endpoint string) {
	if m == nil {
		return
	}
	m.deduplicationTotal.WithLabelValues(method, endpoint).Inc()
}

// RecordRateLimited records an admission denial.
func (m *MetricsCollector) RecordRateLimited(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitedTotal.WithLabelValues(endpoint).Inc()
}

// RecordRefresh records a token refresh by outcome
// ("success", "guest", "expired", "transient").
func (m *MetricsCollector) RecordRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(outcome).Inc()
}

// SetSuspendedQueueLength records the current suspended queue depth.
func (m *MetricsCollector) SetSuspendedQueueLength(n int) {
	if m == nil {
		return
	}
	m.suspendedQueueLength.Set(float64(n))
}

// RecordError records an error by type.
func (m *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// RecordCircuitBreakerState records a breaker state transition.
func (m *MetricsCollector) RecordCircuitBreakerState(state CircuitState) {
	if m == nil {
		return
	}
	m.circuitBreakerState.Set(float64(state))
}
