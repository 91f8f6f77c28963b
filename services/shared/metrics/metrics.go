// Package metrics provides Prometheus metrics collection for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Common labels used across metrics.
const (
	LabelService   = "service"
	LabelMethod    = "method"
	LabelPath      = "path"
	LabelStatus    = "status"
	LabelEndpoint  = "endpoint"
	LabelOutcome   = "outcome"
	LabelComponent = "component"
	LabelReason    = "reason"
)

// Metrics contains all Prometheus metrics for a service.
type Metrics struct {
	serviceName string
	registry    *prometheus.Registry

	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Kakao API metrics
	upstreamRequestsTotal   *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec
	upstreamHealthy         *prometheus.GaugeVec

	// Exchange outcome metrics
	exchangesTotal       *prometheus.CounterVec
	identityDegradations *prometheus.CounterVec

	// Circuit breaker metrics
	circuitBreakerState *prometheus.GaugeVec
	circuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	rateLimitHits    *prometheus.CounterVec
	rateLimitDropped *prometheus.CounterVec

	// Event metrics
	eventsPublished *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	ServiceName string
	Namespace   string
	Subsystem   string
}

// New creates a new Metrics instance backed by its own registry.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "kakao_gateway"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		serviceName: cfg.ServiceName,
		registry:    registry,
	}

	factory := promauto.With(registry)

	m.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{LabelService, LabelMethod, LabelPath, LabelStatus},
	)

	m.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService, LabelMethod, LabelPath, LabelStatus},
	)

	m.httpRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed.",
		},
	)

	m.upstreamRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_requests_total",
			Help:      "Total number of Kakao API requests by endpoint and outcome.",
		},
		[]string{LabelEndpoint, LabelOutcome},
	)

	m.upstreamRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_request_duration_seconds",
			Help:      "Kakao API latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelEndpoint},
	)

	m.upstreamHealthy = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_healthy",
			Help:      "Whether the Kakao endpoint answered the last probe (1) or not (0).",
		},
		[]string{LabelEndpoint},
	)

	m.exchangesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "exchanges_total",
			Help:      "Total number of exchange-and-resolve operations by outcome.",
		},
		[]string{LabelOutcome},
	)

	m.identityDegradations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "identity_degradations_total",
			Help:      "Identity lookups that failed and were downgraded to a null user.",
		},
		[]string{LabelReason},
	)

	m.circuitBreakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		},
		[]string{LabelComponent},
	)

	m.circuitBreakerTrips = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of circuit breaker trips.",
		},
		[]string{LabelComponent},
	)

	m.rateLimitHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit checks.",
		},
		[]string{LabelPath},
	)

	m.rateLimitDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rate_limit_dropped_total",
			Help:      "Total number of requests dropped due to rate limiting.",
		},
		[]string{LabelPath},
	)

	m.eventsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "events_published_total",
			Help:      "Total number of published events by status.",
		},
		[]string{LabelStatus},
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// --- HTTP Metrics ---

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(m.serviceName, method, path, statusStr).Inc()
	m.httpRequestDuration.WithLabelValues(m.serviceName, method, path, statusStr).Observe(duration.Seconds())
}

// HTTPRequestsInFlight increments/decrements in-flight request counter.
func (m *Metrics) HTTPRequestsInFlight(delta float64) {
	m.httpRequestsInFlight.Add(delta)
}

// --- Upstream Metrics ---

// RecordUpstreamRequest records a Kakao API call. Outcome is "ok" or an error code.
func (m *Metrics) RecordUpstreamRequest(endpoint, outcome string, duration time.Duration) {
	m.upstreamRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.upstreamRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetUpstreamHealthy sets the health status of a Kakao endpoint.
func (m *Metrics) SetUpstreamHealthy(endpoint string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	m.upstreamHealthy.WithLabelValues(endpoint).Set(val)
}

// --- Exchange Metrics ---

// RecordExchange records the outcome of an exchange-and-resolve operation.
func (m *Metrics) RecordExchange(outcome string) {
	m.exchangesTotal.WithLabelValues(outcome).Inc()
}

// RecordIdentityDegradation records an identity failure downgraded to a null user.
func (m *Metrics) RecordIdentityDegradation(reason string) {
	m.identityDegradations.WithLabelValues(reason).Inc()
}

// --- Circuit Breaker Metrics ---

// SetCircuitBreakerState sets the circuit breaker state.
func (m *Metrics) SetCircuitBreakerState(component string, state int) {
	m.circuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker trip.
func (m *Metrics) RecordCircuitBreakerTrip(component string) {
	m.circuitBreakerTrips.WithLabelValues(component).Inc()
}

// --- Rate Limiter Metrics ---

// RecordRateLimitHit records a rate limit check.
func (m *Metrics) RecordRateLimitHit(path string) {
	m.rateLimitHits.WithLabelValues(path).Inc()
}

// RecordRateLimitDrop records a dropped request due to rate limiting.
func (m *Metrics) RecordRateLimitDrop(path string) {
	m.rateLimitDropped.WithLabelValues(path).Inc()
}

// --- Event Metrics ---

// RecordEventPublished records an event publish attempt.
func (m *Metrics) RecordEventPublished(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.eventsPublished.WithLabelValues(status).Inc()
}

// --- Middleware ---

// HTTPMiddleware returns an HTTP middleware that records request metrics.
// Paths are labeled by route pattern when the mux set one, so query strings
// and unknown paths do not explode label cardinality.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight(1)
		defer m.HTTPRequestsInFlight(-1)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
