package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stencil_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stencil_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	templateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stencil_template_transitions_total",
			Help: "Template status transitions by source and target status",
		},
		[]string{"from", "to"},
	)

	validationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stencil_placeholder_validation_failures_total",
			Help: "Placeholder grammar violations by issue code",
		},
		[]string{"code"},
	)

	providerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stencil_provider_calls_total",
			Help: "Calls to the approval provider by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	providerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stencil_provider_call_duration_seconds",
			Help:    "Approval provider call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)

	retryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stencil_retry_attempts_total",
			Help: "Retry executor attempts by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stencil_circuit_breaker_state",
			Help: "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	breakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stencil_circuit_breaker_rejections_total",
			Help: "Calls rejected by an open circuit breaker",
		},
		[]string{"name"},
	)

	auditFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stencil_audit_failures_total",
			Help: "Audit events that could not be delivered",
		},
		[]string{"sink"},
	)

	reconcileInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stencil_reconcile_messages_in_flight",
			Help: "Reconciliation messages currently being processed",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stencil_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stencil_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"tenant_id"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stencil_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTransition records a template status change. from is "none" for creation.
func RecordTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	templateTransitions.WithLabelValues(from, to).Inc()
}

// RecordValidationFailure records one placeholder issue code
func RecordValidationFailure(code string) {
	validationFailures.WithLabelValues(code).Inc()
}

// RecordProviderCall records the outcome and latency of a provider call
func RecordProviderCall(operation, outcome string, latency time.Duration) {
	providerCalls.WithLabelValues(operation, outcome).Inc()
	providerLatency.WithLabelValues(operation).Observe(latency.Seconds())
}

// RecordRetryOutcome records one retry executor attempt result
func RecordRetryOutcome(operation, outcome string) {
	retryOutcomes.WithLabelValues(operation, outcome).Inc()
}

// SetBreakerState publishes the numeric state of a named breaker
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordBreakerRejection records a call short-circuited by an open breaker
func RecordBreakerRejection(name string) {
	breakerRejections.WithLabelValues(name).Inc()
}

// RecordAuditFailure records an audit event dropped by a sink
func RecordAuditFailure(sink string) {
	auditFailures.WithLabelValues(sink).Inc()
}

// SetReconcileInFlight sets the current in-flight reconciliation count
func SetReconcileInFlight(count int) {
	reconcileInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
