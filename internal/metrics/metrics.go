// Package metrics provides Prometheus instrumentation for the shield service.
// All metric collectors are registered via Init and exposed through Handler
// for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ExecutionsTotal counts pipeline executions by final outcome kind.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_executions_total",
			Help: "Total pipeline executions by outcome",
		},
		[]string{"outcome"},
	)

	// AttemptsTotal counts individual upstream attempts by classification.
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_attempts_total",
			Help: "Total upstream attempts by classification",
		},
		[]string{"classification"},
	)

	// AttemptDuration observes per-attempt latency in seconds.
	AttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shield_attempt_duration_seconds",
			Help:    "Upstream attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RetriesTotal counts backoff retries scheduled by the pipeline.
	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shield_retries_total",
			Help: "Total retry attempts scheduled",
		},
	)

	// BreakerTransitions counts circuit state changes by edge.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// BreakerState tracks the current circuit state
	// (0 = closed, 1 = open, 2 = half-open).
	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shield_breaker_state",
			Help: "Current circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)

	// BreakerRejections counts calls fast-failed while the circuit was open.
	BreakerRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shield_breaker_rejections_total",
			Help: "Total calls rejected without reaching upstream",
		},
	)

	// RequestsTotal counts handled HTTP requests by method and status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_http_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"method", "status"},
	)

	// RequestDuration observes request latency in seconds by method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shield_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// ActiveRequests tracks the number of in-flight requests.
	ActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shield_http_active_requests",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// RateLimitHits counts rate limit rejections.
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shield_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
	)

	// AuthFailures counts admin authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		AttemptsTotal,
		AttemptDuration,
		RetriesTotal,
		BreakerTransitions,
		BreakerState,
		BreakerRejections,
		RequestsTotal,
		RequestDuration,
		ActiveRequests,
		RateLimitHits,
		AuthFailures,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
