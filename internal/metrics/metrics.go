// Package metrics registers the Prometheus metrics used by the router.
// Import this package from the server entry point to register all metrics
// before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request-level counters and histograms.
var (
	// RequestsTotal counts routed requests by policy, chosen label, model and
	// outcome ("success", "error", "rejected").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_router_requests_total",
			Help: "Total number of requests processed by the router.",
		},
		[]string{"policy", "label", "model", "status"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "study_router_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"policy", "model"},
	)

	// ClassificationDuration observes classifier latency in seconds.
	ClassificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "study_router_classification_duration_seconds",
			Help:    "Classifier call duration in seconds.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"policy", "classifier"},
	)

	// ClassificationErrors counts classifier failures by policy and type
	// ("unavailable", "circuit_open").
	ClassificationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_router_classification_errors_total",
			Help: "Total classifier failures by type.",
		},
		[]string{"policy", "error_type"},
	)

	// FallbacksTotal counts requests routed to a policy's default entry.
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_router_default_fallbacks_total",
			Help: "Requests routed to the policy default entry.",
		},
		[]string{"policy"},
	)

	// TokensInput counts total prompt tokens sent downstream.
	TokensInput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_router_tokens_input_total",
			Help: "Total prompt tokens sent to downstream models.",
		},
		[]string{"model"},
	)

	// TokensOutput counts total completion tokens received.
	TokensOutput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_router_tokens_output_total",
			Help: "Total completion tokens received from downstream models.",
		},
		[]string{"model"},
	)

	// RequestCostUSD accumulates the estimated USD cost per model.
	RequestCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_router_cost_usd_total",
			Help: "Estimated downstream cost in USD.",
		},
		[]string{"model"},
	)

	// DownstreamErrors counts downstream failures by model and type
	// ("unavailable", "circuit_open").
	DownstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_router_downstream_errors_total",
			Help: "Total downstream model errors by type.",
		},
		[]string{"model", "error_type"},
	)

	// CircuitBreakerState tracks per-endpoint breaker state as a gauge:
	// 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "study_router_circuit_breaker_state",
			Help: "Circuit breaker state per endpoint (0=closed 1=open 2=half_open).",
		},
		[]string{"endpoint"},
	)
)
