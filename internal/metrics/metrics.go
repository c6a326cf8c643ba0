// Package metrics registers the Prometheus metrics used by the gateway.
// Import this package (via blank import) from the server entry point to
// register all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request-level counters and histograms.
var (
	// RequestsTotal counts completed requests labelled by provider, model, and
	// outcome ("success", "error", "rejected", "degraded").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests processed by the gateway.",
		},
		[]string{"provider", "model", "status"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	// TokensInput counts total prompt tokens sent to providers.
	TokensInput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_input_total",
			Help: "Total prompt tokens sent to providers.",
		},
		[]string{"provider", "model"},
	)

	// TokensOutput counts total completion tokens received from providers.
	TokensOutput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_output_total",
			Help: "Total completion tokens received from providers.",
		},
		[]string{"provider", "model"},
	)

	// ProviderErrors counts errors broken down by provider and error type
	// ("provider_error", "circuit_open", "timeout").
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_errors_total",
			Help: "Total provider errors by type.",
		},
		[]string{"provider", "error_type"},
	)

	// CircuitBreakerState tracks per-provider circuit breaker state as a gauge:
	// 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed 1=open 2=half_open).",
		},
		[]string{"provider"},
	)

	// RateLimitRejections counts requests rejected by the rate-limit middleware
	// or plugin, labelled by key_type ("ip", "api_key", "plugin").
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "Total requests rejected by rate limiting.",
		},
		[]string{"key_type"},
	)

	// RequestCostUSD accumulates the USD cost of successful requests, labelled
	// by provider and model.
	RequestCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_request_cost_usd_total",
			Help: "Total USD cost of requests by provider and model.",
		},
		[]string{"provider", "model"},
	)

	// CostTotal mirrors RequestCostUSD under the family name spec'd for
	// dashboards that don't distinguish provider/model: total spend observed
	// by CostGuard, independent of whether a per-request cost was resolvable.
	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cost_total",
			Help: "Total USD cost recorded by the cost guard, by provider.",
		},
		[]string{"provider"},
	)

	// TokensTotal counts all tokens (prompt + completion) by provider, model,
	// and direction ("input", "output").
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total tokens processed by provider, model, and direction.",
		},
		[]string{"provider", "model", "direction"},
	)

	// ErrorRate is the rolling error rate (0-1) observed by the health
	// registry per provider, refreshed on every health snapshot.
	ErrorRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_error_rate",
			Help: "Rolling error rate (0-1) per provider, as tracked by the health registry.",
		},
		[]string{"provider"},
	)

	// MemoryUsageBytes is the gateway process's resident memory, as sampled
	// by the resource analyzer.
	MemoryUsageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_memory_usage_bytes",
			Help: "Resident memory usage of the gateway process.",
		},
	)

	// CPUUsagePercent is the gateway process's CPU usage percentage, as
	// sampled by the resource analyzer.
	CPUUsagePercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_cpu_usage_percent",
			Help: "CPU usage percentage of the gateway process.",
		},
	)
)
