package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicore_requests_total",
			Help: "Total number of completion requests processed",
		},
		[]string{"user_id", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aicore_request_duration_seconds",
			Help:    "Completion request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicore_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicore_cost_usd_total",
			Help: "Total cost in USD",
		},
		[]string{"provider", "model"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicore_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"user_id", "axis"},
	)

	ConcurrentRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aicore_concurrent_requests",
			Help: "Completion requests currently in flight",
		},
	)

	FallbackSuccesses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicore_fallback_successes_total",
			Help: "Requests served by a fallback model",
		},
		[]string{"requested_model", "served_model"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicore_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "kind"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aicore_circuit_breaker_state",
			Help: "Circuit breaker state per model (0=closed, 1=open, 2=half-open)",
		},
		[]string{"model"},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aicore_cache_hits_total",
			Help: "Total number of completion cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aicore_cache_misses_total",
			Help: "Total number of completion cache misses",
		},
	)

	BudgetUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aicore_budget_usage_ratio",
			Help: "Current budget usage ratio per user (0-1)",
		},
		[]string{"user_id"},
	)
)

func RecordRequest(userID, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(userID, provider, model, status).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

func RecordCost(provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(provider, model).Add(costUSD)
}

func RecordRateLimitHit(userID, axis string) {
	RateLimitHits.WithLabelValues(userID, axis).Inc()
}

func RecordFallbackSuccess(requestedModel, servedModel string) {
	FallbackSuccesses.WithLabelValues(requestedModel, servedModel).Inc()
}

func RecordProviderError(provider, kind string) {
	ProviderErrors.WithLabelValues(provider, kind).Inc()
}

func SetCircuitBreakerState(model string, state int) {
	CircuitBreakerState.WithLabelValues(model).Set(float64(state))
}

func SetBudgetUsage(userID string, ratio float64) {
	BudgetUsageRatio.WithLabelValues(userID).Set(ratio)
}
