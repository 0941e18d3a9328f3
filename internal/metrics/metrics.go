// Package metrics holds the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Request pipeline
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Cost accounting
	CostMicroTotal *prometheus.CounterVec
	BudgetPercent  *prometheus.GaugeVec
	BudgetRejected *prometheus.CounterVec

	// Provider health
	CircuitState    *prometheus.GaugeVec
	ProviderErrors  *prometheus.CounterVec
	RateLimitWaits  *prometheus.CounterVec
	FallbackRoutes  *prometheus.CounterVec

	// Tool loop
	ToolIterations *prometheus.HistogramVec
	ToolCacheHits  *prometheus.CounterVec

	// Payments
	PaymentsVerified *prometheus.CounterVec
	Settlements      *prometheus.CounterVec
	CreditIssued     *prometheus.CounterVec
}

// New creates and registers all gateway metrics.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hounfour_requests_total",
				Help: "Total invocations processed by the router",
			},
			[]string{"agent", "provider", "model", "status"}, // status: ok, error
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hounfour_request_duration_seconds",
				Help:    "End-to-end invocation latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		CostMicroTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hounfour_cost_micro_usd_total",
				Help: "Accumulated invocation cost in micro-USD",
			},
			[]string{"tenant", "provider", "model"},
		),

		BudgetPercent: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hounfour_budget_percent_used",
				Help: "Scope budget consumption as a percentage of its limit",
			},
			[]string{"scope"},
		),

		BudgetRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hounfour_budget_rejections_total",
				Help: "Requests rejected because a scope budget would be exceeded",
			},
			[]string{"scope"},
		),

		CircuitState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hounfour_circuit_state",
				Help: "Provider circuit state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"provider", "model"},
		),

		ProviderErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hounfour_provider_errors_total",
				Help: "Provider invocation failures by error code",
			},
			[]string{"provider", "model", "code"},
		),

		RateLimitWaits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hounfour_rate_limit_waits_total",
				Help: "Acquisitions that queued for bucket refill",
			},
			[]string{"provider"},
		),

		FallbackRoutes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hounfour_fallback_routes_total",
				Help: "Invocations demoted to an agent's fallback model",
			},
			[]string{"agent"},
		),

		ToolIterations: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hounfour_tool_loop_iterations",
				Help:    "Model/tool loop iterations per request",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
			},
			[]string{"agent"},
		),

		ToolCacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hounfour_tool_cache_hits_total",
				Help: "Tool executions short-circuited by the idempotency cache",
			},
			[]string{"tool"},
		),

		PaymentsVerified: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hounfour_payments_verified_total",
				Help: "Payment proofs verified",
			},
			[]string{"result"}, // result: valid, replay, rejected
		),

		Settlements: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hounfour_settlements_total",
				Help: "On-chain settlements by path",
			},
			[]string{"method", "status"}, // method: facilitator, direct
		),

		CreditIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hounfour_credit_notes_micro_total",
				Help: "Credit note value issued in micro-USDC",
			},
			[]string{"wallet"},
		),
	}
}
