package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request pipeline metrics
	RequestsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_requests_total",
			Help: "Total number of requests handled, by outcome",
		},
		[]string{"outcome"},
	)

	// Orchestration metrics
	OrchestrationsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_orchestrations_started_total",
			Help: "Total number of orchestration runs started",
		},
		[]string{"mode"},
	)

	OrchestrationsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_orchestrations_completed_total",
			Help: "Total number of orchestration runs completed",
		},
		[]string{"mode", "status"},
	)

	OrchestrationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weaver_orchestration_duration_seconds",
			Help:    "Orchestration run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	LoopTerminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_loop_terminations_total",
			Help: "Total number of runs terminated by the loop detector",
		},
		[]string{"reason"},
	)

	// Router metrics
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_routing_decisions_total",
			Help: "Total number of routing decisions",
		},
		[]string{"category", "method"},
	)

	RoutingDowngrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_routing_downgrades_total",
			Help: "Total number of budget-aware category downgrades",
		},
		[]string{"from", "to"},
	)

	RoutingLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weaver_routing_latency_seconds",
			Help:    "Routing decision latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	RouteCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weaver_route_cache_hits_total",
			Help: "Total number of route cache hits",
		},
	)

	RouteCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weaver_route_cache_misses_total",
			Help: "Total number of route cache misses",
		},
	)

	// Agent metrics
	AgentExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_agent_executions_total",
			Help: "Total number of agent executions",
		},
		[]string{"agent_id", "mode"},
	)

	AgentExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weaver_agent_execution_duration_ms",
			Help:    "Agent execution duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"agent_id", "mode"},
	)

	SubAgentSpawns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_sub_agent_spawns_total",
			Help: "Total number of sub-agent spawn attempts",
		},
		[]string{"agent_id", "outcome"},
	)

	// Workflow engine metrics
	WorkflowRunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_workflow_runs_started_total",
			Help: "Total number of declarative workflow runs started",
		},
		[]string{"workflow"},
	)

	WorkflowRunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_workflow_runs_completed_total",
			Help: "Total number of declarative workflow runs completed",
		},
		[]string{"workflow", "status"},
	)

	WorkflowNodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weaver_workflow_node_duration_seconds",
			Help:    "Workflow node execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow", "node_type"},
	)

	// Tool dispatch metrics
	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_tool_invocations_total",
			Help: "Total number of tool invocations",
		},
		[]string{"provider", "tool", "status"},
	)

	ToolInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weaver_tool_invocation_duration_ms",
			Help:    "Tool invocation duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 30000},
		},
		[]string{"provider", "tool"},
	)

	ToolCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_tool_cache_hits_total",
			Help: "Total number of tool result cache hits",
		},
		[]string{"provider", "tool"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weaver_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_circuit_breaker_trips_total",
			Help: "Total number of circuit breaker open transitions",
		},
		[]string{"name"},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_token_refreshes_total",
			Help: "Total number of OAuth token refreshes",
		},
		[]string{"provider", "status"},
	)

	// Budget metrics
	BudgetReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_budget_reservations_total",
			Help: "Total number of budget reservations",
		},
		[]string{"outcome"},
	)

	BudgetExhaustions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weaver_budget_exhaustions_total",
			Help: "Total number of requests rejected for exhausted budget",
		},
	)

	TaskTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weaver_task_tokens_used",
			Help:    "Number of tokens used per task",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
		},
	)

	TaskCostCents = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weaver_task_cost_cents",
			Help:    "Cost in cents per task",
			Buckets: []float64{0.1, 1, 10, 100, 1000},
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weaver_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weaver_sessions_active",
			Help: "Number of active sessions",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weaver_session_cache_hits_total",
			Help: "Total number of session cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weaver_session_cache_misses_total",
			Help: "Total number of session cache misses",
		},
	)

	SessionCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weaver_session_cache_evictions_total",
			Help: "Total number of sessions evicted from local cache",
		},
	)

	// Model executor metrics
	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_model_calls_total",
			Help: "Total number of model provider calls",
		},
		[]string{"provider", "tier", "status"},
	)

	ModelCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weaver_model_call_latency_seconds",
			Help:    "Model provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "tier"},
	)

	// Pricing fallback metrics
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_pricing_fallback_total",
			Help: "Total number of pricing fallbacks (missing/unknown model)",
		},
		[]string{"reason"},
	)

	// Decomposition metrics
	DecompositionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weaver_decomposition_latency_seconds",
			Help:    "Task decomposition latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DecompositionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weaver_decomposition_errors_total",
			Help: "Total number of decomposition errors",
		},
	)

	// Approval metrics
	ApprovalsRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_approvals_requested_total",
			Help: "Total number of human approval requests created",
		},
		[]string{"approval_type"},
	)

	ApprovalsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_approvals_resolved_total",
			Help: "Total number of human approval requests resolved",
		},
		[]string{"approval_type", "outcome"},
	)
)

// RecordOrchestrationMetrics records metrics for a completed orchestration run.
func RecordOrchestrationMetrics(mode, status string, durationSeconds float64, tokensUsed int, costCents float64) {
	OrchestrationsCompleted.WithLabelValues(mode, status).Inc()
	OrchestrationDuration.WithLabelValues(mode).Observe(durationSeconds)

	if tokensUsed > 0 {
		TaskTokensUsed.Observe(float64(tokensUsed))
	}
	if costCents > 0 {
		TaskCostCents.Observe(costCents)
	}
}

// RecordAgentMetrics records metrics for an agent execution.
func RecordAgentMetrics(agentID, mode string, durationMs float64) {
	AgentExecutions.WithLabelValues(agentID, mode).Inc()
	AgentExecutionDuration.WithLabelValues(agentID, mode).Observe(durationMs)
}

// RecordToolMetrics records metrics for a tool invocation.
func RecordToolMetrics(provider, tool string, success bool, durationMs float64) {
	status := "success"
	if !success {
		status = "error"
	}
	ToolInvocations.WithLabelValues(provider, tool, status).Inc()
	ToolInvocationDuration.WithLabelValues(provider, tool).Observe(durationMs)
}

// RecordModelCall records metrics for one model provider round trip.
func RecordModelCall(provider, tier, status string, durationSeconds float64) {
	ModelCalls.WithLabelValues(provider, tier, status).Inc()
	ModelCallLatency.WithLabelValues(provider, tier).Observe(durationSeconds)
}
