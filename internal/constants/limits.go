package constants

import "time"

// Execution limits enforced by the orchestrator, coordinator, and spawner.
// Using constants eliminates magic numbers and ensures consistency.
const (
	// MaxParallelAgents caps concurrent agent executions in one parallel group.
	MaxParallelAgents = 5

	// MaxSubtasks caps the decomposition size for a single request.
	MaxSubtasks = 5

	// MaxDelegationDepth is the default spawn depth ceiling.
	MaxDelegationDepth = 3

	// HardSpawnDepth is the absolute spawn depth ceiling; config can only
	// lower the effective limit, never raise it past this.
	HardSpawnDepth = 5

	// MinRequiredBudgetTokens is the smallest remaining token budget a
	// sub-agent spawn is allowed to proceed with.
	MinRequiredBudgetTokens = 1000
)

// Timeouts
const (
	// DefaultTimeout bounds one top-level orchestration run and one
	// workflow node unless overridden.
	DefaultTimeout = 120 * time.Second

	// ChildTimeout bounds one spawned sub-agent execution.
	ChildTimeout = 300 * time.Second
)

// Loop detector bounds
const (
	LoopMaxIterations      = 10
	LoopMaxDependencyDepth = 5
)

// Router thresholds
const (
	// MinRouteConfidence is the keyword-path confidence below which the
	// LLM fallback classifier is consulted.
	MinRouteConfidence = 0.7

	// RouteCacheTTL is how long a classifier verdict stays cached.
	RouteCacheTTL = 24 * time.Hour

	// SessionCacheTTL bounds the local session-context cache.
	SessionCacheTTL = 5 * time.Minute
)

// Budget thresholds, in cents
const (
	// BudgetExhaustedCents: below this remaining balance an organization
	// is treated as out of budget.
	BudgetExhaustedCents = 10

	// DowngradeUltrabrainCents: below this remaining balance ultrabrain
	// requests are downgraded to quick.
	DowngradeUltrabrainCents = 100

	// DowngradeExpensiveCents: below this remaining balance the remaining
	// expensive categories are downgraded to quick.
	DowngradeExpensiveCents = 20
)

// Circuit breaker defaults for provider clients
const (
	BreakerFailureThreshold = 5
	BreakerSuccessThreshold = 2
	BreakerCallTimeout      = 30 * time.Second
	BreakerResetTimeout     = 60 * time.Second
)

// Workflow sentinel node IDs delimiting entry and exit.
const (
	WorkflowStartNode = "START"
	WorkflowEndNode   = "END"
)
