package models

import "time"

// Task and subtask statuses
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Execution modes reported in orchestration metadata
const (
	ModeSingle     = "single"
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
	// ModeRejected marks runs refused before any agent executed
	// (exhausted budget, policy denial).
	ModeRejected = "rejected"
)

// TaskCategory is the coarse request class produced by the router.
// Each category maps to a fixed model tier.
type TaskCategory string

const (
	CategoryVisualEngineering TaskCategory = "visual-engineering"
	CategoryUltrabrain        TaskCategory = "ultrabrain"
	CategoryArtistry          TaskCategory = "artistry"
	CategoryQuick             TaskCategory = "quick"
	CategoryWriting           TaskCategory = "writing"
	CategoryUnspecifiedLow    TaskCategory = "unspecified-low"
	CategoryUnspecifiedHigh   TaskCategory = "unspecified-high"
)

// ModelTier is the pricing/capability class of the underlying model.
type ModelTier string

const (
	TierOpus   ModelTier = "opus"
	TierSonnet ModelTier = "sonnet"
	TierHaiku  ModelTier = "haiku"
)

var categoryTiers = map[TaskCategory]ModelTier{
	CategoryVisualEngineering: TierSonnet,
	CategoryUltrabrain:        TierOpus,
	CategoryArtistry:          TierSonnet,
	CategoryQuick:             TierHaiku,
	CategoryWriting:           TierSonnet,
	CategoryUnspecifiedLow:    TierHaiku,
	CategoryUnspecifiedHigh:   TierSonnet,
}

// Tier returns the model tier implied by the category.
// Unknown categories fall back to the cheapest tier.
func (c TaskCategory) Tier() ModelTier {
	if t, ok := categoryTiers[c]; ok {
		return t
	}
	return TierHaiku
}

// Valid reports whether c is a member of the closed category set.
func (c TaskCategory) Valid() bool {
	_, ok := categoryTiers[c]
	return ok
}

// AllCategories returns the closed category set in stable order.
func AllCategories() []TaskCategory {
	return []TaskCategory{
		CategoryVisualEngineering,
		CategoryUltrabrain,
		CategoryArtistry,
		CategoryQuick,
		CategoryWriting,
		CategoryUnspecifiedLow,
		CategoryUnspecifiedHigh,
	}
}

// ClassificationMethod records how the router arrived at a category.
type ClassificationMethod string

const (
	MethodKeywordFast        ClassificationMethod = "keyword-fast"
	MethodKeywordLLMHybrid   ClassificationMethod = "keyword-llm-hybrid"
	MethodComplexityFallback ClassificationMethod = "complexity-fallback"
	MethodLLMFallback        ClassificationMethod = "llm-fallback"
)

// Complexity is the router/decomposer estimate of request difficulty.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// AgentID identifies a specialized agent in the static registry.
type AgentID string

const (
	AgentSearch    AgentID = "search"
	AgentData      AgentID = "data"
	AgentAnalytics AgentID = "analytics"
	AgentTask      AgentID = "task"
	AgentApproval  AgentID = "approval"
	AgentReport    AgentID = "report"
	AgentComms     AgentID = "comms"
)

// Request is a single user invocation. Immutable once constructed.
type Request struct {
	UserRequest    string `json:"user_request"`
	SessionID      string `json:"session_id"`
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
}

// CategorySelection is the router's category verdict.
type CategorySelection struct {
	Category        TaskCategory         `json:"category"`
	Confidence      float64              `json:"confidence"`
	Method          ClassificationMethod `json:"method"`
	MatchedKeywords []string             `json:"matched_keywords,omitempty"`
	Downgraded      bool                 `json:"downgraded,omitempty"`
	BaseCategory    TaskCategory         `json:"base_category,omitempty"`
}

// SelectedSkill is one entry of a SkillSelection.
type SelectedSkill struct {
	Name            string   `json:"name"`
	Score           float64  `json:"score"`
	MatchedKeywords []string `json:"matched_keywords,omitempty"`
	FromDependency  bool     `json:"from_dependency,omitempty"`
}

// SkillSelection is the ordered set of skills chosen for a request.
type SkillSelection struct {
	Skills []SelectedSkill `json:"skills"`
	// Combination names a declared skill-set match (e.g. "visual-testing"),
	// empty when no combination applied.
	Combination string `json:"combination,omitempty"`
}

// Names returns the skill names in selection order.
func (s SkillSelection) Names() []string {
	names := make([]string, 0, len(s.Skills))
	for _, sk := range s.Skills {
		names = append(names, sk.Name)
	}
	return names
}

// Has reports whether the selection contains the named skill.
func (s SkillSelection) Has(name string) bool {
	for _, sk := range s.Skills {
		if sk.Name == name {
			return true
		}
	}
	return false
}

// SubTask is a unit of the decomposition DAG, assigned to exactly one agent.
type SubTask struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	AssignedAgent AgentID    `json:"assigned_agent"`
	Dependencies  []string   `json:"dependencies,omitempty"`
	Status        string     `json:"status"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// DecompositionResult is the decomposer output for one request.
type DecompositionResult struct {
	Subtasks           []SubTask    `json:"subtasks"`
	RequiresMultiAgent bool         `json:"requires_multi_agent"`
	Complexity         Complexity   `json:"complexity"`
	ParallelGroups     [][]AgentID  `json:"parallel_groups,omitempty"`
	MatchedPattern     string       `json:"matched_pattern,omitempty"`
}

// ExecutionContext travels by value through all recursive agent calls.
// Children are derived with Child; nothing mutates a parent context.
type ExecutionContext struct {
	OrganizationID        string `json:"organization_id"`
	UserID                string `json:"user_id"`
	SessionID             string `json:"session_id"`
	Depth                 int    `json:"depth"`
	MaxDepth              int    `json:"max_depth"`
	RootExecutionID       string `json:"root_execution_id"`
	ParentExecutionID     string `json:"parent_execution_id,omitempty"`
	RemainingBudgetTokens int    `json:"remaining_budget_tokens,omitempty"`
}

// Child derives the context for a spawned sub-execution.
func (c ExecutionContext) Child(parentExecutionID string) ExecutionContext {
	child := c
	child.Depth = c.Depth + 1
	child.ParentExecutionID = parentExecutionID
	return child
}

// AgentExecutionResult is the outcome of one agent invocation.
// Failures are carried in Error with Success=false, never as panics.
type AgentExecutionResult struct {
	AgentID      AgentID  `json:"agent_id"`
	Response     string   `json:"response"`
	ModelUsed    string   `json:"model_used,omitempty"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	TokensUsed   int      `json:"tokens_used"`
	DurationMs   int64    `json:"duration_ms"`
	Success      bool     `json:"success"`
	Error        string   `json:"error,omitempty"`
	ToolsUsed    []string `json:"tools_used,omitempty"`
}

// ExecutionRequest is one model-executor invocation on behalf of an agent.
type ExecutionRequest struct {
	Category       TaskCategory     `json:"category"`
	Skills         []string         `json:"skills,omitempty"`
	Prompt         string           `json:"prompt"`
	SessionID      string           `json:"session_id,omitempty"`
	OrganizationID string           `json:"organization_id"`
	UserID         string           `json:"user_id"`
	Context        ExecutionContext `json:"context"`
}

// ExecutionMetadata carries the accounting for one executor call.
type ExecutionMetadata struct {
	Model        string   `json:"model,omitempty"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	DurationMs   int64    `json:"duration_ms"`
	CostCents    float64  `json:"cost_cents"`
	ToolsUsed    []string `json:"tools_used,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// ExecutionResult is the model-executor outcome. Ordinary model failures
// are reported through Status/Metadata.Error, not as Go errors.
type ExecutionResult struct {
	Status   string            `json:"status"`
	Output   string            `json:"output"`
	Metadata ExecutionMetadata `json:"metadata"`
}

// TokenUsage tracks token consumption for a session or execution.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostCents    float64 `json:"cost_cents"`
	Model        string  `json:"model,omitempty"`
	Tier         string  `json:"tier,omitempty"`
}

// Add accumulates u2 into u.
func (u *TokenUsage) Add(u2 TokenUsage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.TotalTokens += u2.TotalTokens
	u.CostCents += u2.CostCents
}
