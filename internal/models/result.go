package models

// OrchestrationResult is the aggregated outcome returned to the caller.
type OrchestrationResult struct {
	Output   string                `json:"output"`
	Status   string                `json:"status"`
	Metadata OrchestrationMetadata `json:"metadata"`
}

// OrchestrationMetadata is the structured block attached to every result.
type OrchestrationMetadata struct {
	Category      TaskCategory `json:"category"`
	Skills        []string     `json:"skills,omitempty"`
	DurationMs    int64        `json:"duration_ms"`
	Model         string       `json:"model,omitempty"`
	AgentsUsed    []AgentID    `json:"agents_used,omitempty"`
	ExecutionMode string       `json:"execution_mode"`
	TokensUsed    int          `json:"tokens_used,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	LoopDetection *LoopSummary `json:"loop_detection,omitempty"`
}

// LoopInfo describes one detected loop condition.
type LoopInfo struct {
	Type        string    `json:"type"` // max-iterations, circular-dependency, task-repetition
	Agent       AgentID   `json:"agent"`
	Cycle       []AgentID `json:"cycle,omitempty"`
	TaskPreview string    `json:"task_preview,omitempty"`
}

// LoopSummary is the exit summary produced when a run is terminated
// by the loop detector.
type LoopSummary struct {
	Terminated     bool       `json:"terminated"`
	Reason         string     `json:"reason"`
	Iterations     int        `json:"iterations"`
	Loops          []LoopInfo `json:"loops,omitempty"`
	ExecutionChain []AgentID  `json:"execution_chain,omitempty"`
	CompletedTasks []string   `json:"completed_tasks,omitempty"`
}
