// Package spawn creates child agent executions on behalf of a running
// agent, guarded by depth, rate, and budget pre-flight checks, and keeps
// the persisted spawn tree consistent.
package spawn

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/config"
	"github.com/weaverhq/weaver/internal/constants"
	"github.com/weaverhq/weaver/internal/db"
	"github.com/weaverhq/weaver/internal/metrics"
	"github.com/weaverhq/weaver/internal/models"
	"github.com/weaverhq/weaver/internal/session"
)

// Failure kinds reported in Result.FailureKind.
const (
	FailDepthExceeded     = "depth_exceeded"
	FailHardDepthExceeded = "hard_depth_exceeded"
	FailRateLimited       = "rate_limited"
	FailBudget            = "budget_insufficient"
	FailTimeout           = "timeout"
	FailAgent             = "agent_error"
)

// Inheritance controls what parent state is serialized into the child
// prompt. Everything is copied at spawn time; the child never shares
// live state with the parent.
type Inheritance struct {
	IncludeHistory  bool
	IncludeEntities bool
	ParentSummary   string
}

// Config describes one spawn request.
type Config struct {
	AgentType        models.AgentID
	Task             string
	InheritedContext Inheritance
	// MaxDepth overrides the configured delegation ceiling, clamped to
	// the hard limit. Zero means use the configured default.
	MaxDepth int
	// TokenBudget is the allowance granted to the child.
	TokenBudget int
	// RemainingBudget is the parent's remaining token allowance. Zero
	// falls back to the parent context; both zero means untracked.
	RemainingBudget int
}

// Result is the spawn outcome. Pre-flight rejections and execution
// failures are both carried here; nothing panics.
type Result struct {
	Success         bool          `json:"success"`
	Result          string        `json:"result,omitempty"`
	TokensUsed      int           `json:"tokens_used"`
	ExecutionTimeMs int64         `json:"execution_time_ms"`
	ChildExecutions []string      `json:"child_executions,omitempty"`
	Error           string        `json:"error,omitempty"`
	FailureKind     string        `json:"failure_kind,omitempty"`
	RetryAfter      time.Duration `json:"retry_after,omitempty"`
}

// AgentRunner executes one prompt through one agent. The coordinator
// satisfies it.
type AgentRunner interface {
	ExecuteWithAgent(ctx context.Context, agentType models.AgentID, prompt string, ectx models.ExecutionContext) models.AgentExecutionResult
}

// SessionReader loads sessions for context inheritance.
type SessionReader interface {
	Get(ctx context.Context, organizationID, sessionID string) (*session.Session, error)
}

// ExecutionStore persists child execution records.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *db.Execution) error
	UpdateExecution(ctx context.Context, exec *db.Execution) error
}

// Spawner creates sub-agent executions.
type Spawner struct {
	runner   AgentRunner
	limiter  *Limiter
	sessions SessionReader
	store    ExecutionStore
	limits   config.LimitsConfig
	logger   *zap.Logger
}

// New wires a spawner.
func New(
	runner AgentRunner,
	limiter *Limiter,
	sessions SessionReader,
	store ExecutionStore,
	limits config.LimitsConfig,
	logger *zap.Logger,
) *Spawner {
	return &Spawner{
		runner:   runner,
		limiter:  limiter,
		sessions: sessions,
		store:    store,
		limits:   limits,
		logger:   logger,
	}
}

// SpawnSubAgent runs one child agent under the parent context.
func (s *Spawner) SpawnSubAgent(ctx context.Context, parent models.ExecutionContext, cfg Config) Result {
	start := time.Now()
	agentLabel := string(cfg.AgentType)

	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = s.limits.MaxDelegationDepth
	}
	if maxDepth > constants.HardSpawnDepth {
		maxDepth = constants.HardSpawnDepth
	}

	childDepth := parent.Depth + 1
	if childDepth > constants.HardSpawnDepth {
		metrics.SubAgentSpawns.WithLabelValues(agentLabel, FailHardDepthExceeded).Inc()
		return rejected(FailHardDepthExceeded,
			fmt.Sprintf("spawn depth %d exceeds hard limit %d", childDepth, constants.HardSpawnDepth), start)
	}
	// The deepest runnable level is maxDepth-1: execution itself refuses
	// agents at maxDepth, so a child spawned there could never run.
	if childDepth >= maxDepth {
		metrics.SubAgentSpawns.WithLabelValues(agentLabel, FailDepthExceeded).Inc()
		return rejected(FailDepthExceeded,
			fmt.Sprintf("spawn depth %d would exceed delegation limit %d", childDepth, maxDepth), start)
	}

	if s.limiter != nil {
		allowed, retryAfter := s.limiter.Allow(ctx, parent.UserID, parent.OrganizationID)
		if !allowed {
			metrics.SubAgentSpawns.WithLabelValues(agentLabel, FailRateLimited).Inc()
			r := rejected(FailRateLimited, "spawn rate limit exceeded", start)
			r.RetryAfter = retryAfter
			return r
		}
	}

	remaining := cfg.RemainingBudget
	if remaining <= 0 {
		remaining = parent.RemainingBudgetTokens
	}
	if remaining > 0 && remaining < s.minBudget() {
		metrics.SubAgentSpawns.WithLabelValues(agentLabel, FailBudget).Inc()
		return rejected(FailBudget,
			fmt.Sprintf("remaining budget %d tokens below minimum %d", remaining, s.minBudget()), start)
	}

	executionID := uuid.New().String()
	s.saveChild(ctx, executionID, parent, cfg, childDepth, maxDepth, remaining)

	childCtx := parent.Child(executionID)
	childCtx.MaxDepth = maxDepth
	childCtx.RemainingBudgetTokens = remaining

	prompt := s.childPrompt(ctx, parent, cfg)

	tctx, cancel := context.WithTimeout(ctx, s.childTimeout())
	defer cancel()
	resultCh := make(chan models.AgentExecutionResult, 1)
	go func() {
		resultCh <- s.runner.ExecuteWithAgent(tctx, cfg.AgentType, prompt, childCtx)
	}()

	var agentResult models.AgentExecutionResult
	select {
	case agentResult = <-resultCh:
	case <-tctx.Done():
		metrics.SubAgentSpawns.WithLabelValues(agentLabel, FailTimeout).Inc()
		s.finishChild(ctx, executionID, models.StatusFailed, start, 0, remaining, "child execution timed out")
		r := rejected(FailTimeout, "child execution timed out", start)
		r.ChildExecutions = []string{executionID}
		return r
	}

	remainingAfter := remaining
	if remainingAfter > 0 {
		remainingAfter -= agentResult.TokensUsed
		if remainingAfter < 0 {
			remainingAfter = 0
		}
	}

	if !agentResult.Success {
		metrics.SubAgentSpawns.WithLabelValues(agentLabel, FailAgent).Inc()
		s.finishChild(ctx, executionID, models.StatusFailed, start, agentResult.TokensUsed, remainingAfter, agentResult.Error)
		return Result{
			Success:         false,
			TokensUsed:      agentResult.TokensUsed,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			ChildExecutions: []string{executionID},
			Error:           agentResult.Error,
			FailureKind:     FailAgent,
		}
	}

	s.finishChild(ctx, executionID, models.StatusCompleted, start, agentResult.TokensUsed, remainingAfter, "")
	if s.limiter != nil {
		s.limiter.Record(ctx, parent.UserID, parent.OrganizationID, executionID)
	}
	metrics.SubAgentSpawns.WithLabelValues(agentLabel, "success").Inc()

	return Result{
		Success:         true,
		Result:          agentResult.Response,
		TokensUsed:      agentResult.TokensUsed,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		ChildExecutions: []string{executionID},
	}
}

func (s *Spawner) minBudget() int {
	if s.limits.MinRequiredBudgetTok > 0 {
		return s.limits.MinRequiredBudgetTok
	}
	return constants.MinRequiredBudgetTokens
}

func (s *Spawner) childTimeout() time.Duration {
	if s.limits.ChildTimeout > 0 {
		return s.limits.ChildTimeout
	}
	return constants.ChildTimeout
}

// childPrompt serializes inherited parent state ahead of the task text.
func (s *Spawner) childPrompt(ctx context.Context, parent models.ExecutionContext, cfg Config) string {
	var parts []string

	if cfg.InheritedContext.ParentSummary != "" {
		parts = append(parts, "PARENT CONTEXT:\n"+cfg.InheritedContext.ParentSummary)
	}

	needSession := cfg.InheritedContext.IncludeHistory || cfg.InheritedContext.IncludeEntities
	if needSession && s.sessions != nil && parent.SessionID != "" {
		sess, err := s.sessions.Get(ctx, parent.OrganizationID, parent.SessionID)
		if err != nil {
			s.logger.Warn("Session unavailable for spawn inheritance",
				zap.String("session_id", parent.SessionID), zap.Error(err))
		} else {
			if cfg.InheritedContext.IncludeHistory {
				if history := formatHistory(sess.RecentHistory(5)); history != "" {
					parts = append(parts, "CONVERSATION HISTORY:\n"+history)
				}
			}
			if cfg.InheritedContext.IncludeEntities && len(sess.Entities) > 0 {
				parts = append(parts, "KNOWN ENTITIES:\n"+formatEntities(sess.Entities))
			}
		}
	}

	parts = append(parts, "TASK:\n"+cfg.Task)
	return strings.Join(parts, "\n\n")
}

func (s *Spawner) saveChild(ctx context.Context, id string, parent models.ExecutionContext, cfg Config, depth, maxDepth, remaining int) {
	if s.store == nil {
		return
	}
	parentID := parent.ParentExecutionID
	if parentID == "" {
		parentID = parent.RootExecutionID
	}
	agentType := string(cfg.AgentType)
	rec := &db.Execution{
		ID:             id,
		OrganizationID: parent.OrganizationID,
		UserID:         parent.UserID,
		SessionID:      parent.SessionID,
		Status:         models.StatusRunning,
		InputData:      cfg.Task,
		Depth:          depth,
		AgentType:      &agentType,
		Metadata: db.JSONB{
			"max_depth":        maxDepth,
			"token_budget":     cfg.TokenBudget,
			"remaining_budget": remaining,
		},
	}
	if parentID != "" {
		rec.ParentID = &parentID
	}
	if parent.RootExecutionID != "" {
		rootID := parent.RootExecutionID
		rec.RootID = &rootID
	}
	if err := s.store.SaveExecution(ctx, rec); err != nil {
		s.logger.Warn("Failed to save child execution record",
			zap.String("execution_id", id), zap.Error(err))
	}
}

func (s *Spawner) finishChild(ctx context.Context, id, status string, start time.Time, tokens, remainingAfter int, errMsg string) {
	if s.store == nil {
		return
	}
	duration := time.Since(start).Milliseconds()
	rec := &db.Execution{
		ID:         id,
		Status:     status,
		DurationMs: &duration,
		Metadata: db.JSONB{
			"tokens_used":            tokens,
			"remaining_budget_after": remainingAfter,
		},
	}
	if errMsg != "" {
		rec.ErrorMessage = &errMsg
	}
	if err := s.store.UpdateExecution(ctx, rec); err != nil {
		s.logger.Warn("Failed to finalize child execution record",
			zap.String("execution_id", id), zap.Error(err))
	}
}

func rejected(kind, msg string, start time.Time) Result {
	return Result{
		Success:         false,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Error:           msg,
		FailureKind:     kind,
	}
}

func formatHistory(messages []session.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", m.Role, m.Content)
	}
	return b.String()
}

func formatEntities(entities map[string]string) string {
	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	// Stable output keeps prompts deterministic.
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s: %s", k, entities[k])
	}
	return b.String()
}
