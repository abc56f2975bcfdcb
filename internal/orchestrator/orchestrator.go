// Package orchestrator drives one request end to end: decomposition,
// single- vs multi-agent decision, loop guarding, coordinated execution
// under a wall-clock deadline, and the persisted execution record.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/config"
	"github.com/weaverhq/weaver/internal/coordinator"
	"github.com/weaverhq/weaver/internal/db"
	"github.com/weaverhq/weaver/internal/decompose"
	"github.com/weaverhq/weaver/internal/metrics"
	"github.com/weaverhq/weaver/internal/models"
)

// ErrEmptyRequest is returned for requests with no usable text. This is a
// caller bug, not an execution failure.
var ErrEmptyRequest = errors.New("empty user request")

// ExecutionStore persists execution records. *db.Client satisfies it.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *db.Execution) error
	UpdateExecution(ctx context.Context, exec *db.Execution) error
}

// Options carries the routing verdict and per-run overrides into a run.
type Options struct {
	Category          models.CategorySelection
	Skills            models.SkillSelection
	MultiAgentEnabled bool
	Timeout           time.Duration
	// Preplanned bypasses decomposition when a plan already exists
	// (workflow nodes, replayed runs).
	Preplanned *models.DecompositionResult
}

// Metadata describes how a run was executed.
type Metadata struct {
	ExecutionID   string              `json:"execution_id"`
	Category      models.TaskCategory `json:"category"`
	Skills        []string            `json:"skills,omitempty"`
	Mode          string              `json:"mode"`
	Model         string              `json:"model,omitempty"`
	AgentsUsed    []models.AgentID    `json:"agents_used,omitempty"`
	InputTokens   int                 `json:"input_tokens"`
	OutputTokens  int                 `json:"output_tokens"`
	TokensUsed    int                 `json:"tokens_used"`
	DurationMs    int64               `json:"duration_ms"`
	LoopDetection string              `json:"loop_detection,omitempty"`
	// Reason labels rejections made before any agent ran, for example
	// "budget_exhausted" or "policy_denied".
	Reason string `json:"reason,omitempty"`
}

// Result is the orchestration outcome. Execution failures are carried
// here; only caller bugs surface as Go errors.
type Result struct {
	Success  bool     `json:"success"`
	Output   string   `json:"output"`
	Metadata Metadata `json:"metadata"`
}

// Orchestrator coordinates the run pipeline.
type Orchestrator struct {
	decomposer *decompose.Decomposer
	coord      *coordinator.Coordinator
	store      ExecutionStore
	limits     config.LimitsConfig
	logger     *zap.Logger
}

// New wires the orchestrator.
func New(
	decomposer *decompose.Decomposer,
	coord *coordinator.Coordinator,
	store ExecutionStore,
	limits config.LimitsConfig,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		decomposer: decomposer,
		coord:      coord,
		store:      store,
		limits:     limits,
		logger:     logger,
	}
}

// OrchestrateMultiAgent runs one request to completion.
func (o *Orchestrator) OrchestrateMultiAgent(ctx context.Context, req models.Request, opts Options) (Result, error) {
	start := time.Now()
	if strings.TrimSpace(req.UserRequest) == "" {
		return Result{}, ErrEmptyRequest
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = o.limits.DefaultTimeout
	}

	var decomp models.DecompositionResult
	if opts.Preplanned != nil {
		decomp = *opts.Preplanned
	} else {
		decomp = o.decomposer.Decompose(req)
	}

	if !opts.MultiAgentEnabled || decomp.Complexity == models.ComplexityLow || !decomp.RequiresMultiAgent {
		return o.runSingle(ctx, req, opts, decomp, start, timeout)
	}
	return o.runMulti(ctx, req, opts, decomp, start, timeout)
}

func (o *Orchestrator) runSingle(
	ctx context.Context,
	req models.Request,
	opts Options,
	decomp models.DecompositionResult,
	start time.Time,
	timeout time.Duration,
) (Result, error) {
	metrics.OrchestrationsStarted.WithLabelValues(models.ModeSingle).Inc()

	agent := models.AgentTask
	if len(decomp.Subtasks) > 0 {
		agent = decomp.Subtasks[0].AssignedAgent
	}

	executionID := uuid.New().String()
	o.saveRoot(ctx, executionID, req, opts, string(agent))

	ectx := o.baseContext(req, executionID)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	agentResult := o.coord.ExecuteWithAgent(tctx, agent, req.UserRequest, ectx)

	meta := Metadata{
		ExecutionID:  executionID,
		Category:     opts.Category.Category,
		Skills:       opts.Skills.Names(),
		Mode:         models.ModeSingle,
		Model:        agentResult.ModelUsed,
		AgentsUsed:   []models.AgentID{agent},
		InputTokens:  agentResult.InputTokens,
		OutputTokens: agentResult.OutputTokens,
		TokensUsed:   agentResult.TokensUsed,
		DurationMs:   time.Since(start).Milliseconds(),
	}
	result := Result{
		Success:  agentResult.Success,
		Output:   agentResult.Response,
		Metadata: meta,
	}
	if !agentResult.Success {
		result.Output = agentResult.Error
	}
	o.finishRoot(ctx, executionID, result)
	metrics.RecordOrchestrationMetrics(models.ModeSingle, statusOf(result.Success),
		time.Since(start).Seconds(), meta.TokensUsed, 0)
	return result, nil
}

func (o *Orchestrator) runMulti(
	ctx context.Context,
	req models.Request,
	opts Options,
	decomp models.DecompositionResult,
	start time.Time,
	timeout time.Duration,
) (Result, error) {
	subtasks := decomp.Subtasks
	if max := o.limits.MaxAgents; max > 0 && len(subtasks) > max {
		o.logger.Warn("Decomposition exceeds agent cap, trimming",
			zap.Int("subtasks", len(subtasks)),
			zap.Int("max", max),
		)
		subtasks = subtasks[:max]
	}

	mode := models.ModeSequential
	if len(decomp.ParallelGroups) > 0 && len(decomp.ParallelGroups[0]) > 1 {
		mode = models.ModeParallel
	}
	metrics.OrchestrationsStarted.WithLabelValues(mode).Inc()

	executionID := uuid.New().String()
	o.saveRoot(ctx, executionID, req, opts, "")
	ectx := o.baseContext(req, executionID)

	detector := NewLoopDetector(o.limits.LoopMaxIterations, o.limits.LoopMaxDependencyDepth)
	for _, st := range subtasks {
		if loop := detector.CheckBefore(st.AssignedAgent, st.Description); loop != nil {
			summary := detector.ExitSummary()
			o.logger.Warn("Run terminated by loop detector",
				zap.String("execution_id", executionID),
				zap.String("reason", loop.Reason),
			)
			result := Result{
				Success: false,
				Output:  summary,
				Metadata: Metadata{
					ExecutionID:   executionID,
					Category:      opts.Category.Category,
					Skills:        opts.Skills.Names(),
					Mode:          mode,
					DurationMs:    time.Since(start).Milliseconds(),
					LoopDetection: summary,
				},
			}
			o.finishRoot(ctx, executionID, result)
			metrics.RecordOrchestrationMetrics(mode, "failed", time.Since(start).Seconds(), 0, 0)
			return result, nil
		}
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan []models.AgentExecutionResult, 1)
	go func() {
		if mode == models.ModeParallel {
			resultCh <- o.coord.CoordinateGroups(tctx, subtasks, ectx)
			return
		}
		resultCh <- o.coord.CoordinateSequential(tctx, subtasks, ectx)
	}()

	var agentResults []models.AgentExecutionResult
	select {
	case agentResults = <-resultCh:
	case <-tctx.Done():
		// The race loser is abandoned; its late results are discarded.
		result := Result{
			Success: false,
			Output:  "Execution timed out",
			Metadata: Metadata{
				ExecutionID: executionID,
				Category:    opts.Category.Category,
				Skills:      opts.Skills.Names(),
				Mode:        mode,
				DurationMs:  time.Since(start).Milliseconds(),
			},
		}
		o.finishRoot(ctx, executionID, result)
		metrics.RecordOrchestrationMetrics(mode, "timeout", time.Since(start).Seconds(), 0, 0)
		return result, nil
	}

	for i, r := range agentResults {
		if r.Success && i < len(subtasks) {
			detector.RecordCompletion(subtasks[i].Description)
		}
	}

	success := true
	tokens, inTokens, outTokens := 0, 0, 0
	model := ""
	agentsUsed := make([]models.AgentID, 0, len(agentResults))
	for _, r := range agentResults {
		agentsUsed = append(agentsUsed, r.AgentID)
		tokens += r.TokensUsed
		inTokens += r.InputTokens
		outTokens += r.OutputTokens
		if model == "" && r.ModelUsed != "" {
			model = r.ModelUsed
		}
		if !r.Success {
			success = false
		}
	}

	result := Result{
		Success: success,
		Output:  o.coord.Aggregate(agentResults),
		Metadata: Metadata{
			ExecutionID:  executionID,
			Category:     opts.Category.Category,
			Skills:       opts.Skills.Names(),
			Mode:         mode,
			Model:        model,
			AgentsUsed:   agentsUsed,
			InputTokens:  inTokens,
			OutputTokens: outTokens,
			TokensUsed:   tokens,
			DurationMs:   time.Since(start).Milliseconds(),
		},
	}
	o.finishRoot(ctx, executionID, result)
	metrics.RecordOrchestrationMetrics(mode, statusOf(success), time.Since(start).Seconds(), tokens, 0)
	return result, nil
}

func (o *Orchestrator) baseContext(req models.Request, executionID string) models.ExecutionContext {
	return models.ExecutionContext{
		OrganizationID:  req.OrganizationID,
		UserID:          req.UserID,
		SessionID:       req.SessionID,
		Depth:           0,
		MaxDepth:        o.limits.MaxDelegationDepth,
		RootExecutionID: executionID,
	}
}

// saveRoot records the run as running. Persistence failures are logged,
// not fatal; the run itself matters more than its audit row.
func (o *Orchestrator) saveRoot(ctx context.Context, id string, req models.Request, opts Options, agentType string) {
	if o.store == nil {
		return
	}
	rec := &db.Execution{
		ID:             id,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		Category:       string(opts.Category.Category),
		Skills:         db.JSONB{"names": opts.Skills.Names()},
		Status:         models.StatusRunning,
		InputData:      req.UserRequest,
		Depth:          0,
		Metadata:       db.JSONB{},
	}
	if agentType != "" {
		rec.AgentType = &agentType
	}
	if err := o.store.SaveExecution(ctx, rec); err != nil {
		o.logger.Warn("Failed to save execution record",
			zap.String("execution_id", id), zap.Error(err))
	}
}

func (o *Orchestrator) finishRoot(ctx context.Context, id string, result Result) {
	if o.store == nil {
		return
	}
	duration := result.Metadata.DurationMs
	output := result.Output
	rec := &db.Execution{
		ID:         id,
		Status:     statusOf(result.Success),
		DurationMs: &duration,
		OutputData: &output,
		Metadata: db.JSONB{
			"mode":        result.Metadata.Mode,
			"agents_used": result.Metadata.AgentsUsed,
			"tokens_used": result.Metadata.TokensUsed,
		},
	}
	if result.Metadata.LoopDetection != "" {
		msg := result.Metadata.LoopDetection
		rec.ErrorMessage = &msg
	}
	if err := o.store.UpdateExecution(ctx, rec); err != nil {
		o.logger.Warn("Failed to finalize execution record",
			zap.String("execution_id", id), zap.Error(err))
	}
}

func statusOf(success bool) string {
	if success {
		return models.StatusCompleted
	}
	return models.StatusFailed
}
