package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/config"
	"github.com/weaverhq/weaver/internal/constants"
	"github.com/weaverhq/weaver/internal/db"
	"github.com/weaverhq/weaver/internal/metrics"
	"github.com/weaverhq/weaver/internal/models"
)

// Run statuses.
const (
	StatusRunning         = "running"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusWaitingApproval = "waiting_approval"
)

// Approval outcomes accepted by Resume.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
)

// ErrUnknownWorkflow means the requested workflow is not registered.
var ErrUnknownWorkflow = fmt.Errorf("workflow: unknown workflow")

// ErrNotWaiting means Resume was called on a run that is not paused.
var ErrNotWaiting = fmt.Errorf("workflow: run is not waiting for approval")

// AgentRunner executes agent work for workflow nodes.
type AgentRunner interface {
	ExecuteWithAgent(ctx context.Context, agentType models.AgentID, prompt string, ectx models.ExecutionContext) models.AgentExecutionResult
	CoordinateParallel(ctx context.Context, subtasks []models.SubTask, ectx models.ExecutionContext) []models.AgentExecutionResult
}

// Approvals creates human approval requests for approval nodes.
type Approvals interface {
	CreateApprovalRequest(ctx context.Context, orgID, requesterID, approverID, approvalType, description string, payload map[string]interface{}) (string, error)
}

// RunStore persists workflow runs and their snapshots.
type RunStore interface {
	SaveWorkflowRun(ctx context.Context, run *db.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*db.WorkflowRun, error)
}

// NodeResult records one executed node.
type NodeResult struct {
	Status      string     `json:"status"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Context is the mutable state carried through a workflow run.
type Context struct {
	OrganizationID string                 `json:"organization_id"`
	UserID         string                 `json:"user_id"`
	SessionID      string                 `json:"session_id,omitempty"`
	Variables      map[string]interface{} `json:"variables"`
	NodeResults    map[string]NodeResult  `json:"node_results"`
}

// Result is what Execute and Resume return to the caller.
type Result struct {
	RunID      string   `json:"run_id"`
	Status     string   `json:"status"`
	Context    *Context `json:"context"`
	DurationMs int64    `json:"duration_ms"`
	ApprovalID string   `json:"approval_id,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// snapshot is the serialized pause state stored with a waiting run.
type snapshot struct {
	Workflow string   `json:"workflow"`
	Cursor   string   `json:"cursor"`
	Context  *Context `json:"context"`
}

// Engine walks workflow definitions node by node.
type Engine struct {
	library   *Library
	runner    AgentRunner
	approvals Approvals
	store     RunStore
	cfg       config.WorkflowsConfig
	logger    *zap.Logger
}

func NewEngine(library *Library, runner AgentRunner, approvals Approvals, store RunStore, cfg config.WorkflowsConfig, logger *zap.Logger) *Engine {
	return &Engine{
		library:   library,
		runner:    runner,
		approvals: approvals,
		store:     store,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute runs the named workflow from START. An unknown workflow name is
// a caller error; everything that goes wrong inside a run is reported
// through the result status instead.
func (e *Engine) Execute(ctx context.Context, name string, wctx *Context) (*Result, error) {
	def, ok := e.library.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	if wctx.Variables == nil {
		wctx.Variables = make(map[string]interface{})
	}
	if wctx.NodeResults == nil {
		wctx.NodeResults = make(map[string]NodeResult)
	}

	runID := uuid.New().String()
	metrics.WorkflowRunsStarted.WithLabelValues(def.Name).Inc()
	e.logger.Info("Workflow run started",
		zap.String("workflow", def.Name),
		zap.String("run_id", runID),
		zap.String("organization_id", wctx.OrganizationID))

	start := time.Now()
	res := e.walk(ctx, def, runID, wctx, constants.WorkflowStartNode, start)
	return res, nil
}

// Resume continues a paused run once its approval request is resolved.
// A rejected outcome fails the run; approved continues from the node
// after the pause point.
func (e *Engine) Resume(ctx context.Context, runID, outcome string) (*Result, error) {
	run, err := e.store.GetWorkflowRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != StatusWaitingApproval {
		return nil, fmt.Errorf("%w: run %s is %s", ErrNotWaiting, runID, run.Status)
	}
	snap, err := decodeSnapshot(run.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("workflow: corrupt snapshot for run %s: %w", runID, err)
	}
	def, ok := e.library.Get(snap.Workflow)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, snap.Workflow)
	}

	start := time.Now()
	wctx := snap.Context

	if outcome != OutcomeApproved {
		result := wctx.NodeResults[snap.Cursor]
		result.Status = StatusFailed
		result.Error = "approval rejected"
		now := time.Now()
		result.CompletedAt = &now
		wctx.NodeResults[snap.Cursor] = result
		res := &Result{
			RunID:   runID,
			Status:  StatusFailed,
			Context: wctx,
			Error:   fmt.Sprintf("approval rejected at node %s", snap.Cursor),
		}
		e.finish(ctx, def, runID, wctx, res, start)
		return res, nil
	}

	result := wctx.NodeResults[snap.Cursor]
	result.Status = StatusCompleted
	result.Output = OutcomeApproved
	now := time.Now()
	result.CompletedAt = &now
	wctx.NodeResults[snap.Cursor] = result

	res := e.walk(ctx, def, runID, wctx, snap.Cursor, start)
	return res, nil
}

// walk advances the run from the given node until END, failure, or an
// approval pause.
func (e *Engine) walk(ctx context.Context, def *Definition, runID string, wctx *Context, from string, start time.Time) *Result {
	// Guards against definition cycles.
	steps := 0
	maxSteps := len(def.Nodes)*2 + 2

	frontier := e.nextNodes(def, from, wctx)
	for len(frontier) > 0 {
		if steps++; steps > maxSteps {
			res := &Result{
				RunID:   runID,
				Status:  StatusFailed,
				Context: wctx,
				Error:   fmt.Sprintf("workflow %s exceeded %d steps, aborting", def.Name, maxSteps),
			}
			e.finish(ctx, def, runID, wctx, res, start)
			return res
		}

		nodeID := frontier[0]
		frontier = frontier[1:]

		if nodeID == constants.WorkflowEndNode {
			res := &Result{RunID: runID, Status: StatusCompleted, Context: wctx}
			e.finish(ctx, def, runID, wctx, res, start)
			return res
		}
		if _, done := wctx.NodeResults[nodeID]; done {
			continue
		}
		node, ok := def.Node(nodeID)
		if !ok {
			res := &Result{
				RunID:   runID,
				Status:  StatusFailed,
				Context: wctx,
				Error:   fmt.Sprintf("workflow %s references unknown node %s", def.Name, nodeID),
			}
			e.finish(ctx, def, runID, wctx, res, start)
			return res
		}

		nodeStart := time.Now()
		result, pause := e.executeNode(ctx, def, runID, node, wctx)
		metrics.WorkflowNodeDuration.WithLabelValues(def.Name, string(node.Type)).
			Observe(time.Since(nodeStart).Seconds())
		wctx.NodeResults[node.ID] = result

		if pause != nil {
			res := &Result{
				RunID:      runID,
				Status:     StatusWaitingApproval,
				Context:    wctx,
				ApprovalID: pause.approvalID,
			}
			e.pausePersist(ctx, def, runID, node.ID, wctx, pause.approvalID)
			res.DurationMs = time.Since(start).Milliseconds()
			return res
		}
		if result.Status == StatusFailed {
			res := &Result{
				RunID:   runID,
				Status:  StatusFailed,
				Context: wctx,
				Error:   fmt.Sprintf("node %s failed: %s", node.ID, result.Error),
			}
			e.finish(ctx, def, runID, wctx, res, start)
			return res
		}

		frontier = append(frontier, e.nextNodes(def, node.ID, wctx)...)
	}

	// Ran out of edges before reaching END. All remaining paths terminated
	// (an edge condition evaluated false, or a branch has no outgoing
	// edges), which completes the run.
	res := &Result{RunID: runID, Status: StatusCompleted, Context: wctx}
	e.finish(ctx, def, runID, wctx, res, start)
	return res
}

type pauseSignal struct {
	approvalID string
}

func (e *Engine) executeNode(ctx context.Context, def *Definition, runID string, node *Node, wctx *Context) (NodeResult, *pauseSignal) {
	started := time.Now()
	result := NodeResult{Status: StatusRunning, StartedAt: started}
	complete := func() {
		now := time.Now()
		result.CompletedAt = &now
	}

	switch node.Type {
	case NodeAgent:
		out, err := e.runAgent(ctx, def, node, wctx)
		if err != nil {
			result.Status = StatusFailed
			result.Error = err.Error()
		} else {
			result.Status = StatusCompleted
			result.Output = out
		}
		complete()

	case NodeParallel:
		subtasks := make([]models.SubTask, len(node.Tasks))
		for i, t := range node.Tasks {
			subtasks[i] = models.SubTask{
				ID:            fmt.Sprintf("%s-%d", node.ID, i),
				Description:   renderTask(t.Task, wctx),
				AssignedAgent: t.Agent,
			}
		}
		results := e.runner.CoordinateParallel(ctx, subtasks, e.executionContext(wctx))
		output := ""
		for _, r := range results {
			if !r.Success {
				result.Status = StatusFailed
				result.Error = fmt.Sprintf("branch %s failed: %s", r.AgentID, r.Error)
				complete()
				return result, nil
			}
			if output != "" {
				output += "\n\n"
			}
			output += r.Response
		}
		result.Status = StatusCompleted
		result.Output = output
		complete()

	case NodeCond:
		verdict := EvalCondition(node.Condition, wctx.Variables)
		wctx.Variables["condition:"+node.ID] = verdict
		result.Status = StatusCompleted
		result.Output = fmt.Sprintf("%t", verdict)
		complete()

	case NodeApproval:
		approver, _ := wctx.Variables["approverId"].(string)
		if approver == "" {
			result.Status = StatusFailed
			result.Error = "approval node requires variables.approverId"
			complete()
			return result, nil
		}
		approvalType := node.ApprovalType
		if approvalType == "" {
			approvalType = "workflow"
		}
		payload := map[string]interface{}{
			"workflow": def.Name,
			"run_id":   runID,
			"node_id":  node.ID,
		}
		approvalID, err := e.approvals.CreateApprovalRequest(ctx,
			wctx.OrganizationID, wctx.UserID, approver,
			approvalType, node.Description, payload)
		if err != nil {
			result.Status = StatusFailed
			result.Error = fmt.Sprintf("create approval request: %s", err)
			complete()
			return result, nil
		}
		result.Status = StatusWaitingApproval
		return result, &pauseSignal{approvalID: approvalID}

	default:
		result.Status = StatusFailed
		result.Error = fmt.Sprintf("unknown node type %q", node.Type)
		complete()
	}
	return result, nil
}

// runAgent executes one agent node under the node's timeout. When the
// deadline fires the node fails and the still-running agent's eventual
// result is discarded.
func (e *Engine) runAgent(ctx context.Context, def *Definition, node *Node, wctx *Context) (string, error) {
	timeout := e.nodeTimeout(def, node)
	agentCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type agentOutcome struct {
		result models.AgentExecutionResult
	}
	done := make(chan agentOutcome, 1)
	go func() {
		r := e.runner.ExecuteWithAgent(agentCtx, node.Agent, renderTask(node.Task, wctx), e.executionContext(wctx))
		done <- agentOutcome{result: r}
	}()

	select {
	case out := <-done:
		if !out.result.Success {
			return "", fmt.Errorf("%s", out.result.Error)
		}
		return out.result.Response, nil
	case <-agentCtx.Done():
		e.logger.Warn("Workflow node timed out",
			zap.String("workflow", def.Name),
			zap.String("node", node.ID),
			zap.Duration("timeout", timeout))
		return "", fmt.Errorf("node %s timed out after %s", node.ID, timeout)
	}
}

func (e *Engine) nodeTimeout(def *Definition, node *Node) time.Duration {
	if node.TimeoutMs > 0 {
		return time.Duration(node.TimeoutMs) * time.Millisecond
	}
	if def.DefaultTimeoutMs > 0 {
		return time.Duration(def.DefaultTimeoutMs) * time.Millisecond
	}
	if e.cfg.DefaultTimeout > 0 {
		return e.cfg.DefaultTimeout
	}
	return 2 * time.Minute
}

func (e *Engine) executionContext(wctx *Context) models.ExecutionContext {
	return models.ExecutionContext{
		OrganizationID: wctx.OrganizationID,
		UserID:         wctx.UserID,
		SessionID:      wctx.SessionID,
	}
}

// nextNodes returns the targets of the node's outgoing edges whose
// conditions hold.
func (e *Engine) nextNodes(def *Definition, from string, wctx *Context) []string {
	var out []string
	for _, edge := range def.Edges {
		if edge.From != from {
			continue
		}
		if edge.Condition != "" && !EvalCondition(edge.Condition, wctx.Variables) {
			continue
		}
		out = append(out, edge.To)
	}
	return out
}

// finish stamps duration, persists the terminal run, and records metrics.
func (e *Engine) finish(ctx context.Context, def *Definition, runID string, wctx *Context, res *Result, start time.Time) {
	res.DurationMs = time.Since(start).Milliseconds()
	metrics.WorkflowRunsCompleted.WithLabelValues(def.Name, res.Status).Inc()

	if e.store != nil {
		run := &db.WorkflowRun{
			ID:             runID,
			OrganizationID: wctx.OrganizationID,
			WorkflowName:   def.Name,
			Status:         res.Status,
			Snapshot:       encodeContext(wctx),
		}
		if err := e.store.SaveWorkflowRun(ctx, run); err != nil {
			e.logger.Warn("Failed to persist workflow run",
				zap.String("run_id", runID), zap.Error(err))
		}
	}

	e.logger.Info("Workflow run finished",
		zap.String("workflow", def.Name),
		zap.String("run_id", runID),
		zap.String("status", res.Status),
		zap.Int64("duration_ms", res.DurationMs))
}

// pausePersist stores the waiting run with a resumable snapshot.
func (e *Engine) pausePersist(ctx context.Context, def *Definition, runID, cursor string, wctx *Context, approvalID string) {
	if e.store == nil {
		return
	}
	snap := snapshot{Workflow: def.Name, Cursor: cursor, Context: wctx}
	run := &db.WorkflowRun{
		ID:             runID,
		OrganizationID: wctx.OrganizationID,
		WorkflowName:   def.Name,
		Status:         StatusWaitingApproval,
		Snapshot:       encodeSnapshot(snap),
		ApprovalID:     &approvalID,
	}
	if err := e.store.SaveWorkflowRun(ctx, run); err != nil {
		e.logger.Warn("Failed to persist paused workflow run",
			zap.String("run_id", runID), zap.Error(err))
	}
	e.logger.Info("Workflow run paused for approval",
		zap.String("workflow", def.Name),
		zap.String("run_id", runID),
		zap.String("node", cursor),
		zap.String("approval_id", approvalID))
}

// renderTask substitutes run state into a task template. {{node:ID}}
// expands to that node's output and {{var:NAME}} to a run variable.
func renderTask(task string, wctx *Context) string {
	for id, r := range wctx.NodeResults {
		task = strings.ReplaceAll(task, "{{node:"+id+"}}", r.Output)
	}
	for name, v := range wctx.Variables {
		task = strings.ReplaceAll(task, "{{var:"+name+"}}", fmt.Sprintf("%v", v))
	}
	return task
}

func encodeContext(wctx *Context) db.JSONB {
	return toJSONB(wctx)
}

func encodeSnapshot(snap snapshot) db.JSONB {
	return toJSONB(snap)
}

func toJSONB(v interface{}) db.JSONB {
	data, err := json.Marshal(v)
	if err != nil {
		return db.JSONB{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return db.JSONB{}
	}
	return db.JSONB(out)
}

func decodeSnapshot(raw db.JSONB) (*snapshot, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if snap.Context == nil {
		return nil, fmt.Errorf("snapshot has no context")
	}
	if snap.Context.Variables == nil {
		snap.Context.Variables = make(map[string]interface{})
	}
	if snap.Context.NodeResults == nil {
		snap.Context.NodeResults = make(map[string]NodeResult)
	}
	return &snap, nil
}
