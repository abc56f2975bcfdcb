// Package coordinator runs decomposed subtasks through their assigned
// agents, sequentially along dependency edges or in bounded parallel
// groups, and merges the per-agent outputs into one response.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/agents"
	"github.com/weaverhq/weaver/internal/constants"
	"github.com/weaverhq/weaver/internal/metrics"
	"github.com/weaverhq/weaver/internal/models"
)

// Executor is the model-execution contract the coordinator delegates to.
type Executor interface {
	Execute(ctx context.Context, req models.ExecutionRequest) (models.ExecutionResult, error)
}

// Coordinator drives agent execution for one orchestration run.
type Coordinator struct {
	registry    *agents.Registry
	executor    Executor
	maxParallel int
	logger      *zap.Logger
}

// New creates a coordinator over the agent registry and model executor.
func New(registry *agents.Registry, executor Executor, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		registry:    registry,
		executor:    executor,
		maxParallel: constants.MaxParallelAgents,
		logger:      logger,
	}
}

const guidelines = `GUIDELINES:
- Stay within your role; do not attempt work outside your capabilities.
- Be concise and concrete. Prefer partial results over no result.
- If you cannot complete the request, state what is missing.`

// ExecuteWithAgent runs one prompt through the named agent. Failures are
// reported in the result, never as a panic or a Go error.
func (c *Coordinator) ExecuteWithAgent(
	ctx context.Context,
	agentType models.AgentID,
	prompt string,
	ectx models.ExecutionContext,
) models.AgentExecutionResult {
	start := time.Now()

	if ectx.MaxDepth > 0 && ectx.Depth >= ectx.MaxDepth {
		return failure(agentType, fmt.Sprintf("max delegation depth %d reached", ectx.MaxDepth), start)
	}

	agent, err := c.registry.Get(agentType)
	if err != nil {
		return failure(agentType, err.Error(), start)
	}

	composite := fmt.Sprintf("%s\n---\nUSER REQUEST:\n%s\n---\n%s",
		agent.SystemPrompt, prompt, guidelines)

	callCtx := ctx
	if agent.TimeoutMs > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(agent.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	execResult, err := c.executor.Execute(callCtx, models.ExecutionRequest{
		Category:       agent.Category,
		Skills:         agent.Skills,
		Prompt:         composite,
		SessionID:      ectx.SessionID,
		OrganizationID: ectx.OrganizationID,
		UserID:         ectx.UserID,
		Context:        ectx,
	})

	durationMs := time.Since(start).Milliseconds()
	metrics.RecordAgentMetrics(string(agentType), "direct", float64(durationMs))

	if err != nil {
		c.logger.Warn("Agent execution failed",
			zap.String("agent", string(agentType)),
			zap.Error(err),
		)
		return failure(agentType, err.Error(), start)
	}
	if execResult.Status != models.StatusCompleted {
		msg := execResult.Metadata.Error
		if msg == "" {
			msg = "execution failed"
		}
		return failure(agentType, msg, start)
	}

	return models.AgentExecutionResult{
		AgentID:      agentType,
		Response:     execResult.Output,
		ModelUsed:    execResult.Metadata.Model,
		InputTokens:  execResult.Metadata.InputTokens,
		OutputTokens: execResult.Metadata.OutputTokens,
		TokensUsed:   execResult.Metadata.InputTokens + execResult.Metadata.OutputTokens,
		DurationMs:   durationMs,
		Success:      true,
		ToolsUsed:    execResult.Metadata.ToolsUsed,
	}
}

// CoordinateSequential executes subtasks in topological order, feeding each
// task the outputs of its dependencies. A task whose dependency failed or
// was skipped is itself skipped. Results come back in the input order.
func (c *Coordinator) CoordinateSequential(
	ctx context.Context,
	subtasks []models.SubTask,
	ectx models.ExecutionContext,
) []models.AgentExecutionResult {
	order := topoOrder(subtasks)
	byID := make(map[string]models.SubTask, len(subtasks))
	for _, st := range subtasks {
		byID[st.ID] = st
	}

	results := make(map[string]models.AgentExecutionResult, len(subtasks))
	for _, id := range order {
		st := byID[id]

		blocked := false
		var contextParts []string
		for _, dep := range st.Dependencies {
			depResult, ok := results[dep]
			if !ok || !depResult.Success {
				blocked = true
				break
			}
			contextParts = append(contextParts,
				fmt.Sprintf("[%s]\n%s", depResult.AgentID, depResult.Response))
		}
		if blocked {
			results[id] = models.AgentExecutionResult{
				AgentID: st.AssignedAgent,
				Success: false,
				Error:   "Dependencies not met",
			}
			continue
		}

		prompt := st.Description
		if len(contextParts) > 0 {
			prompt = fmt.Sprintf("CONTEXT FROM PREVIOUS AGENTS:\n%s\n\nTASK:\n%s",
				strings.Join(contextParts, "\n\n"), st.Description)
		}
		results[id] = c.ExecuteWithAgent(ctx, st.AssignedAgent, prompt, ectx)
	}

	out := make([]models.AgentExecutionResult, 0, len(subtasks))
	for _, st := range subtasks {
		out = append(out, results[st.ID])
	}
	return out
}

// CoordinateParallel runs independent subtasks concurrently, at most
// maxParallel at a time, and waits for all of them. A failure does not
// short-circuit the rest.
func (c *Coordinator) CoordinateParallel(
	ctx context.Context,
	subtasks []models.SubTask,
	ectx models.ExecutionContext,
) []models.AgentExecutionResult {
	results := make([]models.AgentExecutionResult, len(subtasks))
	sem := make(chan struct{}, c.maxParallel)
	var wg sync.WaitGroup

	for i, st := range subtasks {
		wg.Add(1)
		go func(i int, st models.SubTask) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = c.ExecuteWithAgent(ctx, st.AssignedAgent, st.Description, ectx)
		}(i, st)
	}
	wg.Wait()
	return results
}

// CoordinateGroups runs dependency layers in order: every layer executes
// concurrently (bounded like CoordinateParallel), and later layers see
// the successful outputs of their dependencies, the same way sequential
// runs do. Results come back in the input order.
func (c *Coordinator) CoordinateGroups(
	ctx context.Context,
	subtasks []models.SubTask,
	ectx models.ExecutionContext,
) []models.AgentExecutionResult {
	layers := layerOrder(subtasks)
	byID := make(map[string]models.SubTask, len(subtasks))
	for _, st := range subtasks {
		byID[st.ID] = st
	}

	results := make(map[string]models.AgentExecutionResult, len(subtasks))
	var mu sync.Mutex

	for _, layer := range layers {
		// Prompts for the whole layer are built before anything launches,
		// so the results map is only written concurrently, never read.
		prompts := make(map[string]string, len(layer))
		for _, id := range layer {
			st := byID[id]

			blocked := false
			var contextParts []string
			for _, dep := range st.Dependencies {
				depResult, ok := results[dep]
				if !ok || !depResult.Success {
					blocked = true
					break
				}
				contextParts = append(contextParts,
					fmt.Sprintf("[%s]\n%s", depResult.AgentID, depResult.Response))
			}
			if blocked {
				results[id] = models.AgentExecutionResult{
					AgentID: st.AssignedAgent,
					Success: false,
					Error:   "Dependencies not met",
				}
				continue
			}

			prompt := st.Description
			if len(contextParts) > 0 {
				prompt = fmt.Sprintf("CONTEXT FROM PREVIOUS AGENTS:\n%s\n\nTASK:\n%s",
					strings.Join(contextParts, "\n\n"), st.Description)
			}
			prompts[id] = prompt
		}

		sem := make(chan struct{}, c.maxParallel)
		var wg sync.WaitGroup
		for _, id := range layer {
			prompt, ok := prompts[id]
			if !ok {
				continue
			}
			wg.Add(1)
			go func(id string, agent models.AgentID, prompt string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				r := c.ExecuteWithAgent(ctx, agent, prompt, ectx)
				mu.Lock()
				results[id] = r
				mu.Unlock()
			}(id, byID[id].AssignedAgent, prompt)
		}
		wg.Wait()
	}

	out := make([]models.AgentExecutionResult, 0, len(subtasks))
	for _, st := range subtasks {
		out = append(out, results[st.ID])
	}
	return out
}

// Aggregate merges agent results into one response: successful outputs in
// insertion order under agent labels, failures listed at the end.
func (c *Coordinator) Aggregate(results []models.AgentExecutionResult) string {
	var b strings.Builder
	var failures []models.AgentExecutionResult

	for _, r := range results {
		if !r.Success {
			failures = append(failures, r)
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n%s", r.AgentID, r.Response)
	}

	if len(failures) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## Incomplete\nThe following agents did not finish:")
		for _, f := range failures {
			fmt.Fprintf(&b, "\n- %s: %s", f.AgentID, f.Error)
		}
	}
	return b.String()
}

// topoOrder returns subtask IDs dependency-first, preserving input order
// inside each layer. Tasks stuck in a cycle are appended at the end so the
// dependency check downstream skips them.
func topoOrder(subtasks []models.SubTask) []string {
	indegree := make(map[string]int, len(subtasks))
	dependents := make(map[string][]string)
	known := make(map[string]bool, len(subtasks))
	for _, st := range subtasks {
		known[st.ID] = true
	}
	for _, st := range subtasks {
		for _, dep := range st.Dependencies {
			if known[dep] {
				indegree[st.ID]++
				dependents[dep] = append(dependents[dep], st.ID)
			}
		}
	}

	var order []string
	done := make(map[string]bool, len(subtasks))
	for len(order) < len(subtasks) {
		progressed := false
		for _, st := range subtasks {
			if !done[st.ID] && indegree[st.ID] == 0 {
				order = append(order, st.ID)
				done[st.ID] = true
				for _, next := range dependents[st.ID] {
					indegree[next]--
				}
				progressed = true
			}
		}
		if !progressed {
			for _, st := range subtasks {
				if !done[st.ID] {
					order = append(order, st.ID)
					done[st.ID] = true
				}
			}
		}
	}
	return order
}

// layerOrder groups subtask IDs into dependency layers. IDs stuck in a
// cycle form a final layer; the dependency check downstream fails them.
func layerOrder(subtasks []models.SubTask) [][]string {
	indegree := make(map[string]int, len(subtasks))
	dependents := make(map[string][]string)
	known := make(map[string]bool, len(subtasks))
	for _, st := range subtasks {
		known[st.ID] = true
	}
	for _, st := range subtasks {
		for _, dep := range st.Dependencies {
			if known[dep] {
				indegree[st.ID]++
				dependents[dep] = append(dependents[dep], st.ID)
			}
		}
	}

	var layers [][]string
	done := make(map[string]bool, len(subtasks))
	for len(done) < len(subtasks) {
		var layer []string
		for _, st := range subtasks {
			if !done[st.ID] && indegree[st.ID] == 0 {
				layer = append(layer, st.ID)
			}
		}
		if len(layer) == 0 {
			for _, st := range subtasks {
				if !done[st.ID] {
					layer = append(layer, st.ID)
				}
			}
		}
		for _, id := range layer {
			done[id] = true
			for _, next := range dependents[id] {
				indegree[next]--
			}
		}
		layers = append(layers, layer)
	}
	return layers
}

func failure(agentID models.AgentID, msg string, start time.Time) models.AgentExecutionResult {
	return models.AgentExecutionResult{
		AgentID:    agentID,
		DurationMs: time.Since(start).Milliseconds(),
		Success:    false,
		Error:      msg,
	}
}
