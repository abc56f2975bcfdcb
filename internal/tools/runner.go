package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/llm"
	"github.com/weaverhq/weaver/internal/models"
	"github.com/weaverhq/weaver/internal/spawn"
)

// skillProviders maps router skills to the providers whose tools they
// unlock. Skills without a compiled-in provider contribute no tools.
var skillProviders = map[string][]string{
	"slack-ops":       {"slack"},
	"mcp-integration": {"webhook"},
}

// SpawnToolName is the built-in delegation tool exposed to every agent
// when a spawner is wired.
const SpawnToolName = "agent:spawn"

// SubAgentSpawner delegates one task to a child agent. *spawn.Spawner
// satisfies it.
type SubAgentSpawner interface {
	SpawnSubAgent(ctx context.Context, parent models.ExecutionContext, cfg spawn.Config) spawn.Result
}

// Runner adapts the dispatcher to the model executor's tool contract:
// tool-use blocks come in as llm.ToolCall, results go back as strings.
type Runner struct {
	registry   *Registry
	dispatcher *Dispatcher
	spawner    SubAgentSpawner
	logger     *zap.Logger
}

func NewRunner(registry *Registry, dispatcher *Dispatcher, logger *zap.Logger) *Runner {
	return &Runner{
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// WithSpawner enables the agent:spawn delegation tool.
func (r *Runner) WithSpawner(sp SubAgentSpawner) *Runner {
	r.spawner = sp
	return r
}

// Definitions lists the tools the given skills unlock, in registry order,
// plus the delegation tool when a spawner is wired.
func (r *Runner) Definitions(skills []string) []llm.ToolDefinition {
	seen := make(map[string]struct{})
	var defs []llm.ToolDefinition
	for _, skill := range skills {
		for _, providerID := range skillProviders[skill] {
			if _, ok := seen[providerID]; ok {
				continue
			}
			seen[providerID] = struct{}{}
			for _, desc := range r.registry.ProviderDescriptors(providerID) {
				defs = append(defs, llm.ToolDefinition{
					Name:        desc.FullName,
					Description: desc.Description,
					Parameters:  desc.InputSchema,
				})
			}
		}
	}
	if r.spawner != nil {
		defs = append(defs, llm.ToolDefinition{
			Name:        SpawnToolName,
			Description: "Delegate one well-scoped subtask to a child agent and wait for its result. Use only when the subtask needs a different specialty than yours.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"agent_type": map[string]interface{}{
						"type":        "string",
						"description": "Agent to delegate to (search, data, analytics, task, report, comms)",
					},
					"task": map[string]interface{}{
						"type":        "string",
						"description": "Complete, self-contained task description",
					},
					"token_budget": map[string]interface{}{
						"type":        "integer",
						"description": "Token allowance for the child (optional)",
					},
				},
				"required": []string{"agent_type", "task"},
			},
		})
	}
	return defs
}

// Run dispatches one model-requested tool call under the caller's tenancy.
func (r *Runner) Run(ctx context.Context, call llm.ToolCall, ectx models.ExecutionContext) (string, error) {
	if call.Name == SpawnToolName {
		return r.runSpawn(ctx, call, ectx)
	}
	if r.dispatcher == nil {
		return "", fmt.Errorf("no tool providers configured")
	}
	result, err := r.dispatcher.Execute(ctx, call.Name, call.Arguments, ectx.OrganizationID, ectx.UserID, CallOptions{})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(payload), nil
}

// runSpawn executes the delegation tool. Pre-flight rejections come back
// as the JSON result, not as a Go error; the model sees why the spawn was
// refused and can adjust.
func (r *Runner) runSpawn(ctx context.Context, call llm.ToolCall, ectx models.ExecutionContext) (string, error) {
	if r.spawner == nil {
		return "", fmt.Errorf("delegation is not enabled")
	}
	agentType, _ := call.Arguments["agent_type"].(string)
	task, _ := call.Arguments["task"].(string)
	if agentType == "" || task == "" {
		return "", fmt.Errorf("agent:spawn requires agent_type and task")
	}
	tokenBudget := 0
	if v, ok := call.Arguments["token_budget"].(float64); ok {
		tokenBudget = int(v)
	}

	result := r.spawner.SpawnSubAgent(ctx, ectx, spawn.Config{
		AgentType:   models.AgentID(agentType),
		Task:        task,
		TokenBudget: tokenBudget,
	})
	payload, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode spawn result: %w", err)
	}
	return string(payload), nil
}
