// Package agents holds the static agent registry: seven specialized agents
// with fixed prompts, capabilities, and a compiled-in delegation graph.
// Nothing here is loaded at runtime; the closed set is part of the contract.
package agents

import (
	"fmt"

	"github.com/weaverhq/weaver/internal/models"
)

// Agent is one registry record.
type Agent struct {
	ID                 models.AgentID
	Name               string
	Category           models.TaskCategory
	Skills             []string
	Capabilities       []string
	SystemPrompt       string
	CanDelegateTo      []models.AgentID
	MaxConcurrentTasks int
	TimeoutMs          int
}

// Registry is the immutable agent catalog.
type Registry struct {
	agents map[models.AgentID]*Agent
	order  []models.AgentID
}

// NewRegistry builds the compiled-in catalog.
func NewRegistry() *Registry {
	list := builtinAgents()
	r := &Registry{agents: make(map[models.AgentID]*Agent, len(list))}
	for _, a := range list {
		r.agents[a.ID] = a
		r.order = append(r.order, a.ID)
	}
	return r
}

// Get returns the agent record for an ID.
func (r *Registry) Get(id models.AgentID) (*Agent, error) {
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", id)
	}
	return a, nil
}

// All returns the agents in priority order (the same order the decomposer
// linearizes by).
func (r *Registry) All() []*Agent {
	out := make([]*Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// CanDelegate reports whether the delegation graph has an edge from -> to.
func (r *Registry) CanDelegate(from, to models.AgentID) bool {
	a, ok := r.agents[from]
	if !ok {
		return false
	}
	for _, t := range a.CanDelegateTo {
		if t == to {
			return true
		}
	}
	return false
}

// Priority returns the agent's rank in the fixed ordering
// search < data < analytics < task < approval < report < comms.
// Unknown agents sort last.
func (r *Registry) Priority(id models.AgentID) int {
	for i, o := range r.order {
		if o == id {
			return i
		}
	}
	return len(r.order)
}

func builtinAgents() []*Agent {
	return []*Agent{
		{
			ID:       models.AgentSearch,
			Name:     "Search Agent",
			Category: models.CategoryQuick,
			Skills:   []string{"web-search"},
			Capabilities: []string{
				"web search", "document retrieval", "source gathering",
			},
			SystemPrompt: "You are a search specialist. Find relevant, current " +
				"information for the request and return sources with short " +
				"summaries. Do not editorialize; report what you found.",
			CanDelegateTo:      []models.AgentID{models.AgentData},
			MaxConcurrentTasks: 3,
			TimeoutMs:          60000,
		},
		{
			ID:       models.AgentData,
			Name:     "Data Agent",
			Category: models.CategoryUnspecifiedHigh,
			Skills:   []string{"data-pipelines"},
			Capabilities: []string{
				"data extraction", "transformation", "aggregation", "queries",
			},
			SystemPrompt: "You are a data specialist. Extract, clean, and " +
				"aggregate the data the request needs. Return structured " +
				"results with the queries or steps you used.",
			CanDelegateTo:      []models.AgentID{models.AgentSearch, models.AgentAnalytics},
			MaxConcurrentTasks: 3,
			TimeoutMs:          120000,
		},
		{
			ID:       models.AgentAnalytics,
			Name:     "Analytics Agent",
			Category: models.CategoryUltrabrain,
			Skills:   []string{"data-pipelines"},
			Capabilities: []string{
				"statistical analysis", "trend detection", "anomaly detection",
			},
			SystemPrompt: "You are an analytics specialist. Analyze the " +
				"provided data, surface trends and anomalies, and state the " +
				"confidence of each finding.",
			CanDelegateTo:      []models.AgentID{models.AgentData},
			MaxConcurrentTasks: 2,
			TimeoutMs:          120000,
		},
		{
			ID:       models.AgentTask,
			Name:     "Task Agent",
			Category: models.CategoryUnspecifiedHigh,
			Skills:   []string{"git-master", "mcp-integration"},
			Capabilities: []string{
				"general execution", "multi-step operations", "tool use",
			},
			SystemPrompt: "You are a general task executor. Carry out the " +
				"requested operation step by step using the available tools, " +
				"and report exactly what was done.",
			CanDelegateTo: []models.AgentID{
				models.AgentSearch, models.AgentData, models.AgentReport,
			},
			MaxConcurrentTasks: 5,
			TimeoutMs:          180000,
		},
		{
			ID:       models.AgentApproval,
			Name:     "Approval Agent",
			Category: models.CategoryQuick,
			Skills:   nil,
			Capabilities: []string{
				"approval routing", "policy checks",
			},
			SystemPrompt: "You prepare human approval requests. Summarize " +
				"what needs approval, who should approve it, and the risk if " +
				"approved. Never approve anything yourself.",
			CanDelegateTo:      nil,
			MaxConcurrentTasks: 5,
			TimeoutMs:          30000,
		},
		{
			ID:       models.AgentReport,
			Name:     "Report Agent",
			Category: models.CategoryWriting,
			Skills:   []string{"report-builder"},
			Capabilities: []string{
				"report assembly", "summarization", "formatting",
			},
			SystemPrompt: "You are a report writer. Assemble the gathered " +
				"inputs into a clear, structured report with a short executive " +
				"summary first.",
			CanDelegateTo:      []models.AgentID{models.AgentData},
			MaxConcurrentTasks: 3,
			TimeoutMs:          120000,
		},
		{
			ID:       models.AgentComms,
			Name:     "Comms Agent",
			Category: models.CategoryQuick,
			Skills:   []string{"slack-ops"},
			Capabilities: []string{
				"message delivery", "channel posting", "notifications",
			},
			SystemPrompt: "You deliver messages. Send the provided content to " +
				"the requested destination and confirm delivery. Do not " +
				"rewrite the content beyond formatting for the channel.",
			CanDelegateTo:      nil,
			MaxConcurrentTasks: 5,
			TimeoutMs:          60000,
		},
	}
}
