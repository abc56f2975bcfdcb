// Package decompose splits a request into agent-assigned subtasks with
// dependency edges. Matching is deterministic: a regex pattern table is
// consulted first, then a keyword-to-agent map; no model call is involved.
package decompose

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/agents"
	"github.com/weaverhq/weaver/internal/constants"
	"github.com/weaverhq/weaver/internal/metrics"
	"github.com/weaverhq/weaver/internal/models"
)

// patternRule is one row of the pattern table. Agents are listed in
// execution order; DependsOn maps an agent position to the positions it
// waits for. First matching rule wins.
type patternRule struct {
	Name      string
	Pattern   *regexp.Regexp
	Agents    []models.AgentID
	DependsOn map[int][]int
}

var patternTable = []patternRule{
	{
		Name:    "send-report",
		Pattern: regexp.MustCompile(`(?i)send\s+(a\s+|the\s+)?report|report\s+.*(to\s+)?(slack|channel|team)`),
		Agents:  []models.AgentID{models.AgentData, models.AgentReport, models.AgentComms},
		DependsOn: map[int][]int{
			1: {0},
			2: {1},
		},
	},
	{
		Name:    "research-report",
		Pattern: regexp.MustCompile(`(?i)(research|investigate)\s+.*\b(report|summary)`),
		Agents:  []models.AgentID{models.AgentSearch, models.AgentData, models.AgentReport},
		// search and data are independent; the report waits for both.
		DependsOn: map[int][]int{
			2: {0, 1},
		},
	},
	{
		Name:    "report-from-data",
		Pattern: regexp.MustCompile(`(?i)report\s+.*from\s+.*data|build\s+(a\s+)?report|generate\s+(a\s+)?report`),
		Agents:  []models.AgentID{models.AgentData, models.AgentReport},
		DependsOn: map[int][]int{
			1: {0},
		},
	},
	{
		Name:    "analyze-data",
		Pattern: regexp.MustCompile(`(?i)(analy[sz]e|trend|anomal).*\bdata\b|\bdata\b.*(analy[sz]e|trends?)`),
		Agents:  []models.AgentID{models.AgentData, models.AgentAnalytics},
		DependsOn: map[int][]int{
			1: {0},
		},
	},
	{
		Name:    "approval-flow",
		Pattern: regexp.MustCompile(`(?i)(needs?|get|request)\s+.*approv|sign.?off`),
		Agents:  []models.AgentID{models.AgentTask, models.AgentApproval},
		DependsOn: map[int][]int{
			1: {0},
		},
	},
}

// keywordAgents maps request keywords to agents for requests no pattern
// claims.
var keywordAgents = []struct {
	Keyword string
	Agent   models.AgentID
}{
	{"search", models.AgentSearch},
	{"find", models.AgentSearch},
	{"research", models.AgentSearch},
	{"lookup", models.AgentSearch},
	{"data", models.AgentData},
	{"query", models.AgentData},
	{"database", models.AgentData},
	{"extract", models.AgentData},
	{"analyze", models.AgentAnalytics},
	{"analyse", models.AgentAnalytics},
	{"statistics", models.AgentAnalytics},
	{"trend", models.AgentAnalytics},
	{"approval", models.AgentApproval},
	{"approve", models.AgentApproval},
	{"report", models.AgentReport},
	{"summary", models.AgentReport},
	{"summarize", models.AgentReport},
	{"send", models.AgentComms},
	{"post", models.AgentComms},
	{"notify", models.AgentComms},
	{"slack", models.AgentComms},
	{"message", models.AgentComms},
}

// Decomposer builds dependency-ordered subtask plans.
type Decomposer struct {
	registry *agents.Registry
	logger   *zap.Logger
}

// New creates a decomposer over the agent registry.
func New(registry *agents.Registry, logger *zap.Logger) *Decomposer {
	return &Decomposer{registry: registry, logger: logger}
}

// Decompose analyzes the request text and returns the subtask plan.
func (d *Decomposer) Decompose(req models.Request) models.DecompositionResult {
	start := time.Now()
	defer func() { metrics.DecompositionLatency.Observe(time.Since(start).Seconds()) }()

	if rule := matchPattern(req.UserRequest); rule != nil {
		subtasks := d.subtasksFromRule(req.UserRequest, rule)
		return d.finish(subtasks, rule.Name)
	}

	ids := matchKeywords(req.UserRequest)
	if len(ids) <= 1 {
		agent := models.AgentTask
		if len(ids) == 1 {
			agent = ids[0]
		}
		return models.DecompositionResult{
			Subtasks: []models.SubTask{
				newSubTask(1, req.UserRequest, agent, nil),
			},
			RequiresMultiAgent: false,
			Complexity:         models.ComplexityLow,
			ParallelGroups:     [][]models.AgentID{{agent}},
		}
	}

	// Multiple agents without a declared pattern: linearize by the fixed
	// priority order, each step waiting on the previous one.
	sort.Slice(ids, func(i, j int) bool {
		return d.registry.Priority(ids[i]) < d.registry.Priority(ids[j])
	})
	if len(ids) > constants.MaxSubtasks {
		ids = ids[:constants.MaxSubtasks]
	}

	subtasks := make([]models.SubTask, 0, len(ids))
	for i, id := range ids {
		var deps []string
		if i > 0 {
			deps = []string{subtaskID(i)}
		}
		subtasks = append(subtasks, newSubTask(i+1, req.UserRequest, id, deps))
	}
	return d.finish(subtasks, "")
}

// EstimateComplexity maps subtask count to a complexity band.
func EstimateComplexity(taskCount int) models.Complexity {
	switch {
	case taskCount <= 1:
		return models.ComplexityLow
	case taskCount <= 3:
		return models.ComplexityMedium
	default:
		return models.ComplexityHigh
	}
}

func (d *Decomposer) finish(subtasks []models.SubTask, pattern string) models.DecompositionResult {
	subtasks = d.sanitizeDependencies(subtasks)
	return models.DecompositionResult{
		Subtasks:           subtasks,
		RequiresMultiAgent: len(subtasks) > 1,
		Complexity:         EstimateComplexity(len(subtasks)),
		ParallelGroups:     d.parallelGroups(subtasks),
		MatchedPattern:     pattern,
	}
}

func matchPattern(text string) *patternRule {
	for i := range patternTable {
		if patternTable[i].Pattern.MatchString(text) {
			return &patternTable[i]
		}
	}
	return nil
}

func matchKeywords(text string) []models.AgentID {
	lower := strings.ToLower(text)
	seen := make(map[models.AgentID]bool)
	var ids []models.AgentID
	for _, kw := range keywordAgents {
		if strings.Contains(lower, kw.Keyword) && !seen[kw.Agent] {
			seen[kw.Agent] = true
			ids = append(ids, kw.Agent)
		}
	}
	return ids
}

func (d *Decomposer) subtasksFromRule(text string, rule *patternRule) []models.SubTask {
	subtasks := make([]models.SubTask, 0, len(rule.Agents))
	for i, id := range rule.Agents {
		var deps []string
		for _, dep := range rule.DependsOn[i] {
			deps = append(deps, subtaskID(dep+1))
		}
		subtasks = append(subtasks, newSubTask(i+1, text, id, deps))
	}
	return subtasks
}

// sanitizeDependencies drops references to subtask IDs that do not exist.
func (d *Decomposer) sanitizeDependencies(subtasks []models.SubTask) []models.SubTask {
	known := make(map[string]bool, len(subtasks))
	for _, st := range subtasks {
		known[st.ID] = true
	}
	for i := range subtasks {
		kept := subtasks[i].Dependencies[:0]
		for _, dep := range subtasks[i].Dependencies {
			if known[dep] && dep != subtasks[i].ID {
				kept = append(kept, dep)
				continue
			}
			d.logger.Warn("Dropping unresolvable subtask dependency",
				zap.String("subtask", subtasks[i].ID),
				zap.String("dependency", dep),
			)
		}
		subtasks[i].Dependencies = kept
	}
	return subtasks
}

// parallelGroups layers the dependency DAG (Kahn). A cycle is logged and
// broken by scheduling the stuck tasks as one final layer.
func (d *Decomposer) parallelGroups(subtasks []models.SubTask) [][]models.AgentID {
	byID := make(map[string]models.SubTask, len(subtasks))
	indegree := make(map[string]int, len(subtasks))
	dependents := make(map[string][]string)
	for _, st := range subtasks {
		byID[st.ID] = st
		indegree[st.ID] = len(st.Dependencies)
		for _, dep := range st.Dependencies {
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}

	var groups [][]models.AgentID
	done := make(map[string]bool, len(subtasks))
	for len(done) < len(subtasks) {
		var layer []string
		for _, st := range subtasks {
			if !done[st.ID] && indegree[st.ID] == 0 {
				layer = append(layer, st.ID)
			}
		}
		if len(layer) == 0 {
			// Cycle: schedule whatever is left as a last layer so the run
			// still terminates.
			var stuck []models.AgentID
			for _, st := range subtasks {
				if !done[st.ID] {
					stuck = append(stuck, st.AssignedAgent)
					done[st.ID] = true
				}
			}
			d.logger.Warn("Circular subtask dependency broken",
				zap.Int("stuck_tasks", len(stuck)))
			groups = append(groups, stuck)
			break
		}

		group := make([]models.AgentID, 0, len(layer))
		for _, id := range layer {
			group = append(group, byID[id].AssignedAgent)
			done[id] = true
			for _, next := range dependents[id] {
				indegree[next]--
			}
		}
		groups = append(groups, group)
	}
	return groups
}

func newSubTask(n int, description string, agent models.AgentID, deps []string) models.SubTask {
	return models.SubTask{
		ID:            subtaskID(n),
		Description:   description,
		AssignedAgent: agent,
		Dependencies:  deps,
		Status:        models.StatusPending,
		CreatedAt:     time.Now(),
	}
}

func subtaskID(n int) string {
	return fmt.Sprintf("task-%d", n)
}
