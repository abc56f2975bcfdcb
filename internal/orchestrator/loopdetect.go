package orchestrator

import (
	"fmt"
	"strings"

	"github.com/weaverhq/weaver/internal/metrics"
	"github.com/weaverhq/weaver/internal/models"
)

// Loop termination reasons.
const (
	ReasonMaxIterations  = "max-iterations"
	ReasonCircular       = "circular-dependency"
	ReasonTaskRepetition = "task-repetition"
)

// Loop describes one detected termination condition.
type Loop struct {
	Reason string
	Agent  models.AgentID
	// Cycle is the repeated agent chain, populated for circular detections.
	Cycle []models.AgentID
}

// LoopDetector guards one orchestration run against runaway execution:
// an iteration ceiling, a repeated agent inside the recent execution
// chain, and re-submission of a task an agent already ran.
type LoopDetector struct {
	maxIterations int
	chainWindow   int

	agentTaskHistory map[models.AgentID][]uint64
	executionChain   []models.AgentID
	iterationCount   int
	detectedLoops    []Loop
	completedTasks   []string
}

// NewLoopDetector builds a detector with the run's limits.
func NewLoopDetector(maxIterations, chainWindow int) *LoopDetector {
	return &LoopDetector{
		maxIterations:    maxIterations,
		chainWindow:      chainWindow,
		agentTaskHistory: make(map[models.AgentID][]uint64),
	}
}

// CheckBefore is called once per task before it is dispatched. A nil
// return means proceed; otherwise the run must terminate with the
// returned loop recorded.
func (d *LoopDetector) CheckBefore(agent models.AgentID, task string) *Loop {
	d.iterationCount++
	if d.iterationCount > d.maxIterations {
		return d.record(Loop{Reason: ReasonMaxIterations, Agent: agent})
	}

	if cycle := d.extractCycle(agent); cycle != nil {
		return d.record(Loop{Reason: ReasonCircular, Agent: agent, Cycle: cycle})
	}

	h := taskHash(task)
	for _, seen := range d.agentTaskHistory[agent] {
		if seen == h {
			return d.record(Loop{Reason: ReasonTaskRepetition, Agent: agent})
		}
	}

	d.agentTaskHistory[agent] = append(d.agentTaskHistory[agent], h)
	d.executionChain = append(d.executionChain, agent)
	return nil
}

// RecordCompletion keeps a short preview of a finished task for the exit
// summary.
func (d *LoopDetector) RecordCompletion(task string) {
	preview := task
	if len(preview) > 60 {
		preview = preview[:60] + "…"
	}
	d.completedTasks = append(d.completedTasks, preview)
}

// Iterations returns the number of dispatch checks performed.
func (d *LoopDetector) Iterations() int { return d.iterationCount }

// ExitSummary renders the run state at termination: iteration count,
// detected loops, completed-task previews, and the full execution chain.
func (d *LoopDetector) ExitSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execution terminated after %d iterations.", d.iterationCount)

	for _, l := range d.detectedLoops {
		switch l.Reason {
		case ReasonCircular:
			fmt.Fprintf(&b, "\nCircular dependency detected: %s", joinChain(append(l.Cycle, l.Agent)))
		case ReasonTaskRepetition:
			fmt.Fprintf(&b, "\nRepeated task detected for agent %s.", l.Agent)
		case ReasonMaxIterations:
			fmt.Fprintf(&b, "\nMaximum iteration count (%d) exceeded.", d.maxIterations)
		}
	}

	if len(d.completedTasks) > 0 {
		b.WriteString("\nCompleted before termination:")
		for _, t := range d.completedTasks {
			fmt.Fprintf(&b, "\n- %s", t)
		}
	}
	if len(d.executionChain) > 0 {
		fmt.Fprintf(&b, "\nExecution chain: %s", joinChain(d.executionChain))
	}
	return b.String()
}

// extractCycle returns the chain segment from the agent's previous
// appearance onward when the agent shows up within the recent window.
func (d *LoopDetector) extractCycle(agent models.AgentID) []models.AgentID {
	start := len(d.executionChain) - d.chainWindow
	if start < 0 {
		start = 0
	}
	for i := len(d.executionChain) - 1; i >= start; i-- {
		if d.executionChain[i] == agent {
			cycle := make([]models.AgentID, len(d.executionChain)-i)
			copy(cycle, d.executionChain[i:])
			return cycle
		}
	}
	return nil
}

func (d *LoopDetector) record(l Loop) *Loop {
	d.detectedLoops = append(d.detectedLoops, l)
	metrics.LoopTerminations.WithLabelValues(l.Reason).Inc()
	return &l
}

func joinChain(chain []models.AgentID) string {
	parts := make([]string, len(chain))
	for i, a := range chain {
		parts[i] = string(a)
	}
	return strings.Join(parts, " -> ")
}

// taskHash is a rolling polynomial hash over the normalized description;
// normalization lowercases and collapses whitespace so cosmetic edits do
// not defeat repetition detection.
func taskHash(task string) uint64 {
	var h uint64
	lastSpace := false
	for _, r := range strings.TrimSpace(strings.ToLower(task)) {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if lastSpace {
				continue
			}
			lastSpace = true
			r = ' '
		} else {
			lastSpace = false
		}
		h = h*31 + uint64(r)
	}
	return h
}
