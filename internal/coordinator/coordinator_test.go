package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/agents"
	"github.com/weaverhq/weaver/internal/models"
)

// fakeExecutor replies per category with a canned output and records every
// prompt it saw.
type fakeExecutor struct {
	mu      sync.Mutex
	prompts []string

	outputs  map[models.TaskCategory]string
	err      error
	failWith string

	maxInFlight int
	inFlight    int
	block       chan struct{}
	delay       time.Duration
}

func (f *fakeExecutor) Execute(ctx context.Context, req models.ExecutionRequest) (models.ExecutionResult, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.err != nil {
		return models.ExecutionResult{}, f.err
	}
	if f.failWith != "" {
		return models.ExecutionResult{
			Status:   models.StatusFailed,
			Metadata: models.ExecutionMetadata{Error: f.failWith},
		}, nil
	}
	out := "done"
	if f.outputs != nil {
		if o, ok := f.outputs[req.Category]; ok {
			out = o
		}
	}
	return models.ExecutionResult{
		Status: models.StatusCompleted,
		Output: out,
		Metadata: models.ExecutionMetadata{
			Model:        "claude-sonnet",
			InputTokens:  100,
			OutputTokens: 50,
		},
	}, nil
}

func newCoordinator(exec Executor) *Coordinator {
	return New(agents.NewRegistry(), exec, zap.NewNop())
}

func ectx() models.ExecutionContext {
	return models.ExecutionContext{
		OrganizationID: "org-1",
		UserID:         "user-1",
		SessionID:      "sess-1",
		Depth:          0,
		MaxDepth:       3,
	}
}

func TestExecuteWithAgent_Success(t *testing.T) {
	exec := &fakeExecutor{}
	c := newCoordinator(exec)

	result := c.ExecuteWithAgent(context.Background(), models.AgentSearch, "find the docs", ectx())

	require.True(t, result.Success)
	assert.Equal(t, models.AgentSearch, result.AgentID)
	assert.Equal(t, "done", result.Response)
	assert.Equal(t, 150, result.TokensUsed)
	assert.Equal(t, "claude-sonnet", result.ModelUsed)

	// Composite prompt carries the system prompt, the request, and guidelines.
	require.Len(t, exec.prompts, 1)
	assert.Contains(t, exec.prompts[0], "USER REQUEST:\nfind the docs")
	assert.Contains(t, exec.prompts[0], "GUIDELINES:")
	assert.True(t, strings.Index(exec.prompts[0], "USER REQUEST") > 0,
		"system prompt should precede the request")
}

func TestExecuteWithAgent_DepthExceeded(t *testing.T) {
	exec := &fakeExecutor{}
	c := newCoordinator(exec)

	ctx := ectx()
	ctx.Depth = 3

	result := c.ExecuteWithAgent(context.Background(), models.AgentSearch, "find", ctx)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "depth")
	assert.Empty(t, exec.prompts, "executor must not be called past the depth limit")
}

func TestExecuteWithAgent_UnknownAgent(t *testing.T) {
	c := newCoordinator(&fakeExecutor{})

	result := c.ExecuteWithAgent(context.Background(), models.AgentID("ghost"), "x", ectx())

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown agent")
}

func TestExecuteWithAgent_ExecutorErrorBecomesFailure(t *testing.T) {
	c := newCoordinator(&fakeExecutor{err: errors.New("provider unavailable")})

	result := c.ExecuteWithAgent(context.Background(), models.AgentData, "query", ectx())

	assert.False(t, result.Success)
	assert.Equal(t, "provider unavailable", result.Error)
}

func TestExecuteWithAgent_FailedStatusBecomesFailure(t *testing.T) {
	c := newCoordinator(&fakeExecutor{failWith: "rate limited"})

	result := c.ExecuteWithAgent(context.Background(), models.AgentData, "query", ectx())

	assert.False(t, result.Success)
	assert.Equal(t, "rate limited", result.Error)
}

func TestCoordinateSequential_DependencyContextFlows(t *testing.T) {
	exec := &fakeExecutor{outputs: map[models.TaskCategory]string{
		models.CategoryUnspecifiedHigh: "rows: 42",
		models.CategoryWriting:         "report text",
	}}
	c := newCoordinator(exec)

	subtasks := []models.SubTask{
		{ID: "task-1", Description: "pull the data", AssignedAgent: models.AgentData},
		{ID: "task-2", Description: "write the report", AssignedAgent: models.AgentReport,
			Dependencies: []string{"task-1"}},
	}

	results := c.CoordinateSequential(context.Background(), subtasks, ectx())

	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)

	require.Len(t, exec.prompts, 2)
	assert.Contains(t, exec.prompts[1], "CONTEXT FROM PREVIOUS AGENTS:")
	assert.Contains(t, exec.prompts[1], "[data]\nrows: 42")
	assert.Contains(t, exec.prompts[1], "TASK:\nwrite the report")
}

func TestCoordinateSequential_SkipsTasksWithFailedDependencies(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("boom")}
	c := newCoordinator(exec)

	subtasks := []models.SubTask{
		{ID: "task-1", Description: "pull data", AssignedAgent: models.AgentData},
		{ID: "task-2", Description: "report", AssignedAgent: models.AgentReport,
			Dependencies: []string{"task-1"}},
		{ID: "task-3", Description: "send it", AssignedAgent: models.AgentComms,
			Dependencies: []string{"task-2"}},
	}

	results := c.CoordinateSequential(context.Background(), subtasks, ectx())

	require.Len(t, results, 3)
	assert.False(t, results[0].Success)
	assert.Equal(t, "Dependencies not met", results[1].Error)
	assert.Equal(t, "Dependencies not met", results[2].Error)
	assert.Len(t, exec.prompts, 1, "only the root task should reach the executor")
}

func TestCoordinateSequential_RunsInTopologicalOrder(t *testing.T) {
	exec := &fakeExecutor{}
	c := newCoordinator(exec)

	// Declared out of order; task-2 must still run before task-1.
	subtasks := []models.SubTask{
		{ID: "task-1", Description: "summarize findings", AssignedAgent: models.AgentReport,
			Dependencies: []string{"task-2"}},
		{ID: "task-2", Description: "collect findings", AssignedAgent: models.AgentSearch},
	}

	results := c.CoordinateSequential(context.Background(), subtasks, ectx())

	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	require.Len(t, exec.prompts, 2)
	assert.Contains(t, exec.prompts[0], "collect findings")
	assert.Contains(t, exec.prompts[1], "summarize findings")
}

func TestCoordinateParallel_WaitsForAllAndCapsConcurrency(t *testing.T) {
	block := make(chan struct{})
	exec := &fakeExecutor{block: block}
	c := newCoordinator(exec)

	subtasks := make([]models.SubTask, 7)
	for i := range subtasks {
		subtasks[i] = models.SubTask{ID: "task", Description: "fetch", AssignedAgent: models.AgentSearch}
	}

	done := make(chan []models.AgentExecutionResult, 1)
	go func() {
		done <- c.CoordinateParallel(context.Background(), subtasks, ectx())
	}()
	close(block)

	results := <-done
	require.Len(t, results, 7)
	for _, r := range results {
		assert.True(t, r.Success)
	}
	assert.LessOrEqual(t, exec.maxInFlight, 5)
}

func TestCoordinateParallel_RunsConcurrently(t *testing.T) {
	exec := &fakeExecutor{delay: 100 * time.Millisecond}
	c := newCoordinator(exec)

	subtasks := []models.SubTask{
		{ID: "task-1", Description: "a", AssignedAgent: models.AgentSearch},
		{ID: "task-2", Description: "b", AssignedAgent: models.AgentData},
		{ID: "task-3", Description: "c", AssignedAgent: models.AgentAnalytics},
	}

	start := time.Now()
	results := c.CoordinateParallel(context.Background(), subtasks, ectx())
	elapsed := time.Since(start)

	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success)
	}
	// Sequential execution would take 300ms; independent tasks must overlap.
	assert.Less(t, elapsed, 250*time.Millisecond)
}

func TestCoordinateParallel_FailureDoesNotShortCircuit(t *testing.T) {
	exec := &fakeExecutor{failWith: "tool error"}
	c := newCoordinator(exec)

	subtasks := []models.SubTask{
		{ID: "task-1", Description: "a", AssignedAgent: models.AgentSearch},
		{ID: "task-2", Description: "b", AssignedAgent: models.AgentData},
	}

	results := c.CoordinateParallel(context.Background(), subtasks, ectx())

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.False(t, results[1].Success)
}

func TestCoordinateGroups_FanInGetsBothOutputs(t *testing.T) {
	exec := &fakeExecutor{outputs: map[models.TaskCategory]string{
		models.CategoryQuick:           "links found",
		models.CategoryUnspecifiedHigh: "rows: 42",
		models.CategoryWriting:         "combined report",
	}}
	c := newCoordinator(exec)

	subtasks := []models.SubTask{
		{ID: "task-1", Description: "search the web", AssignedAgent: models.AgentSearch},
		{ID: "task-2", Description: "pull the data", AssignedAgent: models.AgentData},
		{ID: "task-3", Description: "write the report", AssignedAgent: models.AgentReport,
			Dependencies: []string{"task-1", "task-2"}},
	}

	results := c.CoordinateGroups(context.Background(), subtasks, ectx())

	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success)
	}
	assert.Equal(t, "combined report", results[2].Response)

	var fanIn string
	for _, p := range exec.prompts {
		if strings.Contains(p, "CONTEXT FROM PREVIOUS AGENTS") {
			fanIn = p
		}
	}
	require.NotEmpty(t, fanIn)
	assert.Contains(t, fanIn, "[search]\nlinks found")
	assert.Contains(t, fanIn, "[data]\nrows: 42")
}

func TestCoordinateGroups_FailedDependencyBlocksLayer(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("boom")}
	c := newCoordinator(exec)

	subtasks := []models.SubTask{
		{ID: "task-1", Description: "pull data", AssignedAgent: models.AgentData},
		{ID: "task-2", Description: "report", AssignedAgent: models.AgentReport,
			Dependencies: []string{"task-1"}},
	}

	results := c.CoordinateGroups(context.Background(), subtasks, ectx())

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Equal(t, "Dependencies not met", results[1].Error)
}

func TestAggregate(t *testing.T) {
	c := newCoordinator(&fakeExecutor{})

	out := c.Aggregate([]models.AgentExecutionResult{
		{AgentID: models.AgentData, Success: true, Response: "rows: 42"},
		{AgentID: models.AgentComms, Success: false, Error: "channel not found"},
		{AgentID: models.AgentReport, Success: true, Response: "summary attached"},
	})

	dataIdx := strings.Index(out, "## data")
	reportIdx := strings.Index(out, "## report")
	require.True(t, dataIdx >= 0 && reportIdx >= 0)
	assert.Less(t, dataIdx, reportIdx, "successes keep insertion order")
	assert.Contains(t, out, "rows: 42")
	assert.Contains(t, out, "- comms: channel not found")
	assert.True(t, strings.Index(out, "## Incomplete") > reportIdx,
		"failures trail the successes")
}

func TestAggregate_AllFailed(t *testing.T) {
	c := newCoordinator(&fakeExecutor{})

	out := c.Aggregate([]models.AgentExecutionResult{
		{AgentID: models.AgentData, Success: false, Error: "boom"},
	})

	assert.True(t, strings.HasPrefix(out, "## Incomplete"))
	assert.Contains(t, out, "- data: boom")
}
