package orchestrator

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
	"github.com/weaverhq/weaver/internal/budget"
	"github.com/weaverhq/weaver/internal/coordinator"
	"github.com/weaverhq/weaver/internal/decompose"
	"github.com/weaverhq/weaver/internal/events"
	"github.com/weaverhq/weaver/internal/models"
	"github.com/weaverhq/weaver/internal/policy"
	"github.com/weaverhq/weaver/internal/router"
	"github.com/weaverhq/weaver/internal/session"
)

type fakeRouter struct {
	mu       sync.Mutex
	calls    int
	category models.CategorySelection
	skills   models.SkillSelection
}

func (f *fakeRouter) Route(_ context.Context, _ models.Request, _ models.Complexity, _ router.Options) (models.CategorySelection, models.SkillSelection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.category, f.skills
}

func (f *fakeRouter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBudget struct {
	remaining  budget.Remaining
	err        error
	delay      time.Duration
	costCents  int64
	costCalled bool
}

func (f *fakeBudget) GetRemaining(_ context.Context, _ string) (budget.Remaining, error) {
	return f.remaining, f.err
}

func (f *fakeBudget) BackpressureDelay(_ context.Context, _ string) time.Duration {
	return f.delay
}

func (f *fakeBudget) EstimateCost(_ models.TaskCategory, _, _ int) int64 {
	f.costCalled = true
	return f.costCents
}

type fakeSessions struct {
	mu       sync.Mutex
	messages []session.Message
	routes   []session.RouteRecord
	usageIn  int
	usageOut int
	cost     float64
}

func (f *fakeSessions) GetOrCreate(_ context.Context, orgID, userID, sessionID string) (*session.Session, error) {
	if sessionID == "" {
		sessionID = "minted-session"
	}
	return &session.Session{ID: sessionID, UserID: userID, OrganizationID: orgID}, nil
}

func (f *fakeSessions) AddMessage(_ context.Context, _, _ string, msg session.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeSessions) RecordRoute(_ context.Context, _, _ string, rec session.RouteRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, rec)
	return nil
}

func (f *fakeSessions) AddUsage(_ context.Context, _, _ string, inTok, outTok int, costCents float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usageIn += inTok
	f.usageOut += outTok
	f.cost += costCents
	return nil
}

type fakePolicy struct {
	decision policy.Decision
	err      error
}

func (f *fakePolicy) Evaluate(_ context.Context, _ *policy.Input) (*policy.Decision, error) {
	if f.err != nil {
		return nil, f.err
	}
	d := f.decision
	return &d, nil
}

func (f *fakePolicy) LoadPolicies() error { return nil }
func (f *fakePolicy) IsEnabled() bool     { return true }
func (f *fakePolicy) Mode() policy.Mode   { return policy.ModeEnforce }

type serviceFixture struct {
	svc      *Service
	exec     *fakeExecutor
	router   *fakeRouter
	budget   *fakeBudget
	sessions *fakeSessions
	bus      *events.Bus
	store    *memStore
}

func newServiceFixture(t *testing.T, mutate func(*ServiceDeps)) *serviceFixture {
	t.Helper()
	logger := zap.NewNop()
	registry := agents.NewRegistry()
	exec := &fakeExecutor{}
	rt := &fakeRouter{
		category: models.CategorySelection{Category: models.CategoryQuick, Confidence: 0.9},
	}
	bud := &fakeBudget{remaining: budget.Remaining{Cents: 10_000}, costCents: 3}
	sessions := &fakeSessions{}
	bus := events.NewBus(16, logger)
	store := &memStore{}

	deps := ServiceDeps{
		Router:       rt,
		Budget:       bud,
		Planner:      decompose.New(registry, logger),
		Orchestrator: newOrchestrator(exec, &memStore{}),
		Sessions:     sessions,
		Bus:          bus,
		Store:        store,
		Logger:       logger,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &serviceFixture{
		svc:      NewService(deps),
		exec:     exec,
		router:   rt,
		budget:   bud,
		sessions: sessions,
		bus:      bus,
		store:    store,
	}
}

func eventTypes(evts []events.Event) []string {
	types := make([]string, 0, len(evts))
	for _, e := range evts {
		types = append(types, e.Type)
	}
	return types
}

func TestHandleRequestCompletes(t *testing.T) {
	fx := newServiceFixture(t, nil)

	result, err := fx.svc.HandleRequest(context.Background(),
		request("fix the typo in the README"))

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Metadata.Reason)
	assert.Equal(t, models.ModeSingle, result.Metadata.Mode)
	assert.Equal(t, 1, fx.exec.callCount())
	assert.Equal(t, 1, fx.router.callCount())

	// User message, route record, assistant message, and usage all land
	// on the session.
	require.Len(t, fx.sessions.messages, 2)
	assert.Equal(t, "user", fx.sessions.messages[0].Role)
	assert.Equal(t, "fix the typo in the README", fx.sessions.messages[0].Content)
	assert.Equal(t, "assistant", fx.sessions.messages[1].Role)
	require.Len(t, fx.sessions.routes, 1)
	assert.Equal(t, models.CategoryQuick, fx.sessions.routes[0].Category)
	assert.Equal(t, 100, fx.sessions.usageIn)
	assert.Equal(t, 40, fx.sessions.usageOut)
	assert.Equal(t, 3.0, fx.sessions.cost)
	assert.True(t, fx.budget.costCalled)

	types := eventTypes(fx.bus.ReplaySince("sess-1", 0))
	assert.Equal(t, []string{events.TypeExecutionStarted, events.TypeExecutionCompleted}, types)
}

func TestHandleRequestMultiAgentPipeline(t *testing.T) {
	fx := newServiceFixture(t, func(d *ServiceDeps) {
		d.Router = &fakeRouter{
			category: models.CategorySelection{Category: models.CategoryWriting, Confidence: 0.85},
		}
	})

	result, err := fx.svc.HandleRequest(context.Background(),
		request("send the weekly report to slack"))

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, models.ModeSequential, result.Metadata.Mode)
	assert.Equal(t, []models.AgentID{models.AgentData, models.AgentReport, models.AgentComms},
		result.Metadata.AgentsUsed)
	assert.Equal(t, 3, fx.exec.callCount())

	// Token accounting aggregates across all three agents.
	assert.Equal(t, 300, result.Metadata.InputTokens)
	assert.Equal(t, 120, result.Metadata.OutputTokens)
	assert.Equal(t, 300, fx.sessions.usageIn)
	assert.Equal(t, 120, fx.sessions.usageOut)

	// Multi-agent runs record an assistant message without a single
	// agent attribution.
	require.Len(t, fx.sessions.messages, 2)
	assert.Equal(t, "assistant", fx.sessions.messages[1].Role)
	assert.Empty(t, fx.sessions.messages[1].AgentType)

	types := eventTypes(fx.bus.ReplaySince("sess-1", 0))
	assert.Equal(t, []string{events.TypeExecutionStarted, events.TypeExecutionCompleted}, types)
}

func TestHandleRequestBudgetExhausted(t *testing.T) {
	fx := newServiceFixture(t, func(d *ServiceDeps) {
		d.Budget.(*fakeBudget).remaining = budget.Remaining{Cents: 5}
	})

	result, err := fx.svc.HandleRequest(context.Background(),
		request("build a quarterly report"))

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ReasonBudgetExhausted, result.Metadata.Reason)
	assert.Equal(t, models.ModeRejected, result.Metadata.Mode)
	lower := strings.ToLower(result.Output)
	assert.Contains(t, lower, "budget")
	assert.Contains(t, lower, "exhausted")

	// Rejection happens before routing or any model work.
	assert.Equal(t, 0, fx.exec.callCount())
	assert.Equal(t, 0, fx.router.callCount())

	types := eventTypes(fx.bus.ReplaySince("sess-1", 0))
	assert.Equal(t, []string{events.TypeExecutionRejected}, types)

	// The rejection itself is persisted in the conversation.
	require.Len(t, fx.sessions.messages, 1)
	assert.Equal(t, "assistant", fx.sessions.messages[0].Role)
	assert.Contains(t, strings.ToLower(fx.sessions.messages[0].Content), "budget")

	// And as a failed execution row with the reason in metadata.
	require.Len(t, fx.store.saved, 1)
	rec := fx.store.saved[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "org-1", rec.OrganizationID)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, ReasonBudgetExhausted, rec.Metadata["reason"])
	assert.Equal(t, models.ModeRejected, rec.Metadata["mode"])
}

func TestHandleRequestUnlimitedBudgetAdmits(t *testing.T) {
	fx := newServiceFixture(t, func(d *ServiceDeps) {
		d.Budget.(*fakeBudget).remaining = budget.Remaining{Cents: 0, Unlimited: true}
	})

	result, err := fx.svc.HandleRequest(context.Background(), request("search the docs"))

	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestHandleRequestBudgetLookupFailureAdmits(t *testing.T) {
	fx := newServiceFixture(t, func(d *ServiceDeps) {
		d.Budget.(*fakeBudget).err = errors.New("store down")
	})

	result, err := fx.svc.HandleRequest(context.Background(), request("search the docs"))

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, fx.exec.callCount())
}

func TestHandleRequestPolicyDenied(t *testing.T) {
	fx := newServiceFixture(t, func(d *ServiceDeps) {
		d.Policy = &fakePolicy{decision: policy.Decision{Allow: false, Reason: "tool not allowed for organization"}}
	})

	result, err := fx.svc.HandleRequest(context.Background(), request("send the report to slack"))

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ReasonPolicyDenied, result.Metadata.Reason)
	assert.Contains(t, result.Output, "tool not allowed for organization")
	assert.Equal(t, 0, fx.exec.callCount())

	types := eventTypes(fx.bus.ReplaySince("sess-1", 0))
	assert.Equal(t, []string{events.TypeExecutionRejected}, types)
}

func TestHandleRequestPolicyAllowed(t *testing.T) {
	fx := newServiceFixture(t, func(d *ServiceDeps) {
		d.Policy = &fakePolicy{decision: policy.Decision{Allow: true}}
	})

	result, err := fx.svc.HandleRequest(context.Background(), request("search the docs"))

	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestHandleRequestPolicyErrorAdmits(t *testing.T) {
	fx := newServiceFixture(t, func(d *ServiceDeps) {
		d.Policy = &fakePolicy{err: errors.New("opa panic")}
	})

	result, err := fx.svc.HandleRequest(context.Background(), request("search the docs"))

	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestHandleRequestBackpressureDelays(t *testing.T) {
	fx := newServiceFixture(t, func(d *ServiceDeps) {
		d.Budget.(*fakeBudget).delay = 60 * time.Millisecond
	})

	start := time.Now()
	result, err := fx.svc.HandleRequest(context.Background(), request("search the docs"))

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestHandleRequestBackpressureHonorsCancellation(t *testing.T) {
	fx := newServiceFixture(t, func(d *ServiceDeps) {
		d.Budget.(*fakeBudget).delay = 5 * time.Second
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := fx.svc.HandleRequest(ctx, request("search the docs"))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, fx.exec.callCount())
}

func TestHandleRequestEmptyRequestErrors(t *testing.T) {
	fx := newServiceFixture(t, nil)

	_, err := fx.svc.HandleRequest(context.Background(), request("   "))

	assert.ErrorIs(t, err, ErrEmptyRequest)
}

func TestHandleRequestWithoutOptionalDeps(t *testing.T) {
	fx := newServiceFixture(t, func(d *ServiceDeps) {
		d.Sessions = nil
		d.Bus = nil
		d.Policy = nil
	})

	result, err := fx.svc.HandleRequest(context.Background(), request("search the docs"))

	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestHandleRequestMintsSessionWhenMissing(t *testing.T) {
	fx := newServiceFixture(t, nil)
	req := request("search the docs")
	req.SessionID = ""

	result, err := fx.svc.HandleRequest(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, result.Success)

	// The minted session carries the event stream.
	types := eventTypes(fx.bus.ReplaySince("minted-session", 0))
	assert.Equal(t, []string{events.TypeExecutionStarted, events.TypeExecutionCompleted}, types)
}

func TestHandleRequestFailedRunPublishesFailure(t *testing.T) {
	fx := newServiceFixture(t, func(d *ServiceDeps) {
		d.Orchestrator = newOrchestrator(&failingExecutor{}, &memStore{})
	})

	result, err := fx.svc.HandleRequest(context.Background(), request("search the docs"))

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Empty(t, result.Metadata.Reason)

	types := eventTypes(fx.bus.ReplaySince("sess-1", 0))
	assert.Equal(t, []string{events.TypeExecutionStarted, events.TypeExecutionFailed}, types)
}

type failingExecutor struct{}

func (f *failingExecutor) Execute(_ context.Context, _ models.ExecutionRequest) (models.ExecutionResult, error) {
	return models.ExecutionResult{
		Status:   models.StatusFailed,
		Metadata: models.ExecutionMetadata{Error: "provider unavailable"},
	}, nil
}

var _ coordinator.Executor = (*failingExecutor)(nil)
