package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/budget"
	"github.com/weaverhq/weaver/internal/db"
	"github.com/weaverhq/weaver/internal/events"
	"github.com/weaverhq/weaver/internal/metrics"
	"github.com/weaverhq/weaver/internal/models"
	"github.com/weaverhq/weaver/internal/policy"
	"github.com/weaverhq/weaver/internal/router"
	"github.com/weaverhq/weaver/internal/session"
)

// Rejection reasons recorded in Metadata.Reason.
const (
	ReasonBudgetExhausted = "budget_exhausted"
	ReasonPolicyDenied    = "policy_denied"
)

// RequestRouter classifies a request. *router.Router satisfies it.
type RequestRouter interface {
	Route(ctx context.Context, req models.Request, complexity models.Complexity, opts router.Options) (models.CategorySelection, models.SkillSelection)
}

// BudgetGate answers the admission questions the pipeline asks before any
// model is involved. *budget.Enforcer satisfies it.
type BudgetGate interface {
	GetRemaining(ctx context.Context, orgID string) (budget.Remaining, error)
	BackpressureDelay(ctx context.Context, orgID string) time.Duration
	EstimateCost(category models.TaskCategory, inputTokens, outputTokens int) int64
}

// Planner produces the subtask plan. *decompose.Decomposer satisfies it.
type Planner interface {
	Decompose(req models.Request) models.DecompositionResult
}

// Sessions is the conversation bookkeeping the pipeline performs around a
// run. *session.Manager satisfies it.
type Sessions interface {
	GetOrCreate(ctx context.Context, orgID, userID, sessionID string) (*session.Session, error)
	AddMessage(ctx context.Context, orgID, sessionID string, msg session.Message) error
	RecordRoute(ctx context.Context, orgID, sessionID string, rec session.RouteRecord) error
	AddUsage(ctx context.Context, orgID, sessionID string, inTok, outTok int, costCents float64) error
}

// ServiceDeps wires a Service. Router, Budget, Planner, and Orchestrator
// are required; Sessions, Bus, Policy, and Store are optional and skipped
// when nil.
type ServiceDeps struct {
	Router       RequestRouter
	Budget       BudgetGate
	Planner      Planner
	Orchestrator *Orchestrator
	Sessions     Sessions
	Bus          *events.Bus
	Policy       policy.Engine
	Store        ExecutionStore
	Logger       *zap.Logger
}

// Service is the top of the request pipeline: budget admission,
// backpressure, planning, routing, the policy gate, orchestration, and
// the session/event bookkeeping around it all.
type Service struct {
	router   RequestRouter
	budget   BudgetGate
	planner  Planner
	orch     *Orchestrator
	sessions Sessions
	bus      *events.Bus
	policy   policy.Engine
	store    ExecutionStore
	logger   *zap.Logger
}

// NewService assembles the pipeline.
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		router:   deps.Router,
		budget:   deps.Budget,
		planner:  deps.Planner,
		orch:     deps.Orchestrator,
		sessions: deps.Sessions,
		bus:      deps.Bus,
		policy:   deps.Policy,
		store:    deps.Store,
		logger:   logger,
	}
}

// HandleRequest runs one request through the full pipeline. Rejections
// (exhausted budget, policy denial) come back as unsuccessful Results
// with a Reason, not as Go errors; only caller bugs error out.
func (s *Service) HandleRequest(ctx context.Context, req models.Request) (Result, error) {
	start := time.Now()

	sess := s.loadSession(ctx, req)
	if sess != nil {
		req.SessionID = sess.ID
	}

	// Budget admission comes first: an exhausted organization never
	// reaches the router or any model.
	remaining, err := s.budget.GetRemaining(ctx, req.OrganizationID)
	if err != nil {
		// Fail open on a broken budget store. Losing admission control
		// beats refusing every tenant.
		s.logger.Warn("Budget lookup failed, admitting request",
			zap.String("org_id", req.OrganizationID),
			zap.Error(err),
		)
	} else if remaining.Exhausted() {
		metrics.RequestsHandled.WithLabelValues("rejected_budget").Inc()
		result := s.reject(req, ReasonBudgetExhausted,
			fmt.Sprintf("Request rejected: organization budget exhausted (%d cents remaining)", remaining.Cents),
			start)
		s.recordRejection(ctx, req, result)
		return result, nil
	}

	if delay := s.budget.BackpressureDelay(ctx, req.OrganizationID); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	decomp := s.planner.Decompose(req)

	cat, sel := s.router.Route(ctx, req, decomp.Complexity, router.Options{})

	if decision := s.evaluatePolicy(ctx, req, cat, sel); decision != nil && !decision.Allow {
		metrics.RequestsHandled.WithLabelValues("rejected_policy").Inc()
		result := s.reject(req, ReasonPolicyDenied,
			fmt.Sprintf("Request rejected by policy: %s", decision.Reason),
			start)
		s.recordRejection(ctx, req, result)
		return result, nil
	}

	s.publish(req, events.Event{
		Type:    events.TypeExecutionStarted,
		Message: req.UserRequest,
		Payload: map[string]interface{}{
			"category": string(cat.Category),
			"skills":   sel.Names(),
		},
	})
	s.recordRoute(ctx, req, cat, sel)

	result, err := s.orch.OrchestrateMultiAgent(ctx, req, Options{
		Category:          cat,
		Skills:            sel,
		MultiAgentEnabled: true,
		Preplanned:        &decomp,
	})
	if err != nil {
		metrics.RequestsHandled.WithLabelValues("error").Inc()
		return Result{}, err
	}

	s.recordOutcome(ctx, req, result)
	if result.Success {
		metrics.RequestsHandled.WithLabelValues("completed").Inc()
	} else {
		metrics.RequestsHandled.WithLabelValues("failed").Inc()
	}
	return result, nil
}

func (s *Service) loadSession(ctx context.Context, req models.Request) *session.Session {
	if s.sessions == nil {
		return nil
	}
	sess, err := s.sessions.GetOrCreate(ctx, req.OrganizationID, req.UserID, req.SessionID)
	if err != nil {
		s.logger.Warn("Session load failed, continuing without history",
			zap.String("session_id", req.SessionID),
			zap.Error(err),
		)
		return nil
	}
	return sess
}

// evaluatePolicy returns nil when no engine is configured or the engine
// itself fails. An engine error only blocks when it runs fail-closed,
// and the engine reports that through its own fallback decision.
func (s *Service) evaluatePolicy(ctx context.Context, req models.Request, cat models.CategorySelection, sel models.SkillSelection) *policy.Decision {
	if s.policy == nil {
		return nil
	}
	decision, err := s.policy.Evaluate(ctx, &policy.Input{
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Category:       string(cat.Category),
		Skills:         sel.Names(),
		Prompt:         req.UserRequest,
		Timestamp:      time.Now(),
	})
	if err != nil {
		s.logger.Warn("Policy evaluation failed, admitting request", zap.Error(err))
		return nil
	}
	return decision
}

func (s *Service) reject(req models.Request, reason, output string, start time.Time) Result {
	s.logger.Info("Request rejected",
		zap.String("org_id", req.OrganizationID),
		zap.String("reason", reason),
	)
	return Result{
		Success: false,
		Output:  output,
		Metadata: Metadata{
			Mode:       models.ModeRejected,
			Reason:     reason,
			DurationMs: time.Since(start).Milliseconds(),
		},
	}
}

func (s *Service) recordRejection(ctx context.Context, req models.Request, result Result) {
	s.publish(req, events.Event{
		Type:    events.TypeExecutionRejected,
		Message: result.Output,
		Payload: map[string]interface{}{"reason": result.Metadata.Reason},
	})
	if s.store != nil {
		duration := result.Metadata.DurationMs
		output := result.Output
		rec := &db.Execution{
			ID:             uuid.New().String(),
			OrganizationID: req.OrganizationID,
			UserID:         req.UserID,
			SessionID:      req.SessionID,
			Status:         models.StatusFailed,
			InputData:      req.UserRequest,
			OutputData:     &output,
			DurationMs:     &duration,
			Metadata: db.JSONB{
				"mode":   result.Metadata.Mode,
				"reason": result.Metadata.Reason,
			},
		}
		if err := s.store.SaveExecution(ctx, rec); err != nil {
			s.logger.Warn("Failed to save rejection record",
				zap.String("org_id", req.OrganizationID), zap.Error(err))
		}
	}
	if s.sessions == nil || req.SessionID == "" {
		return
	}
	if err := s.sessions.AddMessage(ctx, req.OrganizationID, req.SessionID, session.Message{
		Role:      "assistant",
		Content:   result.Output,
		Timestamp: time.Now(),
	}); err != nil {
		s.logger.Warn("Failed to record rejection in session", zap.Error(err))
	}
}

func (s *Service) recordRoute(ctx context.Context, req models.Request, cat models.CategorySelection, sel models.SkillSelection) {
	if s.sessions == nil || req.SessionID == "" {
		return
	}
	if err := s.sessions.AddMessage(ctx, req.OrganizationID, req.SessionID, session.Message{
		Role:      "user",
		Content:   req.UserRequest,
		Timestamp: time.Now(),
	}); err != nil {
		s.logger.Warn("Failed to record user message", zap.Error(err))
	}
	if err := s.sessions.RecordRoute(ctx, req.OrganizationID, req.SessionID, session.RouteRecord{
		Category: cat.Category,
		Skills:   sel.Names(),
		At:       time.Now(),
	}); err != nil {
		s.logger.Warn("Failed to record route", zap.Error(err))
	}
}

func (s *Service) recordOutcome(ctx context.Context, req models.Request, result Result) {
	eventType := events.TypeExecutionCompleted
	if !result.Success {
		eventType = events.TypeExecutionFailed
	}
	s.publish(req, events.Event{
		Type:    eventType,
		Message: result.Output,
		Payload: map[string]interface{}{
			"execution_id": result.Metadata.ExecutionID,
			"mode":         result.Metadata.Mode,
			"tokens_used":  result.Metadata.TokensUsed,
		},
	})

	if s.sessions == nil || req.SessionID == "" {
		return
	}
	meta := result.Metadata
	agentType := ""
	if len(meta.AgentsUsed) == 1 {
		agentType = string(meta.AgentsUsed[0])
	}
	if err := s.sessions.AddMessage(ctx, req.OrganizationID, req.SessionID, session.Message{
		Role:      "assistant",
		Content:   result.Output,
		Timestamp: time.Now(),
		AgentType: agentType,
	}); err != nil {
		s.logger.Warn("Failed to record assistant message", zap.Error(err))
	}
	cost := s.budget.EstimateCost(meta.Category, meta.InputTokens, meta.OutputTokens)
	if err := s.sessions.AddUsage(ctx, req.OrganizationID, req.SessionID,
		meta.InputTokens, meta.OutputTokens, float64(cost)); err != nil {
		s.logger.Warn("Failed to record usage", zap.Error(err))
	}
}

// publish emits an event on the session stream. A request without a
// session still gets its events under the organization key so operators
// can tail it.
func (s *Service) publish(req models.Request, evt events.Event) {
	if s.bus == nil {
		return
	}
	key := req.SessionID
	if key == "" {
		key = req.OrganizationID
	}
	s.bus.Publish(key, evt)
}
