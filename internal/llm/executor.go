package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/config"
	"github.com/weaverhq/weaver/internal/metrics"
	"github.com/weaverhq/weaver/internal/models"
	"github.com/weaverhq/weaver/internal/pricing"
	"github.com/weaverhq/weaver/internal/ratecontrol"
)

// ErrNoProvider means no model provider had an API key configured.
var ErrNoProvider = errors.New("llm: no provider configured")

const (
	defaultMaxToolRounds = 8
	retryInitialInterval = 100 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
	maxRetries           = 3
)

var defaultModels = map[string]string{
	"opus":   "claude-opus-4-1",
	"sonnet": "claude-sonnet-4-5",
	"haiku":  "claude-haiku-4-5",
}

// ToolRunner resolves and executes tool calls requested by the model.
type ToolRunner interface {
	Definitions(skills []string) []ToolDefinition
	Run(ctx context.Context, call ToolCall, ectx models.ExecutionContext) (string, error)
}

// Executor turns one agent prompt into a model conversation, interleaving
// tool calls until the model stops.
type Executor struct {
	providers []Provider
	runner    ToolRunner
	cfg       config.LLMConfig
	limits    *ratecontrol.Table
	logger    *zap.Logger

	// paceFn is swappable so tests can skip real pacing delays.
	paceFn func(ctx context.Context, provider, tier string, estimatedTokens int) error
}

// NewExecutor wires providers in the configured priority order. Providers
// without an API key are skipped. runner may be nil to disable tool use.
func NewExecutor(cfg config.LLMConfig, runner ToolRunner, logger *zap.Logger) *Executor {
	var providers []Provider
	for _, name := range cfg.Priority {
		switch name {
		case "anthropic":
			if cfg.AnthropicAPIKey != "" {
				providers = append(providers, NewAnthropicProvider(cfg.AnthropicAPIKey, logger))
			}
		case "openai":
			if cfg.OpenAIAPIKey != "" {
				providers = append(providers, NewOpenAIProvider(cfg.OpenAIAPIKey, logger))
			}
		default:
			logger.Warn("Unknown model provider in priority list", zap.String("provider", name))
		}
	}
	return NewExecutorWithProviders(cfg, runner, logger, providers...)
}

// NewExecutorWithProviders injects an explicit provider stack.
func NewExecutorWithProviders(cfg config.LLMConfig, runner ToolRunner, logger *zap.Logger, providers ...Provider) *Executor {
	e := &Executor{
		providers: providers,
		runner:    runner,
		cfg:       cfg,
		limits:    ratecontrol.Load(cfg.RateTablePath, logger),
		logger:    logger,
	}
	e.paceFn = e.pace
	return e
}

// Execute runs the prompt against the highest-priority provider. Ordinary
// model failures come back as Status="failed" with the error in metadata;
// a Go error means the executor itself is unusable.
func (e *Executor) Execute(ctx context.Context, req models.ExecutionRequest) (models.ExecutionResult, error) {
	if len(e.providers) == 0 {
		return models.ExecutionResult{}, ErrNoProvider
	}

	start := time.Now()
	provider := e.providers[0]
	tier := req.Category.Tier()
	model := e.modelForTier(tier)

	messages := []Message{{Role: RoleUser, Content: req.Prompt}}
	var tools []ToolDefinition
	if e.runner != nil {
		tools = e.runner.Definitions(req.Skills)
	}

	maxRounds := e.cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}

	var (
		output    string
		totalIn   int
		totalOut  int
		toolsUsed []string
	)

	for round := 1; ; round++ {
		if err := e.paceFn(ctx, provider.Name(), string(tier), estimateTokens(messages)); err != nil {
			return e.failed(req, model, totalIn, totalOut, toolsUsed, start, err), nil
		}

		roundStart := time.Now()
		resp, err := e.chatWithRetry(ctx, provider, ChatRequest{
			Model:    model,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			metrics.RecordModelCall(provider.Name(), string(tier), "error", time.Since(roundStart).Seconds())
			e.logger.Warn("Model call failed",
				zap.String("provider", provider.Name()),
				zap.String("model", model),
				zap.Error(err))
			return e.failed(req, model, totalIn, totalOut, toolsUsed, start, err), nil
		}
		metrics.RecordModelCall(provider.Name(), string(tier), "success", time.Since(roundStart).Seconds())

		totalIn += resp.InputTokens
		totalOut += resp.OutputTokens
		output = resp.Content

		if len(resp.ToolCalls) == 0 || e.runner == nil {
			break
		}
		if round >= maxRounds {
			e.logger.Warn("Tool round limit reached",
				zap.String("model", model),
				zap.Int("rounds", round))
			break
		}

		messages = append(messages, Message{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result, err := e.runner.Run(ctx, call, req.Context)
			if err != nil {
				// Feed the failure back so the model can adjust.
				result = "ERROR: " + err.Error()
			}
			messages = append(messages, Message{
				Role:       RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
			toolsUsed = appendUnique(toolsUsed, call.Name)
		}
	}

	return models.ExecutionResult{
		Status: models.StatusCompleted,
		Output: output,
		Metadata: models.ExecutionMetadata{
			Model:        model,
			InputTokens:  totalIn,
			OutputTokens: totalOut,
			DurationMs:   time.Since(start).Milliseconds(),
			CostCents:    pricing.CostForSplit(tier, model, totalIn, totalOut),
			ToolsUsed:    toolsUsed,
		},
	}, nil
}

func (e *Executor) modelForTier(tier models.ModelTier) string {
	if m, ok := e.cfg.Models[string(tier)]; ok && m != "" {
		return m
	}
	if m, ok := defaultModels[string(tier)]; ok {
		return m
	}
	return defaultModels["haiku"]
}

// pace blocks for the RPM/TPM delay the rate tables prescribe, further
// capped by the executor's own configured limits.
func (e *Executor) pace(ctx context.Context, provider, tier string, estimatedTokens int) error {
	limit := ratecontrol.CombineLimits(
		ratecontrol.CombineLimits(e.limits.LimitForTier(tier), e.limits.LimitForProvider(provider)),
		ratecontrol.RateLimit{RPM: e.cfg.RequestsPerMin, TPM: e.cfg.TokensPerMin},
	)
	delay := ratecontrol.DelayForLimit(limit, estimatedTokens)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Executor) chatWithRetry(ctx context.Context, p Provider, req ChatRequest) (*ChatResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval

	var resp *ChatResponse
	op := func() error {
		r, err := p.Chat(ctx, req)
		if err != nil {
			if Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (e *Executor) failed(req models.ExecutionRequest, model string, in, out int, toolsUsed []string, start time.Time, err error) models.ExecutionResult {
	return models.ExecutionResult{
		Status: models.StatusFailed,
		Metadata: models.ExecutionMetadata{
			Model:        model,
			InputTokens:  in,
			OutputTokens: out,
			DurationMs:   time.Since(start).Milliseconds(),
			CostCents:    pricing.CostForSplit(req.Category.Tier(), model, in, out),
			ToolsUsed:    toolsUsed,
			Error:        err.Error(),
		},
	}
}

// estimateTokens is a coarse chars/4 heuristic for TPM pacing.
func estimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total / 4
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
