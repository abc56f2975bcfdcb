package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/config"
	"github.com/weaverhq/weaver/internal/models"
)

type scriptStep struct {
	resp *ChatResponse
	err  error
}

type scriptedProvider struct {
	name   string
	script []scriptStep
	reqs   []ChatRequest
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	idx := len(p.reqs)
	p.reqs = append(p.reqs, req)
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	step := p.script[idx]
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}

type recordingRunner struct {
	defs    []ToolDefinition
	outputs map[string]string
	err     error
	calls   []ToolCall
	ectxs   []models.ExecutionContext
}

func (r *recordingRunner) Definitions(_ []string) []ToolDefinition { return r.defs }

func (r *recordingRunner) Run(_ context.Context, call ToolCall, ectx models.ExecutionContext) (string, error) {
	r.calls = append(r.calls, call)
	r.ectxs = append(r.ectxs, ectx)
	if r.err != nil {
		return "", r.err
	}
	return r.outputs[call.Name], nil
}

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		Models: map[string]string{
			"opus":   "claude-opus-4-1",
			"sonnet": "claude-sonnet-4-5",
			"haiku":  "claude-haiku-4-5",
		},
		MaxToolRounds: 8,
	}
}

func newTestExecutor(provider Provider, runner ToolRunner, cfg config.LLMConfig) *Executor {
	e := NewExecutorWithProviders(cfg, runner, zap.NewNop(), provider)
	e.paceFn = func(context.Context, string, string, int) error { return nil }
	return e
}

func quickRequest(prompt string) models.ExecutionRequest {
	return models.ExecutionRequest{
		Category:       models.CategoryQuick,
		Prompt:         prompt,
		OrganizationID: "org-1",
		UserID:         "user-1",
		Context: models.ExecutionContext{
			OrganizationID:  "org-1",
			UserID:          "user-1",
			RootExecutionID: "root-1",
		},
	}
}

func TestExecuteSimpleCompletion(t *testing.T) {
	provider := &scriptedProvider{
		name: "fake",
		script: []scriptStep{
			{resp: &ChatResponse{Content: "hello", FinishReason: FinishStop, InputTokens: 100, OutputTokens: 20}},
		},
	}
	runner := &recordingRunner{defs: []ToolDefinition{{Name: "web-search"}}}
	e := newTestExecutor(provider, runner, testLLMConfig())

	result, err := e.Execute(context.Background(), quickRequest("hi"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.Equal(t, "hello", result.Output)
	assert.Equal(t, "claude-haiku-4-5", result.Metadata.Model)
	assert.Equal(t, 100, result.Metadata.InputTokens)
	assert.Equal(t, 20, result.Metadata.OutputTokens)
	assert.Greater(t, result.Metadata.CostCents, 0.0)
	assert.Empty(t, result.Metadata.ToolsUsed)

	require.Len(t, provider.reqs, 1)
	req := provider.reqs[0]
	assert.Equal(t, "claude-haiku-4-5", req.Model)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, RoleUser, req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[0].Content)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "web-search", req.Tools[0].Name)
}

func TestExecuteModelFailureBecomesFailedStatus(t *testing.T) {
	provider := &scriptedProvider{
		name: "fake",
		script: []scriptStep{
			{err: &APIError{Provider: "fake", StatusCode: 400, Message: "bad request"}},
		},
	}
	e := newTestExecutor(provider, nil, testLLMConfig())

	result, err := e.Execute(context.Background(), quickRequest("hi"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Contains(t, result.Metadata.Error, "bad request")
	assert.Len(t, provider.reqs, 1, "client errors must not be retried")
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	provider := &scriptedProvider{
		name: "fake",
		script: []scriptStep{
			{err: &APIError{Provider: "fake", StatusCode: 429, Message: "rate limited"}},
			{err: &APIError{Provider: "fake", StatusCode: 503, Message: "overloaded"}},
			{resp: &ChatResponse{Content: "recovered", InputTokens: 10, OutputTokens: 5}},
		},
	}
	e := newTestExecutor(provider, nil, testLLMConfig())

	result, err := e.Execute(context.Background(), quickRequest("hi"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.Equal(t, "recovered", result.Output)
	assert.Len(t, provider.reqs, 3)
}

func TestExecuteGivesUpAfterRetries(t *testing.T) {
	provider := &scriptedProvider{
		name: "fake",
		script: []scriptStep{
			{err: &APIError{Provider: "fake", StatusCode: 429, Message: "rate limited"}},
		},
	}
	e := newTestExecutor(provider, nil, testLLMConfig())

	result, err := e.Execute(context.Background(), quickRequest("hi"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Contains(t, result.Metadata.Error, "rate limited")
	assert.Len(t, provider.reqs, 4, "initial attempt plus three retries")
}

func TestExecuteToolLoop(t *testing.T) {
	provider := &scriptedProvider{
		name: "fake",
		script: []scriptStep{
			{resp: &ChatResponse{
				FinishReason: FinishToolCalls,
				ToolCalls: []ToolCall{
					{ID: "call-1", Name: "web-search", Arguments: map[string]interface{}{"query": "release notes"}},
				},
				InputTokens:  50,
				OutputTokens: 10,
			}},
			{resp: &ChatResponse{Content: "done", FinishReason: FinishStop, InputTokens: 80, OutputTokens: 20}},
		},
	}
	runner := &recordingRunner{
		defs:    []ToolDefinition{{Name: "web-search"}},
		outputs: map[string]string{"web-search": "3 results"},
	}
	e := newTestExecutor(provider, runner, testLLMConfig())

	req := quickRequest("find the release notes")
	result, err := e.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.Equal(t, "done", result.Output)
	assert.Equal(t, 130, result.Metadata.InputTokens)
	assert.Equal(t, 30, result.Metadata.OutputTokens)
	assert.Equal(t, []string{"web-search"}, result.Metadata.ToolsUsed)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "web-search", runner.calls[0].Name)
	assert.Equal(t, "release notes", runner.calls[0].Arguments["query"])
	assert.Equal(t, req.Context, runner.ectxs[0])

	require.Len(t, provider.reqs, 2)
	second := provider.reqs[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, RoleUser, second[0].Role)
	assert.Equal(t, RoleAssistant, second[1].Role)
	require.Len(t, second[1].ToolCalls, 1)
	assert.Equal(t, RoleTool, second[2].Role)
	assert.Equal(t, "call-1", second[2].ToolCallID)
	assert.Equal(t, "3 results", second[2].Content)
}

func TestExecuteToolErrorFedBackToModel(t *testing.T) {
	provider := &scriptedProvider{
		name: "fake",
		script: []scriptStep{
			{resp: &ChatResponse{
				FinishReason: FinishToolCalls,
				ToolCalls:    []ToolCall{{ID: "call-1", Name: "slack:post-message"}},
			}},
			{resp: &ChatResponse{Content: "could not post", FinishReason: FinishStop}},
		},
	}
	runner := &recordingRunner{
		defs: []ToolDefinition{{Name: "slack:post-message"}},
		err:  errors.New("provider not connected"),
	}
	e := newTestExecutor(provider, runner, testLLMConfig())

	result, err := e.Execute(context.Background(), quickRequest("post an update"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, result.Status)
	require.Len(t, provider.reqs, 2)
	toolMsg := provider.reqs[1].Messages[2]
	assert.Equal(t, RoleTool, toolMsg.Role)
	assert.Equal(t, "ERROR: provider not connected", toolMsg.Content)
}

func TestExecuteToolRoundLimit(t *testing.T) {
	provider := &scriptedProvider{
		name: "fake",
		script: []scriptStep{
			{resp: &ChatResponse{
				FinishReason: FinishToolCalls,
				ToolCalls:    []ToolCall{{ID: "call-1", Name: "web-search"}},
			}},
		},
	}
	runner := &recordingRunner{
		defs:    []ToolDefinition{{Name: "web-search"}},
		outputs: map[string]string{"web-search": "more results"},
	}
	cfg := testLLMConfig()
	cfg.MaxToolRounds = 2
	e := newTestExecutor(provider, runner, cfg)

	result, err := e.Execute(context.Background(), quickRequest("search forever"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.Len(t, provider.reqs, 2, "round limit caps provider calls")
	assert.Len(t, runner.calls, 1, "tools of the final round are not executed")
}

func TestExecuteNoProviderConfigured(t *testing.T) {
	e := NewExecutorWithProviders(testLLMConfig(), nil, zap.NewNop())

	_, err := e.Execute(context.Background(), quickRequest("hi"))
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestNewExecutorSkipsProvidersWithoutKeys(t *testing.T) {
	cfg := testLLMConfig()
	cfg.Priority = []string{"anthropic", "openai"}
	e := NewExecutor(cfg, nil, zap.NewNop())

	_, err := e.Execute(context.Background(), quickRequest("hi"))
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestModelForTierFallsBackToDefaults(t *testing.T) {
	e := NewExecutorWithProviders(config.LLMConfig{}, nil, zap.NewNop())

	assert.Equal(t, "claude-sonnet-4-5", e.modelForTier(models.TierSonnet))
	assert.Equal(t, "claude-haiku-4-5", e.modelForTier(models.ModelTier("mystery")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&APIError{StatusCode: 429}))
	assert.True(t, Retryable(&APIError{StatusCode: 502}))
	assert.True(t, Retryable(&APIError{StatusCode: 503}))
	assert.True(t, Retryable(&APIError{StatusCode: 504}))
	assert.False(t, Retryable(&APIError{StatusCode: 400}))
	assert.False(t, Retryable(&APIError{StatusCode: 500}))
	assert.False(t, Retryable(errors.New("plain error")))
}
