package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/llm"
	"github.com/weaverhq/weaver/internal/models"
)

type scriptedProvider struct {
	reply string
	err   error
	req   llm.ChatRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.req = req
	if p.err != nil {
		return nil, p.err
	}
	return &llm.ChatResponse{Content: p.reply}, nil
}

func TestLLMClassifierParsesVerdict(t *testing.T) {
	provider := &scriptedProvider{
		reply: `{"category": "writing", "skills": ["report-builder"], "reasoning": "drafting task"}`,
	}
	c := NewLLMClassifier(provider, "claude-haiku-4-5", []string{"report-builder"}, zap.NewNop())

	verdict, err := c.Classify(context.Background(), "draft the launch announcement")

	require.NoError(t, err)
	assert.Equal(t, models.CategoryWriting, verdict.Category)
	assert.Equal(t, []string{"report-builder"}, verdict.Skills)

	// The prompt pins model, categories, and the skill catalog.
	assert.Equal(t, "claude-haiku-4-5", provider.req.Model)
	require.Len(t, provider.req.Messages, 2)
	assert.Contains(t, provider.req.Messages[0].Content, "ultrabrain")
	assert.Contains(t, provider.req.Messages[0].Content, "report-builder")
	assert.Equal(t, "draft the launch announcement", provider.req.Messages[1].Content)
}

func TestLLMClassifierAcceptsFencedReply(t *testing.T) {
	provider := &scriptedProvider{
		reply: "```json\n{\"category\": \"quick\", \"skills\": []}\n```",
	}
	c := NewLLMClassifier(provider, "m", nil, zap.NewNop())

	verdict, err := c.Classify(context.Background(), "what time is it")

	require.NoError(t, err)
	assert.Equal(t, models.CategoryQuick, verdict.Category)
}

func TestLLMClassifierRecoversEmbeddedObject(t *testing.T) {
	provider := &scriptedProvider{
		reply: `Sure, here is the classification: {"category": "ultrabrain", "skills": []} Hope that helps.`,
	}
	c := NewLLMClassifier(provider, "m", nil, zap.NewNop())

	verdict, err := c.Classify(context.Background(), "prove the scheduling bound")

	require.NoError(t, err)
	assert.Equal(t, models.CategoryUltrabrain, verdict.Category)
}

func TestLLMClassifierRejectsUnknownCategory(t *testing.T) {
	provider := &scriptedProvider{
		reply: `{"category": "galaxy-brain", "skills": []}`,
	}
	c := NewLLMClassifier(provider, "m", nil, zap.NewNop())

	_, err := c.Classify(context.Background(), "anything")

	assert.ErrorContains(t, err, "unknown category")
}

func TestLLMClassifierRejectsProse(t *testing.T) {
	provider := &scriptedProvider{reply: "I would classify this as a writing task."}
	c := NewLLMClassifier(provider, "m", nil, zap.NewNop())

	_, err := c.Classify(context.Background(), "anything")

	assert.Error(t, err)
}

func TestLLMClassifierPropagatesProviderError(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("rate limited")}
	c := NewLLMClassifier(provider, "m", nil, zap.NewNop())

	_, err := c.Classify(context.Background(), "anything")

	assert.ErrorContains(t, err, "rate limited")
}
