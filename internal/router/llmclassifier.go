package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/llm"
	"github.com/weaverhq/weaver/internal/models"
)

const classifierMaxTokens = 256

// LLMClassifier is the fallback Classifier backed by a cheap model call.
// It asks for a strict JSON verdict and rejects anything it cannot parse
// into a known category; the router keeps its keyword verdict on any
// failure.
type LLMClassifier struct {
	provider llm.Provider
	model    string
	skills   *skillsLister
	logger   *zap.Logger
}

// skillsLister narrows the skill registry to the one call the classifier
// prompt needs.
type skillsLister struct {
	names []string
}

// NewLLMClassifier builds a classifier on the given provider and model.
// skillNames constrain what the model may select; unknown names are
// dropped by the router's resolution step anyway, this just keeps the
// prompt honest.
func NewLLMClassifier(provider llm.Provider, model string, skillNames []string, logger *zap.Logger) *LLMClassifier {
	return &LLMClassifier{
		provider: provider,
		model:    model,
		skills:   &skillsLister{names: skillNames},
		logger:   logger,
	}
}

// Classify makes one model call and parses the JSON verdict.
func (c *LLMClassifier) Classify(ctx context.Context, text string) (*Classification, error) {
	resp, err := c.provider.Chat(ctx, llm.ChatRequest{
		Model: c.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: c.systemPrompt()},
			{Role: llm.RoleUser, Content: text},
		},
		MaxTokens: classifierMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("classifier call: %w", err)
	}

	verdict, err := parseClassification(resp.Content)
	if err != nil {
		c.logger.Debug("Unparseable classifier reply",
			zap.String("content", resp.Content),
			zap.Error(err),
		)
		return nil, err
	}
	return verdict, nil
}

func (c *LLMClassifier) systemPrompt() string {
	cats := make([]string, 0, len(models.AllCategories()))
	for _, cat := range models.AllCategories() {
		cats = append(cats, string(cat))
	}

	var b strings.Builder
	b.WriteString("Classify the user request for task routing.\n")
	b.WriteString("Respond with ONLY a JSON object, no prose:\n")
	b.WriteString(`{"category": "<category>", "skills": ["<skill>", ...], "reasoning": "<one sentence>"}` + "\n")
	b.WriteString("Valid categories: " + strings.Join(cats, ", ") + "\n")
	if len(c.skills.names) > 0 {
		b.WriteString("Valid skills (select only applicable ones, often none): " +
			strings.Join(c.skills.names, ", ") + "\n")
	}
	return b.String()
}

// parseClassification accepts a bare JSON object or one wrapped in a
// markdown code fence.
func parseClassification(content string) (*Classification, error) {
	payload := strings.TrimSpace(content)
	if strings.HasPrefix(payload, "```") {
		payload = strings.TrimPrefix(payload, "```json")
		payload = strings.TrimPrefix(payload, "```")
		if idx := strings.Index(payload, "```"); idx >= 0 {
			payload = payload[:idx]
		}
		payload = strings.TrimSpace(payload)
	}
	// Models sometimes prepend a sentence despite instructions; recover
	// the first object literal.
	if !strings.HasPrefix(payload, "{") {
		start := strings.Index(payload, "{")
		end := strings.LastIndex(payload, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no JSON object in classifier reply")
		}
		payload = payload[start : end+1]
	}

	var verdict Classification
	if err := json.Unmarshal([]byte(payload), &verdict); err != nil {
		return nil, fmt.Errorf("decode classifier reply: %w", err)
	}
	if !verdict.Category.Valid() {
		return nil, fmt.Errorf("unknown category %q in classifier reply", verdict.Category)
	}
	return &verdict, nil
}
