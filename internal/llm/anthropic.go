package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
	logger *zap.Logger
}

// NewAnthropicProvider builds a provider around the official SDK client.
func NewAnthropicProvider(apiKey string, logger *zap.Logger) *AnthropicProvider {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{
		client: &client,
		logger: logger,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Chat sends one Messages API round trip. Transient HTTP failures surface
// as *APIError so the executor can retry them.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params := buildAnthropicParams(req)

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &APIError{
				Provider:   p.Name(),
				StatusCode: apiErr.StatusCode,
				Message:    strings.TrimSpace(apiErr.Error()),
			}
		}
		return nil, err
	}

	return p.parseResponse(resp), nil
}

// buildAnthropicParams translates the request, merging consecutive tool
// results into a single user message. The API requires all tool_result
// blocks for a given assistant tool_use turn to appear in one user message
// immediately after the assistant message.
func buildAnthropicParams(req ChatRequest) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam

	for i := 0; i < len(req.Messages); i++ {
		msg := req.Messages[i]
		switch msg.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				var blocks []anthropic.ContentBlockParamUnion
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for _, tc := range msg.ToolCalls {
					args := tc.Arguments
					if args == nil {
						args = map[string]interface{}{}
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
				}
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			} else {
				messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			}
		case RoleTool:
			var toolBlocks []anthropic.ContentBlockParamUnion
			for i < len(req.Messages) && req.Messages[i].Role == RoleTool {
				toolBlocks = append(toolBlocks,
					anthropic.NewToolResultBlock(req.Messages[i].ToolCallID, req.Messages[i].Content, false))
				i++
			}
			i-- // outer loop will increment
			messages = append(messages, anthropic.NewUserMessage(toolBlocks...))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	maxTokens := int64(anthropicDefaultMaxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		params.Tools = translateAnthropicTools(req.Tools)
	}
	return params
}

func translateAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Parameters["properties"],
			},
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		if req, ok := t.Parameters["required"].([]interface{}); ok {
			required := make([]string, 0, len(req))
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			tool.InputSchema.Required = required
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}

func (p *AnthropicProvider) parseResponse(resp *anthropic.Message) *ChatResponse {
	var content string
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			var args map[string]interface{}
			if err := json.Unmarshal(tu.Input, &args); err != nil {
				p.logger.Warn("Failed to decode tool call input",
					zap.String("tool", tu.Name),
					zap.Error(err))
				args = map[string]interface{}{"raw": string(tu.Input)}
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: args,
			})
		}
	}

	finish := FinishStop
	switch resp.StopReason {
	case anthropic.StopReasonToolUse:
		finish = FinishToolCalls
	case anthropic.StopReasonMaxTokens:
		finish = FinishLength
	}

	return &ChatResponse{
		Content:      content,
		ToolCalls:    toolCalls,
		FinishReason: finish,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
}
