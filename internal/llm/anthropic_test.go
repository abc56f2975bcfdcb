package llm

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAnthropicParamsExtractsSystem(t *testing.T) {
	params := buildAnthropicParams(ChatRequest{
		Model: "claude-haiku-4-5",
		Messages: []Message{
			{Role: RoleSystem, Content: "You are the search agent."},
			{Role: RoleUser, Content: "find the docs"},
		},
	})

	require.Len(t, params.System, 1)
	assert.Equal(t, "You are the search agent.", params.System[0].Text)
	require.Len(t, params.Messages, 1)
	assert.Equal(t, anthropic.MessageParamRoleUser, params.Messages[0].Role)
	assert.Equal(t, int64(anthropicDefaultMaxTokens), params.MaxTokens)
}

func TestBuildAnthropicParamsMergesToolResults(t *testing.T) {
	params := buildAnthropicParams(ChatRequest{
		Model: "claude-haiku-4-5",
		Messages: []Message{
			{Role: RoleUser, Content: "look things up"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "call-1", Name: "web-search", Arguments: map[string]interface{}{"query": "a"}},
				{ID: "call-2", Name: "web-search", Arguments: map[string]interface{}{"query": "b"}},
			}},
			{Role: RoleTool, ToolCallID: "call-1", Content: "first"},
			{Role: RoleTool, ToolCallID: "call-2", Content: "second"},
		},
	})

	// user, assistant, then one merged user message with both tool results
	require.Len(t, params.Messages, 3)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, params.Messages[1].Role)
	assert.Equal(t, anthropic.MessageParamRoleUser, params.Messages[2].Role)
	assert.Len(t, params.Messages[2].Content, 2)
}

func TestTranslateAnthropicTools(t *testing.T) {
	tools := translateAnthropicTools([]ToolDefinition{
		{
			Name:        "slack:post-message",
			Description: "Post a message to a channel",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"channel": map[string]interface{}{"type": "string"},
					"text":    map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"channel", "text"},
			},
		},
	})

	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "slack:post-message", tools[0].OfTool.Name)
	assert.Equal(t, []string{"channel", "text"}, tools[0].OfTool.InputSchema.Required)
}
