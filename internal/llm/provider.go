package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons, normalized across providers.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// Message is one turn of a provider conversation.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // assistant turns that requested tool invocations
	ToolCallID string     // tool result turns
}

// ToolCall is a model request to invoke one registered tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// ToolDefinition describes a callable tool. Parameters is a JSON schema
// object with "type", "properties" and "required" keys.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ChatRequest is a single provider round trip.
type ChatRequest struct {
	Model     string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// ChatResponse is the provider reply for one round trip.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	InputTokens  int
	OutputTokens int
}

// Provider is one upstream model API.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// APIError is a provider HTTP failure with enough detail to decide whether
// a retry is worthwhile.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API request failed (status=%d): %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether err is a transient provider failure.
func Retryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
