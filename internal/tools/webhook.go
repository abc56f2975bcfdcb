package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookProvider posts JSON payloads to the endpoint configured on the
// tenant's connection. The endpoint URL lives in the connection config,
// never in tool arguments.
type WebhookProvider struct {
	client *http.Client
	logger *zap.Logger
}

func NewWebhookProvider(logger *zap.Logger) *WebhookProvider {
	return &WebhookProvider{
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

func (p *WebhookProvider) ID() string { return "webhook" }

func (p *WebhookProvider) RegisterTools() []Descriptor {
	return []Descriptor{
		{
			ToolName:    "send",
			Description: "Send a JSON payload to the organization's configured webhook endpoint",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"payload": map[string]interface{}{"type": "object", "description": "JSON body to deliver"},
				},
				"required": []interface{}{"payload"},
			},
		},
	}
}

func (p *WebhookProvider) ExecuteTool(ctx context.Context, call Call) (interface{}, error) {
	if call.Tool != "send" {
		return nil, fmt.Errorf("%w: webhook:%s", ErrToolNotFound, call.Tool)
	}
	if call.Connection == nil {
		return nil, fmt.Errorf("tools: webhook call without connection")
	}
	url := call.Connection.Tokens.Extra["url"]
	if url == "" {
		return nil, fmt.Errorf("tools: webhook connection has no url configured")
	}

	body, err := json.Marshal(call.Args["payload"])
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if call.Token != "" {
		req.Header.Set("Authorization", "Bearer "+call.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tools: webhook returned status %d", resp.StatusCode)
	}
	return map[string]interface{}{"ok": true, "status": resp.StatusCode}, nil
}
