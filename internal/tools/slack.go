package tools

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// slackAPI is the slice of slack.Client the provider uses.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	AddPinContext(ctx context.Context, channel string, item slack.ItemRef) error
	JoinConversationContext(ctx context.Context, channelID string) (*slack.Channel, string, []string, error)
	ArchiveConversationContext(ctx context.Context, channelID string) error
}

// slackIdempotentErrors are API errors that mean the desired state already
// holds; they map to success.
var slackIdempotentErrors = map[string]struct{}{
	"already_reacted":    {},
	"no_reaction":        {},
	"already_pinned":     {},
	"no_pin":             {},
	"already_in_channel": {},
	"already_archived":   {},
}

// SlackProvider exposes Slack operations as tools. A client is built per
// call from the connection's token.
type SlackProvider struct {
	logger    *zap.Logger
	newClient func(token string) slackAPI
}

func NewSlackProvider(logger *zap.Logger) *SlackProvider {
	return &SlackProvider{
		logger: logger,
		newClient: func(token string) slackAPI {
			return slack.New(token)
		},
	}
}

func (p *SlackProvider) ID() string { return "slack" }

func (p *SlackProvider) RegisterTools() []Descriptor {
	channelProp := map[string]interface{}{"type": "string", "description": "Channel ID"}
	messageRef := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"channel":   channelProp,
			"timestamp": map[string]interface{}{"type": "string", "description": "Message timestamp"},
			"name":      map[string]interface{}{"type": "string", "description": "Emoji name without colons"},
		},
		"required": []interface{}{"channel", "timestamp", "name"},
	}
	return []Descriptor{
		{
			ToolName:    "postMessage",
			Description: "Post a message to a Slack channel",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"channel": channelProp,
					"text":    map[string]interface{}{"type": "string", "description": "Message text"},
				},
				"required": []interface{}{"channel", "text"},
			},
		},
		{
			ToolName:    "addReaction",
			Description: "Add an emoji reaction to a message",
			InputSchema: messageRef,
		},
		{
			ToolName:    "removeReaction",
			Description: "Remove an emoji reaction from a message",
			InputSchema: messageRef,
		},
		{
			ToolName:    "pinMessage",
			Description: "Pin a message in a channel",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"channel":   channelProp,
					"timestamp": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"channel", "timestamp"},
			},
		},
		{
			ToolName:    "joinChannel",
			Description: "Join a channel",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"channel": channelProp},
				"required":   []interface{}{"channel"},
			},
		},
		{
			ToolName:    "archiveChannel",
			Description: "Archive a channel",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"channel": channelProp},
				"required":   []interface{}{"channel"},
			},
		},
	}
}

func (p *SlackProvider) ExecuteTool(ctx context.Context, call Call) (interface{}, error) {
	api := p.newClient(call.Token)

	switch call.Tool {
	case "postMessage":
		channel, err := stringArg(call.Args, "channel")
		if err != nil {
			return nil, err
		}
		text, err := stringArg(call.Args, "text")
		if err != nil {
			return nil, err
		}
		ch, ts, err := api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"ok": true, "channel": ch, "ts": ts}, nil

	case "addReaction":
		channel, timestamp, name, err := reactionArgs(call.Args)
		if err != nil {
			return nil, err
		}
		return p.idempotent(api.AddReactionContext(ctx, name, slack.NewRefToMessage(channel, timestamp)))

	case "removeReaction":
		channel, timestamp, name, err := reactionArgs(call.Args)
		if err != nil {
			return nil, err
		}
		return p.idempotent(api.RemoveReactionContext(ctx, name, slack.NewRefToMessage(channel, timestamp)))

	case "pinMessage":
		channel, err := stringArg(call.Args, "channel")
		if err != nil {
			return nil, err
		}
		timestamp, err := stringArg(call.Args, "timestamp")
		if err != nil {
			return nil, err
		}
		return p.idempotent(api.AddPinContext(ctx, channel, slack.NewRefToMessage(channel, timestamp)))

	case "joinChannel":
		channel, err := stringArg(call.Args, "channel")
		if err != nil {
			return nil, err
		}
		_, _, _, joinErr := api.JoinConversationContext(ctx, channel)
		return p.idempotent(joinErr)

	case "archiveChannel":
		channel, err := stringArg(call.Args, "channel")
		if err != nil {
			return nil, err
		}
		return p.idempotent(api.ArchiveConversationContext(ctx, channel))

	default:
		return nil, fmt.Errorf("%w: slack:%s", ErrToolNotFound, call.Tool)
	}
}

// idempotent maps already-in-desired-state API errors to success.
func (p *SlackProvider) idempotent(err error) (interface{}, error) {
	if err == nil {
		return map[string]interface{}{"ok": true}, nil
	}
	if _, ok := slackIdempotentErrors[err.Error()]; ok {
		p.logger.Debug("Slack idempotency error treated as success", zap.String("error", err.Error()))
		return map[string]interface{}{"ok": true, "idempotent": true}, nil
	}
	return nil, err
}

func reactionArgs(args map[string]interface{}) (channel, timestamp, name string, err error) {
	if channel, err = stringArg(args, "channel"); err != nil {
		return
	}
	if timestamp, err = stringArg(args, "timestamp"); err != nil {
		return
	}
	name, err = stringArg(args, "name")
	return
}

func stringArg(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("tools: missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("tools: argument %q must be a non-empty string", key)
	}
	return s, nil
}
