package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSlackAPI struct {
	postErr    error
	reactErr   error
	pinErr     error
	joinErr    error
	archiveErr error

	posted    []string
	reactions []string
}

func (f *fakeSlackAPI) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	if f.postErr != nil {
		return "", "", f.postErr
	}
	f.posted = append(f.posted, channelID)
	return channelID, "123.456", nil
}

func (f *fakeSlackAPI) AddReactionContext(_ context.Context, name string, _ slack.ItemRef) error {
	f.reactions = append(f.reactions, name)
	return f.reactErr
}

func (f *fakeSlackAPI) RemoveReactionContext(_ context.Context, _ string, _ slack.ItemRef) error {
	return f.reactErr
}

func (f *fakeSlackAPI) AddPinContext(_ context.Context, _ string, _ slack.ItemRef) error {
	return f.pinErr
}

func (f *fakeSlackAPI) JoinConversationContext(_ context.Context, _ string) (*slack.Channel, string, []string, error) {
	return nil, "", nil, f.joinErr
}

func (f *fakeSlackAPI) ArchiveConversationContext(_ context.Context, _ string) error {
	return f.archiveErr
}

func newTestSlackProvider(api *fakeSlackAPI) *SlackProvider {
	p := NewSlackProvider(zap.NewNop())
	p.newClient = func(string) slackAPI { return api }
	return p
}

func TestSlackPostMessage(t *testing.T) {
	api := &fakeSlackAPI{}
	p := newTestSlackProvider(api)

	res, err := p.ExecuteTool(context.Background(), Call{
		Tool: "postMessage",
		Args: map[string]interface{}{"channel": "C1", "text": "hello"},
	})
	require.NoError(t, err)
	out := res.(map[string]interface{})
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "123.456", out["ts"])
	assert.Equal(t, []string{"C1"}, api.posted)
}

func TestSlackPostMessageMissingArgs(t *testing.T) {
	p := newTestSlackProvider(&fakeSlackAPI{})

	_, err := p.ExecuteTool(context.Background(), Call{
		Tool: "postMessage",
		Args: map[string]interface{}{"channel": "C1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"text"`)
}

func TestSlackIdempotencyErrorsMapToSuccess(t *testing.T) {
	cases := []struct {
		tool string
		api  *fakeSlackAPI
	}{
		{"addReaction", &fakeSlackAPI{reactErr: errors.New("already_reacted")}},
		{"removeReaction", &fakeSlackAPI{reactErr: errors.New("no_reaction")}},
		{"pinMessage", &fakeSlackAPI{pinErr: errors.New("already_pinned")}},
		{"joinChannel", &fakeSlackAPI{joinErr: errors.New("already_in_channel")}},
		{"archiveChannel", &fakeSlackAPI{archiveErr: errors.New("already_archived")}},
	}
	for _, tc := range cases {
		t.Run(tc.tool, func(t *testing.T) {
			p := newTestSlackProvider(tc.api)
			res, err := p.ExecuteTool(context.Background(), Call{
				Tool: tc.tool,
				Args: map[string]interface{}{"channel": "C1", "timestamp": "123.456", "name": "thumbsup"},
			})
			require.NoError(t, err)
			out := res.(map[string]interface{})
			assert.Equal(t, true, out["ok"])
			assert.Equal(t, true, out["idempotent"])
		})
	}
}

func TestSlackRealErrorsPropagate(t *testing.T) {
	api := &fakeSlackAPI{reactErr: errors.New("channel_not_found")}
	p := newTestSlackProvider(api)

	_, err := p.ExecuteTool(context.Background(), Call{
		Tool: "addReaction",
		Args: map[string]interface{}{"channel": "C1", "timestamp": "123.456", "name": "thumbsup"},
	})
	assert.EqualError(t, err, "channel_not_found")
}

func TestSlackUnknownTool(t *testing.T) {
	p := newTestSlackProvider(&fakeSlackAPI{})

	_, err := p.ExecuteTool(context.Background(), Call{Tool: "deleteWorkspace"})
	assert.ErrorIs(t, err, ErrToolNotFound)
}
