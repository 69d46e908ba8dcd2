package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackTransport sends notifications to a single Slack channel via a bot
// token, the pack's default chat transport for the Notification Router
// (spec's domain stack names slack-go/slack for this).
type SlackTransport struct {
	client  *slack.Client
	channel string
}

// NewSlackTransport builds a transport posting to channel using token.
func NewSlackTransport(token, channel string) *SlackTransport {
	return &SlackTransport{client: slack.New(token), channel: channel}
}

// Send posts n as a single Slack message, prefixing urgent notifications
// so they stand out in a busy channel.
func (t *SlackTransport) Send(ctx context.Context, n Notification) error {
	text := n.Event.Message
	if text == "" {
		text = n.Event.Subject
	}
	if n.Direct {
		text = fmt.Sprintf(":rotating_light: %s", text)
	}
	_, _, err := t.client.PostMessageContext(ctx, t.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("notify: slack post: %w", err)
	}
	return nil
}
