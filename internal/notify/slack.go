package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackChannel posts run notifications to one Slack channel.
type SlackChannel struct {
	client    *slack.Client
	channelID string
	logger    *zap.Logger
}

// NewSlackChannel creates a Slack notification channel.
// botToken is the Bot User OAuth Token (xoxb-...).
func NewSlackChannel(botToken, channelID string, logger *zap.Logger) *SlackChannel {
	return &SlackChannel{
		client:    slack.New(botToken),
		channelID: channelID,
		logger:    logger,
	}
}

func (c *SlackChannel) Name() string { return "slack" }

// Post sends one message to the configured channel.
func (c *SlackChannel) Post(ctx context.Context, subject, body string) error {
	_, _, err := c.client.PostMessageContext(ctx, c.channelID,
		slack.MsgOptionText(fmt.Sprintf("*%s*\n%s", subject, body), false),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}
