package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordChannel posts run notifications to one Discord channel.
type DiscordChannel struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscordChannel creates a Discord notification channel and opens the
// bot session.
func NewDiscordChannel(token, channelID string, logger *zap.Logger) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord open: %w", err)
	}
	logger.Info("discord notifications connected",
		zap.String("user", session.State.User.Username))
	return &DiscordChannel{session: session, channelID: channelID, logger: logger}, nil
}

func (c *DiscordChannel) Name() string { return "discord" }

// Post sends one message to the configured channel.
func (c *DiscordChannel) Post(ctx context.Context, subject, body string) error {
	content := fmt.Sprintf("**%s**\n%s", subject, body)
	_, err := c.session.ChannelMessageSend(c.channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close shuts down the Discord session.
func (c *DiscordChannel) Close() error {
	return c.session.Close()
}
