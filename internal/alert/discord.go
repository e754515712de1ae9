package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// embedColorAlert is the embed sidebar color for alert messages.
const embedColorAlert = 0xE74C3C

// Messenger is the subset of *discordgo.Session used by [Discord].
type Messenger interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordConfig holds Discord alert settings.
type DiscordConfig struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// ChannelID is the text channel alerts are posted to.
	ChannelID string
}

// Discord posts alerts as embeds into a Discord text channel. Only the REST
// API is used, so no gateway connection is opened.
type Discord struct {
	api       Messenger
	channelID string
	session   *discordgo.Session
}

var _ Notifier = (*Discord)(nil)

// NewDiscord creates a REST-only discordgo session for cfg.Token.
func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	if cfg.Token == "" {
		return nil, errors.New("alert: discord token is required")
	}
	if cfg.ChannelID == "" {
		return nil, errors.New("alert: discord channel_id is required")
	}
	session, err := discordgo.New("Bot " + strings.TrimPrefix(cfg.Token, "Bot "))
	if err != nil {
		return nil, fmt.Errorf("alert: create discord session: %w", err)
	}
	return &Discord{api: session, channelID: cfg.ChannelID, session: session}, nil
}

// NewDiscordWithMessenger builds a notifier over an existing messenger.
func NewDiscordWithMessenger(api Messenger, channelID string) *Discord {
	return &Discord{api: api, channelID: channelID}
}

// Notify implements [Notifier].
func (d *Discord) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.api.ChannelMessageSendEmbed(d.channelID, buildEmbed(a), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("alert: discord send: %w", err)
	}
	return nil
}

// Close releases the underlying session, if this notifier owns one.
func (d *Discord) Close() error {
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

func buildEmbed(a Alert) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("%s detected", titleCase(a.Label)),
		Description: fmt.Sprintf("Subject `%s` needs attention.", a.SubjectID),
		Color:       embedColorAlert,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Confidence", Value: fmt.Sprintf("%.0f%%", a.Confidence*100), Inline: true},
			{Name: "Chunk", Value: fmt.Sprintf("%d", a.ChunkNumber), Inline: true},
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: "lullaby"},
		Timestamp: a.At.UTC().Format(time.RFC3339),
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
