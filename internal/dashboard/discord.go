package dashboard

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	colorRejected  = 0xFF9900
	colorExhausted = 0xCC3333
)

// DiscordSession abstracts the discordgo.Session methods used by
// DiscordNotifier, enabling mock-based testing without real Discord API
// calls.
type DiscordSession interface {
	Open() error
	Close() error
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type realDiscordSession struct {
	s *discordgo.Session
}

func (r *realDiscordSession) Open() error {
	return r.s.Open()
}

func (r *realDiscordSession) Close() error {
	return r.s.Close()
}

func (r *realDiscordSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendEmbed(channelID, embed, options...)
}

// DiscordNotifier posts an alert embed to a Discord channel whenever an
// ingestion delivery ends in a non-delivered state. Sends are
// best-effort; a Discord failure is logged and never propagated to the
// request path.
type DiscordNotifier struct {
	session   DiscordSession
	channelID string
	logger    *zap.Logger
	now       func() time.Time
}

// NewDiscordNotifier creates a notifier with a real discordgo session.
func NewDiscordNotifier(token, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord channel id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &DiscordNotifier{
		session:   &realDiscordSession{s: dg},
		channelID: channelID,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// NewDiscordNotifierWithSession creates a notifier with an injected
// session (for testing).
func NewDiscordNotifierWithSession(session DiscordSession, channelID string, logger *zap.Logger) *DiscordNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscordNotifier{
		session:   session,
		channelID: channelID,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start opens the Discord session.
func (n *DiscordNotifier) Start() error {
	if err := n.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	return nil
}

// Stop closes the Discord session.
func (n *DiscordNotifier) Stop() error {
	if err := n.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

// DeliveryFailed implements Alerter.
func (n *DiscordNotifier) DeliveryFailed(kind string, result DeliveryResult) {
	color := colorExhausted
	if result.Status == DeliveryRejected {
		color = colorRejected
	}

	detail := "-"
	if result.Err != nil {
		detail = result.Err.Error()
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Ingestion Delivery Failed",
		Description: fmt.Sprintf("A `%s` usage batch could not be delivered upstream. The event is persisted locally.", kind),
		Color:       color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Status", Value: string(result.Status), Inline: true},
			{Name: "Attempts", Value: fmt.Sprintf("%d", result.Attempts), Inline: true},
			{Name: "Error", Value: detail, Inline: false},
		},
		Timestamp: n.now().Format(time.RFC3339),
	}

	if _, err := n.session.ChannelMessageSendEmbed(n.channelID, embed); err != nil {
		n.logger.Warn("failed to send discord alert",
			zap.String("kind", kind),
			zap.Error(err),
		)
		GetMetrics().RecordError("discord", "send_failed")
	}
}
