package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/config"
	"github.com/sipeed/picobridge/pkg/logger"
	"github.com/sipeed/picobridge/pkg/channels/templates"
)

// DiscordChannel posts notifications to one text channel and listens on
// the gateway for replies. Unlike the mail and Telegram loops this is
// push-style: the gateway session delivers events, StartPolling just
// anchors its lifetime.
type DiscordChannel struct {
	connState
	cfg       *config.DiscordConfig
	seen      *SeenStore
	templates *templates.Registry

	session *discordgo.Session
}

// NewDiscordChannel constructs the channel. cfg must be non-nil.
func NewDiscordChannel(cfg *config.DiscordConfig, seen *SeenStore, tmpl *templates.Registry) *DiscordChannel {
	return &DiscordChannel{
		connState: newConnState("discord"),
		cfg:       cfg,
		seen:      seen,
		templates: tmpl,
	}
}

func (c *DiscordChannel) Name() string { return "discord" }

func (c *DiscordChannel) ValidateConfig() error {
	if c.cfg.Token == "" {
		return fmt.Errorf("discord: missing bot token")
	}
	if c.cfg.ChannelID == "" {
		return fmt.Errorf("discord: missing channel id")
	}
	return nil
}

func (c *DiscordChannel) Initialize(ctx context.Context) error {
	session, err := discordgo.New("Bot " + c.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	c.session = session
	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, n bus.ChannelNotification) (string, error) {
	if c.session == nil {
		return "", ErrNotInitialized
	}

	_, body, err := c.templates.Render(n)
	if err != nil {
		return "", fmt.Errorf("discord: render: %w", err)
	}

	msg, err := c.session.ChannelMessageSend(c.cfg.ChannelID, body)
	if err != nil {
		c.recordError(err)
		return "", fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	c.recordActivity()
	return "dc:" + msg.ID, nil
}

// StartPolling opens the gateway connection, registers the message
// handler, and blocks until the context is done.
func (c *DiscordChannel) StartPolling(ctx context.Context, handler bus.ResponseHandler) error {
	if c.session == nil {
		return ErrNotInitialized
	}

	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(m, handler)
	})

	if err := c.session.Open(); err != nil {
		c.recordError(err)
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	c.markConnected()

	<-ctx.Done()
	c.markDisconnected()
	return nil
}

func (c *DiscordChannel) handleMessage(m *discordgo.MessageCreate, handler bus.ResponseHandler) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}
	// Only the configured channel may answer.
	if m.ChannelID != c.cfg.ChannelID {
		return
	}

	fresh, err := c.seen.MarkSeen(c.Name(), m.ID)
	if err != nil {
		logger.WarnCF("discord", "Dedup store", map[string]interface{}{"error": err.Error()})
		return
	}
	if !fresh {
		return
	}

	resp := bus.ChannelResponse{
		Response:  m.Content,
		From:      m.Author.Username,
		Channel:   c.Name(),
		Timestamp: time.Now(),
	}
	// A Discord reply references the message it answers.
	if m.ReferencedMessage != nil {
		resp.MessageID = "dc:" + m.ReferencedMessage.ID
	}
	if tag, rest, ok := ExtractSessionTag(m.Content); ok {
		resp.SessionID = tag
		resp.Response = rest
	}

	c.recordActivity()
	handler(resp)
}

// StopPolling is a no-op: this channel is push-style, the gateway
// connection is owned by the session and closed once in Dispose.
func (c *DiscordChannel) StopPolling() error {
	return nil
}

// Dispose closes the gateway session. Safe when never initialized.
func (c *DiscordChannel) Dispose() error {
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	c.markDisconnected()
	return err
}

func (c *DiscordChannel) Status() Status {
	return c.snapshot(true)
}
