package channels

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/config"
	"github.com/sipeed/picobridge/pkg/logger"
	"github.com/sipeed/picobridge/pkg/channels/templates"
)

// TelegramChannel delivers notifications through a bot and long-polls
// for replies. The bot message id is the correlation token; a human
// answering with Telegram's reply-to resolves the session without a tag.
type TelegramChannel struct {
	connState
	cfg       *config.TelegramConfig
	seen      *SeenStore
	templates *templates.Registry

	bot      *telego.Bot
	stopPoll context.CancelFunc
}

// NewTelegramChannel constructs the channel. cfg must be non-nil.
func NewTelegramChannel(cfg *config.TelegramConfig, seen *SeenStore, tmpl *templates.Registry) *TelegramChannel {
	return &TelegramChannel{
		connState: newConnState("telegram"),
		cfg:       cfg,
		seen:      seen,
		templates: tmpl,
	}
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) ValidateConfig() error {
	if c.cfg.Token == "" {
		return fmt.Errorf("telegram: missing bot token")
	}
	if c.cfg.ChatID == 0 {
		return fmt.Errorf("telegram: missing chat id")
	}
	return nil
}

func (c *TelegramChannel) Initialize(ctx context.Context) error {
	bot, err := telego.NewBot(c.cfg.Token, telego.WithDiscardLogger())
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	if _, err := bot.GetMe(ctx); err != nil {
		return fmt.Errorf("telegram: verify token: %w", err)
	}
	c.bot = bot
	c.markConnected()
	return nil
}

// Send posts the notification to the configured chat and returns the
// bot message id as the correlation token.
func (c *TelegramChannel) Send(ctx context.Context, n bus.ChannelNotification) (string, error) {
	if c.bot == nil {
		return "", ErrNotInitialized
	}

	_, body, err := c.templates.Render(n)
	if err != nil {
		return "", fmt.Errorf("telegram: render: %w", err)
	}

	msg, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: c.cfg.ChatID},
		Text:   body,
	})
	if err != nil {
		c.recordError(err)
		return "", fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	c.recordActivity()
	return "tg:" + strconv.Itoa(msg.MessageID), nil
}

// StartPolling consumes the bot's long-poll update stream until the
// context is done. Per-update failures stay inside this channel.
func (c *TelegramChannel) StartPolling(ctx context.Context, handler bus.ResponseHandler) error {
	if c.bot == nil {
		return ErrNotInitialized
	}

	pollCtx, cancel := context.WithCancel(ctx)
	c.stopPoll = cancel

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, nil)
	if err != nil {
		c.recordError(err)
		return fmt.Errorf("telegram: long polling: %w", err)
	}

	for {
		select {
		case <-pollCtx.Done():
			c.markDisconnected()
			return nil
		case update, ok := <-updates:
			if !ok {
				c.markDisconnected()
				return nil
			}
			c.handleUpdate(update, handler)
		}
	}
}

func (c *TelegramChannel) handleUpdate(update telego.Update, handler bus.ResponseHandler) {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return
	}

	// Only the configured chat may answer.
	if msg.Chat.ID != c.cfg.ChatID {
		logger.DebugCF("telegram", "Message from unexpected chat discarded", map[string]interface{}{
			"chat_id": msg.Chat.ID,
		})
		return
	}

	dedupID := fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID)
	fresh, err := c.seen.MarkSeen(c.Name(), dedupID)
	if err != nil {
		logger.WarnCF("telegram", "Dedup store", map[string]interface{}{"error": err.Error()})
		return
	}
	if !fresh {
		return
	}

	from := strconv.FormatInt(msg.Chat.ID, 10)
	if msg.From != nil && msg.From.Username != "" {
		from = msg.From.Username
	}

	resp := bus.ChannelResponse{
		Response:  msg.Text,
		From:      from,
		Channel:   c.Name(),
		Timestamp: time.Now(),
	}
	// Telegram's native reply-to carries the correlation token.
	if msg.ReplyToMessage != nil {
		resp.MessageID = "tg:" + strconv.Itoa(msg.ReplyToMessage.MessageID)
	}
	if tag, rest, ok := ExtractSessionTag(msg.Text); ok {
		resp.SessionID = tag
		resp.Response = rest
	}

	c.recordActivity()
	handler(resp)
}

func (c *TelegramChannel) StopPolling() error {
	if c.stopPoll != nil {
		c.stopPoll()
	}
	return nil
}

// Dispose drops the bot handle. Safe when never initialized.
func (c *TelegramChannel) Dispose() error {
	c.bot = nil
	c.markDisconnected()
	return nil
}

func (c *TelegramChannel) Status() Status {
	return c.snapshot(true)
}
