package channels

import (
	"context"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	smtpmail "github.com/wneessen/go-mail"

	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/config"
	"github.com/sipeed/picobridge/pkg/logger"
	"github.com/sipeed/picobridge/pkg/channels/templates"
)

// EmailChannel delivers notifications over SMTP and polls an IMAP inbox
// for replies. The outbound Message-ID is the correlation token; a
// reply's In-Reply-To header resolves the owning session when the text
// carries no explicit tag.
type EmailChannel struct {
	connState
	cfg       *config.EmailConfig
	seen      *SeenStore
	templates *templates.Registry

	smtp     *smtpmail.Client
	stopPoll context.CancelFunc
}

// NewEmailChannel constructs the channel. cfg must be non-nil.
func NewEmailChannel(cfg *config.EmailConfig, seen *SeenStore, tmpl *templates.Registry) *EmailChannel {
	return &EmailChannel{
		connState: newConnState("email"),
		cfg:       cfg,
		seen:      seen,
		templates: tmpl,
	}
}

func (c *EmailChannel) Name() string { return "email" }

// ValidateConfig re-checks the credential invariants. config.Load
// already enforced them; channels still refuse to run on a config
// assembled some other way.
func (c *EmailChannel) ValidateConfig() error {
	if c.cfg.SMTPHost == "" || c.cfg.Username == "" || c.cfg.Password == "" {
		return fmt.Errorf("email: missing smtp credentials")
	}
	if _, err := mail.ParseAddress(c.cfg.From); err != nil {
		return fmt.Errorf("email: from address: %w", err)
	}
	if _, err := mail.ParseAddress(c.cfg.To); err != nil {
		return fmt.Errorf("email: to address: %w", err)
	}
	return nil
}

// Initialize builds the SMTP client. The IMAP side dials per poll
// cycle, so there is no inbound connection to establish here.
func (c *EmailChannel) Initialize(ctx context.Context) error {
	client, err := smtpmail.NewClient(c.cfg.SMTPHost,
		smtpmail.WithPort(c.cfg.SMTPPort),
		smtpmail.WithSMTPAuth(smtpmail.SMTPAuthPlain),
		smtpmail.WithUsername(c.cfg.Username),
		smtpmail.WithPassword(c.cfg.Password),
		smtpmail.WithTLSPolicy(smtpmail.TLSOpportunistic),
	)
	if err != nil {
		return fmt.Errorf("email: smtp client: %w", err)
	}
	c.smtp = client
	c.markConnected()
	return nil
}

// Send delivers the notification and returns the generated Message-ID.
func (c *EmailChannel) Send(ctx context.Context, n bus.ChannelNotification) (string, error) {
	if c.smtp == nil {
		return "", ErrNotInitialized
	}

	subject, body, err := c.templates.Render(n)
	if err != nil {
		return "", fmt.Errorf("email: render: %w", err)
	}

	messageID := fmt.Sprintf("%s@picobridge", uuid.NewString())

	m := smtpmail.NewMsg()
	if err := m.From(c.cfg.From); err != nil {
		return "", fmt.Errorf("email: from: %w", err)
	}
	if err := m.To(c.cfg.To); err != nil {
		return "", fmt.Errorf("email: to: %w", err)
	}
	m.Subject(subject)
	m.SetMessageIDWithValue(messageID)
	m.SetBodyString(smtpmail.TypeTextPlain, body)

	if err := c.smtp.DialAndSendWithContext(ctx, m); err != nil {
		c.recordError(err)
		return "", fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	c.recordActivity()
	return "<" + messageID + ">", nil
}

// StartPolling checks the IMAP inbox on the configured interval until
// the context is done. A failed cycle is recorded and the next tick
// tries again.
func (c *EmailChannel) StartPolling(ctx context.Context, handler bus.ResponseHandler) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.stopPoll = cancel

	interval := time.Duration(c.cfg.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-pollCtx.Done():
			c.markDisconnected()
			return nil
		case <-ticker.C:
			if err := c.pollOnce(handler); err != nil {
				c.recordError(err)
				logger.WarnCF("email", "Poll cycle failed", map[string]interface{}{
					"error": err.Error(),
				})
			} else {
				c.markConnected()
			}
		}
	}
}

// pollOnce dials IMAP, fetches unseen messages, and emits replies.
func (c *EmailChannel) pollOnce(handler bus.ResponseHandler) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.IMAPHost, c.cfg.IMAPPort)
	cl, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("imap dial: %w", err)
	}
	defer cl.Logout()

	if err := cl.Login(c.cfg.Username, c.cfg.Password); err != nil {
		return fmt.Errorf("imap login: %w", err)
	}
	if _, err := cl.Select("INBOX", false); err != nil {
		return fmt.Errorf("imap select: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := cl.Search(criteria)
	if err != nil {
		return fmt.Errorf("imap search: %w", err)
	}
	if len(uids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- cl.Fetch(seqset, items, messages)
	}()

	for msg := range messages {
		c.handleMessage(msg, section, handler)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("imap fetch: %w", err)
	}
	return nil
}

func (c *EmailChannel) handleMessage(msg *imap.Message, section *imap.BodySectionName, handler bus.ResponseHandler) {
	env := msg.Envelope
	if env == nil {
		return
	}

	// Dedup by Message-ID; redeliveries and re-fetches are skipped.
	// Mail without a Message-ID header falls back to the mailbox UID so
	// id-less replies don't all collapse into one dedup slot.
	dedupKey := env.MessageId
	if dedupKey == "" {
		dedupKey = fmt.Sprintf("uid:%d", msg.Uid)
	}
	fresh, err := c.seen.MarkSeen(c.Name(), dedupKey)
	if err != nil {
		logger.WarnCF("email", "Dedup store", map[string]interface{}{"error": err.Error()})
		return
	}
	if !fresh {
		return
	}

	from := ""
	if len(env.From) > 0 {
		from = env.From[0].Address()
	}
	// Only the configured recipient may answer. Anything else is
	// discarded without comment.
	if NormalizeSender(from) != NormalizeSender(c.cfg.To) {
		logger.DebugCF("email", "Reply from unexpected sender discarded", map[string]interface{}{
			"from": from,
		})
		return
	}

	body, err := extractPlainText(msg.GetBody(section))
	if err != nil {
		logger.WarnCF("email", "Body parse failed", map[string]interface{}{
			"message_id": env.MessageId,
			"error":      err.Error(),
		})
		return
	}

	text := StripQuotedReply(body)
	if text == "" {
		return
	}

	resp := bus.ChannelResponse{
		Response:  text,
		From:      from,
		Channel:   c.Name(),
		Timestamp: time.Now(),
		MessageID: env.InReplyTo,
	}
	if tag, rest, ok := ExtractSessionTag(text); ok {
		resp.SessionID = tag
		resp.Response = rest
	}

	c.recordActivity()
	handler(resp)
}

// extractPlainText walks the MIME structure and returns the first
// text part's content.
func extractPlainText(r io.Reader) (string, error) {
	if r == nil {
		return "", fmt.Errorf("empty body")
	}
	mr, err := gomail.CreateReader(r)
	if err != nil {
		return "", err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if _, ok := part.Header.(*gomail.InlineHeader); ok {
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return "", err
			}
			if text := strings.TrimSpace(string(data)); text != "" {
				return text, nil
			}
		}
	}
	return "", fmt.Errorf("no text part")
}

// StopPolling cancels the poll loop.
func (c *EmailChannel) StopPolling() error {
	if c.stopPoll != nil {
		c.stopPoll()
	}
	return nil
}

// Dispose releases the SMTP client. Safe when never initialized.
func (c *EmailChannel) Dispose() error {
	c.smtp = nil
	c.markDisconnected()
	return nil
}

// Status returns the diagnostic snapshot.
func (c *EmailChannel) Status() Status {
	return c.snapshot(true)
}
