package channels

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/config"
	"github.com/sipeed/picobridge/pkg/logger"
	"github.com/sipeed/picobridge/pkg/channels/templates"
)

// TwilioChannel sends SMS through the REST API and receives replies on
// an HTTP webhook the API server mounts. SMS carries no reply-to, so a
// reply without an explicit session tag falls back to the token of this
// channel's most recent send.
type TwilioChannel struct {
	connState
	cfg       *config.TwilioConfig
	seen      *SeenStore
	templates *templates.Registry

	rest      *twilio.RestClient
	validator *twilioclient.RequestValidator

	handlerMu sync.Mutex
	handler   bus.ResponseHandler
	lastToken string

	stopPoll context.CancelFunc
}

// NewTwilioChannel constructs the channel. cfg must be non-nil.
func NewTwilioChannel(cfg *config.TwilioConfig, seen *SeenStore, tmpl *templates.Registry) *TwilioChannel {
	return &TwilioChannel{
		connState: newConnState("sms"),
		cfg:       cfg,
		seen:      seen,
		templates: tmpl,
	}
}

func (c *TwilioChannel) Name() string { return "sms" }

func (c *TwilioChannel) ValidateConfig() error {
	if c.cfg.AccountSID == "" || c.cfg.AuthToken == "" {
		return fmt.Errorf("sms: missing twilio credentials")
	}
	if c.cfg.FromNumber == "" || c.cfg.ToNumber == "" {
		return fmt.Errorf("sms: missing from/to numbers")
	}
	return nil
}

func (c *TwilioChannel) Initialize(ctx context.Context) error {
	c.rest = twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: c.cfg.AccountSID,
		Password: c.cfg.AuthToken,
	})
	v := twilioclient.NewRequestValidator(c.cfg.AuthToken)
	c.validator = &v
	c.markConnected()
	return nil
}

// Send delivers an SMS and returns the message SID as correlation token.
// SMS bodies are short; only the subject line of the template is sent.
func (c *TwilioChannel) Send(ctx context.Context, n bus.ChannelNotification) (string, error) {
	if c.rest == nil {
		return "", ErrNotInitialized
	}

	subject, _, err := c.templates.Render(n)
	if err != nil {
		return "", fmt.Errorf("sms: render: %w", err)
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(c.cfg.ToNumber)
	params.SetFrom(c.cfg.FromNumber)
	params.SetBody(subject)

	resp, err := c.rest.Api.CreateMessage(params)
	if err != nil {
		c.recordError(err)
		return "", fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	token := ""
	if resp.Sid != nil {
		token = "sms:" + *resp.Sid
	}
	c.handlerMu.Lock()
	c.lastToken = token
	c.handlerMu.Unlock()

	c.recordActivity()
	return token, nil
}

// StartPolling is push-style here: it publishes the handler for the
// webhook and blocks until the context is done.
func (c *TwilioChannel) StartPolling(ctx context.Context, handler bus.ResponseHandler) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.stopPoll = cancel

	c.handlerMu.Lock()
	c.handler = handler
	c.handlerMu.Unlock()

	<-pollCtx.Done()

	c.handlerMu.Lock()
	c.handler = nil
	c.handlerMu.Unlock()
	c.markDisconnected()
	return nil
}

// HandleWebhook is mounted by the API server at the inbound SMS path.
// Bad signatures are rejected; everything after the signature check
// returns 200 regardless of correlation outcome: unmatched replies are
// logged and discarded, never surfaced as client errors.
func (c *TwilioChannel) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	if c.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, vs := range r.PostForm {
			if len(vs) > 0 {
				params[k] = vs[0]
			}
		}
		url := c.cfg.WebhookURL
		if url == "" {
			url = "https://" + r.Host + r.URL.RequestURI()
		}
		if !c.validator.Validate(url, params, r.Header.Get("X-Twilio-Signature")) {
			logger.WarnC("sms", "Webhook signature mismatch, rejected")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	// Twilio wants TwiML back; an empty response suppresses any auto-reply.
	defer func() {
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
	}()

	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	sid := r.PostForm.Get("MessageSid")
	if body == "" || sid == "" {
		return
	}

	// Only the configured number may answer.
	if NormalizeSender(from) != NormalizeSender(c.cfg.ToNumber) {
		logger.DebugCF("sms", "Reply from unexpected number discarded", map[string]interface{}{
			"from": from,
		})
		return
	}

	fresh, err := c.seen.MarkSeen(c.Name(), sid)
	if err != nil {
		logger.WarnCF("sms", "Dedup store", map[string]interface{}{"error": err.Error()})
		return
	}
	if !fresh {
		return
	}

	c.handlerMu.Lock()
	handler := c.handler
	lastToken := c.lastToken
	c.handlerMu.Unlock()
	if handler == nil {
		logger.WarnC("sms", "Webhook received before polling started, discarded")
		return
	}

	resp := bus.ChannelResponse{
		Response:  body,
		From:      from,
		Channel:   c.Name(),
		Timestamp: time.Now(),
	}
	if tag, rest, ok := ExtractSessionTag(body); ok {
		resp.SessionID = tag
		resp.Response = rest
	} else {
		resp.MessageID = lastToken
	}

	c.recordActivity()
	handler(resp)
}

func (c *TwilioChannel) StopPolling() error {
	if c.stopPoll != nil {
		c.stopPoll()
	}
	return nil
}

// Dispose drops the REST client. Safe when never initialized.
func (c *TwilioChannel) Dispose() error {
	c.rest = nil
	c.markDisconnected()
	return nil
}

func (c *TwilioChannel) Status() Status {
	return c.snapshot(true)
}
