package bus

import (
	"time"

	"github.com/sipeed/picobridge/pkg/domain"
)

// ChannelNotification is the outbound payload fanned out to every
// enabled channel when a hook fires.
type ChannelNotification struct {
	SessionID string            `json:"session_id"`
	Event     domain.EventKind  `json:"event"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ChannelResponse is an inbound human reply produced by a channel's
// polling loop. SessionID may be empty when the transport could not
// resolve it; the correlator then resolves via MessageID.
type ChannelResponse struct {
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id,omitempty"`
	Response  string    `json:"response"`
	From      string    `json:"from"`
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemEvent is a typed event flowing through the bus for observability.
// Used for session lifecycle, channel lifecycle, and delivery events.
type SystemEvent struct {
	Type   string      `json:"type"`   // e.g. "session.registered", "channel.error"
	Source string      `json:"source"` // e.g. "router", "telegram"
	Data   interface{} `json:"data"`
}

// ResponseHandler consumes a resolved channel reply.
type ResponseHandler func(ChannelResponse)
