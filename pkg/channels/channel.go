// Package channels implements the transport layer of the bridge.
// Every transport (email, Telegram, Discord, Twilio SMS) satisfies the
// same Channel interface; the router holds them as a homogeneous
// collection and never branches on the concrete kind.
package channels

import (
	"context"
	"sync"
	"time"

	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/domain"
)

// ChannelError is a typed error for the transport layer.
type ChannelError string

func (e ChannelError) Error() string { return string(e) }

const (
	// ErrNotInitialized signals Send or StartPolling before Initialize.
	ErrNotInitialized ChannelError = "channel not initialized"
	// ErrSendFailed signals a delivery failure after the transport accepted the call.
	ErrSendFailed ChannelError = "channel send failed"
)

// Status is the diagnostic snapshot of one channel. Derived, never persisted.
type Status struct {
	Name         string                  `json:"name"`
	Enabled      bool                    `json:"enabled"`
	Connected    domain.ConnectionStatus `json:"connected"`
	LastActivity time.Time               `json:"last_activity"`
	Error        string                  `json:"error,omitempty"`
}

// Channel is a pluggable transport. Contract notes:
//
//   - ValidateConfig fails fast when required credentials are missing or
//     malformed; optional transport parameters may default.
//   - Send returns the transport's correlation token for the outbound
//     message (a mail Message-ID, a bot message id). Replies for other
//     sessions may arrive in any order relative to this call.
//   - StartPolling runs the inbound loop until ctx is cancelled or
//     StopPolling is called. Failures inside a poll cycle are recorded
//     into the channel's status and never stop the loop.
//   - Dispose must be safe on a channel that was never initialized.
type Channel interface {
	Name() string
	ValidateConfig() error
	Initialize(ctx context.Context) error
	Send(ctx context.Context, n bus.ChannelNotification) (messageID string, err error)
	StartPolling(ctx context.Context, handler bus.ResponseHandler) error
	StopPolling() error
	Dispose() error
	Status() Status
}

// connState is the shared mutable status every transport embeds.
// Transports mutate it only through the mark/record helpers.
type connState struct {
	mu           sync.Mutex
	name         string
	connected    domain.ConnectionStatus
	lastActivity time.Time
	lastError    string
}

func newConnState(name string) connState {
	return connState{name: name, connected: domain.StatusDisconnected}
}

func (c *connState) markConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = domain.StatusConnected
	c.lastError = ""
	c.lastActivity = time.Now()
}

func (c *connState) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = domain.StatusDisconnected
}

func (c *connState) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = domain.StatusError
	c.lastError = err.Error()
}

func (c *connState) recordActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

func (c *connState) snapshot(enabled bool) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Name:         c.name,
		Enabled:      enabled,
		Connected:    c.connected,
		LastActivity: c.lastActivity,
		Error:        c.lastError,
	}
}
