package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/logger"
)

// SendResult is one channel's outcome for a fanned-out notification.
type SendResult struct {
	Channel   string `json:"channel"`
	MessageID string `json:"message_id,omitempty"`
	Err       error  `json:"-"`
	Error     string `json:"error,omitempty"`
}

// Manager owns the homogeneous set of configured channels. It validates
// and initializes them at startup, fans notifications out, runs one
// polling goroutine per channel, and shuts everything down in bounded time.
type Manager struct {
	channels []Channel
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	mu       sync.Mutex
	started  bool
}

// NewManager creates a manager over the given channels.
func NewManager(chs ...Channel) *Manager {
	return &Manager{channels: chs}
}

// Channels returns the managed set.
func (m *Manager) Channels() []Channel { return m.channels }

// ValidateAll fails on the first channel with bad required config.
func (m *Manager) ValidateAll() error {
	for _, ch := range m.channels {
		if err := ch.ValidateConfig(); err != nil {
			return fmt.Errorf("channel %s: %w", ch.Name(), err)
		}
	}
	return nil
}

// InitializeAll brings every channel's transport up. Fails fast: a
// channel that cannot connect with valid credentials is a startup error.
func (m *Manager) InitializeAll(ctx context.Context) error {
	for _, ch := range m.channels {
		if err := ch.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", ch.Name(), err)
		}
		logger.InfoCF("channels", "Channel initialized", map[string]interface{}{
			"channel": ch.Name(),
		})
	}
	return nil
}

// StartAll launches one polling goroutine per channel. Each loop's
// failures stay inside that channel; a crashed poll cycle never
// disturbs its siblings.
func (m *Manager) StartAll(ctx context.Context, handler bus.ResponseHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	pollCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, ch := range m.channels {
		ch := ch
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := ch.StartPolling(pollCtx, handler); err != nil {
				logger.ErrorCF("channels", "Polling loop exited", map[string]interface{}{
					"channel": ch.Name(),
					"error":   err.Error(),
				})
			}
		}()
	}
}

// SendAll fans a notification out to every channel and collects
// per-channel results. One failing transport does not stop the others.
func (m *Manager) SendAll(ctx context.Context, n bus.ChannelNotification) []SendResult {
	results := make([]SendResult, 0, len(m.channels))
	for _, ch := range m.channels {
		id, err := ch.Send(ctx, n)
		res := SendResult{Channel: ch.Name(), MessageID: id, Err: err}
		if err != nil {
			res.Error = err.Error()
			logger.WarnCF("channels", "Send failed", map[string]interface{}{
				"channel": ch.Name(),
				"session": n.SessionID,
				"error":   err.Error(),
			})
		}
		results = append(results, res)
	}
	return results
}

// StopAll stops polling, waits for the loops to drain, and disposes
// every channel's resources.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		for _, ch := range m.channels {
			ch.Dispose()
		}
		return
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	for _, ch := range m.channels {
		if err := ch.StopPolling(); err != nil {
			logger.WarnCF("channels", "Stop polling", map[string]interface{}{
				"channel": ch.Name(),
				"error":   err.Error(),
			})
		}
	}
	m.wg.Wait()
	for _, ch := range m.channels {
		if err := ch.Dispose(); err != nil {
			logger.WarnCF("channels", "Dispose", map[string]interface{}{
				"channel": ch.Name(),
				"error":   err.Error(),
			})
		}
	}
}

// Statuses returns a diagnostic snapshot per channel.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch.Status())
	}
	return out
}

// GetStatus returns the snapshot keyed by channel name, as served by
// the status endpoint.
func (m *Manager) GetStatus() map[string]interface{} {
	out := make(map[string]interface{}, len(m.channels))
	for _, st := range m.Statuses() {
		out[st.Name] = st
	}
	return out
}
