// Package bridge wires the session registry, the global state store,
// and the channel manager into the request flow: notifications fan out
// to channels, inbound replies correlate back to sessions, and the
// approval gate consumes the stored response.
package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/channels"
	"github.com/sipeed/picobridge/pkg/domain"
	"github.com/sipeed/picobridge/pkg/logger"
	"github.com/sipeed/picobridge/pkg/session"
	"github.com/sipeed/picobridge/pkg/state"
)

// RouterError is a typed error for the request flow.
type RouterError string

func (e RouterError) Error() string { return string(e) }

const (
	// ErrBridgeDisabled signals the global flag or event toggle is off.
	ErrBridgeDisabled RouterError = "bridge disabled for this event"
	// ErrSessionDisabled signals the target session opted out.
	ErrSessionDisabled RouterError = "session disabled"
	// ErrAllChannelsFailed signals a fan-out where nothing was delivered.
	ErrAllChannelsFailed RouterError = "all channels failed to send"
	// ErrInvalidEvent signals an event kind outside the closed set.
	ErrInvalidEvent RouterError = "unknown event kind"
)

// Router owns one registry and one channel set.
type Router struct {
	registry *session.Registry
	manager  *channels.Manager
	state    *state.Store
	bus      *bus.MessageBus
}

// NewRouter wires the router. All collaborators are constructed by the
// caller and passed in; the router holds no hidden singletons.
func NewRouter(reg *session.Registry, mgr *channels.Manager, st *state.Store, mb *bus.MessageBus) *Router {
	return &Router{registry: reg, manager: mgr, state: st, bus: mb}
}

// Registry exposes the session registry for the HTTP layer.
func (r *Router) Registry() *session.Registry { return r.registry }

// Manager exposes the channel manager for the HTTP layer.
func (r *Router) Manager() *channels.Manager { return r.manager }

// State exposes the global state store for the HTTP layer.
func (r *Router) State() *state.Store { return r.state }

// Start launches the channel polling loops and the reply consumer.
func (r *Router) Start(ctx context.Context) {
	r.manager.StartAll(ctx, r.bus.PublishResponse)
	go r.consumeReplies(ctx)
}

// Stop shuts the channels down and drains their loops.
func (r *Router) Stop() {
	r.manager.StopAll()
}

func (r *Router) consumeReplies(ctx context.Context) {
	for {
		resp, ok := r.bus.ConsumeResponse(ctx)
		if !ok {
			return
		}
		r.HandleResponse(resp)
	}
}

// Notify registers the session (auto-create) and fans the notification
// out to every channel. The returned results carry one message handle
// or error per channel. Precondition failures are typed errors: global
// or event toggle off, session disabled, or every channel failing.
func (r *Router) Notify(ctx context.Context, n bus.ChannelNotification) ([]channels.SendResult, error) {
	if !n.Event.Valid() {
		return nil, ErrInvalidEvent
	}

	enabled, err := r.state.EventEnabled(n.Event)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, ErrBridgeDisabled
	}

	r.registry.Register(n.SessionID, n.Event, n.Message)

	if on, err := r.registry.IsEnabled(n.SessionID); err != nil || !on {
		return nil, ErrSessionDisabled
	}

	results := r.manager.SendAll(ctx, n)

	delivered := 0
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		delivered++
		if res.MessageID != "" {
			if err := r.registry.StoreMessageID(n.SessionID, res.Channel, res.MessageID); err != nil {
				// Session vanished mid fan-out (eviction race); later
				// replies will just miss and be discarded.
				logger.WarnCF("router", "Correlation token dropped", map[string]interface{}{
					"session": n.SessionID,
					"channel": res.Channel,
				})
			}
		}
	}
	if len(results) > 0 && delivered == 0 {
		return results, ErrAllChannelsFailed
	}

	r.bus.PublishSystem(bus.SystemEvent{
		Type:   "notification.sent",
		Source: "router",
		Data: map[string]interface{}{
			"session":   n.SessionID,
			"event":     n.Event.String(),
			"delivered": delivered,
		},
	})
	return results, nil
}

// HandleResponse is the reply correlator. Resolution precedence: an
// explicit session tag in the reply wins over the correlation-token
// lookup; the tag is what the human typed deliberately, the token is
// transport plumbing. Unknown sessions are discarded: the session
// likely timed out or another channel's reply was already consumed.
func (r *Router) HandleResponse(resp bus.ChannelResponse) {
	id := ""
	if resp.SessionID != "" {
		id = r.resolveTag(resp.SessionID)
	}
	if id == "" && resp.MessageID != "" {
		if owner, ok := r.registry.FindSessionByMessageID(resp.MessageID); ok {
			id = owner
		}
	}
	if id == "" {
		logger.InfoCF("router", "Unmatched reply discarded", map[string]interface{}{
			"channel": resp.Channel,
			"from":    resp.From,
		})
		return
	}

	if err := r.registry.StoreResponse(id, resp); err != nil {
		logger.InfoCF("router", "Reply for vanished session discarded", map[string]interface{}{
			"session": id,
			"channel": resp.Channel,
		})
		return
	}

	r.bus.PublishSystem(bus.SystemEvent{
		Type:   "response.received",
		Source: resp.Channel,
		Data: map[string]interface{}{
			"session": id,
			"from":    resp.From,
		},
	})
	logger.InfoCF("router", "Reply stored", map[string]interface{}{
		"session": id,
		"channel": resp.Channel,
	})
}

// resolveTag maps a typed session tag to a registered id: exact match
// first, then a unique-prefix match so humans can answer with a short
// prefix of a long host-generated id.
func (r *Router) resolveTag(tag string) string {
	if r.registry.HasSession(tag) {
		return tag
	}
	match := ""
	for _, id := range r.registry.ActiveSessionIDs() {
		if strings.HasPrefix(id, tag) {
			if match != "" {
				return "" // ambiguous prefix, refuse to guess
			}
			match = id
		}
	}
	return match
}

// GetResponse consumes the stored reply for a session. ok=false means
// no reply has arrived, which callers poll on.
func (r *Router) GetResponse(id string) (bus.ChannelResponse, bool) {
	resp, ok := r.registry.ConsumeResponse(id)
	if ok {
		r.bus.PublishSystem(bus.SystemEvent{
			Type:   "response.consumed",
			Source: "router",
			Data:   map[string]interface{}{"session": id},
		})
	}
	return resp, ok
}

// EvictIdle sweeps idle sessions and reports the count on the bus.
func (r *Router) EvictIdle() int {
	n := r.registry.EvictIdle(time.Now())
	if n > 0 {
		r.bus.PublishSystem(bus.SystemEvent{
			Type:   "sessions.evicted",
			Source: "router",
			Data:   map[string]interface{}{"count": n},
		})
		logger.InfoCF("router", "Idle sessions evicted", map[string]interface{}{"count": n})
	}
	return n
}

// Decision normalizes a consumed reply for the approval gate.
func Decision(resp bus.ChannelResponse) domain.Decision {
	return domain.ParseDecision(resp.Response)
}
