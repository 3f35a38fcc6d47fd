// Package bus carries inbound channel replies from the per-channel
// polling goroutines to the router, and fans system events out to
// observers (the WebSocket feed, tests). Publishing never blocks a
// polling loop: full queues drop the oldest entry, slow taps drop.
package bus

import (
	"context"
	"sync"
)

// Subscriber is a named tap on the system event stream. Multiple
// subscribers can independently consume the same published events.
type Subscriber struct {
	Name string
	ch   chan SystemEvent
}

// MessageBus decouples channel goroutines from the router goroutine.
type MessageBus struct {
	responses chan ChannelResponse
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	systemSubs []*Subscriber
}

// NewMessageBus creates a bus with bounded queues.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		responses: make(chan ChannelResponse, 100),
	}
}

// PublishResponse enqueues an inbound reply for the router. If the
// queue is full the oldest reply is dropped so polling never stalls.
func (mb *MessageBus) PublishResponse(resp ChannelResponse) {
	mb.mu.RLock()
	if mb.closed {
		mb.mu.RUnlock()
		return
	}
	mb.mu.RUnlock()

	select {
	case mb.responses <- resp:
	default:
		select {
		case <-mb.responses:
		default:
		}
		select {
		case mb.responses <- resp:
		default:
		}
	}
}

// ConsumeResponse blocks until a reply arrives or ctx is done.
func (mb *MessageBus) ConsumeResponse(ctx context.Context) (ChannelResponse, bool) {
	select {
	case resp := <-mb.responses:
		return resp, true
	case <-ctx.Done():
		return ChannelResponse{}, false
	}
}

// SubscribeSystem creates a named subscriber that receives copies of
// all system events. The returned channel is buffered; slow consumers drop.
func (mb *MessageBus) SubscribeSystem(name string) <-chan SystemEvent {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	sub := &Subscriber{Name: name, ch: make(chan SystemEvent, 64)}
	mb.systemSubs = append(mb.systemSubs, sub)
	return sub.ch
}

// PublishSystem publishes a system event to all system subscribers.
func (mb *MessageBus) PublishSystem(event SystemEvent) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	for _, sub := range mb.systemSubs {
		select {
		case sub.ch <- event:
		default: // drop if slow
		}
	}
}

// Close shuts the bus down. Further publishes are no-ops.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		mb.mu.Lock()
		mb.closed = true
		for _, sub := range mb.systemSubs {
			close(sub.ch)
		}
		mb.mu.Unlock()
		close(mb.responses)
	})
}
