package api

import (
	"context"

	"github.com/sipeed/picobridge/pkg/bus"
)

// EventFeed forwards system events from the message bus to the
// WebSocket hub so connected clients see bridge activity live.
type EventFeed struct {
	bus *bus.MessageBus
	hub *WSHub
}

func NewEventFeed(mb *bus.MessageBus, hub *WSHub) *EventFeed {
	return &EventFeed{bus: mb, hub: hub}
}

// Run drains the system event tap until ctx is cancelled.
func (f *EventFeed) Run(ctx context.Context) {
	events := f.bus.SubscribeSystem("ws-feed")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.hub.Broadcast(ev.Type, map[string]interface{}{
				"source": ev.Source,
				"data":   ev.Data,
			})
		}
	}
}
