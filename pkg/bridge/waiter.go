package bridge

import (
	"context"
	"time"

	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/domain"
)

// ResponseFetcher is the poll target of the approval gate: GetResponse
// on the router, or the HTTP endpoint from an external hook's view.
type ResponseFetcher func(sessionID string) (bus.ChannelResponse, bool)

// Waiter is the caller side of the approval gate: a bounded poll loop
// over the get-response operation. Running out of attempts is a deny,
// never an implicit allow.
type Waiter struct {
	Attempts int
	Interval time.Duration
	Fetch    ResponseFetcher
}

// DefaultWaiter polls every 5 seconds for 10 minutes.
func DefaultWaiter(fetch ResponseFetcher) *Waiter {
	return &Waiter{Attempts: 120, Interval: 5 * time.Second, Fetch: fetch}
}

// Await polls until a reply arrives, attempts run out, or ctx is done.
// The returned decision is deny on timeout and cancellation.
func (w *Waiter) Await(ctx context.Context, sessionID string) (bus.ChannelResponse, domain.Decision) {
	for i := 0; i < w.Attempts; i++ {
		if resp, ok := w.Fetch(sessionID); ok {
			return resp, domain.ParseDecision(resp.Response)
		}
		select {
		case <-ctx.Done():
			return bus.ChannelResponse{}, domain.DecisionDeny
		case <-time.After(w.Interval):
		}
	}
	return bus.ChannelResponse{}, domain.DecisionDeny
}
