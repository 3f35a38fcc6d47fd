package bridge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/channels"
	"github.com/sipeed/picobridge/pkg/domain"
	"github.com/sipeed/picobridge/pkg/session"
	"github.com/sipeed/picobridge/pkg/state"
)

// stubChannel is a minimal in-memory transport for router tests.
type stubChannel struct {
	name    string
	sendErr error
	sent    []bus.ChannelNotification
	nextID  int
}

func (s *stubChannel) Name() string                         { return s.name }
func (s *stubChannel) ValidateConfig() error                { return nil }
func (s *stubChannel) Initialize(ctx context.Context) error { return nil }

func (s *stubChannel) Send(ctx context.Context, n bus.ChannelNotification) (string, error) {
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.sent = append(s.sent, n)
	s.nextID++
	return s.name + ":" + string(rune('0'+s.nextID)), nil
}

func (s *stubChannel) StartPolling(ctx context.Context, handler bus.ResponseHandler) error {
	<-ctx.Done()
	return nil
}
func (s *stubChannel) StopPolling() error { return nil }
func (s *stubChannel) Dispose() error     { return nil }
func (s *stubChannel) Status() channels.Status {
	return channels.Status{Name: s.name, Enabled: true}
}

func newTestRouter(t *testing.T, chs ...channels.Channel) *Router {
	t.Helper()
	reg := session.NewRegistry(30 * time.Minute)
	st := state.NewStore(filepath.Join(t.TempDir(), "state.json"))
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	return NewRouter(reg, channels.NewManager(chs...), st, mb)
}

func TestNotifyFansOutAndStoresTokens(t *testing.T) {
	a := &stubChannel{name: "email"}
	b := &stubChannel{name: "telegram"}
	r := newTestRouter(t, a, b)

	results, err := r.Notify(context.Background(), bus.ChannelNotification{
		SessionID: "abc",
		Event:     domain.EventPreToolUse,
		Title:     "Tool: Bash",
		Message:   "Approve?",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	for _, res := range results {
		owner, ok := r.Registry().FindSessionByMessageID(res.MessageID)
		if !ok || owner != "abc" {
			t.Errorf("token %q not registered to session abc", res.MessageID)
		}
	}
}

func TestNotifyRejectsUnknownEvent(t *testing.T) {
	r := newTestRouter(t, &stubChannel{name: "email"})

	_, err := r.Notify(context.Background(), bus.ChannelNotification{
		SessionID: "abc",
		Event:     domain.EventKind("bogus"),
	})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestNotifyHonorsGlobalDisable(t *testing.T) {
	r := newTestRouter(t, &stubChannel{name: "email"})
	if err := r.State().SetEnabled(false); err != nil {
		t.Fatal(err)
	}

	_, err := r.Notify(context.Background(), bus.ChannelNotification{
		SessionID: "abc",
		Event:     domain.EventNotification,
	})
	if !errors.Is(err, ErrBridgeDisabled) {
		t.Errorf("expected ErrBridgeDisabled, got %v", err)
	}
}

func TestNotifyHonorsSessionDisable(t *testing.T) {
	ch := &stubChannel{name: "email"}
	r := newTestRouter(t, ch)

	r.Registry().Enable("abc")
	if err := r.Registry().Disable("abc"); err != nil {
		t.Fatal(err)
	}

	_, err := r.Notify(context.Background(), bus.ChannelNotification{
		SessionID: "abc",
		Event:     domain.EventNotification,
	})
	if !errors.Is(err, ErrSessionDisabled) {
		t.Errorf("expected ErrSessionDisabled, got %v", err)
	}
	if len(ch.sent) != 0 {
		t.Error("disabled session must not reach any channel")
	}
}

func TestNotifyAllChannelsFailed(t *testing.T) {
	bad := &stubChannel{name: "email", sendErr: errors.New("down")}
	r := newTestRouter(t, bad)

	results, err := r.Notify(context.Background(), bus.ChannelNotification{
		SessionID: "abc",
		Event:     domain.EventNotification,
	})
	if !errors.Is(err, ErrAllChannelsFailed) {
		t.Errorf("expected ErrAllChannelsFailed, got %v", err)
	}
	if len(results) != 1 || results[0].Err == nil {
		t.Errorf("results must still carry the per-channel failure: %+v", results)
	}
}

func TestApprovalFlowWithTaggedReply(t *testing.T) {
	ch := &stubChannel{name: "telegram"}
	r := newTestRouter(t, ch)

	_, err := r.Notify(context.Background(), bus.ChannelNotification{
		SessionID: "abc",
		Event:     domain.EventPreToolUse,
		Title:     "Tool: Bash",
		Message:   "Tool: Bash. Approve?",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	r.HandleResponse(bus.ChannelResponse{
		SessionID: "abc",
		Response:  "Y",
		From:      "user",
		Channel:   "telegram",
		Timestamp: time.Now(),
	})

	resp, ok := r.GetResponse("abc")
	if !ok {
		t.Fatal("expected a stored response")
	}
	if Decision(resp) != domain.DecisionAllow {
		t.Errorf("reply %q must normalize to allow", resp.Response)
	}
}

func TestCorrelationByMessageID(t *testing.T) {
	ch := &stubChannel{name: "email"}
	r := newTestRouter(t, ch)

	results, err := r.Notify(context.Background(), bus.ChannelNotification{
		SessionID: "abc",
		Event:     domain.EventPreToolUse,
		Message:   "Approve?",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Reply carries no tag, only the transport token (In-Reply-To).
	r.HandleResponse(bus.ChannelResponse{
		MessageID: results[0].MessageID,
		Response:  "N",
		Channel:   "email",
	})

	resp, ok := r.GetResponse("abc")
	if !ok {
		t.Fatal("token lookup failed to resolve the session")
	}
	if Decision(resp) != domain.DecisionDeny {
		t.Errorf("reply %q must normalize to deny", resp.Response)
	}
}

func TestTagWinsOverToken(t *testing.T) {
	ch := &stubChannel{name: "email"}
	r := newTestRouter(t, ch)

	res1, err := r.Notify(context.Background(), bus.ChannelNotification{
		SessionID: "first", Event: domain.EventPreToolUse, Message: "p",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Notify(context.Background(), bus.ChannelNotification{
		SessionID: "second", Event: domain.EventPreToolUse, Message: "p",
	}); err != nil {
		t.Fatal(err)
	}

	// Tag says second, token says first: the deliberate tag wins.
	r.HandleResponse(bus.ChannelResponse{
		SessionID: "second",
		MessageID: res1[0].MessageID,
		Response:  "Y",
		Channel:   "email",
	})

	if _, ok := r.GetResponse("first"); ok {
		t.Error("token target must not receive the tagged reply")
	}
	if _, ok := r.GetResponse("second"); !ok {
		t.Error("tagged session must receive the reply")
	}
}

func TestShortPrefixTagResolves(t *testing.T) {
	ch := &stubChannel{name: "email"}
	r := newTestRouter(t, ch)

	if _, err := r.Notify(context.Background(), bus.ChannelNotification{
		SessionID: "abcdef-123456", Event: domain.EventPreToolUse, Message: "p",
	}); err != nil {
		t.Fatal(err)
	}

	r.HandleResponse(bus.ChannelResponse{SessionID: "abcdef", Response: "Y", Channel: "email"})

	if _, ok := r.GetResponse("abcdef-123456"); !ok {
		t.Error("unique prefix tag must resolve to the full session id")
	}
}

func TestAmbiguousPrefixDiscarded(t *testing.T) {
	ch := &stubChannel{name: "email"}
	r := newTestRouter(t, ch)

	for _, id := range []string{"run-1", "run-2"} {
		if _, err := r.Notify(context.Background(), bus.ChannelNotification{
			SessionID: id, Event: domain.EventPreToolUse, Message: "p",
		}); err != nil {
			t.Fatal(err)
		}
	}

	r.HandleResponse(bus.ChannelResponse{SessionID: "run", Response: "Y", Channel: "email"})

	if _, ok := r.GetResponse("run-1"); ok {
		t.Error("ambiguous tag must not resolve")
	}
	if _, ok := r.GetResponse("run-2"); ok {
		t.Error("ambiguous tag must not resolve")
	}
}

func TestUnmatchedReplyDiscarded(t *testing.T) {
	r := newTestRouter(t, &stubChannel{name: "email"})

	// No sessions registered at all; must not panic, must not create one.
	r.HandleResponse(bus.ChannelResponse{SessionID: "ghost", Response: "Y", Channel: "email"})

	if r.Registry().HasSession("ghost") {
		t.Error("an unmatched reply must never create a session")
	}
}

func TestMultiChannelRace(t *testing.T) {
	a := &stubChannel{name: "email"}
	b := &stubChannel{name: "telegram"}
	r := newTestRouter(t, a, b)

	if _, err := r.Notify(context.Background(), bus.ChannelNotification{
		SessionID: "m1", Event: domain.EventPreToolUse, Message: "p",
	}); err != nil {
		t.Fatal(err)
	}

	// Channel A answers first, channel B later but before consumption:
	// B's reply overwrites A's.
	r.HandleResponse(bus.ChannelResponse{SessionID: "m1", Response: "Y", Channel: "email"})
	r.HandleResponse(bus.ChannelResponse{SessionID: "m1", Response: "N", Channel: "telegram"})

	resp, ok := r.GetResponse("m1")
	if !ok {
		t.Fatal("expected a response")
	}
	if resp.Channel != "telegram" {
		t.Errorf("pre-consumption overwrite expected, got reply from %s", resp.Channel)
	}

	// After consumption the session is gone; a late reply is dropped.
	r.HandleResponse(bus.ChannelResponse{SessionID: "m1", Response: "Y", Channel: "email"})
	if r.Registry().HasSession("m1") {
		t.Error("late reply must not resurrect the session")
	}
}

func TestEvictIdlePublishesCount(t *testing.T) {
	r := newTestRouter(t, &stubChannel{name: "email"})

	if n := r.EvictIdle(); n != 0 {
		t.Errorf("empty registry evicted %d", n)
	}
}
