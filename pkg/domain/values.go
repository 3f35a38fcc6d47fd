// Package domain holds the value types shared across the bridge:
// hook event kinds, channel connection states, and the decision type
// produced by the approval gate.
package domain

import "strings"

// EventKind is the closed set of hook trigger kinds that can originate
// a bridge request.
type EventKind string

const (
	EventNotification     EventKind = "notification"
	EventStop             EventKind = "stop"
	EventPreToolUse       EventKind = "pre_tool_use"
	EventUserPromptSubmit EventKind = "user_prompt_submit"
)

// AllEventKinds returns every known hook event kind.
func AllEventKinds() []EventKind {
	return []EventKind{EventNotification, EventStop, EventPreToolUse, EventUserPromptSubmit}
}

func (e EventKind) String() string { return string(e) }

// Valid reports whether the event kind is recognized.
func (e EventKind) Valid() bool {
	for _, k := range AllEventKinds() {
		if k == e {
			return true
		}
	}
	return false
}

// Gating reports whether the event blocks the caller awaiting a decision.
func (e EventKind) Gating() bool { return e == EventPreToolUse }

// ---------------------------------------------------------------------------

// ConnectionStatus is a channel's transport connection state.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

func (cs ConnectionStatus) String() string { return string(cs) }

// ---------------------------------------------------------------------------

// Decision is the normalized outcome of an approval-gate reply.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// ParseDecision normalizes free-form reply text to a Decision. Anything
// that is not a clear affirmative is a deny; a missing or timed-out
// reply is never an implicit allow.
func ParseDecision(text string) Decision {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "y", "yes", "ok", "okay", "approve", "approved", "allow", "allowed", "1", "true":
		return DecisionAllow
	default:
		return DecisionDeny
	}
}
