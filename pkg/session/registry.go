// Package session implements the in-memory session registry.
// A session represents one assisted run that can receive notifications
// and approvals. The registry owns enable/disable state, the pending
// request bookkeeping, reply storage, and idle eviction.
//
// Mutating an id that does not exist is a caller error for every
// operation except Enable and Register, which auto-create. That
// asymmetry is deliberate: enabling is the normal first-contact path
// from a hook, disabling presupposes prior knowledge of the session.
package session

import (
	"sync"
	"time"

	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/domain"
)

// RegistryError is a typed error for the session registry.
type RegistryError string

func (e RegistryError) Error() string { return string(e) }

const (
	// ErrSessionNotFound signals an operation on an unknown session id.
	ErrSessionNotFound RegistryError = "session not found"
)

// DefaultIdleTimeout is how long a session may sit without activity
// before the eviction sweep reclaims it.
const DefaultIdleTimeout = 30 * time.Minute

// PendingResponse records an outstanding request awaiting a human reply.
type PendingResponse struct {
	Event     domain.EventKind `json:"event"`
	Prompt    string           `json:"prompt"`
	Timestamp time.Time        `json:"timestamp"`
}

// Session is one registered assistant run.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	Enabled      bool

	// Pending holds the outstanding request, nil when none. At most one
	// per session; a new notification overwrites any unresolved one.
	Pending *PendingResponse

	// messageIDs maps channel name to the correlation token of the last
	// outbound message on that channel.
	messageIDs map[string]string

	// response is the stored reply, nil until a channel delivers one.
	response *bus.ChannelResponse
}

// Registry is the in-memory session table. All operations are atomic
// single steps under one mutex; nothing holds the lock across I/O.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	idleTimeout time.Duration
}

// NewRegistry creates a registry with the given idle timeout.
// A zero timeout means DefaultIdleTimeout.
func NewRegistry(idleTimeout time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
	}
}

// Register creates the session if absent (enabled by default) or
// refreshes it if present, preserving Enabled and CreatedAt. Any prior
// unresolved pending request is overwritten.
func (r *Registry) Register(id string, event domain.EventKind, prompt string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	s, ok := r.sessions[id]
	if !ok {
		s = &Session{
			ID:         id,
			CreatedAt:  now,
			Enabled:    true,
			messageIDs: make(map[string]string),
		}
		r.sessions[id] = s
	}
	s.LastActivity = now
	s.Pending = &PendingResponse{Event: event, Prompt: prompt, Timestamp: now}
	s.messageIDs = make(map[string]string)
	s.response = nil
}

// Enable turns a session on, creating it if unknown. Idempotent.
func (r *Registry) Enable(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	s, ok := r.sessions[id]
	if !ok {
		s = &Session{
			ID:         id,
			CreatedAt:  now,
			messageIDs: make(map[string]string),
		}
		r.sessions[id] = s
	}
	s.Enabled = true
	s.LastActivity = now
}

// Disable turns a session off. Unknown ids fail: disabling presumes
// the caller has seen the session before.
func (r *Registry) Disable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Enabled = false
	s.LastActivity = time.Now()
	return nil
}

// IsEnabled reports the session's enabled flag. Unknown ids fail.
func (r *Registry) IsEnabled(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false, ErrSessionNotFound
	}
	return s.Enabled, nil
}

// HasSession reports whether the id is currently registered.
func (r *Registry) HasSession(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// StoreMessageID records the correlation token returned by a channel's
// send for later reply matching. Unknown ids fail.
func (r *Registry) StoreMessageID(id, channel, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.messageIDs[channel] = token
	s.LastActivity = time.Now()
	return nil
}

// StoreResponse stores an inbound reply on the session. A reply that
// arrives before the previous one was consumed overwrites it: the
// stored value is always the latest, consumption settles the race.
// Unknown ids fail.
func (r *Registry) StoreResponse(id string, resp bus.ChannelResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	resp.SessionID = id
	s.response = &resp
	s.Pending = nil
	s.LastActivity = time.Now()
	return nil
}

// ConsumeResponse atomically returns the stored reply and deletes the
// session: a resolved session is finished. Returns ok=false when no
// reply is stored, which is not an error.
func (r *Registry) ConsumeResponse(id string) (bus.ChannelResponse, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.response == nil {
		return bus.ChannelResponse{}, false
	}
	resp := *s.response
	delete(r.sessions, id)
	return resp, true
}

// FindSessionByMessageID scans for the session owning a correlation
// token. Returns ok=false when no session claims it.
func (r *Registry) FindSessionByMessageID(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		for _, t := range s.messageIDs {
			if t == token {
				return id, true
			}
		}
	}
	return "", false
}

// EvictIdle removes every session whose last activity is older than the
// idle timeout relative to now. Returns the number evicted.
func (r *Registry) EvictIdle(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, s := range r.sessions {
		if now.Sub(s.LastActivity) > r.idleTimeout {
			delete(r.sessions, id)
			evicted++
		}
	}
	return evicted
}

// ActiveSessionIDs returns the ids of all registered sessions.
func (r *Registry) ActiveSessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Counts returns the number of sessions and of stored, unconsumed replies.
func (r *Registry) Counts() (sessions, pendingResponses int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.response != nil {
			pendingResponses++
		}
	}
	return len(r.sessions), pendingResponses
}

// SessionInfo is a diagnostic snapshot of one session.
type SessionInfo struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Enabled      bool      `json:"enabled"`
	HasPending   bool      `json:"has_pending"`
	HasResponse  bool      `json:"has_response"`
}

// Snapshot returns diagnostic copies of every session.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, SessionInfo{
			ID:           s.ID,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
			Enabled:      s.Enabled,
			HasPending:   s.Pending != nil,
			HasResponse:  s.response != nil,
		})
	}
	return infos
}

// Touch refreshes a session's activity clock. Unknown ids fail.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.LastActivity = time.Now()
	return nil
}
