// Package state persists the global enable flag and per-event toggles.
//
// The state file is the one resource shared with ad hoc command-line
// invocations running in other processes. Every mutation reloads the
// file first and rewrites it whole, so a daemon write does not clobber
// a toggle flipped from the shell in between. There is deliberately no
// cross-process lock: two writers racing within the same instant can
// still lose one update. That is an accepted limitation, not a bug to
// paper over with flock.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sipeed/picobridge/pkg/domain"
)

// GlobalState is the persisted enable/disable record.
type GlobalState struct {
	Enabled   bool                      `json:"enabled"`
	Hooks     map[domain.EventKind]bool `json:"hooks"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// DefaultState returns the out-of-the-box state: bridge on, every hook on.
func DefaultState() GlobalState {
	hooks := make(map[domain.EventKind]bool, len(domain.AllEventKinds()))
	for _, k := range domain.AllEventKinds() {
		hooks[k] = true
	}
	return GlobalState{Enabled: true, Hooks: hooks}
}

// Store is the file-backed GlobalState store.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store persisting to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the state file. A missing file yields the default state;
// malformed content is an error the caller must treat as fatal.
func (s *Store) Load() (GlobalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (GlobalState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultState(), nil
		}
		return GlobalState{}, fmt.Errorf("state: read %s: %w", s.path, err)
	}

	var st GlobalState
	if err := json.Unmarshal(data, &st); err != nil {
		return GlobalState{}, fmt.Errorf("state: decode %s: %w", s.path, err)
	}
	if st.Hooks == nil {
		st.Hooks = DefaultState().Hooks
	}
	return st, nil
}

func (s *Store) save(st GlobalState) error {
	st.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("state: create dir: %w", err)
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Mutate applies fn to a freshly loaded state and rewrites the file.
func (s *Store) Mutate(fn func(*GlobalState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	fn(&st)
	return s.save(st)
}

// SetEnabled flips the global flag.
func (s *Store) SetEnabled(enabled bool) error {
	return s.Mutate(func(st *GlobalState) { st.Enabled = enabled })
}

// SetHook flips one event-kind toggle.
func (s *Store) SetHook(kind domain.EventKind, enabled bool) error {
	return s.Mutate(func(st *GlobalState) { st.Hooks[kind] = enabled })
}

// EventEnabled reports whether the bridge should act on an event kind:
// the global flag and the per-kind toggle must both be on. A kind
// missing from the map counts as on.
func (s *Store) EventEnabled(kind domain.EventKind) (bool, error) {
	st, err := s.Load()
	if err != nil {
		return false, err
	}
	if !st.Enabled {
		return false, nil
	}
	enabled, ok := st.Hooks[kind]
	return !ok || enabled, nil
}
