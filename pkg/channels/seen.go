package channels

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SeenStore is the persistent set of already-processed inbound message
// identifiers. It survives restarts so a redelivered mail or webhook is
// not turned into a second reply. The set is bounded: old entries are
// pruned per channel once the cap is exceeded.
type SeenStore struct {
	db    *sql.DB
	limit int
	mu    sync.Mutex
}

// DefaultSeenLimit is the per-channel cap on remembered identifiers.
const DefaultSeenLimit = 1000

// OpenSeenStore opens (creating if needed) the dedup database at path.
// A non-positive limit means DefaultSeenLimit.
func OpenSeenStore(path string, limit int) (*SeenStore, error) {
	if limit <= 0 {
		limit = DefaultSeenLimit
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("seen: create dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("seen: open %s: %w", path, err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS seen (
		channel  TEXT NOT NULL,
		id       TEXT NOT NULL,
		seen_at  INTEGER NOT NULL,
		PRIMARY KEY (channel, id)
	);
	CREATE INDEX IF NOT EXISTS idx_seen_channel_at ON seen(channel, seen_at);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("seen: init schema: %w", err)
	}

	return &SeenStore{db: db, limit: limit}, nil
}

// MarkSeen records an identifier and reports whether it was new.
// Returning false means the item was already processed and must be skipped.
func (s *SeenStore) MarkSeen(channel, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO seen (channel, id, seen_at) VALUES (?, ?, ?)`,
		channel, id, time.Now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("seen: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("seen: rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	// Keep only the newest limit rows for this channel.
	_, err = s.db.Exec(
		`DELETE FROM seen WHERE channel = ? AND id NOT IN (
			SELECT id FROM seen WHERE channel = ? ORDER BY seen_at DESC LIMIT ?
		)`,
		channel, channel, s.limit,
	)
	if err != nil {
		return true, fmt.Errorf("seen: prune: %w", err)
	}
	return true, nil
}

// Count returns the number of remembered identifiers for a channel.
func (s *SeenStore) Count(channel string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM seen WHERE channel = ?`, channel).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("seen: count: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *SeenStore) Close() error {
	return s.db.Close()
}
