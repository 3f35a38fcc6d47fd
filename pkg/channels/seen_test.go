package channels

import (
	"fmt"
	"path/filepath"
	"testing"
)

func openTestSeen(t *testing.T, limit int) *SeenStore {
	t.Helper()
	s, err := OpenSeenStore(filepath.Join(t.TempDir(), "seen.db"), limit)
	if err != nil {
		t.Fatalf("OpenSeenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMarkSeenDeduplicates(t *testing.T) {
	s := openTestSeen(t, 0)

	first, err := s.MarkSeen("email", "<m1@mail>")
	if err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if !first {
		t.Error("first sighting must report new")
	}

	again, err := s.MarkSeen("email", "<m1@mail>")
	if err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if again {
		t.Error("second sighting must report already seen")
	}
}

func TestMarkSeenScopedByChannel(t *testing.T) {
	s := openTestSeen(t, 0)

	if _, err := s.MarkSeen("email", "42"); err != nil {
		t.Fatal(err)
	}
	fresh, err := s.MarkSeen("telegram", "42")
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Error("same id on a different channel is a different item")
	}
}

func TestSeenStoreBounded(t *testing.T) {
	const limit = 10
	s := openTestSeen(t, limit)

	for i := 0; i < limit*3; i++ {
		if _, err := s.MarkSeen("email", fmt.Sprintf("id-%d", i)); err != nil {
			t.Fatalf("MarkSeen: %v", err)
		}
	}

	n, err := s.Count("email")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n > limit {
		t.Errorf("store holds %d ids, cap is %d", n, limit)
	}
}

func TestSeenStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.db")

	s, err := OpenSeenStore(path, 0)
	if err != nil {
		t.Fatalf("OpenSeenStore: %v", err)
	}
	if _, err := s.MarkSeen("email", "<m1@mail>"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := OpenSeenStore(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	fresh, err := s2.MarkSeen("email", "<m1@mail>")
	if err != nil {
		t.Fatal(err)
	}
	if fresh {
		t.Error("seen ids must survive a restart")
	}
}
