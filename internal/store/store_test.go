package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "seen.db")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestExistsOrRecord_FirstThenDuplicate(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Unix(1700000000, 0)

	outcome, err := s.ExistsOrRecord("https://example.social/statuses/1", now)
	if err != nil {
		t.Fatalf("ExistsOrRecord() error = %v", err)
	}
	if outcome != Fresh {
		t.Fatalf("first insert: outcome = %v, want Fresh", outcome)
	}

	outcome, err = s.ExistsOrRecord("https://example.social/statuses/1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ExistsOrRecord() error = %v", err)
	}
	if outcome != Duplicate {
		t.Fatalf("second insert: outcome = %v, want Duplicate", outcome)
	}
}

// I1: recording an existing URI again doesn't change its first_seen.
func TestExistsOrRecord_Idempotent(t *testing.T) {
	s, _ := openTestStore(t)
	uri := "https://example.social/statuses/1"
	first := time.Unix(1700000000, 0)

	if _, err := s.ExistsOrRecord(uri, first); err != nil {
		t.Fatalf("first insert error = %v", err)
	}
	if _, err := s.ExistsOrRecord(uri, first.Add(24*time.Hour)); err != nil {
		t.Fatalf("second insert error = %v", err)
	}

	exists, err := s.Exists(uri)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !exists {
		t.Fatalf("Exists() = false, want true")
	}

	var rec seenURI
	if err := s.db.Where("uri = ?", uri).First(&rec).Error; err != nil {
		t.Fatalf("read record error = %v", err)
	}
	if rec.FirstSeen != first.Unix() {
		t.Fatalf("first_seen = %d, want %d (unchanged by second insert)", rec.FirstSeen, first.Unix())
	}
}

// I3: the store survives process restart.
func TestStore_PersistsAcrossReopen(t *testing.T) {
	s, path := openTestStore(t)
	uri := "https://example.social/statuses/restart"

	if _, err := s.ExistsOrRecord(uri, time.Now()); err != nil {
		t.Fatalf("ExistsOrRecord() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	outcome, err := reopened.ExistsOrRecord(uri, time.Now())
	if err != nil {
		t.Fatalf("ExistsOrRecord() after reopen error = %v", err)
	}
	if outcome != Duplicate {
		t.Fatalf("outcome after reopen = %v, want Duplicate", outcome)
	}
}

func TestExistsOrRecord_ConcurrentSameURI(t *testing.T) {
	s, _ := openTestStore(t)
	uri := "https://example.social/statuses/race"

	const n = 20
	outcomes := make(chan Outcome, n)
	for i := 0; i < n; i++ {
		go func() {
			outcome, err := s.ExistsOrRecord(uri, time.Now())
			if err != nil {
				t.Errorf("ExistsOrRecord() error = %v", err)
				outcomes <- Duplicate
				return
			}
			outcomes <- outcome
		}()
	}

	fresh := 0
	for i := 0; i < n; i++ {
		if <-outcomes == Fresh {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("fresh count = %d, want exactly 1 (P9)", fresh)
	}
}
