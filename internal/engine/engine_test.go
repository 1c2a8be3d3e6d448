package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/celerix-dev/celerix-guard/pkg/engine"
)

func TestPendingStore_PutGetRemove(t *testing.T) {
	s := NewPendingStore()

	rec := ChallengeRecord{UserID: "u1", GroupID: "g1", Answer: 70, AttemptID: "a1"}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := s.Get("u1")
	if !ok || got.Answer != 70 {
		t.Fatalf("Expected answer 70, got %+v (ok=%v)", got, ok)
	}

	// Replacement keeps a single record per user.
	if err := s.Put(ChallengeRecord{UserID: "u1", GroupID: "g1", Answer: 12, AttemptID: "a2"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 record, got %d", s.Len())
	}
	if s.IsCurrent("u1", "a1") {
		t.Error("Replaced attempt should no longer be current")
	}
	if !s.IsCurrent("u1", "a2") {
		t.Error("New attempt should be current")
	}

	removed, ok := s.Remove("u1")
	if !ok || removed.AttemptID != "a2" {
		t.Errorf("Expected to remove a2, got %+v (ok=%v)", removed, ok)
	}
	if _, ok := s.Remove("u1"); ok {
		t.Error("Second Remove should be a no-op")
	}
	if !s.IsEmpty() {
		t.Error("Store should be empty")
	}
}

func TestPendingStore_RemoveAttempt(t *testing.T) {
	s := NewPendingStore()
	s.Put(ChallengeRecord{UserID: "u1", AttemptID: "new"})

	if s.RemoveAttempt("u1", "old") {
		t.Error("Stale attempt must not remove the live record")
	}
	if !s.RemoveAttempt("u1", "new") {
		t.Error("Live attempt should be removed")
	}
	if s.RemoveAttempt("u1", "new") {
		t.Error("RemoveAttempt should be idempotent")
	}
}

func TestPendingStore_DrainCloses(t *testing.T) {
	s := NewPendingStore()
	s.Put(ChallengeRecord{UserID: "u1", AttemptID: "a"})
	s.Put(ChallengeRecord{UserID: "u2", AttemptID: "b"})

	drained := s.Drain()
	if len(drained) != 2 {
		t.Fatalf("Expected 2 drained records, got %d", len(drained))
	}
	if !s.IsEmpty() {
		t.Error("Store should be empty after Drain")
	}
	if err := s.Put(ChallengeRecord{UserID: "u3"}); !errors.Is(err, engine.ErrStoreClosed) {
		t.Errorf("Expected ErrStoreClosed, got %v", err)
	}
}

func TestPendingStore_SnapshotOrder(t *testing.T) {
	s := NewPendingStore()
	now := time.Now()
	s.Put(ChallengeRecord{UserID: "late", CreatedAt: now.Add(time.Minute)})
	s.Put(ChallengeRecord{UserID: "early", CreatedAt: now})

	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].UserID != "early" || snap[1].UserID != "late" {
		t.Errorf("Unexpected snapshot order: %+v", snap)
	}
}

func TestTimerHandle(t *testing.T) {
	cancelled := false
	h := NewTimerHandle(func() { cancelled = true })
	h.Cancel()
	if !cancelled {
		t.Error("Cancel should call the cancel func")
	}

	h.Finish()
	h.Finish()
	select {
	case <-h.Done():
	default:
		t.Error("Done should be closed after Finish")
	}

	var nilHandle *TimerHandle
	nilHandle.Cancel()
}

func TestPendingStore_Concurrent(t *testing.T) {
	s := NewPendingStore()
	const (
		numGoroutines = 10
		numOps        = 100
	)
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", id)
			for j := 0; j < numOps; j++ {
				attempt := fmt.Sprintf("%d", j)
				s.Put(ChallengeRecord{UserID: user, AttemptID: attempt})
				s.IsCurrent(user, attempt)
				s.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	if s.Len() != numGoroutines {
		t.Errorf("Expected %d records, got %d", numGoroutines, s.Len())
	}
}

func TestBanList_AddRemove(t *testing.T) {
	b := NewBanList([]string{" 42 ", ""}, nil, nil)

	if ok, _ := b.Contains("42"); !ok {
		t.Error("Initial ID should be banned")
	}

	added, err := b.Add("7")
	if err != nil || !added {
		t.Fatalf("Add failed: %v (added=%v)", err, added)
	}
	added, _ = b.Add("7")
	if added {
		t.Error("Second Add should report false")
	}
	if _, err := b.Add("  "); !errors.Is(err, engine.ErrInvalidUserID) {
		t.Errorf("Expected ErrInvalidUserID, got %v", err)
	}

	list, _ := b.List()
	if len(list) != 2 || list[0] != "42" || list[1] != "7" {
		t.Errorf("Expected [42 7], got %v", list)
	}

	if err := b.Remove("7"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := b.Remove("7"); !errors.Is(err, engine.ErrBanNotFound) {
		t.Errorf("Expected ErrBanNotFound, got %v", err)
	}
}

func TestPersistence(t *testing.T) {
	tmpDir := t.TempDir()

	p, err := NewPersistence(tmpDir)
	if err != nil {
		t.Fatalf("NewPersistence failed: %v", err)
	}

	ids, err := p.LoadBans()
	if err != nil || len(ids) != 0 {
		t.Fatalf("Expected empty list from fresh dir, got %v, %v", ids, err)
	}

	if err := p.SaveBans([]string{"1", "2"}); err != nil {
		t.Fatalf("SaveBans failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, banFileName)); os.IsNotExist(err) {
		t.Fatal("Ban file was not created")
	}

	ids, err = p.LoadBans()
	if err != nil {
		t.Fatalf("LoadBans failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "1" || ids[1] != "2" {
		t.Errorf("Loaded data mismatch: %v", ids)
	}
}

func TestBanList_Persistence(t *testing.T) {
	p, _ := NewPersistence(t.TempDir())
	b := NewBanList(nil, p, nil)

	b.Add("1")
	b.Add("2")
	b.Remove("1")
	b.Wait() // Wait for background persistence

	ids, _ := p.LoadBans()
	b2 := NewBanList(ids, p, nil)

	if ok, _ := b2.Contains("2"); !ok {
		t.Error("Expected 2 to survive reload")
	}
	if ok, _ := b2.Contains("1"); ok {
		t.Error("Expected 1 to stay removed after reload")
	}
}

func TestSQLiteBanStore(t *testing.T) {
	s, err := OpenSQLiteBanStore(filepath.Join(t.TempDir(), "bans.db"), []string{"100"}, nil)
	if err != nil {
		t.Fatalf("OpenSQLiteBanStore failed: %v", err)
	}
	defer s.Close()

	if ok, err := s.Contains("100"); err != nil || !ok {
		t.Fatalf("Seeded ID should be banned: %v, %v", ok, err)
	}

	added, err := s.Add("200")
	if err != nil || !added {
		t.Fatalf("Add failed: %v (added=%v)", err, added)
	}
	if added, _ := s.Add("200"); added {
		t.Error("Duplicate Add should report false")
	}

	list, err := s.List()
	if err != nil || len(list) != 2 || list[0] != "100" || list[1] != "200" {
		t.Errorf("Expected [100 200], got %v, %v", list, err)
	}

	if err := s.Remove("100"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := s.Remove("100"); !errors.Is(err, engine.ErrBanNotFound) {
		t.Errorf("Expected ErrBanNotFound, got %v", err)
	}
}
