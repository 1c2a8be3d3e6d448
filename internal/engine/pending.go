package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-guard/pkg/engine"
)

// TimerHandle owns the background timeout sequence of one challenge.
type TimerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewTimerHandle wraps the cancel func of a timeout sequence.
func NewTimerHandle(cancel context.CancelFunc) *TimerHandle {
	return &TimerHandle{cancel: cancel, done: make(chan struct{})}
}

// Cancel stops the sequence at its next suspension point. Safe on nil.
func (h *TimerHandle) Cancel() {
	if h != nil && h.cancel != nil {
		h.cancel()
	}
}

// Finish marks the sequence as terminated. Called once by the sequence itself.
func (h *TimerHandle) Finish() {
	h.once.Do(func() { close(h.done) })
}

// Done is closed once the sequence has returned.
func (h *TimerHandle) Done() <-chan struct{} {
	return h.done
}

// ChallengeRecord is one user's in-flight verification. Records are never
// updated in place; a retry installs a new record with a new AttemptID.
type ChallengeRecord struct {
	UserID     string
	GroupID    string
	MemberName string
	Question   string
	Answer     int
	AttemptID  string
	CreatedAt  time.Time
	Timer      *TimerHandle
}

// PendingStore maps user IDs to their live challenge. It holds at most one
// record per user.
type PendingStore struct {
	mu      sync.RWMutex
	records map[string]ChallengeRecord
	closed  bool
}

// NewPendingStore returns an empty store.
func NewPendingStore() *PendingStore {
	return &PendingStore{records: make(map[string]ChallengeRecord)}
}

// Get returns the live record for userID.
func (s *PendingStore) Get(userID string) (ChallengeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	return rec, ok
}

// Put installs rec, replacing any existing record for the same user. The
// caller must already have cancelled the replaced record's timer.
func (s *PendingStore) Put(rec ChallengeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return engine.ErrStoreClosed
	}
	s.records[rec.UserID] = rec
	return nil
}

// Remove deletes and returns the record for userID. Removing an absent key
// is a no-op.
func (s *PendingStore) Remove(userID string) (ChallengeRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if ok {
		delete(s.records, userID)
	}
	return rec, ok
}

// RemoveAttempt deletes the record for userID only if it is still the
// given attempt. It reports whether a record was removed.
func (s *PendingStore) RemoveAttempt(userID, attemptID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok || rec.AttemptID != attemptID {
		return false
	}
	delete(s.records, userID)
	return true
}

// IsCurrent reports whether attemptID is the live attempt for userID.
func (s *PendingStore) IsCurrent(userID, attemptID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	return ok && rec.AttemptID == attemptID
}

// Len returns the number of live records.
func (s *PendingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// IsEmpty reports whether no challenge is in flight.
func (s *PendingStore) IsEmpty() bool {
	return s.Len() == 0
}

// Snapshot returns a copy of every live record ordered by creation time.
func (s *PendingStore) Snapshot() []ChallengeRecord {
	s.mu.RLock()
	list := make([]ChallengeRecord, 0, len(s.records))
	for _, rec := range s.records {
		list = append(list, rec)
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].UserID < list[j].UserID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Drain closes the store and returns every record it held. Later Puts fail
// with ErrStoreClosed.
func (s *PendingStore) Drain() []ChallengeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	list := make([]ChallengeRecord, 0, len(s.records))
	for _, rec := range s.records {
		list = append(list, rec)
	}
	s.records = make(map[string]ChallengeRecord)
	return list
}
