// Package engine holds the guard's in-memory state: the pending challenge
// store and the blacklist backends.
package engine

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-guard/pkg/engine"
)

// BanList is a thread-safe blacklist kept in memory and written through to
// disk in the background.
type BanList struct {
	mu        sync.RWMutex
	users     map[string]struct{}
	persister *Persistence
	writeMu   sync.Mutex
	wg        sync.WaitGroup
	logger    *zap.Logger
}

// NewBanList initializes a ban list from existing IDs (from LoadBans) and a
// persister. Either may be nil.
func NewBanList(initial []string, p *Persistence, logger *zap.Logger) *BanList {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &BanList{
		users:     make(map[string]struct{}, len(initial)),
		persister: p,
		logger:    logger.Named("banlist"),
	}
	for _, id := range initial {
		if id = strings.TrimSpace(id); id != "" {
			b.users[id] = struct{}{}
		}
	}
	return b
}

// Wait waits for all background persistence tasks to complete.
func (b *BanList) Wait() {
	b.wg.Wait()
}

func (b *BanList) Contains(userID string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.users[strings.TrimSpace(userID)]
	return ok, nil
}

func (b *BanList) List() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sortedLocked(), nil
}

func (b *BanList) Add(userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, engine.ErrInvalidUserID
	}

	b.mu.Lock()
	if _, ok := b.users[userID]; ok {
		b.mu.Unlock()
		return false, nil
	}
	b.users[userID] = struct{}{}
	b.mu.Unlock()

	b.persist()
	b.logger.Info("user banned", zap.String("user_id", userID))
	return true, nil
}

func (b *BanList) Remove(userID string) error {
	userID = strings.TrimSpace(userID)

	b.mu.Lock()
	if _, ok := b.users[userID]; !ok {
		b.mu.Unlock()
		return engine.ErrBanNotFound
	}
	delete(b.users, userID)
	b.mu.Unlock()

	b.persist()
	b.logger.Info("user unbanned", zap.String("user_id", userID))
	return nil
}

// Close waits for outstanding writes.
func (b *BanList) Close() error {
	b.Wait()
	return nil
}

// sortedLocked copies the current IDs. It MUST be called while holding b.mu.
func (b *BanList) sortedLocked() []string {
	list := make([]string, 0, len(b.users))
	for id := range b.users {
		list = append(list, id)
	}
	sort.Strings(list)
	return list
}

// persist writes the list in the background. Each write re-reads the
// current state under writeMu, so the last write to land is never stale.
func (b *BanList) persist() {
	if b.persister == nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.writeMu.Lock()
		defer b.writeMu.Unlock()
		snapshot, _ := b.List()
		if err := b.persister.SaveBans(snapshot); err != nil {
			b.logger.Error("persist ban list", zap.Error(err))
		}
	}()
}

var _ engine.BanStore = (*BanList)(nil)
