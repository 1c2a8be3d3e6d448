package engine

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/celerix-dev/celerix-guard/pkg/schema"
)

const banFileName = "bans.json"

// Persistence handles the disk I/O for the BanList.
type Persistence struct {
	DataDir string
	mu      sync.Mutex // Protects concurrent writes to the filesystem
}

// NewPersistence initializes a persistence handler rooted at dir.
func NewPersistence(dir string) (*Persistence, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Persistence{DataDir: dir}, nil
}

// SaveBans writes the ban list to disk atomically.
func (p *Persistence) SaveBans(userIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	filePath := filepath.Join(p.DataDir, banFileName)
	tempPath := filePath + ".tmp"

	entries := make([]schema.BanEntry, 0, len(userIDs))
	for _, id := range userIDs {
		entries = append(entries, schema.BanEntry{UserID: id})
	}
	bytes, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tempPath, bytes, 0644); err != nil {
		return err
	}
	// Rename is atomic on POSIX: readers see the old file or the new one.
	return os.Rename(tempPath, filePath)
}

// LoadBans returns the persisted ban list. A missing file is an empty list.
func (p *Persistence) LoadBans() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	content, err := os.ReadFile(filepath.Join(p.DataDir, banFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []schema.BanEntry
	if err := json.Unmarshal(content, &entries); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.UserID)
	}
	return ids, nil
}
