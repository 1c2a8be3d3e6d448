// Package engine defines the storage contracts shared by the guard daemon,
// its admin surfaces and the SDK.
package engine

import "errors"

var (
	// ErrBanNotFound is returned when removing a user that is not banned.
	ErrBanNotFound = errors.New("user not banned")
	// ErrStoreClosed is returned by stores that have been shut down.
	ErrStoreClosed = errors.New("store closed")
	// ErrInvalidUserID is returned for empty or whitespace-only user IDs.
	ErrInvalidUserID = errors.New("invalid user id")
)

// BanReader answers blacklist lookups.
type BanReader interface {
	// Contains reports whether userID is banned.
	Contains(userID string) (bool, error)
	// List returns every banned user ID, sorted.
	List() ([]string, error)
}

// BanWriter mutates the blacklist.
type BanWriter interface {
	// Add bans userID. It reports false if the user was already banned.
	Add(userID string) (bool, error)
	// Remove lifts a ban, returning ErrBanNotFound if there was none.
	Remove(userID string) error
}

// BanStore is the blacklist contract. Both the file-backed memory store
// and the SQLite store implement it.
type BanStore interface {
	BanReader
	BanWriter
	// Close flushes pending writes and releases resources.
	Close() error
}
