// Package schema defines the wire types exchanged by the guard daemon, the
// admin API and the SDK.
package schema

import "time"

// PendingChallenge describes an in-flight verification. The expected
// answer is deliberately absent.
type PendingChallenge struct {
	UserID     string    `json:"user_id"`
	GroupID    string    `json:"group_id"`
	MemberName string    `json:"member_name"`
	Question   string    `json:"question"`
	AttemptID  string    `json:"attempt_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// BanEntry is one blacklisted user.
type BanEntry struct {
	UserID string `json:"user_id"`
}

// BanStatus is the response to a ban lookup or mutation. Added is only set
// by a ban that changed the list.
type BanStatus struct {
	UserID string `json:"user_id"`
	Banned bool   `json:"banned"`
	Added  bool   `json:"added,omitempty"`
}
