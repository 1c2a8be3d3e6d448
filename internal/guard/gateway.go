package guard

import (
	"context"
	"fmt"
)

// Gateway is the slice of the chat protocol client the guard needs. The
// OneBot client implements it.
type Gateway interface {
	SendGroupMessage(ctx context.Context, groupID, text string) error
	// MemberDisplayName returns the member's group card or nickname.
	MemberDisplayName(ctx context.Context, groupID, userID string) (string, error)
	KickMember(ctx context.Context, groupID, userID string) error
	// Mention renders the platform markup that mentions userID.
	Mention(userID string) string
}

// DeliveryError is a failed outward side effect (message or kick).
type DeliveryError struct {
	Op  string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery %s: %v", e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// LookupError is a failed read from the platform, e.g. a nickname fetch.
type LookupError struct {
	Op  string
	Err error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup %s: %v", e.Op, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }
