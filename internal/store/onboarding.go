// Package store declares the onboarding data collaborators.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("onboarding record not found")

// StepKind names a backend effect that an onboarding step can be checked against.
type StepKind string

// Step kinds understood by the Checker implementations.
const (
	KindNone              StepKind = ""
	KindAccountCreated    StepKind = "account_created"
	KindMailboxSynced     StepKind = "mailbox_synced"
	KindMailboxSubscribed StepKind = "mailbox_subscribed"
)

// ParseStepKind validates a configured kind. The empty string means the step
// has no backend check.
func ParseStepKind(raw string) (StepKind, error) {
	switch k := StepKind(raw); k {
	case KindNone, KindAccountCreated, KindMailboxSynced, KindMailboxSubscribed:
		return k, nil
	default:
		return KindNone, fmt.Errorf("unknown step kind %q", raw)
	}
}

// User is the slice of the users table the onboarding flow needs.
type User struct {
	// PK is the numeric primary key used by every mailbox table.
	PK int64 `json:"pk"`
	// Email is the address the user signed up with.
	Email string `json:"email"`
}

// UserRepository resolves users for a new onboarding session.
type UserRepository interface {
	// GetUserByClerkID loads a user by identity-provider ID or returns ErrNotFound.
	GetUserByClerkID(ctx context.Context, clerkID string) (User, error)
}

// Checker reports whether the backend work behind a step has produced data.
// Implementations return false (not an error) when there is simply no
// corroborating data yet; errors are reserved for transport failures.
type Checker interface {
	CheckStepComplete(ctx context.Context, userID int64, kind StepKind) (bool, error)
}
