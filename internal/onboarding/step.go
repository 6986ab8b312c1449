package onboarding

import (
	"context"
	"encoding/json"

	"github.com/JakeFAU/mailbox-onboarding/internal/store"
)

// Status is the display stage of a step.
type Status string

// Step statuses, in the only order a step may move through them.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
)

// Verified is the tri-state outcome of a step's backend check.
type Verified int8

// Verification outcomes.
const (
	VerifiedUnknown Verified = iota
	VerifiedTrue
	VerifiedFalse
)

// String implements fmt.Stringer.
func (v Verified) String() string {
	switch v {
	case VerifiedTrue:
		return "true"
	case VerifiedFalse:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalJSON renders unknown as null.
func (v Verified) MarshalJSON() ([]byte, error) {
	switch v {
	case VerifiedTrue:
		return []byte("true"), nil
	case VerifiedFalse:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts true, false or null.
func (v *Verified) UnmarshalJSON(data []byte) error {
	var b *bool
	if err := json.Unmarshal(data, &b); err != nil {
		return err //nolint:wrapcheck
	}
	switch {
	case b == nil:
		*v = VerifiedUnknown
	case *b:
		*v = VerifiedTrue
	default:
		*v = VerifiedFalse
	}
	return nil
}

func verifiedFrom(ok bool) Verified {
	if ok {
		return VerifiedTrue
	}
	return VerifiedFalse
}

// Glyph is the icon a renderer shows for a step.
type Glyph string

// Glyphs.
const (
	GlyphPending    Glyph = "pending"
	GlyphInProgress Glyph = "in_progress"
	GlyphSuccess    Glyph = "success"
	GlyphFailure    Glyph = "failure"
)

// GlyphFor maps a step's status and verification to its icon. A complete step
// is optimistic: only an explicit false shows failure.
func GlyphFor(status Status, verified Verified) Glyph {
	switch status {
	case StatusInProgress:
		return GlyphInProgress
	case StatusComplete:
		if verified == VerifiedFalse {
			return GlyphFailure
		}
		return GlyphSuccess
	default:
		return GlyphPending
	}
}

// Predicate checks whether the real work behind a step has happened.
type Predicate func(ctx context.Context) (bool, error)

// StepSpec configures one step of a session.
type StepSpec struct {
	Description string
	Kind        store.StepKind
	// Verify is nil for steps that need no backend check.
	Verify Predicate
}

// Step is the ledger record for one step.
type Step struct {
	Description string
	Kind        store.StepKind
	Status      Status
	Verified    Verified

	verifiable bool
}

// Glyph returns the icon for the step.
func (s Step) Glyph() Glyph {
	return GlyphFor(s.Status, s.Verified)
}
