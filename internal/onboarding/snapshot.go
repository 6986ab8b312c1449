package onboarding

import (
	"time"

	"github.com/JakeFAU/mailbox-onboarding/internal/store"
)

// StepView is the read-only rendering of one step.
type StepView struct {
	Index       int            `json:"index"`
	Description string         `json:"description"`
	Kind        store.StepKind `json:"kind,omitempty"`
	Status      Status         `json:"status"`
	Verified    Verified       `json:"verified"`
	Glyph       Glyph          `json:"glyph"`
}

// Snapshot is an immutable copy of a session's ledger.
type Snapshot struct {
	SessionID string     `json:"session_id"`
	UserID    int64      `json:"user_id"`
	Version   uint64     `json:"version"`
	Steps     []StepView `json:"steps"`
	// Current is the in-progress index, nil when nothing is running.
	Current   *int  `json:"current,omitempty"`
	ElapsedMS int64 `json:"elapsed_ms"`
	// Done is set once the final step is complete and every check settled.
	Done bool `json:"done"`
	// Stopped is set when the session was unmounted before finishing.
	Stopped bool `json:"stopped"`
}

// Glyphs returns the glyph of every step in order.
func (s Snapshot) Glyphs() []Glyph {
	out := make([]Glyph, len(s.Steps))
	for i, st := range s.Steps {
		out[i] = st.Glyph
	}
	return out
}

// Terminal reports whether the final step is complete.
func (s Snapshot) Terminal() bool {
	return len(s.Steps) == 0 || s.Steps[len(s.Steps)-1].Status == StatusComplete
}

func buildSnapshot(id string, userID int64, version uint64, l *Ledger, elapsed time.Duration) Snapshot {
	steps := l.Steps()
	views := make([]StepView, len(steps))
	for i, st := range steps {
		views[i] = StepView{
			Index:       i,
			Description: st.Description,
			Kind:        st.Kind,
			Status:      st.Status,
			Verified:    st.Verified,
			Glyph:       st.Glyph(),
		}
	}
	snap := Snapshot{
		SessionID: id,
		UserID:    userID,
		Version:   version,
		Steps:     views,
		ElapsedMS: elapsed.Milliseconds(),
	}
	if cur, ok := l.Current(); ok {
		snap.Current = &cur
	}
	return snap
}
