package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported onboarding stages.
const (
	StageSessionStart Stage = "SESSION_START"
	StageStepStart    Stage = "STEP_START"
	StageStepComplete Stage = "STEP_COMPLETE"
	StageStepVerified Stage = "STEP_VERIFIED"
	StageSessionDone  Stage = "SESSION_DONE"
	StageSessionStop  Stage = "SESSION_STOP"
)

// Event captures a single onboarding milestone.
type Event struct {
	// SessionID identifies the onboarding session that emitted the event.
	SessionID string
	// UserID is the users.pk the session was mounted for.
	UserID int64
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// StepIndex is the ledger index for step stages.
	StepIndex int
	// StepKind names the backend check bound to the step, if any.
	StepKind string
	// Verified is the verification outcome for StageStepVerified.
	Verified bool
	// Dur is the verification latency or the session lifetime.
	Dur time.Duration
	// Note carries low-volume debug context such as a predicate error.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageSessionDone, StageSessionStop:
	case StageStepStart, StageStepComplete, StageStepVerified:
		if e.StepIndex < 0 {
			return fmt.Errorf("%s requires a step index", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Result labels a verification outcome for logs and metrics.
func (e Event) Result() string {
	if e.Verified {
		return "confirmed"
	}
	return "unconfirmed"
}
