package onboarding

import "errors"

var (
	// ErrUnknownEvent is returned by the reducer for an event type it does not
	// handle. Sessions treat it as fatal.
	ErrUnknownEvent = errors.New("onboarding: unknown event type")
	// ErrStepOutOfRange reports an event addressing a step that does not exist.
	ErrStepOutOfRange = errors.New("onboarding: step index out of range")
	// ErrNoSteps is returned when a session is configured without steps.
	ErrNoSteps = errors.New("onboarding: at least one step is required")
	// ErrClosed is returned when starting a session or manager that was stopped.
	ErrClosed = errors.New("onboarding: closed")
	// ErrSessionNotFound is returned by the Manager for unknown session IDs.
	ErrSessionNotFound = errors.New("onboarding: session not found")
	// ErrTooManySessions is returned when the Manager is at capacity.
	ErrTooManySessions = errors.New("onboarding: too many active sessions")
)
