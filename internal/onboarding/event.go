package onboarding

import "fmt"

// EventType discriminates ledger events.
type EventType string

// Ledger event types.
const (
	EventAdvance      EventType = "ADVANCE"
	EventDataResolved EventType = "DATA_RESOLVED"
)

// NoStep is the Advance payload when no step has started yet.
const NoStep = -1

// Event is the only input to the ledger reducer.
type Event struct {
	Type EventType
	// Index is the previously in-progress step for ADVANCE (NoStep if none)
	// and the resolved step for DATA_RESOLVED.
	Index int
	// Result is the verification outcome for DATA_RESOLVED.
	Result bool
	// Generation stamps DATA_RESOLVED events with the session generation that
	// launched the check.
	Generation uint64
}

// Advance builds an ADVANCE event completing prev and starting prev+1.
func Advance(prev int) Event {
	return Event{Type: EventAdvance, Index: prev}
}

// DataResolved builds a DATA_RESOLVED event for step index.
func DataResolved(index int, result bool) Event {
	return Event{Type: EventDataResolved, Index: index, Result: result}
}

// String implements fmt.Stringer for logs.
func (e Event) String() string {
	if e.Type == EventDataResolved {
		return fmt.Sprintf("%s(%d, %t)", e.Type, e.Index, e.Result)
	}
	return fmt.Sprintf("%s(%d)", e.Type, e.Index)
}
