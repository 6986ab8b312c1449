package onboarding

import "fmt"

// Transition describes what a single event changed. Fields are NoStep when
// nothing of that kind happened.
type Transition struct {
	Completed int
	Started   int
	Resolved  int
}

func noTransition() Transition {
	return Transition{Completed: NoStep, Started: NoStep, Resolved: NoStep}
}

// Changed reports whether the event mutated the ledger.
func (t Transition) Changed() bool {
	return t.Completed != NoStep || t.Started != NoStep || t.Resolved != NoStep
}

// Ledger is the ordered, fixed-length list of steps. It is a plain reducer and
// is not safe for concurrent use.
type Ledger struct {
	steps []Step
}

// NewLedger builds an all-pending ledger from specs.
func NewLedger(specs []StepSpec) *Ledger {
	steps := make([]Step, len(specs))
	for i, spec := range specs {
		steps[i] = Step{
			Description: spec.Description,
			Kind:        spec.Kind,
			Status:      StatusPending,
			Verified:    VerifiedUnknown,
			verifiable:  spec.Verify != nil,
		}
	}
	return &Ledger{steps: steps}
}

// Len returns the number of steps.
func (l *Ledger) Len() int { return len(l.steps) }

// Step returns a copy of step i.
func (l *Ledger) Step(i int) Step { return l.steps[i] }

// Steps returns a copy of every step.
func (l *Ledger) Steps() []Step { return append([]Step(nil), l.steps...) }

// Current returns the index of the in-progress step.
func (l *Ledger) Current() (int, bool) {
	for i, s := range l.steps {
		if s.Status == StatusInProgress {
			return i, true
		}
	}
	return NoStep, false
}

// Terminal reports whether the final step is complete.
func (l *Ledger) Terminal() bool {
	if len(l.steps) == 0 {
		return true
	}
	return l.steps[len(l.steps)-1].Status == StatusComplete
}

// Apply reduces one event into the ledger. Stale or out-of-order events are
// ignored; only an unknown event type is an error.
func (l *Ledger) Apply(evt Event) (Transition, error) {
	switch evt.Type {
	case EventAdvance:
		return l.advance(evt.Index), nil
	case EventDataResolved:
		return l.resolve(evt.Index, evt.Result)
	default:
		return noTransition(), fmt.Errorf("%w: %q", ErrUnknownEvent, evt.Type)
	}
}

func (l *Ledger) advance(prev int) Transition {
	tr := noTransition()
	if prev < NoStep || prev >= len(l.steps) {
		return tr
	}
	if cur, _ := l.Current(); prev != cur {
		return tr
	}
	if prev != NoStep {
		l.steps[prev].Status = StatusComplete
		tr.Completed = prev
	}
	next := prev + 1
	if next >= len(l.steps) || l.steps[next].Status != StatusPending {
		return tr
	}
	l.steps[next].Status = StatusInProgress
	tr.Started = next
	if !l.steps[next].verifiable {
		l.steps[next].Verified = VerifiedTrue
		tr.Resolved = next
	}
	return tr
}

func (l *Ledger) resolve(i int, result bool) (Transition, error) {
	tr := noTransition()
	if i < 0 || i >= len(l.steps) {
		return tr, fmt.Errorf("%w: %d", ErrStepOutOfRange, i)
	}
	step := &l.steps[i]
	if step.Status == StatusPending || step.Verified != VerifiedUnknown {
		return tr, nil
	}
	step.Verified = verifiedFrom(result)
	tr.Resolved = i
	return tr, nil
}
