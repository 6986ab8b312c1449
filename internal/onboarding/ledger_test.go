package onboarding

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func alwaysTrue(context.Context) (bool, error) { return true, nil }

func threeSteps() []StepSpec {
	return []StepSpec{
		{Description: "Creating your account"},
		{Description: "Syncing with Gmail", Kind: "mailbox_synced", Verify: alwaysTrue},
		{Description: "Subscribing to new emails", Kind: "mailbox_subscribed", Verify: alwaysTrue},
	}
}

func statuses(l *Ledger) []Status {
	out := make([]Status, l.Len())
	for i, s := range l.Steps() {
		out[i] = s.Status
	}
	return out
}

func TestLedgerAdvanceWalksSteps(t *testing.T) {
	t.Parallel()

	l := NewLedger(threeSteps())
	require.Equal(t, []Status{StatusPending, StatusPending, StatusPending}, statuses(l))
	_, ok := l.Current()
	require.False(t, ok)

	tr, err := l.Apply(Advance(NoStep))
	require.NoError(t, err)
	require.Equal(t, Transition{Completed: NoStep, Started: 0, Resolved: 0}, tr)
	require.Equal(t, VerifiedTrue, l.Step(0).Verified, "steps without a check verify on start")

	tr, err = l.Apply(Advance(0))
	require.NoError(t, err)
	require.Equal(t, Transition{Completed: 0, Started: 1, Resolved: NoStep}, tr)
	require.Equal(t, VerifiedUnknown, l.Step(1).Verified)

	_, err = l.Apply(Advance(1))
	require.NoError(t, err)
	_, err = l.Apply(Advance(2))
	require.NoError(t, err)
	require.Equal(t, []Status{StatusComplete, StatusComplete, StatusComplete}, statuses(l))
	require.True(t, l.Terminal())

	tr, err = l.Apply(Advance(NoStep))
	require.NoError(t, err)
	require.False(t, tr.Changed(), "advancing past the last step is a no-op")
	tr, err = l.Apply(Advance(3))
	require.NoError(t, err)
	require.False(t, tr.Changed())
}

func TestLedgerIgnoresStaleAdvance(t *testing.T) {
	t.Parallel()

	l := NewLedger(threeSteps())
	_, err := l.Apply(Advance(NoStep))
	require.NoError(t, err)

	for _, prev := range []int{NoStep, 1, 2, -5} {
		tr, err := l.Apply(Advance(prev))
		require.NoError(t, err)
		require.False(t, tr.Changed(), "advance(%d) with step 0 running", prev)
	}
	require.Equal(t, []Status{StatusInProgress, StatusPending, StatusPending}, statuses(l))
}

func TestLedgerDataResolved(t *testing.T) {
	t.Parallel()

	l := NewLedger(threeSteps())

	tr, err := l.Apply(DataResolved(1, true))
	require.NoError(t, err)
	require.False(t, tr.Changed(), "pending steps are never annotated")
	require.Equal(t, VerifiedUnknown, l.Step(1).Verified)

	_, err = l.Apply(Advance(NoStep))
	require.NoError(t, err)
	_, err = l.Apply(Advance(0))
	require.NoError(t, err)

	tr, err = l.Apply(DataResolved(1, false))
	require.NoError(t, err)
	require.Equal(t, 1, tr.Resolved)
	before := l.Steps()

	tr, err = l.Apply(DataResolved(1, false))
	require.NoError(t, err)
	require.False(t, tr.Changed())
	require.Equal(t, before, l.Steps(), "second resolution leaves the ledger unchanged")

	tr, err = l.Apply(DataResolved(1, true))
	require.NoError(t, err)
	require.False(t, tr.Changed(), "first resolution wins")
	require.Equal(t, VerifiedFalse, l.Step(1).Verified)

	_, err = l.Apply(DataResolved(7, true))
	require.ErrorIs(t, err, ErrStepOutOfRange)
}

func TestLedgerResolvesAfterVisualCompletion(t *testing.T) {
	t.Parallel()

	l := NewLedger(threeSteps())
	for _, prev := range []int{NoStep, 0, 1} {
		_, err := l.Apply(Advance(prev))
		require.NoError(t, err)
	}
	require.Equal(t, StatusComplete, l.Step(1).Status)
	require.Equal(t, GlyphSuccess, l.Step(1).Glyph(), "complete and unverified is optimistic")

	_, err := l.Apply(DataResolved(1, false))
	require.NoError(t, err)
	require.Equal(t, GlyphFailure, l.Step(1).Glyph())
}

func TestLedgerUnknownEvent(t *testing.T) {
	t.Parallel()

	l := NewLedger(threeSteps())
	_, err := l.Apply(Event{Type: "RESET"})
	require.ErrorIs(t, err, ErrUnknownEvent)
}

// TestLedgerInvariantsUnderRandomEvents feeds random event sequences and checks
// the single-runner, monotonic and no-skip invariants after every event.
func TestLedgerInvariantsUnderRandomEvents(t *testing.T) {
	t.Parallel()

	rank := map[Status]int{StatusPending: 0, StatusInProgress: 1, StatusComplete: 2}
	rng := rand.New(rand.NewPCG(1, 2))
	for run := 0; run < 200; run++ {
		n := 1 + rng.IntN(6)
		specs := make([]StepSpec, n)
		for i := range specs {
			if rng.IntN(2) == 0 {
				specs[i].Verify = alwaysTrue
			}
		}
		l := NewLedger(specs)
		prevStatus := statuses(l)
		for i := 0; i < 40; i++ {
			var evt Event
			switch rng.IntN(3) {
			case 0:
				cur, _ := l.Current()
				evt = Advance(cur)
			case 1:
				evt = Advance(rng.IntN(n+2) - 1)
			default:
				evt = DataResolved(rng.IntN(n), rng.IntN(2) == 0)
			}
			_, err := l.Apply(evt)
			require.NoError(t, err)

			running := 0
			for j, st := range l.Steps() {
				if st.Status == StatusInProgress {
					running++
				}
				require.GreaterOrEqual(t, rank[st.Status], rank[prevStatus[j]], "status regressed at %d", j)
				if st.Status == StatusPending {
					require.Equal(t, VerifiedUnknown, st.Verified, "pending step %d was annotated", j)
				}
				if st.Status != StatusPending {
					for k := 0; k < j; k++ {
						require.Equal(t, StatusComplete, l.Step(k).Status, "step %d started before %d completed", j, k)
					}
				}
			}
			require.LessOrEqual(t, running, 1)
			prevStatus = statuses(l)
		}
	}
}

func TestGlyphFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status   Status
		verified Verified
		want     Glyph
	}{
		{StatusPending, VerifiedUnknown, GlyphPending},
		{StatusInProgress, VerifiedUnknown, GlyphInProgress},
		{StatusInProgress, VerifiedFalse, GlyphInProgress},
		{StatusComplete, VerifiedUnknown, GlyphSuccess},
		{StatusComplete, VerifiedTrue, GlyphSuccess},
		{StatusComplete, VerifiedFalse, GlyphFailure},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, GlyphFor(tc.status, tc.verified), "%s/%s", tc.status, tc.verified)
	}
}
