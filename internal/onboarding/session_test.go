package onboarding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/mailbox-onboarding/internal/clock/manual"
	"github.com/JakeFAU/mailbox-onboarding/internal/pacing"
	"github.com/JakeFAU/mailbox-onboarding/internal/progress"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testPeriod = 100 * time.Millisecond

func newTestSession(t *testing.T, steps []StepSpec, intervals ...time.Duration) (*Session, *manual.Clock, *recordingEmitter) {
	t.Helper()
	if len(intervals) == 0 {
		intervals = []time.Duration{testPeriod}
	}
	clk := manual.New(time.Unix(1700000000, 0))
	em := &recordingEmitter{}
	s, err := NewSession(Config{
		ID:           "session-1",
		UserID:       42,
		Steps:        steps,
		TickInterval: testPeriod,
		Intervals:    pacing.NewFixed(intervals...),
		Tickers:      clk,
		Clock:        clk,
		Emitter:      em,
	})
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s, clk, em
}

func constPredicate(ok bool, err error) Predicate {
	return func(context.Context) (bool, error) { return ok, err }
}

// settle waits for the in-flight check to post its result and applies it.
func settle(t *testing.T, s *Session) {
	t.Helper()
	select {
	case v := <-s.results:
		s.handleResult(v)
	case <-time.After(time.Second):
		t.Fatal("verification never resolved")
	}
}

// TestSessionFinalGlyphs drives [none, true, false] to the terminal state.
func TestSessionFinalGlyphs(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(t, []StepSpec{
		{Description: "Creating your account"},
		{Description: "Syncing with Gmail", Verify: constPredicate(true, nil)},
		{Description: "Subscribing to new emails", Verify: constPredicate(false, nil)},
	})

	s.handleTick()
	require.Equal(t, []Glyph{GlyphInProgress, GlyphPending, GlyphPending}, s.Snapshot().Glyphs())

	s.handleTick()
	settle(t, s)
	s.handleTick()
	settle(t, s)
	s.handleTick()

	snap := s.Snapshot()
	require.True(t, snap.Terminal())
	require.Nil(t, snap.Current)
	require.Equal(t, []Glyph{GlyphSuccess, GlyphSuccess, GlyphFailure}, snap.Glyphs())
	require.Empty(t, s.inflight)
}

// TestSessionPacing checks advances land on the configured intervals.
func TestSessionPacing(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(t, []StepSpec{{}, {}, {}}, 500*time.Millisecond, 1000*time.Millisecond, time.Hour)

	var advancedAt []time.Duration
	last := NoStep
	for i := 0; i < 30; i++ {
		s.handleTick()
		cur, ok := s.ledger.Current()
		if ok && cur != last {
			advancedAt = append(advancedAt, s.policy.Elapsed())
			last = cur
		}
	}
	require.Len(t, advancedAt, 2)
	require.InDelta(t, float64(500*time.Millisecond), float64(advancedAt[0]), float64(testPeriod))
	require.InDelta(t, float64(1500*time.Millisecond), float64(advancedAt[1]), float64(testPeriod))
}

// TestSessionVerifiesOnce re-evaluates a slow check on every tick and expects one call.
func TestSessionVerifiesOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	s, _, _ := newTestSession(t, []StepSpec{{
		Description: "Syncing with Gmail",
		Verify: func(context.Context) (bool, error) {
			calls.Add(1)
			<-release
			return true, nil
		},
	}}, testPeriod, time.Hour)

	for i := 0; i < 10; i++ {
		s.handleTick()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, s.inflight, 1)

	close(release)
	settle(t, s)
	for i := 0; i < 10; i++ {
		s.handleTick()
	}
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, VerifiedTrue, s.Snapshot().Steps[0].Verified)
}

// TestSessionPredicateErrorsMapToFalse covers both error returns and panics.
func TestSessionPredicateErrorsMapToFalse(t *testing.T) {
	t.Parallel()

	s, _, em := newTestSession(t, []StepSpec{
		{Kind: "mailbox_synced", Verify: constPredicate(true, errors.New("connection reset"))},
		{Kind: "mailbox_subscribed", Verify: func(context.Context) (bool, error) { panic("boom") }},
	})

	s.handleTick()
	settle(t, s)
	s.handleTick()
	settle(t, s)
	s.handleTick()

	require.Equal(t, []Glyph{GlyphFailure, GlyphFailure}, s.Snapshot().Glyphs())
	verified := em.byStage(progress.StageStepVerified)
	require.Len(t, verified, 2)
	require.Equal(t, "connection reset", verified[0].Note)
	require.Contains(t, verified[1].Note, "boom")
}

// TestSessionDiscardsStaleResults ensures a result from an older generation is ignored.
func TestSessionDiscardsStaleResults(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(t, []StepSpec{{Verify: constPredicate(true, nil)}})
	s.handleTick()
	v := <-s.results
	s.generation.Add(1)
	s.handleResult(v)

	require.Equal(t, VerifiedUnknown, s.ledger.Step(0).Verified)
	require.Empty(t, s.inflight)
}

// TestSessionUnknownEventIsFatal verifies an unknown event is logged at panic
// level and aborts the session goroutine.
func TestSessionUnknownEventIsFatal(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	clk := manual.New(time.Unix(1700000000, 0))
	s, err := NewSession(Config{
		ID:        "session-1",
		Steps:     []StepSpec{{}},
		Intervals: pacing.NewFixed(testPeriod),
		Tickers:   clk,
		Clock:     clk,
		Logger:    zap.New(core),
	})
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	require.PanicsWithValue(t, "ledger rejected event", func() { s.apply(Event{Type: "REWIND"}, 0, "") })
	entries := logs.FilterMessage("ledger rejected event").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.PanicLevel, entries[0].Level)
}

// TestSessionVerificationLatencyUsesClock checks reported latency follows the
// injected clock.
func TestSessionVerificationLatencyUsesClock(t *testing.T) {
	t.Parallel()

	var clk *manual.Clock
	s, clk, em := newTestSession(t, []StepSpec{{
		Kind: "mailbox_synced",
		Verify: func(context.Context) (bool, error) {
			clk.Advance(1500 * time.Millisecond)
			return true, nil
		},
	}})

	s.handleTick()
	settle(t, s)

	verified := em.byStage(progress.StageStepVerified)
	require.Len(t, verified, 1)
	require.Equal(t, 1500*time.Millisecond, verified[0].Dur)
}

// TestSessionRunsToCompletion mounts a session on a manual clock and ticks it
// until the ticker is released.
func TestSessionRunsToCompletion(t *testing.T) {
	t.Parallel()

	s, clk, em := newTestSession(t, []StepSpec{
		{Description: "Creating your account"},
		{Description: "Syncing with Gmail", Verify: constPredicate(true, nil)},
		{Description: "Subscribing to new emails", Verify: constPredicate(false, nil)},
	})
	updates, cancel := s.Subscribe()
	defer cancel()
	require.Equal(t, uint64(0), (<-updates).Version)

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	tk := clk.Last()
	require.NotNil(t, tk)
	require.Equal(t, testPeriod, tk.Period())

	for tk.Fire() {
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never finished")
	}

	snap := s.Snapshot()
	require.True(t, snap.Done)
	require.False(t, snap.Stopped)
	require.Equal(t, []Glyph{GlyphSuccess, GlyphSuccess, GlyphFailure}, snap.Glyphs())
	require.True(t, tk.Stopped(), "ticker released at terminal state")
	require.False(t, tk.Fire(), "no further ticks are delivered")

	var last Snapshot
	for u := range updates {
		last = u
	}
	require.True(t, last.Done)

	require.Len(t, em.byStage(progress.StageSessionStart), 1)
	require.Len(t, em.byStage(progress.StageStepStart), 3)
	require.Len(t, em.byStage(progress.StageStepComplete), 3)
	require.Len(t, em.byStage(progress.StageSessionDone), 1)
	require.Len(t, clk.Tickers(), 1)
}

// TestSessionStopMidVerification unmounts while a check is outstanding and
// then lets the check resolve.
func TestSessionStopMidVerification(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	s, clk, em := newTestSession(t, []StepSpec{{
		Description: "Syncing with Gmail",
		Verify: func(context.Context) (bool, error) {
			close(entered)
			<-release
			return true, nil
		},
	}})
	require.NoError(t, s.Start())
	require.True(t, clk.Last().Fire())
	<-entered

	s.Stop()
	before := s.Snapshot()
	require.True(t, before.Stopped)
	require.True(t, clk.Last().Stopped())

	close(release)
	s.verifiers.Wait()

	require.Equal(t, VerifiedUnknown, s.ledger.Step(0).Verified)
	require.Equal(t, before, s.Snapshot())
	require.Len(t, em.byStage(progress.StageSessionStop), 1)
	require.ErrorIs(t, s.Start(), ErrClosed)
}

// TestSessionStopCancelsPredicateContext checks predicates observe unmount.
func TestSessionStopCancelsPredicateContext(t *testing.T) {
	t.Parallel()

	cancelled := make(chan struct{})
	s, clk, _ := newTestSession(t, []StepSpec{{
		Verify: func(ctx context.Context) (bool, error) {
			<-ctx.Done()
			close(cancelled)
			return false, ctx.Err()
		},
	}})
	require.NoError(t, s.Start())
	require.True(t, clk.Last().Fire())
	s.Stop()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("predicate context was not cancelled")
	}
	s.verifiers.Wait()
}

func TestSessionStopBeforeStart(t *testing.T) {
	t.Parallel()

	s, clk, _ := newTestSession(t, []StepSpec{{}})
	updates, _ := s.Subscribe()
	s.Stop()
	s.Stop()
	<-s.Done()
	require.True(t, s.Snapshot().Stopped)
	require.Empty(t, clk.Tickers())
	for range updates {
	}
	late, cancel := s.Subscribe()
	cancel()
	require.True(t, (<-late).Stopped)
}

func TestNewSessionValidation(t *testing.T) {
	t.Parallel()

	_, err := NewSession(Config{ID: "x"})
	require.ErrorIs(t, err, ErrNoSteps)
	_, err = NewSession(Config{Steps: []StepSpec{{}}})
	require.Error(t, err)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) byStage(stage progress.Stage) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, evt := range r.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}
