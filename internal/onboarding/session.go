package onboarding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mailbox-onboarding/internal/clock"
	"github.com/JakeFAU/mailbox-onboarding/internal/clock/system"
	"github.com/JakeFAU/mailbox-onboarding/internal/pacing"
	"github.com/JakeFAU/mailbox-onboarding/internal/progress"
)

// DefaultTickInterval is the pacing ticker period.
const DefaultTickInterval = 100 * time.Millisecond

// Config wires a Session to its collaborators.
//   - ID, UserID: identity of the session, copied into snapshots and events.
//   - Steps: the ledger definition; fixed for the life of the session.
//   - TickInterval: ticker period P (default 100ms).
//   - Intervals: source of pauses between advances (default uniform [250ms, 2250ms)).
//   - Tickers, Clock: time sources (default package system).
//   - Emitter: receives progress events (default discards).
//   - BaseContext: parent of the context handed to predicates.
//   - Logger: optional structured logger.
type Config struct {
	ID           string
	UserID       int64
	Steps        []StepSpec
	TickInterval time.Duration
	Intervals    pacing.IntervalSource
	Tickers      clock.TickerFactory
	Clock        clock.Clock
	Emitter      progress.Emitter
	BaseContext  context.Context
	Logger       *zap.Logger
}

type verification struct {
	evt     Event
	latency time.Duration
	err     error
}

// Session is one mounted onboarding view: a ledger, its pacing state and the
// ticker driving it. All ledger mutation happens on the goroutine started by
// Start; other goroutines only read Snapshots.
type Session struct {
	cfg    Config
	logger *zap.Logger

	// Owned by the session goroutine.
	ledger    *Ledger
	policy    *pacing.Policy
	ticker    clock.Ticker
	tickC     <-chan time.Time
	inflight  map[int]struct{}
	version   uint64
	startedAt time.Time

	results    chan verification
	generation atomic.Uint64
	ctx        context.Context
	cancel     context.CancelFunc
	verifiers  sync.WaitGroup

	lifeMu  sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	snapMu sync.RWMutex
	snap   Snapshot

	subMu      sync.Mutex
	subs       map[uint64]chan Snapshot
	nextSub    uint64
	subsClosed bool
}

// NewSession validates cfg and builds an unmounted Session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.ID == "" {
		return nil, errors.New("session id is required")
	}
	if len(cfg.Steps) == 0 {
		return nil, ErrNoSteps
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Intervals == nil {
		u, err := pacing.NewUniform(pacing.DefaultMinInterval, pacing.DefaultMaxInterval, 0)
		if err != nil {
			return nil, fmt.Errorf("default intervals: %w", err)
		}
		cfg.Intervals = u
	}
	if cfg.Tickers == nil || cfg.Clock == nil {
		sys := system.New()
		if cfg.Tickers == nil {
			cfg.Tickers = sys
		}
		if cfg.Clock == nil {
			cfg.Clock = sys
		}
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.NopEmitter{}
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Steps = append([]StepSpec(nil), cfg.Steps...)

	ctx, cancel := context.WithCancel(cfg.BaseContext)
	s := &Session{
		cfg:      cfg,
		logger:   logger.With(zap.String("session_id", cfg.ID), zap.Int64("user_id", cfg.UserID)),
		ledger:   NewLedger(cfg.Steps),
		policy:   pacing.NewPolicy(cfg.Intervals),
		inflight: make(map[int]struct{}),
		results:  make(chan verification, len(cfg.Steps)),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		subs:     make(map[uint64]chan Snapshot),
	}
	s.snap = buildSnapshot(cfg.ID, cfg.UserID, 0, s.ledger, 0)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.ID }

// UserID returns the users.pk the session was mounted for.
func (s *Session) UserID() int64 { return s.cfg.UserID }

// Start mounts the session: it creates the ticker and launches the session
// goroutine. Calling Start twice is a no-op; starting a stopped session
// returns ErrClosed.
func (s *Session) Start() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.stopped {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	s.started = true
	s.startedAt = s.cfg.Clock.Now()
	s.ticker = s.cfg.Tickers.NewTicker(s.cfg.TickInterval)
	s.tickC = s.ticker.C()
	s.emit(progress.Event{Stage: progress.StageSessionStart})
	s.logger.Debug("onboarding session mounted",
		zap.Int("steps", len(s.cfg.Steps)),
		zap.Duration("first_interval", s.policy.NextInterval()))
	go s.run()
	return nil
}

// Stop unmounts the session. It releases the ticker, cancels in-flight checks
// and blocks until the session goroutine has exited. Results that arrive
// afterwards are discarded. Stop is idempotent.
func (s *Session) Stop() {
	s.lifeMu.Lock()
	first := !s.stopped
	s.stopped = true
	started := s.started
	s.lifeMu.Unlock()

	if first {
		s.generation.Add(1)
		s.cancel()
		close(s.stopCh)
		if !started {
			s.snapMu.Lock()
			s.snap.Stopped = true
			s.snapMu.Unlock()
			s.closeSubscribers()
			close(s.doneCh)
		}
	}
	<-s.doneCh
}

// Done is closed once the session goroutine exits, either because the final
// step completed and every check settled or because Stop was called.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// Subscribe returns a channel that always holds the most recent Snapshot. The
// current state is delivered immediately; intermediate states may be skipped
// by slow readers. The channel is closed when the session ends or when the
// returned cancel func is called.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ch <- s.Snapshot()
	if s.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Session) run() {
	defer close(s.doneCh)
	defer s.releaseTicker()
	for {
		if s.ledger.Terminal() && len(s.inflight) == 0 {
			s.finish(false)
			return
		}
		select {
		case <-s.stopCh:
			s.finish(true)
			return
		case <-s.tickC:
			if !s.stopping() {
				s.handleTick()
			}
		case v := <-s.results:
			if !s.stopping() {
				s.handleResult(v)
			}
		}
	}
}

func (s *Session) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// handleTick applies one ticker period to the pacing policy.
func (s *Session) handleTick() {
	if s.ledger.Terminal() {
		s.releaseTicker()
		return
	}
	if !s.policy.Tick(s.cfg.TickInterval) {
		s.reconcile()
		return
	}
	prev := NoStep
	if cur, ok := s.ledger.Current(); ok {
		prev = cur
	}
	s.apply(Advance(prev), 0, "")
	s.policy.Advanced()
	if s.ledger.Terminal() {
		s.logger.Debug("final step complete, releasing ticker",
			zap.Duration("elapsed", s.policy.Elapsed()))
		s.releaseTicker()
	}
}

func (s *Session) handleResult(v verification) {
	delete(s.inflight, v.evt.Index)
	if v.evt.Generation != s.generation.Load() {
		s.logger.Debug("discarding stale verification", zap.Int("step", v.evt.Index))
		return
	}
	note := ""
	if v.err != nil {
		note = v.err.Error()
		s.logger.Warn("step verification failed",
			zap.Int("step", v.evt.Index),
			zap.String("kind", string(s.cfg.Steps[v.evt.Index].Kind)),
			zap.Error(v.err))
	}
	s.apply(v.evt, v.latency, note)
}

// apply reduces evt into the ledger and fans out the consequences.
func (s *Session) apply(evt Event, latency time.Duration, note string) {
	tr, err := s.ledger.Apply(evt)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			s.logger.Panic("ledger rejected event", zap.Stringer("event", evt), zap.Error(err))
		}
		s.logger.Warn("ledger ignored event", zap.Stringer("event", evt), zap.Error(err))
		return
	}
	if !tr.Changed() {
		return
	}
	s.report(tr, latency, note)
	s.publish(nil)
	s.reconcile()
}

// reconcile launches the check for the in-progress step if it still needs one.
func (s *Session) reconcile() {
	cur, ok := s.ledger.Current()
	if !ok {
		return
	}
	if s.ledger.Step(cur).Verified != VerifiedUnknown {
		return
	}
	if _, busy := s.inflight[cur]; busy {
		return
	}
	pred := s.cfg.Steps[cur].Verify
	if pred == nil {
		return
	}
	s.inflight[cur] = struct{}{}
	s.verifiers.Add(1)
	go s.verify(cur, s.generation.Load(), pred)
}

func (s *Session) verify(index int, gen uint64, pred Predicate) {
	defer s.verifiers.Done()
	start := s.cfg.Clock.Now()
	ok, err := callPredicate(s.ctx, pred)
	if err != nil {
		ok = false
	}
	v := verification{evt: DataResolved(index, ok), latency: s.cfg.Clock.Now().Sub(start), err: err}
	v.evt.Generation = gen
	if gen != s.generation.Load() {
		return
	}
	select {
	case s.results <- v:
	case <-s.stopCh:
	}
}

func callPredicate(ctx context.Context, pred Predicate) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("verify panicked: %v", r)
		}
	}()
	return pred(ctx)
}

func (s *Session) report(tr Transition, latency time.Duration, note string) {
	if tr.Completed != NoStep {
		s.emit(s.stepEvent(progress.StageStepComplete, tr.Completed))
	}
	if tr.Started != NoStep {
		s.emit(s.stepEvent(progress.StageStepStart, tr.Started))
	}
	if tr.Resolved != NoStep {
		evt := s.stepEvent(progress.StageStepVerified, tr.Resolved)
		evt.Verified = s.ledger.Step(tr.Resolved).Verified == VerifiedTrue
		evt.Dur = latency
		evt.Note = note
		s.emit(evt)
	}
}

func (s *Session) stepEvent(stage progress.Stage, index int) progress.Event {
	return progress.Event{
		Stage:     stage,
		StepIndex: index,
		StepKind:  string(s.cfg.Steps[index].Kind),
	}
}

func (s *Session) emit(evt progress.Event) {
	evt.SessionID = s.cfg.ID
	evt.UserID = s.cfg.UserID
	evt.TS = s.cfg.Clock.Now()
	s.cfg.Emitter.Emit(evt)
}

func (s *Session) finish(stopped bool) {
	stage := progress.StageSessionDone
	if stopped {
		stage = progress.StageSessionStop
	}
	dur := s.cfg.Clock.Now().Sub(s.startedAt)
	if dur < 0 {
		dur = 0
	}
	s.emit(progress.Event{Stage: stage, Dur: dur})
	s.publish(func(snap *Snapshot) {
		snap.Done = !stopped
		snap.Stopped = stopped
	})
	s.closeSubscribers()
	s.logger.Debug("onboarding session finished",
		zap.Bool("stopped", stopped),
		zap.Duration("elapsed", s.policy.Elapsed()))
}

func (s *Session) publish(mutate func(*Snapshot)) {
	s.version++
	snap := buildSnapshot(s.cfg.ID, s.cfg.UserID, s.version, s.ledger, s.policy.Elapsed())
	if mutate != nil {
		mutate(&snap)
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Session) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subsClosed {
		return
	}
	s.subsClosed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *Session) releaseTicker() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	s.tickC = nil
}
