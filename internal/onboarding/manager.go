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
	"github.com/JakeFAU/mailbox-onboarding/internal/pacing"
	"github.com/JakeFAU/mailbox-onboarding/internal/progress"
	"github.com/JakeFAU/mailbox-onboarding/internal/store"
)

// PlanStep is the configured shape of one step before it is bound to a user.
type PlanStep struct {
	Description string         `mapstructure:"description" json:"description"`
	Kind        store.StepKind `mapstructure:"kind" json:"kind,omitempty"`
}

// DefaultPlan returns the three-step mailbox onboarding flow.
func DefaultPlan() []PlanStep {
	return []PlanStep{
		{Description: "Creating your account"},
		{Description: "Syncing with Gmail", Kind: store.KindMailboxSynced},
		{Description: "Subscribing to new emails", Kind: store.KindMailboxSubscribed},
	}
}

// IDGenerator produces session identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// ManagerConfig controls how sessions are created and retained.
//   - Plan: step list bound to every new session (default DefaultPlan).
//   - TickInterval, MinInterval, MaxInterval: pacing parameters.
//   - Seed: when non-zero, session n draws intervals from Seed+n.
//   - MaxSessions: cap on running sessions, 0 disables the cap.
//   - RetainFinished: how long finished sessions stay queryable.
type ManagerConfig struct {
	Plan           []PlanStep
	TickInterval   time.Duration
	MinInterval    time.Duration
	MaxInterval    time.Duration
	Seed           uint64
	MaxSessions    int
	RetainFinished time.Duration
	IDs            IDGenerator
	Tickers        clock.TickerFactory
	Clock          clock.Clock
	Emitter        progress.Emitter
	BaseContext    context.Context
	Logger         *zap.Logger
}

// Manager owns every mounted session of the process.
type Manager struct {
	cfg     ManagerConfig
	checker store.Checker
	logger  *zap.Logger
	created atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	closing  chan struct{}
	reapers  sync.WaitGroup
}

// NewManager validates cfg and returns a Manager that verifies steps through
// checker.
func NewManager(cfg ManagerConfig, checker store.Checker) (*Manager, error) {
	if cfg.IDs == nil {
		return nil, errors.New("manager requires an id generator")
	}
	if len(cfg.Plan) == 0 {
		cfg.Plan = DefaultPlan()
	}
	needsChecker := false
	for i, p := range cfg.Plan {
		if _, err := store.ParseStepKind(string(p.Kind)); err != nil {
			return nil, fmt.Errorf("plan step %d: %w", i, err)
		}
		if p.Kind != store.KindNone {
			needsChecker = true
		}
	}
	if needsChecker && checker == nil {
		return nil, errors.New("plan has checked steps but no checker was provided")
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = pacing.DefaultMinInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = pacing.DefaultMaxInterval
	}
	if _, err := pacing.NewUniform(cfg.MinInterval, cfg.MaxInterval, 1); err != nil {
		return nil, fmt.Errorf("pacing bounds: %w", err)
	}
	if cfg.MaxSessions < 0 {
		return nil, fmt.Errorf("max sessions must be >= 0, got %d", cfg.MaxSessions)
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Plan = append([]PlanStep(nil), cfg.Plan...)
	return &Manager{
		cfg:      cfg,
		checker:  checker,
		logger:   logger,
		sessions: make(map[string]*Session),
		closing:  make(chan struct{}),
	}, nil
}

// Start mounts a new session for user.
func (m *Manager) Start(user store.User) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.cfg.MaxSessions > 0 && m.runningLocked() >= m.cfg.MaxSessions {
		return nil, ErrTooManySessions
	}
	id, err := m.cfg.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	n := m.created.Add(1)
	seed := uint64(0)
	if m.cfg.Seed != 0 {
		seed = m.cfg.Seed + n - 1
	}
	intervals, err := pacing.NewUniform(m.cfg.MinInterval, m.cfg.MaxInterval, seed)
	if err != nil {
		return nil, fmt.Errorf("session intervals: %w", err)
	}
	s, err := NewSession(Config{
		ID:           id,
		UserID:       user.PK,
		Steps:        bindPlan(m.cfg.Plan, m.checker, user.PK),
		TickInterval: m.cfg.TickInterval,
		Intervals:    intervals,
		Tickers:      m.cfg.Tickers,
		Clock:        m.cfg.Clock,
		Emitter:      m.cfg.Emitter,
		BaseContext:  m.cfg.BaseContext,
		Logger:       m.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	m.sessions[id] = s
	m.reapers.Add(1)
	go m.reap(s)
	m.logger.Info("onboarding session started",
		zap.String("session_id", id),
		zap.Int64("user_id", user.PK))
	return s, nil
}

// Get returns a mounted or recently finished session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Stop unmounts a session and forgets it.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Stop()
	m.logger.Info("onboarding session stopped", zap.String("session_id", id))
	return nil
}

// Len returns the number of tracked sessions, finished ones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Running returns the number of sessions that have not finished.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningLocked()
}

// Close stops every session and waits for background reapers.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.closing)
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	m.reapers.Wait()
}

func (m *Manager) runningLocked() int {
	n := 0
	for _, s := range m.sessions {
		select {
		case <-s.Done():
		default:
			n++
		}
	}
	return n
}

// reap forgets s once it has finished and the retention window has passed.
func (m *Manager) reap(s *Session) {
	defer m.reapers.Done()
	select {
	case <-s.Done():
	case <-m.closing:
		return
	}
	if m.cfg.RetainFinished > 0 {
		t := time.NewTimer(m.cfg.RetainFinished)
		defer t.Stop()
		select {
		case <-t.C:
		case <-m.closing:
			return
		}
	}
	m.mu.Lock()
	if cur, ok := m.sessions[s.ID()]; ok && cur == s {
		delete(m.sessions, s.ID())
	}
	m.mu.Unlock()
}

// bindPlan turns plan into step specs whose predicates query checker for userID.
func bindPlan(plan []PlanStep, checker store.Checker, userID int64) []StepSpec {
	specs := make([]StepSpec, len(plan))
	for i, p := range plan {
		specs[i] = StepSpec{Description: p.Description, Kind: p.Kind}
		if p.Kind == store.KindNone {
			continue
		}
		kind := p.Kind
		specs[i].Verify = func(ctx context.Context) (bool, error) {
			return checker.CheckStepComplete(ctx, userID, kind)
		}
	}
	return specs
}
