package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/mailbox-onboarding/internal/progress"
)

// PrometheusSink exports onboarding progress metrics. It owns the collectors
// for session lifecycle and per-kind step verification outcomes.
type PrometheusSink struct {
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	sessionsRunning  prometheus.Gauge
	sessionDuration  *prometheus.HistogramVec

	stepsCompleted      *prometheus.CounterVec
	stepVerifications   *prometheus.CounterVec
	verificationLatency *prometheus.HistogramVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onboarding_sessions_started_total",
			Help: "Total onboarding sessions mounted.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_sessions_finished_total",
			Help: "Total onboarding sessions finished, partitioned by outcome (done, stopped).",
		}, []string{"outcome"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "onboarding_sessions_running",
			Help: "Current number of mounted onboarding sessions.",
		}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onboarding_session_duration_seconds",
			Help:    "Wall time from mount to finish.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"outcome"}),
		stepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_steps_completed_total",
			Help: "Steps visually completed, partitioned by step kind.",
		}, []string{"kind"}),
		stepVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_step_verifications_total",
			Help: "Step verification outcomes, partitioned by step kind and result.",
		}, []string{"kind", "result"}),
		verificationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onboarding_step_verification_duration_seconds",
			Help:    "Latency of backend step checks, partitioned by step kind.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"kind"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsFinished,
		s.sessionsRunning,
		s.sessionDuration,
		s.stepsCompleted,
		s.stepVerifications,
		s.verificationLatency,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSessionStart:
		s.sessionsStarted.Inc()
		if s.tracker.start(evt.SessionID) {
			s.sessionsRunning.Inc()
		}
	case progress.StageSessionDone:
		s.finish(evt, "done")
	case progress.StageSessionStop:
		s.finish(evt, "stopped")
	case progress.StageStepComplete:
		s.stepsCompleted.WithLabelValues(kindLabel(evt.StepKind)).Inc()
	case progress.StageStepVerified:
		kind := kindLabel(evt.StepKind)
		s.stepVerifications.WithLabelValues(kind, evt.Result()).Inc()
		if evt.Dur > 0 {
			s.verificationLatency.WithLabelValues(kind).Observe(evt.Dur.Seconds())
		}
	}
}

func (s *PrometheusSink) finish(evt progress.Event, outcome string) {
	s.sessionsFinished.WithLabelValues(outcome).Inc()
	if evt.Dur > 0 {
		s.sessionDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.SessionID) {
		s.sessionsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func kindLabel(kind string) string {
	if kind == "" {
		return "none"
	}
	return kind
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[string]struct{})}
}

func (t *sessionTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
