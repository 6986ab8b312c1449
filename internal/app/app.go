// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/mailbox-onboarding/internal/api"
	"github.com/JakeFAU/mailbox-onboarding/internal/clock"
	"github.com/JakeFAU/mailbox-onboarding/internal/config"
	"github.com/JakeFAU/mailbox-onboarding/internal/id/uuid"
	"github.com/JakeFAU/mailbox-onboarding/internal/onboarding"
	"github.com/JakeFAU/mailbox-onboarding/internal/policy/ratelimit"
	"github.com/JakeFAU/mailbox-onboarding/internal/progress"
	"github.com/JakeFAU/mailbox-onboarding/internal/progress/sinks"
	"github.com/JakeFAU/mailbox-onboarding/internal/storage/memory"
	"github.com/JakeFAU/mailbox-onboarding/internal/storage/postgres"
	"github.com/JakeFAU/mailbox-onboarding/internal/store"
)

// Options overrides collaborators that are normally derived from config.
//   - Logger: defaults to a no-op logger.
//   - Registerer: Prometheus registerer for progress metrics (default prometheus.DefaultRegisterer).
//   - Tickers, Clock: time sources handed to every session (default system).
//   - PubSubOptions: extra client options for the progress topic, e.g. an emulator connection.
type Options struct {
	Logger        *zap.Logger
	Registerer    prometheus.Registerer
	Tickers       clock.TickerFactory
	Clock         clock.Clock
	PubSubOptions []option.ClientOption
}

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup and closed on shutdown.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	db      *postgres.OnboardingStore
	mem     *memory.OnboardingStore
	pubsub  *pubsub.Client
	hub     *progress.Hub
	manager *onboarding.Manager
	server  *api.Server
}

// New builds every service described by cfg. With an empty db.dsn the
// in-memory store backs both user lookups and step checks.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &App{cfg: cfg, logger: logger}

	var (
		users   store.UserRepository
		checker store.Checker
		ready   api.Pinger
	)
	if cfg.UsesMemoryStore() {
		logger.Warn("db.dsn not set, using in-memory onboarding store")
		a.mem = memory.NewOnboardingStore()
		users, checker = a.mem, a.mem
	} else {
		db, err := postgres.NewOnboardingStore(ctx, postgres.OnboardingStoreConfig{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("init onboarding store: %w", err)
		}
		a.db = db
		users, checker, ready = db, db, db
	}

	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	progressSinks := []progress.Sink{sinks.NewLogSink(logger.Named("progress")), promSink}
	if ps := cfg.Progress.PubSub; ps.Enabled() {
		topic, err := a.openTopic(ctx, ps, opts.PubSubOptions)
		if err != nil {
			a.closeStores()
			return nil, err
		}
		progressSinks = append(progressSinks, sinks.NewPubSubSink(topic))
		logger.Info("forwarding progress to pubsub",
			zap.String("project_id", ps.ProjectID),
			zap.String("topic_id", ps.TopicID))
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		Logger:         logger.Named("progress"),
	}, progressSinks...)

	a.manager, err = onboarding.NewManager(onboarding.ManagerConfig{
		Plan:           cfg.Onboarding.Steps,
		TickInterval:   cfg.Onboarding.TickInterval,
		MinInterval:    cfg.Onboarding.MinInterval,
		MaxInterval:    cfg.Onboarding.MaxInterval,
		Seed:           cfg.Onboarding.Seed,
		MaxSessions:    cfg.Onboarding.MaxSessions,
		RetainFinished: cfg.Onboarding.RetainFinished,
		IDs:            uuid.New(),
		Tickers:        opts.Tickers,
		Clock:          opts.Clock,
		Emitter:        a.hub,
		Logger:         logger.Named("onboarding"),
	}, checker)
	if err != nil {
		_ = a.hub.Close(ctx)
		a.closeStores()
		return nil, fmt.Errorf("init session manager: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		PerKeyRPS: cfg.RateLimit.PerUserRPS,
		Burst:     cfg.RateLimit.Burst,
		Clock:     opts.Clock,
	})
	a.server = api.NewServer(a.manager, users, ready, cfg, logger.Named("api"), api.WithCreateLimiter(limiter))
	logger.Info("application services initialized",
		zap.Bool("memory_store", a.mem != nil),
		zap.Int("steps", len(cfg.Onboarding.Steps)))
	return a, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Manager returns the session manager.
func (a *App) Manager() *onboarding.Manager { return a.manager }

// Handler returns the HTTP handler for the API.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// MemoryStore returns the in-memory store when no database is configured.
func (a *App) MemoryStore() (*memory.OnboardingStore, bool) {
	return a.mem, a.mem != nil
}

// Close unmounts every session, flushes progress sinks and releases the
// database pool.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	a.manager.Close()
	var errs []error
	if err := a.hub.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	a.closeStores()
	return errors.Join(errs...)
}

// openTopic connects to Pub/Sub and checks the progress topic exists.
func (a *App) openTopic(ctx context.Context, cfg config.PubSubConfig, opts []option.ClientOption) (*pubsub.Topic, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", cfg.TopicID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist", cfg.TopicID)
	}
	a.pubsub = client
	return topic, nil
}

func (a *App) closeStores() {
	if a.pubsub != nil {
		_ = a.pubsub.Close()
		a.pubsub = nil
	}
	if a.db != nil {
		a.db.Close()
	}
}
