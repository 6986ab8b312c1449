package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/mailbox-onboarding/internal/app"
	"github.com/JakeFAU/mailbox-onboarding/internal/store"
)

type serveOptions struct {
	demoUsers []string
}

// newServeCmd creates the 'serve' subcommand which runs the HTTP API.
func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the onboarding HTTP API",
		Long: `Starts the HTTP API that mounts onboarding sessions and streams their
progress. Without db.dsn the service keeps users in memory; use --demo-user
to seed them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.demoUsers, "demo-user", nil,
		"clerk user id to seed into the in-memory store with every step complete (repeatable)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	logger := rt.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, rt.cfg, app.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("init application: %w", err)
	}
	if err := seedDemoUsers(a, opts.demoUsers); err != nil {
		_ = a.Close(context.Background())
		return err
	}
	cfg := a.Config()
	logger.Info("effective configuration",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("auth", cfg.Auth.Enabled),
		zap.Bool("memory_store", cfg.UsesMemoryStore()),
		zap.Bool("pubsub", cfg.Progress.PubSub.Enabled()),
		zap.Int("steps", len(cfg.Onboarding.Steps)),
		zap.Duration("min_interval", cfg.Onboarding.MinInterval),
		zap.Duration("max_interval", cfg.Onboarding.MaxInterval),
		zap.Int("max_sessions", cfg.Onboarding.MaxSessions),
		zap.Float64("per_user_rps", cfg.RateLimit.PerUserRPS))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// Streams end once their sessions are unmounted.
		a.Manager().Close()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		if err := a.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close application: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("serve exited with error", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func seedDemoUsers(a *app.App, clerkIDs []string) error {
	if len(clerkIDs) == 0 {
		return nil
	}
	mem, ok := a.MemoryStore()
	if !ok {
		return errors.New("--demo-user requires the in-memory store (unset db.dsn)")
	}
	for _, id := range clerkIDs {
		u, err := mem.AddUser(id, id+"@demo.local")
		if err != nil {
			return fmt.Errorf("seed demo user: %w", err)
		}
		mem.MarkComplete(u.PK, store.KindMailboxSynced)
		mem.MarkComplete(u.PK, store.KindMailboxSubscribed)
		a.Logger().Info("seeded demo user", zap.String("clerk_user_id", id), zap.Int64("user_id", u.PK))
	}
	return nil
}
