package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/mailbox-onboarding/internal/id/uuid"
	"github.com/JakeFAU/mailbox-onboarding/internal/onboarding"
	"github.com/JakeFAU/mailbox-onboarding/internal/progress"
	"github.com/JakeFAU/mailbox-onboarding/internal/progress/sinks"
	"github.com/JakeFAU/mailbox-onboarding/internal/storage/memory"
	"github.com/JakeFAU/mailbox-onboarding/internal/store"
)

type simulateOptions struct {
	synced      bool
	subscribed  bool
	latency     time.Duration
	tick        time.Duration
	minInterval time.Duration
	maxInterval time.Duration
	seed        uint64
	jsonOutput  bool
	stopAfter   time.Duration
}

// newSimulateCmd creates the 'simulate' subcommand which runs one session
// against an in-memory mailbox and prints every snapshot.
func newSimulateCmd() *cobra.Command {
	opts := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run one onboarding session against an in-memory mailbox",
		Long: `Mounts a single onboarding session for a throwaway user and prints each
snapshot as it is published. Flags decide which backend effects exist, so the
final checklist shows which steps were confirmed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.synced, "synced", true, "mailbox headers exist for the user")
	f.BoolVar(&opts.subscribed, "subscribed", false, "a mailbox subscription exists for the user")
	f.DurationVar(&opts.latency, "latency", 0, "artificial latency for each backend check")
	f.DurationVar(&opts.tick, "tick", 0, "ticker period (default onboarding.tick_interval)")
	f.DurationVar(&opts.minInterval, "min-interval", 0, "minimum pause between advances (default onboarding.min_interval)")
	f.DurationVar(&opts.maxInterval, "max-interval", 0, "maximum pause between advances (default onboarding.max_interval)")
	f.Uint64Var(&opts.seed, "seed", 0, "interval seed (default onboarding.seed, 0 is random)")
	f.BoolVar(&opts.jsonOutput, "json", false, "print snapshots as JSON lines")
	f.DurationVar(&opts.stopAfter, "stop-after", 0, "unmount the session after this long")
	return cmd
}

func runSimulate(cmd *cobra.Command, opts *simulateOptions) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	oc := rt.cfg.Onboarding
	tick := pick(opts.tick, oc.TickInterval)
	minInterval := pick(opts.minInterval, oc.MinInterval)
	maxInterval := pick(opts.maxInterval, oc.MaxInterval)
	seed := oc.Seed
	if opts.seed != 0 {
		seed = opts.seed
	}

	mem := memory.NewOnboardingStore()
	mem.SetLatency(opts.latency)
	user, err := mem.AddUser("simulated", "simulated@demo.local")
	if err != nil {
		return fmt.Errorf("seed user: %w", err)
	}
	if opts.synced {
		mem.MarkComplete(user.PK, store.KindMailboxSynced)
	}
	if opts.subscribed {
		mem.MarkComplete(user.PK, store.KindMailboxSubscribed)
	}

	ctx := cmd.Context()
	hub := progress.NewHub(progress.Config{Logger: rt.logger}, sinks.NewLogSink(rt.logger.Named("progress")))
	defer func() {
		if cerr := hub.Close(context.Background()); cerr != nil {
			rt.logger.Warn("close progress hub", zap.Error(cerr))
		}
	}()

	m, err := onboarding.NewManager(onboarding.ManagerConfig{
		Plan:         oc.Steps,
		TickInterval: tick,
		MinInterval:  minInterval,
		MaxInterval:  maxInterval,
		Seed:         seed,
		IDs:          uuid.New(),
		Emitter:      hub,
		BaseContext:  ctx,
		Logger:       rt.logger.Named("onboarding"),
	}, mem)
	if err != nil {
		return fmt.Errorf("init session manager: %w", err)
	}
	defer m.Close()

	s, err := m.Start(user)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	updates, cancel := s.Subscribe()
	defer cancel()

	var stopTimer <-chan time.Time
	if opts.stopAfter > 0 {
		t := time.NewTimer(opts.stopAfter)
		defer t.Stop()
		stopTimer = t.C
	}

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return fmt.Errorf("simulate interrupted: %w", ctx.Err())
		case <-stopTimer:
			stopTimer = nil
			s.Stop()
		case snap, open := <-updates:
			if !open {
				return nil
			}
			if err := printSnapshot(out, snap, opts.jsonOutput); err != nil {
				return err
			}
		}
	}
}

func pick(flag, fallback time.Duration) time.Duration {
	if flag > 0 {
		return flag
	}
	return fallback
}

var glyphSymbols = map[onboarding.Glyph]string{
	onboarding.GlyphPending:    "·",
	onboarding.GlyphInProgress: "…",
	onboarding.GlyphSuccess:    "✓",
	onboarding.GlyphFailure:    "✗",
}

func printSnapshot(w io.Writer, snap onboarding.Snapshot, asJSON bool) error {
	if asJSON {
		body, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		_, err = fmt.Fprintln(w, string(body))
		return err
	}
	parts := make([]string, len(snap.Steps))
	for i, st := range snap.Steps {
		parts[i] = glyphSymbols[st.Glyph] + " " + st.Description
	}
	state := ""
	switch {
	case snap.Done:
		state = " (done)"
	case snap.Stopped:
		state = " (stopped)"
	}
	_, err := fmt.Fprintf(w, "[%6dms] %s%s\n", snap.ElapsedMS, strings.Join(parts, " | "), state)
	return err
}
