// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/mailbox-onboarding/internal/store"
)

// OnboardingStoreConfig controls the Postgres connection pool used for
// onboarding lookups.
type OnboardingStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryPinger interface {
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

const (
	userByClerkIDQuery = `SELECT pk, email FROM users WHERE clerk_user_id = $1`
	accountQuery       = `SELECT pk FROM users WHERE pk = $1`
	syncedQuery        = `SELECT message_id FROM message_headers WHERE user_pk = $1 LIMIT 1`
	subscribedQuery    = `SELECT history_id FROM mailbox_subscriptions WHERE user_pk = $1 LIMIT 1`
)

// OnboardingStore answers user lookups and step checks against the mailbox
// schema. It implements store.UserRepository and store.Checker.
type OnboardingStore struct {
	pool queryPinger
}

var (
	_ store.UserRepository = (*OnboardingStore)(nil)
	_ store.Checker        = (*OnboardingStore)(nil)
)

// NewOnboardingStore creates a Postgres-backed OnboardingStore using the provided config.
func NewOnboardingStore(ctx context.Context, cfg OnboardingStoreConfig) (*OnboardingStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &OnboardingStore{pool: pool}, nil
}

// NewOnboardingStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewOnboardingStoreWithPool(pool queryPinger) (*OnboardingStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &OnboardingStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *OnboardingStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *OnboardingStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("onboarding store is not configured")
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// GetUserByClerkID loads a user by identity-provider ID.
func (s *OnboardingStore) GetUserByClerkID(ctx context.Context, clerkID string) (store.User, error) {
	if clerkID == "" {
		return store.User{}, fmt.Errorf("clerk user id is required")
	}
	return s.scanUser(ctx, userByClerkIDQuery, clerkID)
}

func (s *OnboardingStore) scanUser(ctx context.Context, query string, arg any) (store.User, error) {
	if s == nil || s.pool == nil {
		return store.User{}, fmt.Errorf("onboarding store is not configured")
	}
	var u store.User
	err := s.pool.QueryRow(ctx, query, arg).Scan(&u.PK, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

// CheckStepComplete reports whether the backend has produced a row for kind.
// Missing rows map to false; only query failures are errors.
func (s *OnboardingStore) CheckStepComplete(ctx context.Context, userID int64, kind store.StepKind) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("onboarding store is not configured")
	}
	var query string
	switch kind {
	case store.KindNone:
		return true, nil
	case store.KindAccountCreated:
		query = accountQuery
	case store.KindMailboxSynced:
		query = syncedQuery
	case store.KindMailboxSubscribed:
		query = subscribedQuery
	default:
		return false, fmt.Errorf("unknown step kind %q", kind)
	}
	var marker any
	err := s.pool.QueryRow(ctx, query, userID).Scan(&marker)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s: %w", kind, err)
	}
	return true, nil
}
