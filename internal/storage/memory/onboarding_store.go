// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/mailbox-onboarding/internal/store"
)

// OnboardingStore keeps users and completed backend effects in memory.
type OnboardingStore struct {
	mu       sync.RWMutex
	users    map[int64]store.User
	clerkIDs map[string]int64
	done     map[int64]map[store.StepKind]bool
	nextPK   int64
	latency  time.Duration
}

var (
	_ store.UserRepository = (*OnboardingStore)(nil)
	_ store.Checker        = (*OnboardingStore)(nil)
)

// NewOnboardingStore constructs an empty OnboardingStore.
func NewOnboardingStore() *OnboardingStore {
	return &OnboardingStore{
		users:    make(map[int64]store.User),
		clerkIDs: make(map[string]int64),
		done:     make(map[int64]map[store.StepKind]bool),
		nextPK:   1,
	}
}

// AddUser registers a user under clerkID and marks the account as created.
func (s *OnboardingStore) AddUser(clerkID, email string) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clerkIDs[clerkID]; exists {
		return store.User{}, fmt.Errorf("user %q already exists", clerkID)
	}
	u := store.User{PK: s.nextPK, Email: email}
	s.nextPK++
	s.users[u.PK] = u
	s.clerkIDs[clerkID] = u.PK
	s.done[u.PK] = map[store.StepKind]bool{store.KindAccountCreated: true}
	return u, nil
}

// MarkComplete records that the backend effect behind kind exists for pk.
func (s *OnboardingStore) MarkComplete(pk int64, kind store.StepKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done[pk] == nil {
		s.done[pk] = make(map[store.StepKind]bool)
	}
	s.done[pk][kind] = true
}

// SetLatency makes every check wait d before answering.
func (s *OnboardingStore) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// GetUserByClerkID fetches a user by identity-provider ID.
func (s *OnboardingStore) GetUserByClerkID(_ context.Context, clerkID string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.clerkIDs[clerkID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return s.users[pk], nil
}

// CheckStepComplete reports whether kind was marked complete for userID.
func (s *OnboardingStore) CheckStepComplete(ctx context.Context, userID int64, kind store.StepKind) (bool, error) {
	s.mu.RLock()
	latency := s.latency
	s.mu.RUnlock()
	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return false, fmt.Errorf("check %s: %w", kind, ctx.Err())
		}
	}
	if kind == store.KindNone {
		return true, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done[userID][kind], nil
}
