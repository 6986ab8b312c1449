package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/mailbox-onboarding/internal/metrics"
	"github.com/JakeFAU/mailbox-onboarding/internal/onboarding"
	"github.com/JakeFAU/mailbox-onboarding/internal/store"
)

const (
	lookupTimeout     = 3 * time.Second
	heartbeatInterval = 15 * time.Second
)

// OnboardingHandler exposes session lifecycle and snapshot endpoints.
type OnboardingHandler struct {
	sessions  Sessions
	users     store.UserRepository
	limiter   Limiter
	timeout   time.Duration
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewOnboardingHandler wires the session manager, user repository and logger.
func NewOnboardingHandler(sessions Sessions, users store.UserRepository, logger *zap.Logger) *OnboardingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OnboardingHandler{
		sessions:  sessions,
		users:     users,
		timeout:   lookupTimeout,
		heartbeat: heartbeatInterval,
		logger:    logger,
	}
}

type createRequest struct {
	ClerkUserID string `json:"clerk_user_id"`
}

type createResponse struct {
	SessionID string                `json:"session_id"`
	User      store.User            `json:"user"`
	Steps     []onboarding.StepView `json:"steps"`
}

// Create handles POST /v1/onboarding. It resolves the user, mounts a session
// and returns 201 with the initial step list. It returns 400 for a missing
// clerk_user_id, 404 for an unknown user, 429 when the caller is throttled or
// the session cap is reached and 500 for repository failures.
func (h *OnboardingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	clerkID := strings.TrimSpace(req.ClerkUserID)
	if clerkID == "" {
		writeError(w, http.StatusBadRequest, "clerk_user_id is required")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(clerkID) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "too many onboarding attempts")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	user, err := h.users.GetUserByClerkID(ctx, clerkID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.logger.Error("lookup user failed", zap.String("clerk_user_id", clerkID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	s, err := h.sessions.Start(user)
	if err != nil {
		switch {
		case errors.Is(err, onboarding.ErrTooManySessions):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, onboarding.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "shutting down")
		default:
			h.logger.Error("start session failed", zap.Int64("user_id", user.PK), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to start session")
		}
		return
	}
	w.Header().Set("Location", "/v1/onboarding/"+s.ID())
	writeJSON(w, http.StatusCreated, createResponse{
		SessionID: s.ID(),
		User:      user,
		Steps:     s.Snapshot().Steps,
	})
}

// Get handles GET /v1/onboarding/{session_id} and returns the latest snapshot
// or 404.
func (h *OnboardingHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// Delete handles DELETE /v1/onboarding/{session_id}. It unmounts the session
// and returns 204, or 404 if the session is unknown.
func (h *OnboardingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := h.sessions.Stop(id); err != nil {
		if errors.Is(err, onboarding.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("stop session failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to stop session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stream handles GET /v1/onboarding/{session_id}/stream. Each published
// snapshot is written as an SSE "snapshot" event; the stream ends when the
// session finishes or the client disconnects.
func (h *OnboardingHandler) Stream(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	rc := http.NewResponseController(w)
	updates, cancel := s.Subscribe()
	defer cancel()
	metrics.IncStreamSubscribers()
	defer metrics.DecStreamSubscribers()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("streaming unsupported", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case snap, open := <-updates:
			if !open {
				_, _ = fmt.Fprint(w, "event: end\ndata: {}\n\n")
				_ = rc.Flush()
				return
			}
			if err := writeEvent(w, "snapshot", snap); err != nil {
				h.logger.Debug("stream write failed", zap.String("session_id", s.ID()), zap.Error(err))
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (h *OnboardingHandler) lookup(w http.ResponseWriter, r *http.Request) (*onboarding.Session, bool) {
	id := chi.URLParam(r, "session_id")
	s, err := h.sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return s, true
}

func writeEvent(w http.ResponseWriter, name string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, body); err != nil {
		return fmt.Errorf("write %s event: %w", name, err)
	}
	return nil
}
