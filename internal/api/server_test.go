package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/mailbox-onboarding/internal/clock/manual"
	"github.com/JakeFAU/mailbox-onboarding/internal/config"
	"github.com/JakeFAU/mailbox-onboarding/internal/id/uuid"
	"github.com/JakeFAU/mailbox-onboarding/internal/onboarding"
	"github.com/JakeFAU/mailbox-onboarding/internal/storage/memory"
	"github.com/JakeFAU/mailbox-onboarding/internal/store"
)

type testEnv struct {
	server  *Server
	manager *onboarding.Manager
	users   *memory.OnboardingStore
	clock   *manual.Clock
}

type envOption func(*config.Config, *onboarding.ManagerConfig)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	users := memory.NewOnboardingStore()
	_, err := users.AddUser("user_ada", "ada@example.com")
	require.NoError(t, err)

	clk := manual.New(time.Unix(1700000000, 0))
	cfg := config.Config{Server: config.ServerConfig{Port: 8080}}
	mcfg := onboarding.ManagerConfig{
		IDs:            uuid.New(),
		Tickers:        clk,
		Clock:          clk,
		TickInterval:   100 * time.Millisecond,
		MinInterval:    50 * time.Millisecond,
		MaxInterval:    100 * time.Millisecond,
		RetainFinished: time.Hour,
	}
	for _, opt := range opts {
		opt(&cfg, &mcfg)
	}
	m, err := onboarding.NewManager(mcfg, users)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return &testEnv{
		server:  NewServer(m, users, nil, cfg, zap.NewNop()),
		manager: m,
		users:   users,
		clock:   clk,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) create(t *testing.T) createResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/onboarding", `{"clerk_user_id":"user_ada"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ready")
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestServer_ReadyzReportsDatabaseFailure(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, nil, downPinger{}, config.Config{}, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/healthz", "")
	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_CreateSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/onboarding", `{"clerk_user_id":"user_ada"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, uuid.Valid(resp.SessionID))
	require.Equal(t, "/v1/onboarding/"+resp.SessionID, rec.Header().Get("Location"))
	require.Equal(t, store.User{PK: 1, Email: "ada@example.com"}, resp.User)
	require.Len(t, resp.Steps, 3)
	for _, st := range resp.Steps {
		require.Equal(t, onboarding.StatusPending, st.Status)
		require.Equal(t, onboarding.VerifiedUnknown, st.Verified)
	}
	require.Equal(t, 1, env.manager.Running())
}

func TestServer_CreateSessionErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	cases := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", "{nope", http.StatusBadRequest},
		{"missing id", `{"clerk_user_id":"  "}`, http.StatusBadRequest},
		{"unknown user", `{"clerk_user_id":"user_ghost"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, "/v1/onboarding", tc.body)
		require.Equal(t, tc.want, rec.Code, tc.name)
	}
	require.Zero(t, env.manager.Len())
}

func TestServer_CreateSessionRespectsCap(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ *config.Config, m *onboarding.ManagerConfig) { m.MaxSessions = 1 })
	env.create(t)
	rec := env.do(t, http.MethodPost, "/v1/onboarding", `{"clerk_user_id":"user_ada"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

type denyAfter struct{ left int }

func (d *denyAfter) Allow(string) bool {
	d.left--
	return d.left >= 0
}

func TestServer_CreateSessionThrottled(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	srv := NewServer(env.manager, env.users, nil, config.Config{}, zap.NewNop(), WithCreateLimiter(&denyAfter{left: 1}))
	body := `{"clerk_user_id":"user_ada"}`

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/onboarding", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/onboarding", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	require.Equal(t, 1, env.manager.Len())
}

func TestServer_GetAndDeleteSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	resp := env.create(t)
	require.True(t, env.clock.Last().Fire())

	path := "/v1/onboarding/" + resp.SessionID
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, path, "")
		var snap onboarding.Snapshot
		if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &snap) != nil {
			return false
		}
		return snap.Current != nil && *snap.Current == 0
	}, time.Second, 5*time.Millisecond)

	rec := env.do(t, http.MethodDelete, path, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodDelete, path, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKeyRequired(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *config.Config, _ *onboarding.ManagerConfig) {
		c.Auth = config.AuthConfig{Enabled: true, APIKey: "s3cret"}
	})
	rec := env.do(t, http.MethodPost, "/v1/onboarding", `{"clerk_user_id":"user_ada"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/onboarding", bytes.NewBufferString(`{"clerk_user_id":"user_ada"}`))
	req.Header.Set("X-API-Key", "s3cret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestServer_StreamSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ *config.Config, m *onboarding.ManagerConfig) {
		m.Plan = []onboarding.PlanStep{{Description: "Creating your account"}}
	})
	resp := env.create(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	httpResp, err := http.Get(ts.URL + "/v1/onboarding/" + resp.SessionID + "/stream")
	require.NoError(t, err)
	defer func() {
		if errInner := httpResp.Body.Close(); errInner != nil {
			t.Log(errInner)
		}
	}()
	require.Equal(t, http.StatusOK, httpResp.StatusCode)
	require.Equal(t, "text/event-stream", httpResp.Header.Get("Content-Type"))

	tk := env.clock.Last()
	go func() {
		for tk.Fire() {
		}
	}()

	var snaps []onboarding.Snapshot
	ended := false
	scanner := bufio.NewScanner(httpResp.Body)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == "snapshot":
			var snap onboarding.Snapshot
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap))
			snaps = append(snaps, snap)
		case event == "end":
			ended = true
		}
		if ended {
			break
		}
	}
	require.True(t, ended)
	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	require.True(t, last.Done)
	require.Equal(t, []onboarding.Glyph{onboarding.GlyphSuccess}, last.Glyphs())
	for i := 1; i < len(snaps); i++ {
		require.Greater(t, snaps[i].Version, snaps[i-1].Version)
	}
}

func TestServer_StreamUnknownSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/onboarding/nope/stream", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
