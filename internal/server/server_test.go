package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-reconciliation/internal/config"
	"identity-reconciliation/internal/handlers"
	"identity-reconciliation/internal/metrics"
	"identity-reconciliation/internal/middleware"
	"identity-reconciliation/internal/service"
	"identity-reconciliation/internal/store/memory"
)

func newTestServer(t *testing.T, rl *middleware.RateLimiter) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	m := metrics.New()
	svc := service.NewReconciliationService(store, store, service.WithLogger(logger), service.WithMetrics(m))

	srv := httptest.NewServer(NewRouter(Deps{
		Identify:    handlers.NewIdentifyHandler(svc, logger),
		Health:      handlers.NewHealthHandler(map[string]handlers.Pinger{"database": store}, "test"),
		Metrics:     m.Handler(),
		Requests:    m.HTTPRequestsTotal,
		RateLimiter: rl,
		Logger:      logger,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRouter_Identify(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/identify", "application/json", strings.NewReader(`{"email":"doc@hillvalley.edu"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))
	assert.JSONEq(t, `{"contact":{"primaryContatctId":1,"emails":["doc@hillvalley.edu"],"phoneNumbers":[],"secondaryContactIds":[]}}`, string(body))
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/identify")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	created, err := http.Post(srv.URL+"/identify", "application/json", strings.NewReader(`{"phoneNumber":"42"}`))
	require.NoError(t, err)
	created.Body.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `identity_resolves_total{outcome="created_primary"} 1`)
	assert.Contains(t, string(body), `identity_http_requests_total{code="200",route="/identify"} 1`)
}

func TestRouter_RateLimitsIdentifyOnly(t *testing.T) {
	rl := middleware.NewRateLimiter(0.001, 1, 0)
	defer rl.Stop()
	srv := newTestServer(t, rl)

	identify := func() int {
		resp, err := http.Post(srv.URL+"/identify", "application/json", strings.NewReader(`{"email":"a@b.c"}`))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, identify())
	assert.Equal(t, http.StatusTooManyRequests, identify())

	resp, err := http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNew_AppliesTimeouts(t *testing.T) {
	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 9000, ReadTimeout: time.Second, WriteTimeout: 2 * time.Second, IdleTimeout: 3 * time.Second}, http.NotFoundHandler())

	assert.Equal(t, "127.0.0.1:9000", srv.Addr)
	assert.Equal(t, time.Second, srv.ReadTimeout)
	assert.Equal(t, 2*time.Second, srv.WriteTimeout)
	assert.Equal(t, 3*time.Second, srv.IdleTimeout)
	_ = srv.Shutdown(context.Background())
}
