package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swoophq/swoop-dispatch/internal/dispatcher"
	"github.com/swoophq/swoop-dispatch/internal/proxypool"
	"github.com/swoophq/swoop-dispatch/internal/ratelimit"
	"github.com/swoophq/swoop-dispatch/internal/session"
)

func newTestServer(t *testing.T, hosts ...string) (*Server, *dispatcher.Dispatcher, *proxypool.Pool) {
	t.Helper()
	pool := proxypool.New(proxypool.Config{})
	for _, h := range hosts {
		pool.AddProxy("global", &proxypool.Descriptor{Host: h, Port: 8080})
	}
	store, err := session.NewStore(pool, session.Config{})
	require.NoError(t, err)
	limiter, err := ratelimit.New(ratelimit.Config{DomainRPS: 1000, GlobalRPS: 1000})
	require.NoError(t, err)
	d, err := dispatcher.New(limiter, pool, store, dispatcher.Config{
		Delay: dispatcher.DelayConfig{Base: 2 * time.Millisecond, Variance: 0.5, Min: time.Millisecond},
	})
	require.NoError(t, err)
	return NewServer(d, limiter, pool, store, nil), d, pool
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t, "10.0.0.1")
	rec := doRequest(t, s, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzReflectsPoolHealth(t *testing.T) {
	t.Parallel()

	s, _, pool := newTestServer(t, "10.0.0.1")
	rec := doRequest(t, s, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	// Drive the only proxy unhealthy; readiness must flip.
	for i := 0; i < 10; i++ {
		pool.Report("10.0.0.1:8080", false)
	}
	rec = doRequest(t, s, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	s, d, _ := newTestServer(t, "10.0.0.1")
	_, err := d.Prepare(context.Background(), "etsy", "etsy.com")
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats dispatcher.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.RateLimiter.TrackedDomains)
	require.Equal(t, 1, stats.ProxyPool.TotalProxies)
}

func TestGetProxies(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t, "10.0.0.1", "10.0.0.2")
	rec := doRequest(t, s, http.MethodGet, "/v1/proxies")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Proxies []proxypool.ProxyHealth `json:"proxies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Proxies, 2)
	require.True(t, body.Proxies[0].Healthy)
}

func TestRateLimitStatusAndReset(t *testing.T) {
	t.Parallel()

	// A slow quota so a consumed token stays visibly consumed.
	pool := proxypool.New(proxypool.Config{})
	pool.AddProxy("global", &proxypool.Descriptor{Host: "10.0.0.1", Port: 8080})
	store, err := session.NewStore(pool, session.Config{})
	require.NoError(t, err)
	limiter, err := ratelimit.New(ratelimit.Config{DomainRPS: 0.1, GlobalRPS: 1000})
	require.NoError(t, err)
	d, err := dispatcher.New(limiter, pool, store, dispatcher.Config{
		Delay: dispatcher.DelayConfig{Base: 2 * time.Millisecond, Variance: 0.5, Min: time.Millisecond},
	})
	require.NoError(t, err)
	s := NewServer(d, limiter, pool, store, nil)

	type statusBody struct {
		Domain      string  `json:"domain"`
		Limited     bool    `json:"limited"`
		WaitSeconds float64 `json:"wait_seconds"`
	}

	// A domain with no bucket yet is admissible.
	rec := doRequest(t, s, http.MethodGet, "/v1/ratelimit/etsy.com")
	require.Equal(t, http.StatusOK, rec.Code)
	var cold statusBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cold))
	require.Equal(t, "etsy.com", cold.Domain)
	require.False(t, cold.Limited)
	require.Zero(t, cold.WaitSeconds)

	// Consuming the only token flips the status to limited with a wait.
	_, err = d.Prepare(context.Background(), "etsy", "etsy.com")
	require.NoError(t, err)
	rec = doRequest(t, s, http.MethodGet, "/v1/ratelimit/etsy.com")
	require.Equal(t, http.StatusOK, rec.Code)
	var drained statusBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &drained))
	require.True(t, drained.Limited)
	require.Greater(t, drained.WaitSeconds, 0.0)

	// Resetting discards the bucket, so the domain reads admissible again.
	rec = doRequest(t, s, http.MethodPost, "/v1/admin/ratelimit/etsy.com/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, s, http.MethodGet, "/v1/ratelimit/etsy.com")
	var reset statusBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reset))
	require.False(t, reset.Limited)
}

func TestRebindSession(t *testing.T) {
	t.Parallel()

	s, d, _ := newTestServer(t, "10.0.0.1")

	// No session yet.
	rec := doRequest(t, s, http.MethodPost, "/v1/admin/sessions/etsy/rebind")
	require.Equal(t, http.StatusNotFound, rec.Code)

	_, err := d.Prepare(context.Background(), "etsy", "etsy.com")
	require.NoError(t, err)
	rec = doRequest(t, s, http.MethodPost, "/v1/admin/sessions/etsy/rebind")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPruneProxies(t *testing.T) {
	t.Parallel()

	s, _, pool := newTestServer(t, "10.0.0.1", "10.0.0.2")
	for i := 0; i < 10; i++ {
		pool.Report("10.0.0.2:8080", false)
	}

	rec := doRequest(t, s, http.MethodPost, "/v1/admin/proxies/prune")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body["removed"])
}
