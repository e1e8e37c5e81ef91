package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/devsync/gateway/internal/metrics"
	"github.com/yourorg/devsync/gateway/internal/upstream"
)

func newTestPool(t *testing.T) (*upstream.Pool, upstream.Endpoint) {
	t.Helper()
	ep := upstream.Endpoint{Name: "app", Host: "10.0.0.1", Port: 8000}
	p, err := upstream.NewPool([]upstream.Endpoint{ep}, upstream.Config{CooldownInitial: time.Second, CooldownMax: 30 * time.Second}, clock.NewMock())
	require.NoError(t, err)
	return p, ep
}

func TestAdmin_Healthz(t *testing.T) {
	pool, ep := newTestPool(t)
	h := NewAdminHandler(metrics.New(), pool)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","healthy_upstreams":1}`, rec.Body.String())

	pool.ReportFailure(ep)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdmin_Upstreams(t *testing.T) {
	pool, ep := newTestPool(t)
	pool.ReportFailure(ep)
	h := NewAdminHandler(metrics.New(), pool)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/upstreams", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []upstream.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.1:8000", got[0].Addr)
	assert.False(t, got[0].Healthy)
	assert.Equal(t, 1, got[0].Failures)
}

func TestAdmin_Metrics(t *testing.T) {
	pool, _ := newTestPool(t)
	m := metrics.New()
	m.RateLimited()
	h := NewAdminHandler(m, pool)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_ratelimit_rejections_total 1")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdminServer_Lifecycle(t *testing.T) {
	pool, _ := newTestPool(t)
	a := NewAdminServer("127.0.0.1:0", NewAdminHandler(metrics.New(), pool), slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, a.Start(context.Background()))
	resp, err := http.Get("http://" + a.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, a.Shutdown(context.Background()))
}
