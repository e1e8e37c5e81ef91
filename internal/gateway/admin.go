package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/yourorg/devsync/gateway/internal/metrics"
	"github.com/yourorg/devsync/gateway/internal/upstream"
)

// PoolStatus is the upstream view the admin endpoints report on
type PoolStatus interface {
	Healthy() int
	Snapshot() []upstream.Status
}

// AdminServer serves metrics, liveness and pool state on a separate listener
type AdminServer struct {
	svc *service
}

// NewAdminHandler builds the admin routes
func NewAdminHandler(m *metrics.Metrics, pool PoolStatus) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		healthy := pool.Healthy()
		status := "ok"
		code := http.StatusOK
		if healthy == 0 {
			status = "unavailable"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":            status,
			"healthy_upstreams": healthy,
		})
	})

	mux.HandleFunc("GET /upstreams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pool.Snapshot())
	})
	return mux
}

// NewAdminServer creates the admin listener on addr
func NewAdminServer(addr string, handler http.Handler, logger *slog.Logger) *AdminServer {
	return &AdminServer{svc: &service{
		name: "admin",
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}}
}

// Start binds the admin listener and serves in the background
func (a *AdminServer) Start(ctx context.Context) error {
	return a.svc.start(ctx)
}

// Addr returns the bound address, or nil before Start
func (a *AdminServer) Addr() net.Addr {
	return a.svc.addr()
}

// Shutdown stops the admin listener
func (a *AdminServer) Shutdown(ctx context.Context) error {
	return a.svc.shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
