// Package gateway is the public front of the proxy: it filters methods,
// applies the per-client rate limit, routes, and dispatches each request.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/multierr"

	"github.com/yourorg/devsync/gateway/internal/config"
	"github.com/yourorg/devsync/gateway/internal/metrics"
	"github.com/yourorg/devsync/gateway/internal/ratelimit"
	"github.com/yourorg/devsync/gateway/internal/router"
)

const requestIDHeader = "X-Request-Id"

var allowedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
	http.MethodHead,
}

var allowHeader = strings.Join(allowedMethods, ", ")

// RateLimiter admits or rejects requests per client key
type RateLimiter interface {
	Allow(key string) ratelimit.Result
	Limit() float64
}

// Relay serves websocket routes and can drop every open session
type Relay interface {
	http.Handler
	CloseAll() error
}

// Handlers are the dispatch targets, one per route kind
type Handlers struct {
	Proxy     http.Handler
	WebSocket Relay
	// Static is keyed by route prefix
	Static map[string]http.Handler
}

// Options configures the public listener
type Options struct {
	ListenAddr         string
	MaxConnections     int
	ReadHeaderTimeout  time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	RejectStatus       int
	CompressionMinSize int
	CompressionTypes   []string
}

// Server is the gateway's HTTP front
type Server struct {
	opts     Options
	router   *router.Router
	limiter  RateLimiter
	handlers Handlers
	metrics  *metrics.Metrics
	logger   *slog.Logger

	proxy  http.Handler
	ws     http.Handler
	static map[string]http.Handler

	svc *service
}

// New wires a Server. m may be nil.
func New(opts Options, rt *router.Router, limiter RateLimiter, h Handlers, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusServiceUnavailable
	}
	if len(opts.CompressionTypes) == 0 {
		opts.CompressionTypes = config.DefaultContentTypes
	}

	compress, err := gzhttp.NewWrapper(
		gzhttp.MinSize(opts.CompressionMinSize),
		gzhttp.ContentTypes(opts.CompressionTypes),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to configure compression: %w", err)
	}

	s := &Server{
		opts:     opts,
		router:   rt,
		limiter:  limiter,
		handlers: h,
		metrics:  m,
		logger:   logger,
		static:   make(map[string]http.Handler, len(h.Static)),
	}

	s.proxy = s.observe(router.KindProxy, true, compress(h.Proxy))
	for _, route := range rt.Routes() {
		switch route.Kind {
		case router.KindStatic:
			sh, ok := h.Static[route.Prefix]
			if !ok {
				return nil, fmt.Errorf("no static handler for %s", route.Prefix)
			}
			s.static[route.Prefix] = s.observe(router.KindStatic, false, compress(sh))
		case router.KindWebSocket:
			if h.WebSocket == nil {
				return nil, fmt.Errorf("no websocket relay for %s", route.Prefix)
			}
			s.ws = s.observe(router.KindWebSocket, true, h.WebSocket)
		}
	}

	s.svc = &service{
		name: "gateway",
		server: &http.Server{
			Addr:              opts.ListenAddr,
			Handler:           s,
			ReadHeaderTimeout: opts.ReadHeaderTimeout,
			ReadTimeout:       opts.ReadTimeout,
			WriteTimeout:      opts.WriteTimeout,
			IdleTimeout:       opts.IdleTimeout,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
		maxConns: opts.MaxConnections,
		logger:   logger,
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(r.Method) {
		w.Header().Set("Allow", allowHeader)
		s.reject(w, r, http.StatusMethodNotAllowed)
		return
	}

	key := clientKey(r)
	res := s.limiter.Allow(key)
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatFloat(s.limiter.Limit(), 'f', -1, 64))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.Allowed {
		s.metrics.RateLimited()
		h.Set("Retry-After", strconv.Itoa(int(res.RetryAfter/time.Second)))
		s.reject(w, r, s.opts.RejectStatus)
		return
	}

	id := r.Header.Get(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
		r.Header.Set(requestIDHeader, id)
	}
	h.Set(requestIDHeader, id)

	route := s.router.Match(r.URL.Path)
	switch route.Kind {
	case router.KindWebSocket:
		s.ws.ServeHTTP(w, r)
	case router.KindStatic:
		s.static[route.Prefix].ServeHTTP(w, r)
	default:
		s.proxy.ServeHTTP(w, r)
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start(ctx context.Context) error {
	return s.svc.start(ctx)
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	return s.svc.addr()
}

// Shutdown stops accepting requests, drains in-flight ones, then closes
// every relayed websocket session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.svc.shutdown(ctx)
	if s.handlers.WebSocket != nil {
		err = multierr.Append(err, s.handlers.WebSocket.CloseAll())
	}
	return err
}

func methodAllowed(m string) bool {
	for _, a := range allowedMethods {
		if m == a {
			return true
		}
	}
	return false
}

// clientKey identifies the client by its network address. Forwarding
// headers are client controlled and are not trusted here.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
