// Package app assembles the gateway components with fx.
package app

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/devsync/gateway/internal/config"
	"github.com/yourorg/devsync/gateway/internal/gateway"
	"github.com/yourorg/devsync/gateway/internal/logging"
	"github.com/yourorg/devsync/gateway/internal/metrics"
	"github.com/yourorg/devsync/gateway/internal/proxy"
	"github.com/yourorg/devsync/gateway/internal/ratelimit"
	"github.com/yourorg/devsync/gateway/internal/router"
	"github.com/yourorg/devsync/gateway/internal/static"
	"github.com/yourorg/devsync/gateway/internal/upstream"
	"github.com/yourorg/devsync/gateway/internal/ws"
)

// Module provides every gateway component and registers their lifecycles
var Module = fx.Module("gateway",
	fx.Provide(
		func() clock.Clock { return clock.New() },
		metrics.New,
		newLimiter,
		newPool,
		newProber,
		newRouter,
		newForwarder,
		newRelay,
		newHandlers,
		newServer,
		newAdminServer,
	),
	fx.Invoke(registerLifecycle),
)

// Options returns the full option set for cfg, including the fx event logger
func Options(cfg *config.Config, logger *slog.Logger) fx.Option {
	opts := []fx.Option{
		fx.Supply(cfg, logger),
		fx.WithLogger(func() fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logging.Subsystem(logger, "fx")}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		Module,
	}
	if cfg.Server.ShutdownTimeout > 0 {
		opts = append(opts, fx.StopTimeout(cfg.Server.ShutdownTimeout))
	}
	return fx.Options(opts...)
}

// New builds the application
func New(cfg *config.Config, logger *slog.Logger) *fx.App {
	return fx.New(Options(cfg, logger))
}

func newLimiter(cfg *config.Config, clk clock.Clock, m *metrics.Metrics) *ratelimit.Limiter {
	rl := cfg.RateLimit
	l := ratelimit.New(ratelimit.Config{
		Rate:          rl.Rate,
		Burst:         rl.Burst,
		IdleTTL:       rl.IdleTTL,
		SweepInterval: rl.SweepInterval,
		MaxKeys:       rl.MaxKeys,
		Shards:        rl.Shards,
	}, clk)
	m.TrackKeys(l.Len)
	return l
}

func newPool(cfg *config.Config, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) (*upstream.Pool, error) {
	eps := make([]upstream.Endpoint, len(cfg.Upstream.Endpoints))
	for i, e := range cfg.Upstream.Endpoints {
		eps[i] = upstream.Endpoint{Name: e.Name, Host: e.Host, Port: e.Port}
	}

	pool, err := upstream.NewPool(eps, upstream.Config{
		CooldownInitial: cfg.Upstream.CooldownInitial,
		CooldownMax:     cfg.Upstream.CooldownMax,
		ActiveRecovery:  cfg.Upstream.HealthPath != "",
	}, clk)
	if err != nil {
		return nil, err
	}

	log := logging.Subsystem(logger, "upstream")
	pool.OnFailure(func(ep upstream.Endpoint) {
		m.UpstreamFailure(ep.String())
	})
	pool.OnStateChange(func(ep upstream.Endpoint, healthy bool) {
		m.UpstreamHealth(ep.String(), healthy)
		if healthy {
			log.Info("Upstream marked healthy", "endpoint", ep.String())
		} else {
			log.Warn("Upstream marked down", "endpoint", ep.String())
		}
	})
	for _, ep := range eps {
		m.UpstreamHealth(ep.String(), true)
	}
	return pool, nil
}

// newProber returns nil when no health path is configured; recovery is then
// passive, on the first request after the cooldown.
func newProber(cfg *config.Config, pool *upstream.Pool, logger *slog.Logger) *upstream.Prober {
	if cfg.Upstream.HealthPath == "" {
		return nil
	}
	return upstream.NewProber(pool, cfg.Upstream.HealthPath, cfg.Upstream.HealthInterval,
		cfg.Proxy.ConnectTimeout, logging.Subsystem(logger, "health"))
}

func newRouter(cfg *config.Config) (*router.Router, error) {
	routes := []router.Route{{Prefix: cfg.WebSocket.Prefix, Kind: router.KindWebSocket}}
	for _, s := range cfg.Static.Routes {
		routes = append(routes, router.Route{Prefix: s.Prefix, Kind: router.KindStatic, Root: s.Root})
	}
	return router.New(routes)
}

func newForwarder(cfg *config.Config, pool *upstream.Pool, logger *slog.Logger) *proxy.Forwarder {
	return proxy.NewForwarder(pool, proxy.Options{
		HostHeader:          cfg.Upstream.HostHeader,
		MaxBodyBytes:        cfg.Proxy.MaxBodyBytes,
		ConnectTimeout:      cfg.Proxy.ConnectTimeout,
		ResponseTimeout:     cfg.Proxy.ResponseTimeout,
		WriteTimeout:        cfg.Proxy.WriteTimeout,
		MaxIdleConnsPerHost: cfg.Proxy.MaxIdleConnsPerHost,
	}, logging.Subsystem(logger, "proxy"))
}

func newRelay(cfg *config.Config, pool *upstream.Pool, m *metrics.Metrics, logger *slog.Logger) *ws.Relay {
	return ws.NewRelay(pool, ws.Options{
		HostHeader:       cfg.Upstream.HostHeader,
		ConnectTimeout:   cfg.Proxy.ConnectTimeout,
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		IdleTimeout:      cfg.WebSocket.IdleTimeout,
	}, m, logging.Subsystem(logger, "websocket"))
}

func newHandlers(cfg *config.Config, clk clock.Clock, fwd *proxy.Forwarder, relay *ws.Relay) (gateway.Handlers, error) {
	h := gateway.Handlers{
		Proxy:     fwd,
		WebSocket: relay,
		Static:    make(map[string]http.Handler, len(cfg.Static.Routes)),
	}
	for _, r := range cfg.Static.Routes {
		s, err := static.New(r.Prefix, r.Root, cfg.Static.MaxAge, clk)
		if err != nil {
			return gateway.Handlers{}, err
		}
		h.Static[r.Prefix] = s
	}
	return h, nil
}

func newServer(cfg *config.Config, rt *router.Router, limiter *ratelimit.Limiter, h gateway.Handlers, m *metrics.Metrics, logger *slog.Logger) (*gateway.Server, error) {
	return gateway.New(gateway.Options{
		ListenAddr:         cfg.Server.ListenAddr,
		MaxConnections:     cfg.Server.MaxConnections,
		ReadHeaderTimeout:  cfg.Server.ReadHeaderTimeout,
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		IdleTimeout:        cfg.Server.IdleTimeout,
		RejectStatus:       cfg.RateLimit.RejectStatus,
		CompressionMinSize: cfg.Compression.MinSize,
		CompressionTypes:   cfg.Compression.ContentTypes,
	}, rt, limiter, h, m, logging.Subsystem(logger, "gateway"))
}

// newAdminServer returns nil when the admin listener is disabled
func newAdminServer(cfg *config.Config, m *metrics.Metrics, pool *upstream.Pool, logger *slog.Logger) *gateway.AdminServer {
	if cfg.Admin.ListenAddr == "" {
		return nil
	}
	return gateway.NewAdminServer(cfg.Admin.ListenAddr, gateway.NewAdminHandler(m, pool), logging.Subsystem(logger, "admin"))
}

func registerLifecycle(lc fx.Lifecycle, srv *gateway.Server, admin *gateway.AdminServer, limiter *ratelimit.Limiter, prober *upstream.Prober) {
	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			g.Go(func() error {
				limiter.Run(ctx)
				return nil
			})
			if prober != nil {
				g.Go(func() error {
					prober.Run(ctx)
					return nil
				})
			}
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return g.Wait()
		},
	})

	if admin != nil {
		lc.Append(fx.Hook{OnStart: admin.Start, OnStop: admin.Shutdown})
	}
	lc.Append(fx.Hook{OnStart: srv.Start, OnStop: srv.Shutdown})
}
