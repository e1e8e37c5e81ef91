package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/netutil"
)

var errNotStarted = errors.New("server not started")

// service runs one http.Server in the background
type service struct {
	name     string
	server   *http.Server
	maxConns int
	logger   *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

func (s *service) start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.server.Addr)
	if err != nil {
		return err
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("Starting "+s.name+" listener", "addr", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(s.name+" server error", "error", err)
		}
	}()
	return nil
}

func (s *service) addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *service) shutdown(ctx context.Context) error {
	if s.addr() == nil {
		return errNotStarted
	}
	s.logger.Info("Shutting down " + s.name + " listener")
	return s.server.Shutdown(ctx)
}
