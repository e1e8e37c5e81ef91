// Package ws relays upgraded WebSocket connections to the upstream pool.
package ws

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/devsync/gateway/internal/connutil"
	"github.com/yourorg/devsync/gateway/internal/upstream"
)

var ErrHandshakeFailed = errors.New("websocket handshake failed")

// Options configures a Relay
type Options struct {
	HostHeader       string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
}

// Observer receives session lifecycle events
type Observer interface {
	SessionOpened()
	SessionClosed(clientToUpstream, upstreamToClient int64)
}

// Relay performs the upgrade handshake against an upstream and then pipes
// bytes both ways until either side closes.
type Relay struct {
	pool     upstream.Balancer
	opts     Options
	logger   *slog.Logger
	observer Observer

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// NewRelay creates a relay. observer may be nil.
func NewRelay(pool upstream.Balancer, opts Options, observer Observer, logger *slog.Logger) *Relay {
	return &Relay{
		pool:     pool,
		opts:     opts,
		logger:   logger,
		observer: observer,
		sessions: make(map[*Session]struct{}),
	}
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		rl.logger.Debug("Rejected non-upgrade request on websocket route", "path", r.URL.Path)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ep, err := rl.pool.Pick()
	if err != nil {
		rl.logger.Error("WebSocket relay error", "error", err, "path", r.URL.Path)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	up, br, resp, err := rl.handshake(r, ep)
	if err != nil {
		rl.pool.ReportFailure(ep)
		rl.logger.Error("WebSocket relay error", "error", err, "endpoint", ep.String(), "path", r.URL.Path)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	rl.pool.ReportSuccess(ep)

	if resp.StatusCode != http.StatusSwitchingProtocols {
		defer up.Close()
		defer resp.Body.Close()
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		return
	}

	client, cbuf, err := http.NewResponseController(w).Hijack()
	if err != nil {
		up.Close()
		rl.logger.Error("WebSocket hijack failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if err := writeSwitching(cbuf.Writer, resp); err != nil {
		client.Close()
		up.Close()
		rl.logger.Warn("WebSocket handshake relay failed", "error", err)
		return
	}

	s := &Session{
		ID:       requestID(r),
		Endpoint: ep,
		Started:  time.Now(),
		client:   client,
		upstream: up,
	}
	if !rl.track(s) {
		rl.logger.Warn("Refused websocket session during shutdown", "session", s.ID)
		s.Close()
		return
	}
	defer rl.untrack(s)

	rl.pipe(s, drain(cbuf.Reader), drain(br))
}

// handshake dials ep and forwards the upgrade request. The returned reader
// holds any upstream bytes read past the response headers.
func (rl *Relay) handshake(r *http.Request, ep upstream.Endpoint) (net.Conn, *bufio.Reader, *http.Response, error) {
	dialer := &net.Dialer{Timeout: rl.opts.ConnectTimeout}
	up, err := dialer.DialContext(r.Context(), "tcp", ep.Addr())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: dial %s: %w", ErrHandshakeFailed, ep, err)
	}

	if rl.opts.HandshakeTimeout > 0 {
		_ = up.SetDeadline(time.Now().Add(rl.opts.HandshakeTimeout))
	}

	out := rl.upgradeRequest(r, ep)
	if err := out.Write(up); err != nil {
		up.Close()
		return nil, nil, nil, fmt.Errorf("%w: write %s: %w", ErrHandshakeFailed, ep, err)
	}

	br := bufio.NewReader(up)
	resp, err := http.ReadResponse(br, out)
	if err != nil {
		up.Close()
		return nil, nil, nil, fmt.Errorf("%w: read %s: %w", ErrHandshakeFailed, ep, err)
	}

	_ = up.SetDeadline(time.Time{})
	return up, br, resp, nil
}

func (rl *Relay) upgradeRequest(r *http.Request, ep upstream.Endpoint) *http.Request {
	out := r.Clone(context.Background())
	out.RequestURI = ""
	out.URL.Scheme = ""
	out.URL.Host = ""
	out.Host = rl.opts.HostHeader
	if out.Host == "" {
		out.Host = ep.Name
	}
	out.Body = nil
	out.ContentLength = 0

	h := out.Header
	for _, v := range h["Connection"] {
		for _, tok := range strings.Split(v, ",") {
			if tok = textproto.TrimString(tok); tok != "" && !strings.EqualFold(tok, "upgrade") {
				h.Del(tok)
			}
		}
	}
	for _, k := range []string{"Keep-Alive", "Proxy-Connection", "Te", "Trailer", "Transfer-Encoding"} {
		h.Del(k)
	}
	h.Set("Connection", "Upgrade")
	h.Set("Upgrade", "websocket")

	h.Set("X-Forwarded-Host", r.Host)
	if h.Get("X-Forwarded-Proto") == "" {
		h.Set("X-Forwarded-Proto", "http")
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		h.Set("X-Real-IP", ip)
		if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	return out
}

func (rl *Relay) pipe(s *Session, fromClient, fromUpstream io.Reader) {
	client := connutil.WithIdleTimeout(s.client, rl.opts.IdleTimeout)
	up := connutil.WithIdleTimeout(s.upstream, rl.opts.IdleTimeout)

	fromClient = io.MultiReader(fromClient, client)
	fromUpstream = io.MultiReader(fromUpstream, up)

	if rl.observer != nil {
		rl.observer.SessionOpened()
	}
	rl.logger.Info("WebSocket session opened", "session", s.ID, "endpoint", s.Endpoint.String())

	var g errgroup.Group
	g.Go(func() error {
		n, err := io.Copy(up, fromClient)
		s.in.Add(n)
		s.Close()
		return err
	})
	g.Go(func() error {
		n, err := io.Copy(client, fromUpstream)
		s.out.Add(n)
		s.Close()
		return err
	})
	err := g.Wait()

	in, out := s.in.Load(), s.out.Load()
	if rl.observer != nil {
		rl.observer.SessionClosed(in, out)
	}

	attrs := []any{
		"session", s.ID,
		"endpoint", s.Endpoint.String(),
		"duration", time.Since(s.Started).String(),
		"bytes_in", in,
		"bytes_out", out,
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		if connutil.IsTimeout(err) {
			attrs = append(attrs, "reason", "idle timeout")
		} else {
			attrs = append(attrs, "error", err)
		}
	}
	rl.logger.Info("WebSocket session closed", attrs...)
}

func (rl *Relay) track(s *Session) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closed {
		return false
	}
	rl.sessions[s] = struct{}{}
	return true
}

func (rl *Relay) untrack(s *Session) {
	rl.mu.Lock()
	delete(rl.sessions, s)
	rl.mu.Unlock()
}

// Active returns the number of open sessions
func (rl *Relay) Active() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.sessions)
}

// CloseAll closes every open session and refuses new ones
func (rl *Relay) CloseAll() error {
	rl.mu.Lock()
	rl.closed = true
	sessions := make([]*Session, 0, len(rl.sessions))
	for s := range rl.sessions {
		sessions = append(sessions, s)
	}
	rl.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if len(sessions) > 0 {
		rl.logger.Info("Closed websocket sessions", "count", len(sessions))
	}
	return nil
}

func writeSwitching(w *bufio.Writer, resp *http.Response) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %s\r\n", resp.Status); err != nil {
		return err
	}
	if err := resp.Header.Write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// drain returns the bytes already buffered in br without blocking
func drain(br *bufio.Reader) io.Reader {
	n := br.Buffered()
	if n == 0 {
		return bytes.NewReader(nil)
	}
	b, _ := br.Peek(n)
	return bytes.NewReader(append([]byte(nil), b...))
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
