// Package proxy forwards ordinary HTTP requests to the upstream pool.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/yourorg/devsync/gateway/internal/connutil"
	"github.com/yourorg/devsync/gateway/internal/upstream"
)

var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrPayloadTooLarge     = errors.New("request body too large")
)

// Options configures a Forwarder
type Options struct {
	// HostHeader overrides the Host sent upstream. Empty uses the endpoint name.
	HostHeader     string
	MaxBodyBytes   int64
	ConnectTimeout time.Duration
	// ResponseTimeout bounds the wait for response headers and each
	// subsequent gap while the body streams.
	ResponseTimeout     time.Duration
	WriteTimeout        time.Duration
	MaxIdleConnsPerHost int
}

// Forwarder relays request/response pairs to a member of the upstream pool
type Forwarder struct {
	opts   Options
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

// NewForwarder creates a forwarder backed by pool
func NewForwarder(pool upstream.Balancer, opts Options, logger *slog.Logger) *Forwarder {
	f := &Forwarder{opts: opts, logger: logger}

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, &dialError{err: err}
			}
			return connutil.WithWriteTimeout(conn, opts.WriteTimeout), nil
		},
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.ResponseTimeout,
		ExpectContinueTimeout: time.Second,
	}

	f.proxy = &httputil.ReverseProxy{
		Director: f.director,
		Transport: &retryTransport{
			base:        transport,
			pool:        pool,
			hostHeader:  opts.HostHeader,
			readTimeout: opts.ResponseTimeout,
		},
		ErrorHandler: f.errorHandler,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return f
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit := f.opts.MaxBodyBytes
	if limit > 0 {
		if r.ContentLength > limit {
			f.tooLarge(w, r)
			return
		}
		if r.ContentLength < 0 {
			// unknown length: buffer up to the limit before any upstream is touched
			body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
			if err != nil {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
			if int64(len(body)) > limit {
				f.tooLarge(w, r)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			r.TransferEncoding = nil
		}
		if r.Body != nil && r.Body != http.NoBody {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
	}

	f.proxy.ServeHTTP(w, r)
}

func (f *Forwarder) tooLarge(w http.ResponseWriter, r *http.Request) {
	f.logger.Warn("Rejected oversized request body",
		"path", r.URL.Path,
		"content_length", r.ContentLength,
		"limit", f.opts.MaxBodyBytes,
	)
	w.Header().Set("Connection", "close")
	http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
}

// director rewrites the outbound request. The upstream address itself is
// chosen per attempt by retryTransport.
func (f *Forwarder) director(req *http.Request) {
	req.URL.Scheme = "http"
	req.URL.Host = "upstream"

	req.Header.Set("X-Forwarded-Host", req.Host)
	if req.Header.Get("X-Forwarded-Proto") == "" {
		req.Header.Set("X-Forwarded-Proto", "http")
	}
	if ip, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		req.Header.Set("X-Real-IP", ip)
	}

	// upgrades are only honoured on websocket routes
	if httpguts.HeaderValuesContainsToken(req.Header["Connection"], "upgrade") {
		req.Header.Del("Connection")
		req.Header.Del("Upgrade")
	}
}

func (f *Forwarder) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil && !errors.Is(err, ErrUpstreamTimeout) {
		f.logger.Debug("Client went away during proxying", "path", r.URL.Path, "error", err)
		return
	}

	code := StatusCode(err)
	f.logger.Error("Proxy error", "error", err, "path", r.URL.Path, "status", code)
	http.Error(w, http.StatusText(code), code)
}

// StatusCode maps a forwarding error to the status surfaced to the client
func StatusCode(err error) int {
	var mbe *http.MaxBytesError
	switch {
	case errors.Is(err, ErrPayloadTooLarge), errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
