package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/yourorg/devsync/gateway/internal/connutil"
	"github.com/yourorg/devsync/gateway/internal/upstream"
)

type dialError struct {
	err error
}

func (e *dialError) Error() string { return "dial: " + e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

// retryTransport picks an endpoint per attempt and retries idempotent
// requests once on another endpoint when the connect itself failed.
type retryTransport struct {
	base       http.RoundTripper
	pool       upstream.Balancer
	hostHeader string
	// readTimeout bounds the gap between successive reads of a response body
	readTimeout time.Duration
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ep, err := t.pool.Pick()
	if err != nil {
		return nil, err
	}

	resp, err := t.attempt(req, ep)
	if err == nil || !retryable(req, err) {
		return resp, err
	}

	alt, perr := t.pool.PickExcept(ep)
	if perr != nil {
		return nil, err
	}
	return t.attempt(req, alt)
}

func (t *retryTransport) attempt(req *http.Request, ep upstream.Endpoint) (*http.Response, error) {
	ctx, cancel := context.WithCancelCause(req.Context())
	out := req.Clone(ctx)
	out.URL.Host = ep.Addr()
	out.Host = t.hostHeader
	if out.Host == "" {
		out.Host = ep.Name
	}

	resp, err := t.base.RoundTrip(out)
	if err == nil {
		t.pool.ReportSuccess(ep)
		resp.Body = newIdleBody(resp.Body, t.readTimeout, cancel, ep)
		return resp, nil
	}
	cancel(nil)

	if req.Context().Err() != nil {
		return nil, err
	}

	var de *dialError
	switch {
	case errors.As(err, &de):
		t.pool.ReportFailure(ep)
		return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamUnreachable, ep, err)
	case connutil.IsTimeout(err):
		return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamTimeout, ep, err)
	default:
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, fmt.Errorf("%w: %w", ErrPayloadTooLarge, err)
		}
		t.pool.ReportFailure(ep)
		return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamUnreachable, ep, err)
	}
}

// retryable reports whether req may be replayed after err. Only connect
// failures qualify, since nothing of the request has been written yet.
func retryable(req *http.Request, err error) bool {
	var de *dialError
	if !errors.As(err, &de) {
		return false
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		return false
	}
	return req.Body == nil || req.Body == http.NoBody
}

// idleBody aborts the upstream exchange when no body bytes arrive within
// timeout. Cancelling the attempt context makes the transport close the
// connection, which unblocks a pending Read.
type idleBody struct {
	io.ReadCloser
	timeout time.Duration
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	expired atomic.Bool
	ep      upstream.Endpoint
}

func newIdleBody(rc io.ReadCloser, timeout time.Duration, cancel context.CancelCauseFunc, ep upstream.Endpoint) io.ReadCloser {
	b := &idleBody{ReadCloser: rc, timeout: timeout, cancel: cancel, ep: ep}
	if timeout > 0 {
		b.timer = time.AfterFunc(timeout, b.expire)
	}
	return b
}

func (b *idleBody) expire() {
	b.expired.Store(true)
	b.cancel(ErrUpstreamTimeout)
}

// Read arms the timer only while blocked on the upstream.
func (b *idleBody) Read(p []byte) (int, error) {
	if b.timer != nil {
		b.timer.Reset(b.timeout)
	}
	n, err := b.ReadCloser.Read(p)
	if b.timer != nil {
		b.timer.Stop()
	}
	if b.expired.Load() {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return n, fmt.Errorf("%w: %s: body stalled for %s: %w", ErrUpstreamTimeout, b.ep, b.timeout, err)
	}
	return n, err
}

func (b *idleBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}
