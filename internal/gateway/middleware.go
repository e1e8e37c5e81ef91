package gateway

import (
	"bufio"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/yourorg/devsync/gateway/internal/router"
)

// statusClientClosed is recorded when the client went away before a response was written
const statusClientClosed = 499

// routeGateway labels requests the gateway answers itself before routing
const routeGateway = "gateway"

var sensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"Set-Cookie":          true,
	"X-Api-Key":           true,
	"X-Csrftoken":         true,
}

// observe records metrics for every request through next and, when
// access is set, writes one access record per request.
func (s *Server) observe(kind router.Kind, access bool, next http.Handler) http.Handler {
	route := kind.String()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)
		s.record(r, route, access, rec, start)
	})
}

// reject answers r with code before it reaches a route and records it under
// the gateway label.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, code int) {
	start := time.Now()
	rec := &responseRecorder{ResponseWriter: w}
	http.Error(rec, http.StatusText(code), code)
	s.record(r, routeGateway, true, rec, start)
}

func (s *Server) record(r *http.Request, route string, access bool, rec *responseRecorder, start time.Time) {
	elapsed := time.Since(start)
	status := rec.statusCode()
	s.metrics.ObserveRequest(route, status, elapsed)
	if access {
		s.logAccess(r, route, status, rec.bytes, elapsed)
	}
}

func (s *Server) logAccess(r *http.Request, route string, status int, bytes int64, elapsed time.Duration) {
	level := slog.LevelInfo
	if status >= http.StatusBadRequest {
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("route", route),
		slog.Int("status", status),
		slog.Int64("bytes", bytes),
		slog.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
		slog.String("client", clientKey(r)),
		slog.String("request_id", r.Header.Get(requestIDHeader)),
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, slog.String("user_agent", ua))
	}
	if s.logger.Enabled(r.Context(), slog.LevelDebug) {
		attrs = append(attrs, slog.Any("headers", headerAttrs(r.Header)))
	}

	msg := "Request processed"
	if status >= http.StatusBadRequest {
		msg = "Request failed"
	}
	s.logger.LogAttrs(r.Context(), level, msg, attrs...)
}

// headerAttrs renders h as a log group with credentials masked
func headerAttrs(h http.Header) slog.Value {
	attrs := make([]slog.Attr, 0, len(h))
	for _, k := range slices.Sorted(maps.Keys(h)) {
		v := "[REDACTED]"
		if !sensitiveHeaders[http.CanonicalHeaderKey(k)] {
			v = h.Get(k)
		}
		attrs = append(attrs, slog.String(k, v))
	}
	return slog.GroupValue(attrs...)
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *responseRecorder) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseRecorder) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

func (rw *responseRecorder) Flush() {
	_ = http.NewResponseController(rw.ResponseWriter).Flush()
}

func (rw *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	c, brw, err := http.NewResponseController(rw.ResponseWriter).Hijack()
	if err == nil && rw.status == 0 {
		rw.status = http.StatusSwitchingProtocols
	}
	return c, brw, err
}

func (rw *responseRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseRecorder) statusCode() int {
	if rw.status == 0 {
		return statusClientClosed
	}
	return rw.status
}
