package ws

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/devsync/gateway/internal/upstream"
)

type echoUpstream struct {
	srv      *httptest.Server
	closed   chan struct{}
	host     atomic.Value
	xff      atomic.Value
	upgrader websocket.Upgrader
}

func newEchoUpstream(t *testing.T) *echoUpstream {
	t.Helper()
	e := &echoUpstream{
		closed:   make(chan struct{}, 8),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.host.Store(r.Host)
		e.xff.Store(r.Header.Get("X-Forwarded-For"))
		conn, err := e.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				e.closed <- struct{}{}
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				e.closed <- struct{}{}
				return
			}
		}
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func endpointOf(t *testing.T, srv *httptest.Server) upstream.Endpoint {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	return upstream.Endpoint{Name: "app", Host: host, Port: n}
}

type countingObserver struct {
	opened, closed atomic.Int32
	in, out        atomic.Int64
}

func (o *countingObserver) SessionOpened() { o.opened.Add(1) }

func (o *countingObserver) SessionClosed(in, out int64) {
	o.closed.Add(1)
	o.in.Add(in)
	o.out.Add(out)
}

func newTestRelay(t *testing.T, eps ...upstream.Endpoint) (*Relay, *upstream.Pool, *countingObserver, *httptest.Server) {
	t.Helper()
	pool, err := upstream.NewPool(eps, upstream.Config{CooldownInitial: time.Second, CooldownMax: 30 * time.Second}, clock.NewMock())
	require.NoError(t, err)
	obs := &countingObserver{}
	rl := NewRelay(pool, Options{
		ConnectTimeout:   time.Second,
		HandshakeTimeout: time.Second,
		IdleTimeout:      time.Minute,
	}, obs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	front := httptest.NewServer(rl)
	t.Cleanup(front.Close)
	return rl, pool, obs, front
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestRelay_Echo(t *testing.T) {
	up := newEchoUpstream(t)
	_, _, obs, front := newTestRelay(t, endpointOf(t, up.srv))

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(front, "/ws/notifications/"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	for _, msg := range []string{"hello", "world", strings.Repeat("x", 64<<10)} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		_, got, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, msg, string(got))
	}

	assert.Equal(t, "app", up.host.Load())
	assert.Equal(t, "127.0.0.1", up.xff.Load())
	assert.Equal(t, int32(1), obs.opened.Load())
}

func TestRelay_ClientCloseClosesUpstream(t *testing.T) {
	up := newEchoUpstream(t)
	rl, _, obs, front := newTestRelay(t, endpointOf(t, up.srv))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(front, "/ws/notifications/"), nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, conn.Close())

	select {
	case <-up.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream connection was not closed after client disconnect")
	}
	assert.Eventually(t, func() bool { return rl.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return obs.closed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Positive(t, obs.in.Load())
	assert.Positive(t, obs.out.Load())
}

func TestRelay_CloseAll(t *testing.T) {
	up := newEchoUpstream(t)
	rl, _, _, front := newTestRelay(t, endpointOf(t, up.srv))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(front, "/ws/feed/"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return rl.Active() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, rl.CloseAll())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)

	// new sessions are refused after shutdown
	conn2, _, err := websocket.DefaultDialer.Dial(wsURL(front, "/ws/feed/"), nil)
	if err == nil {
		_ = conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = conn2.ReadMessage()
		conn2.Close()
	}
	assert.Error(t, err)
}

func TestRelay_RejectsPlainRequest(t *testing.T) {
	up := newEchoUpstream(t)
	_, _, _, front := newTestRelay(t, endpointOf(t, up.srv))

	resp, err := http.Get(front.URL + "/ws/notifications/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelay_UpstreamRefusesUpgrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()
	_, pool, _, front := newTestRelay(t, endpointOf(t, srv))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(front, "/ws/private/"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 1, pool.Healthy())
}

func TestRelay_UpstreamDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, ln.Close())
	n, _ := strconv.Atoi(port)

	_, pool, _, front := newTestRelay(t, upstream.Endpoint{Name: "app", Host: host, Port: n})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(front, "/ws/notifications/"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 0, pool.Healthy())
}
