package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourorg/devsync/gateway/internal/upstream"
)

// Session is one relayed WebSocket connection
type Session struct {
	ID       string
	Endpoint upstream.Endpoint
	Started  time.Time

	client   net.Conn
	upstream net.Conn

	in  atomic.Int64
	out atomic.Int64

	closeOnce sync.Once
}

// Close closes both sides of the session
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.client.Close()
		_ = s.upstream.Close()
	})
}
