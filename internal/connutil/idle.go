// Package connutil holds net.Conn helpers shared by the proxy and relay.
package connutil

import (
	"errors"
	"net"
	"time"
)

// IdleConn extends the connection deadline on every read or write, so the
// connection only times out after idle passes with no traffic either way.
type IdleConn struct {
	net.Conn
	idle time.Duration
}

// WithIdleTimeout wraps c. A zero idle leaves deadlines untouched.
func WithIdleTimeout(c net.Conn, idle time.Duration) *IdleConn {
	return &IdleConn{Conn: c, idle: idle}
}

func (c *IdleConn) Read(p []byte) (int, error) {
	c.extend()
	return c.Conn.Read(p)
}

func (c *IdleConn) Write(p []byte) (int, error) {
	c.extend()
	return c.Conn.Write(p)
}

func (c *IdleConn) extend() {
	if c.idle > 0 {
		_ = c.Conn.SetDeadline(time.Now().Add(c.idle))
	}
}

// IsTimeout reports whether err is a network timeout
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// WriteTimeoutConn bounds each Write by a fresh write deadline. Reads are
// left alone so pooled idle connections are not torn down.
type WriteTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

// WithWriteTimeout wraps c. A zero timeout leaves deadlines untouched.
func WithWriteTimeout(c net.Conn, timeout time.Duration) *WriteTimeoutConn {
	return &WriteTimeoutConn{Conn: c, timeout: timeout}
}

func (c *WriteTimeoutConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Write(p)
}
