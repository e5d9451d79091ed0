package wire

import (
	"bufio"
	"errors"
	"net"
	"time"
)

// ErrHalfCloseUnsupported is returned by CloseWrite when the underlying
// connection cannot shut down its write side independently.
var ErrHalfCloseUnsupported = errors.New("connection does not support half-close")

// Conn wraps a net.Conn with frame-level reads and writes.
//
// Each ReadFrame and WriteFrame call arms its own deadline, so a silent peer
// can hold a Conn for at most one timeout per frame. A zero timeout disables
// the deadline.
//
// Conn is not safe for concurrent use; the control protocol is strictly
// request/reply within one goroutine.
type Conn struct {
	conn         net.Conn
	r            *bufio.Reader
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func NewConn(c net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		conn:         c,
		r:            bufio.NewReader(c),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

func (c *Conn) ReadFrame() (string, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return "", err
		}
	}
	return ReadFrame(c.r)
}

func (c *Conn) WriteFrame(s string) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return WriteFrame(c.conn, s)
}

// CloseWrite signals end-of-input to the peer while keeping the read side
// open for the reply.
func (c *Conn) CloseWrite() error {
	hc, ok := c.conn.(interface{ CloseWrite() error })
	if !ok {
		return ErrHalfCloseUnsupported
	}
	return hc.CloseWrite()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteHost returns the host part of the peer address, or the full address
// string when it has no port.
func (c *Conn) RemoteHost() string {
	addr := c.conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
