package session

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
)

// Transport is the byte-level connection a Session runs over.
type Transport interface {
	bgp.Source
	Write(p []byte) (int, error)
	// LastRead returns when octets were last received.
	LastRead() time.Time
	RemoteAddr() netip.Addr
	Close() error
}

const (
	// probeTimeout bounds the non-blocking check for pending data.
	probeTimeout = time.Millisecond
	// DefaultReadTimeout bounds a read once a message has started arriving.
	DefaultReadTimeout = 30 * time.Second
	writeTimeout       = 30 * time.Second
)

// Conn adapts a net.Conn to Transport.
type Conn struct {
	conn        net.Conn
	br          *bufio.Reader
	readTimeout time.Duration
	lastRead    time.Time
}

// NewConn wraps c. A zero readTimeout selects DefaultReadTimeout.
func NewConn(c net.Conn, readTimeout time.Duration) *Conn {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Conn{
		conn:        c,
		br:          bufio.NewReaderSize(c, bgp.MaxMessageSize),
		readTimeout: readTimeout,
		lastRead:    time.Now(),
	}
}

// Pending reports whether at least one octet can be read without blocking.
// End of stream counts as pending so the next read surfaces it.
func (c *Conn) Pending() bool {
	if c.br.Buffered() > 0 {
		return true
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(probeTimeout)); err != nil {
		return true
	}
	_, err := c.br.Peek(1)
	if err == nil {
		return true
	}
	return !errors.Is(err, os.ErrDeadlineExceeded)
}

func (c *Conn) Read(p []byte) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return 0, fmt.Errorf("session: set read deadline: %w", err)
	}
	n, err := c.br.Read(p)
	if n > 0 {
		c.lastRead = time.Now()
	}
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return 0, fmt.Errorf("session: set write deadline: %w", err)
	}
	return c.conn.Write(p)
}

func (c *Conn) LastRead() time.Time {
	return c.lastRead
}

func (c *Conn) RemoteAddr() netip.Addr {
	ap, err := netip.ParseAddrPort(c.conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
