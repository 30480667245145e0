package netconn

import (
	"crypto/tls"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"time"
)

// Transport is the per-variant socket capability a Conn drives. Each variant
// supplies the blocking read and write primitives plus the hooks the
// connection consults for buffering, codec state and TLS.
type Transport interface {
	io.Reader
	io.Writer
	Close() error
	// IsOpen asks the socket itself whether it is still usable.
	IsOpen() bool
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// SendBufferSize returns the OS send buffer size, or 0 when unknown.
	SendBufferSize() int
	// StateKey identifies the input stream for stateful codecs. It is the
	// value the connection passes to Deserialize.
	StateKey() any
	// LongLived reports whether the transport is expected to carry many
	// messages and therefore warrants a dedicated read goroutine.
	LongLived() bool
	TLSState() (tls.ConnectionState, bool)
}

// streamTransport adapts any net.Conn. It is used for in-memory pipes and as
// the base of the TCP and TLS variants.
type streamTransport struct {
	net.Conn
	closed atomic.Bool
}

// NewStreamTransport wraps a generic stream connection.
func NewStreamTransport(c net.Conn) Transport {
	return &streamTransport{Conn: c}
}

func (t *streamTransport) Close() error {
	t.closed.Store(true)
	return t.Conn.Close()
}

func (t *streamTransport) IsOpen() bool {
	return !t.closed.Load() && socketOpen(t.Conn)
}

func (t *streamTransport) SendBufferSize() int {
	if sc, ok := t.Conn.(syscall.Conn); ok {
		return sendBufferSize(sc)
	}
	return 0
}

func (t *streamTransport) StateKey() any { return t }

func (t *streamTransport) LongLived() bool { return true }

func (t *streamTransport) TLSState() (tls.ConnectionState, bool) {
	return tls.ConnectionState{}, false
}

type tcpTransport struct {
	streamTransport
}

// NewTCPTransport wraps a plain TCP socket with Nagle disabled.
func NewTCPTransport(c *net.TCPConn) Transport {
	_ = c.SetNoDelay(true)
	return &tcpTransport{streamTransport{Conn: c}}
}

func (t *tcpTransport) StateKey() any { return t }

type tlsTransport struct {
	streamTransport
	tc *tls.Conn
}

// NewTLSTransport wraps a TLS connection. The handshake runs on first I/O
// unless the caller already completed it.
func NewTLSTransport(c *tls.Conn) Transport {
	return &tlsTransport{streamTransport: streamTransport{Conn: c}, tc: c}
}

func (t *tlsTransport) IsOpen() bool {
	return !t.closed.Load() && socketOpen(t.tc.NetConn())
}

func (t *tlsTransport) SendBufferSize() int {
	if sc, ok := t.tc.NetConn().(syscall.Conn); ok {
		return sendBufferSize(sc)
	}
	return 0
}

func (t *tlsTransport) StateKey() any { return t }

func (t *tlsTransport) TLSState() (tls.ConnectionState, bool) {
	return t.tc.ConnectionState(), true
}

// socketOpen checks the descriptor; Control fails once the socket is closed,
// whoever closed it.
func socketOpen(c net.Conn) bool {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return true
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return false
	}
	return rc.Control(func(uintptr) {}) == nil
}
