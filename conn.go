// Package netconn provides a managed, full-duplex message connection over a
// single stream socket.
//
// A Conn owns the socket. Any goroutine may call Send; writes are serialized
// so frames never interleave. One goroutine runs the read loop (Run), which
// decodes messages through a Mapper and codec, dispatches them to the
// registered Listener, and classifies read failures to decide whether the
// connection survives. Lifecycle changes are reported to an optional
// EventPublisher.
package netconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/Zereker/netconn/codec"
)

// State is a position in the connection lifecycle. There is no way back to
// StateOpen; a new socket needs a new Conn.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// hostLookupTimeout bounds the reverse DNS lookup done at construction.
const hostLookupTimeout = 5 * time.Second

var errAlreadyRunning = errors.New("read loop already running")

type listenerBox struct {
	l Listener
}

// Conn is a managed connection over one Transport.
type Conn struct {
	transport Transport
	opts      options
	logger    Logger

	id          string
	hostName    string
	hostAddress string
	port        int
	localPort   int

	listener           atomic.Pointer[listenerBox]
	state              atomic.Int32
	noReadErrorOnClose atomic.Bool
	running            atomic.Bool
	lastRead           atomic.Int64 // unix nanos
	lastSend           atomic.Int64 // unix nanos, zero until the first send
	sequence           atomic.Int64

	sendMu sync.Mutex
	out    *bufio.Writer // created on first send, guarded by sendMu

	hooksMu    sync.Mutex
	closeHooks []func(*Conn)
	done       chan struct{}
}

// NewConn creates a connection over t and publishes EventOpen.
// Returns ErrInvalidCodec if no serializer or deserializer is configured.
func NewConn(t Transport, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	c := &Conn{
		transport: t,
		opts:      opts,
		logger:    opts.logger,
		done:      make(chan struct{}),
	}
	if opts.listener != nil {
		c.listener.Store(&listenerBox{l: opts.listener})
	}

	c.hostAddress, c.port = splitAddr(t.RemoteAddr())
	_, c.localPort = splitAddr(t.LocalAddr())
	c.hostName = c.hostAddress
	if opts.lookupHost {
		c.hostName = lookupHostName(c.hostAddress)
	}
	c.id = fmt.Sprintf("%s:%s:%d:%d:%s", opts.factoryName, c.hostName, c.port, c.localPort, uuid.NewString())
	c.lastRead.Store(c.now())

	c.logger.Info("connection established", "conn_id", c.id, "role", opts.role)
	c.logger.Debug("connection options", "conn_id", c.id,
		"read_timeout", opts.readTimeout,
		"send_buffer_size", opts.sendBufferSize,
		"grace_multiplier", opts.graceMultiplier)

	c.publish(EventOpen, nil)
	return c, nil
}

// ID returns the connection id: factory name, remote host, remote port,
// local port and a random discriminator.
func (c *Conn) ID() string { return c.id }

// FactoryName returns the name of the factory that created the connection.
func (c *Conn) FactoryName() string { return c.opts.factoryName }

// IsServer reports whether the connection was accepted rather than dialed.
func (c *Conn) IsServer() bool { return c.opts.role == RoleServer }

// HostName returns the remote host name, or its address when lookup is disabled.
func (c *Conn) HostName() string { return c.hostName }

// HostAddress returns the remote IP address.
func (c *Conn) HostAddress() string { return c.hostAddress }

// Port returns the remote port.
func (c *Conn) Port() int { return c.port }

// LocalPort returns the local port.
func (c *Conn) LocalPort() int { return c.localPort }

// RemoteAddr returns the remote address of the transport.
func (c *Conn) RemoteAddr() net.Addr { return c.transport.RemoteAddr() }

// LongLived reports whether the transport expects many messages.
func (c *Conn) LongLived() bool { return c.transport.LongLived() }

// TLSState returns the TLS connection state for secured transports.
func (c *Conn) TLSState() (tls.ConnectionState, bool) { return c.transport.TLSState() }

// NextSequence returns the next per-connection message sequence number, starting at 1.
func (c *Conn) NextSequence() int64 { return c.sequence.Add(1) }

// LastRead returns when the last message was read, or construction time.
func (c *Conn) LastRead() time.Time { return time.Unix(0, c.lastRead.Load()) }

// LastSend returns when the last send started; zero if nothing was sent.
func (c *Conn) LastSend() time.Time {
	ns := c.lastSend.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// State returns the lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// IsOpen asks the transport whether the socket is still usable. It does not
// consult State, so a socket closed underneath the Conn reads as closed.
func (c *Conn) IsOpen() bool { return c.transport.IsOpen() }

// Done is closed once teardown has completed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// RegisterListener sets the consumer for inbound messages. It may be called
// at any time; messages read while no listener is registered are dropped.
func (c *Conn) RegisterListener(l Listener) {
	if l == nil {
		c.listener.Store(nil)
		return
	}
	c.listener.Store(&listenerBox{l: l})
}

// Listener returns the registered listener or nil.
func (c *Conn) Listener() Listener {
	if b := c.listener.Load(); b != nil {
		return b.l
	}
	return nil
}

// SetNoReadErrorOnClose marks read failures from now on as expected, so they
// are logged at debug level. Close sets it implicitly.
func (c *Conn) SetNoReadErrorOnClose(v bool) { c.noReadErrorOnClose.Store(v) }

// NoReadErrorOnClose reports whether read failures are currently expected.
func (c *Conn) NoReadErrorOnClose() bool { return c.noReadErrorOnClose.Load() }

// OnClose registers fn to run once during teardown. If the connection is
// already closed, fn runs immediately.
func (c *Conn) OnClose(fn func(*Conn)) {
	c.hooksMu.Lock()
	if c.State() == StateOpen {
		c.closeHooks = append(c.closeHooks, fn)
		c.hooksMu.Unlock()
		return
	}
	c.hooksMu.Unlock()
	_ = runHook(fn, c)
}

// Send maps, frames and flushes msg. Concurrent calls are serialized.
// On any mapping, framing or I/O failure the connection is closed and a
// *SendError is returned.
func (c *Conn) Send(msg Message) error {
	n, err := c.write(msg)
	if err == nil {
		c.logger.Debug("message sent", "conn_id", c.id, "bytes", n)
		return nil
	}

	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		return err
	}

	// teardown runs without sendMu so close hooks may call Send
	c.publish(EventException, sendErr)
	c.logger.Error("send failed", "conn_id", c.id, "error", sendErr.Err)
	c.closeConnection()
	return sendErr
}

// write does the serialized part of Send. Failures that must close the
// connection come back as *SendError.
func (c *Conn) write(msg Message) (int, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.State() != StateOpen {
		return 0, ErrConnectionClosed
	}

	if c.out == nil {
		c.out = bufio.NewWriterSize(c.transport, c.writeBufferSize())
	}

	payload, err := c.opts.mapper.FromMessage(msg)
	c.lastSend.Store(c.now())
	if err == nil {
		err = c.opts.serializer.Serialize(payload, c.out)
	}
	if err == nil {
		err = c.out.Flush()
	}
	if err != nil {
		return 0, &SendError{ConnID: c.id, Err: err}
	}
	return len(payload), nil
}

// Close closes the socket and tears the connection down. It is idempotent,
// safe to call concurrently, including from the read loop, and never fails.
func (c *Conn) Close() {
	c.closeConnection()
}

// closeConnection runs teardown exactly once. Every path that closes sets
// noReadErrorOnClose so the read that faults as a consequence stays quiet.
func (c *Conn) closeConnection() {
	c.noReadErrorOnClose.Store(true)
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return
	}

	var errs error
	if err := c.transport.Close(); err != nil && !isClosedError(err) {
		errs = multierr.Append(errs, err)
	}
	if s, ok := c.opts.deserializer.(codec.Stateful); ok {
		s.RemoveState(c.transport.StateKey())
	}

	c.hooksMu.Lock()
	hooks := c.closeHooks
	c.closeHooks = nil
	c.state.Store(int32(StateClosed))
	c.hooksMu.Unlock()

	for _, fn := range hooks {
		errs = multierr.Append(errs, runHook(fn, c))
	}

	c.publish(EventClose, nil)
	close(c.done)

	if errs != nil {
		c.logger.Debug("errors during close", "conn_id", c.id, "error", errs)
	}
	c.logger.Info("connection closed", "conn_id", c.id)
}

// ReadPayload reads one framed payload, applying the read timeout.
func (c *Conn) ReadPayload() ([]byte, error) {
	if c.opts.readTimeout > 0 {
		if err := c.transport.SetReadDeadline(time.Now().Add(c.opts.readTimeout)); err != nil {
			return nil, errors.Wrap(err, "set read deadline")
		}
	}
	return c.opts.deserializer.Deserialize(c.transport)
}

func (c *Conn) writeBufferSize() int {
	if n := c.transport.SendBufferSize(); n > 0 {
		return n
	}
	return c.opts.sendBufferSize
}

func (c *Conn) now() int64 {
	return c.opts.clock.Now().UnixNano()
}

func (c *Conn) publish(kind EventKind, err error) {
	safePublish(c.opts.publisher, Event{
		Kind:         kind,
		ConnectionID: c.id,
		FactoryName:  c.opts.factoryName,
		Err:          err,
		Time:         c.opts.clock.Now(),
	})
}

func runHook(fn func(*Conn), c *Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("close hook panic: %v", r)
		}
	}()
	fn(c)
	return nil
}

func splitAddr(a net.Addr) (string, int) {
	if a == nil {
		return "", 0
	}
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

func lookupHostName(addr string) string {
	ctx, cancel := context.WithTimeout(context.Background(), hostLookupTimeout)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(ctx, addr)
	if err != nil || len(names) == 0 {
		return addr
	}
	return strings.TrimSuffix(names[0], ".")
}
