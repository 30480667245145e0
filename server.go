package netconn

import (
	"context"
	"crypto/tls"
	"net"
	"sort"
	"sync"
	"time"

	tec "github.com/jbenet/go-temp-err-catcher"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Handler is called for each accepted connection before its read loop
// starts, typically to register a listener.
type Handler interface {
	Handle(conn *Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(conn *Conn)

// Handle calls f(conn).
func (f HandlerFunc) Handle(conn *Conn) { f(conn) }

// Server accepts TCP connections and drives a server-side Conn for each.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	connOpts        []Option
	tlsConfig       *tls.Config
	maxConns        int

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // closed by Close to bypass the shutdown timeout
	closeOnce   sync.Once
	conns       map[string]*Conn
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled the server stops accepting, then waits up to
// this duration before closing live connections. Default is 0 (immediate).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerConnOptions sets the options applied to every accepted connection.
// The role is always RoleServer.
func ServerConnOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// ServerTLSOption wraps accepted sockets in TLS.
func ServerTLSOption(cfg *tls.Config) ServerOption {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// ServerMaxConnectionsOption bounds concurrently served connections; accept
// pauses while the limit is reached, leaving further peers in the listen
// backlog. Zero means unlimited.
func ServerMaxConnectionsOption(n int) ServerOption {
	return func(s *Server) {
		s.maxConns = n
	}
}

// NewServer creates a server bound to addr. The connection options are
// validated here so a missing codec fails fast.
func NewServer(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	s := &Server{
		logger:      defaultLogger(),
		shutdownNow: make(chan struct{}),
		conns:       make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(s)
	}

	var check options
	for _, o := range s.connOptions() {
		o(&check)
	}
	if err := checkOptions(&check); err != nil {
		return nil, err
	}

	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	s.listener = listener

	return s, nil
}

// Serve accepts connections until ctx is canceled or Close is called. Each
// connection gets its own goroutine running the read loop; Serve returns
// after all of them have finished.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	connCtx, closeConns := context.WithCancel(context.WithoutCancel(ctx))
	defer closeConns()
	// acceptCtx ends with ctx or Close, whichever comes first
	acceptCtx, stopAccept := context.WithCancel(ctx)
	defer stopAccept()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdownNow:
			stopAccept()
			return
		case <-connCtx.Done():
			return
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	var group errgroup.Group
	var slots *semaphore.Weighted
	if s.maxConns > 0 {
		slots = semaphore.NewWeighted(int64(s.maxConns))
	}

	var catcher tec.TempErrCatcher
	var serveErr error
	for {
		// take a slot before accepting so a full server leaves new peers in
		// the backlog, and shutdown is never stuck behind a busy slot
		if slots != nil {
			if err := slots.Acquire(acceptCtx, 1); err != nil {
				serveErr = ctx.Err()
				break
			}
		}

		raw, err := s.listener.AcceptTCP()
		if err != nil {
			if slots != nil {
				slots.Release(1)
			}
			if s.isShutdown() {
				serveErr = ctx.Err()
				break
			}
			if catcher.IsTemporary(err) {
				s.logger.Warn("temporary accept error", "error", err)
				continue
			}
			s.logger.Error("accept error", "error", err)
			serveErr = err
			break
		}

		s.logger.Debug("accepted connection", "remote_addr", raw.RemoteAddr())
		group.Go(func() error {
			if slots != nil {
				defer slots.Release(1)
			}
			s.serveConn(connCtx, raw, handler)
			return nil
		})
	}

	s.drain()
	closeConns()
	_ = group.Wait()

	s.logger.Info("server stopped", "addr", s.listener.Addr())
	return serveErr
}

// drain waits for the shutdown timeout unless Close bypasses it.
func (s *Server) drain() {
	if s.shutdownTimeout <= 0 {
		return
	}
	s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
	select {
	case <-time.After(s.shutdownTimeout):
	case <-s.shutdownNow:
		s.logger.Debug("shutdown timeout bypassed via Close()")
	}
}

func (s *Server) serveConn(ctx context.Context, raw *net.TCPConn, handler Handler) {
	var t Transport = NewTCPTransport(raw)
	if s.tlsConfig != nil {
		t = NewTLSTransport(tls.Server(raw, s.tlsConfig))
	}

	conn, err := NewConn(t, s.connOptions()...)
	if err != nil {
		s.logger.Error("create connection", "remote_addr", raw.RemoteAddr(), "error", err)
		_ = raw.Close()
		return
	}

	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.mu.Unlock()
	conn.OnClose(s.untrack)

	if handler != nil {
		handler.Handle(conn)
	}

	if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Info("connection closed with error", "conn_id", conn.ID(), "error", err)
	}
}

func (s *Server) untrack(conn *Conn) {
	s.mu.Lock()
	delete(s.conns, conn.ID())
	s.mu.Unlock()
}

func (s *Server) connOptions() []Option {
	return append(append([]Option(nil), s.connOpts...), RoleOption(RoleServer))
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Conn returns the live connection with the given id.
func (s *Server) Conn(id string) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

// ConnectionIDs returns the ids of live connections in sorted order.
func (s *Server) ConnectionIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Close stops the server by closing the listener and bypasses any pending
// shutdown timeout. Live connections are closed by Serve on its way out.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.shutdownNow) })

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
