package netconn

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Zereker/netconn/codec"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer listener.Close()

	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	serverConn, err := listener.AcceptTCP()
	require.NoError(t, err)

	select {
	case clientConn := <-clientChan:
		t.Cleanup(func() {
			serverConn.Close()
			clientConn.Close()
		})
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
	}
	return nil, nil
}

func discardLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lengthCodec(t *testing.T) codec.Codec {
	t.Helper()
	c, err := codec.NewLengthHeader(4, 1<<16)
	require.NoError(t, err)
	return c
}

// newTestConn builds a Conn over tr with a length-header codec and a quiet logger.
func newTestConn(t *testing.T, tr Transport, opts ...Option) *Conn {
	t.Helper()
	base := []Option{CodecOption(lengthCodec(t)), LoggerOption(discardLogger())}
	c, err := NewConn(tr, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// newPipeConn returns a Conn over one end of an in-memory pipe and the other end.
func newPipeConn(t *testing.T, opts ...Option) (*Conn, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	return newTestConn(t, NewStreamTransport(local), opts...), remote
}

// recordingPublisher keeps every event it receives.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) kinds() []EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]EventKind, 0, len(p.events))
	for _, e := range p.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (p *recordingPublisher) count(kind EventKind) int {
	n := 0
	for _, k := range p.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// recordingListener buffers delivered messages and terminal failures.
type recordingListener struct {
	msgs     chan Message
	failures chan error
	onMsg    func(Message) error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		msgs:     make(chan Message, 256),
		failures: make(chan error, 4),
	}
}

func (l *recordingListener) OnMessage(msg Message) error {
	l.msgs <- msg
	if l.onMsg != nil {
		return l.onMsg(msg)
	}
	return nil
}

func (l *recordingListener) OnFailure(_ string, err error) {
	l.failures <- err
}

func (l *recordingListener) next(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-l.msgs:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
		return Message{}
	}
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for read loop to exit")
		return nil
	}
}

func payloadString(t *testing.T, m Message) string {
	t.Helper()
	b, ok := m.Bytes()
	require.True(t, ok, "payload is %T", m.Payload())
	return string(b)
}
