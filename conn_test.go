package netconn

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/netconn/codec"
)

// serializerFunc adapts a function to codec.Serializer.
type serializerFunc func([]byte, io.Writer) error

func (f serializerFunc) Serialize(p []byte, w io.Writer) error { return f(p, w) }

// statefulDeserializer records the keys it is asked to release.
type statefulDeserializer struct {
	codec.Codec
	mu      sync.Mutex
	removed []any
}

func (d *statefulDeserializer) RemoveState(key any) {
	d.mu.Lock()
	d.removed = append(d.removed, key)
	d.mu.Unlock()
}

func TestNewConn(t *testing.T) {
	serverConn, _ := createTestTCPPair(t)

	pub := &recordingPublisher{}
	conn := newTestConn(t, NewTCPTransport(serverConn),
		RoleOption(RoleServer),
		FactoryNameOption("orders"),
		EventPublisherOption(pub),
	)

	assert.True(t, conn.IsServer())
	assert.True(t, conn.IsOpen())
	assert.Equal(t, StateOpen, conn.State())
	assert.Equal(t, "orders", conn.FactoryName())
	assert.Equal(t, "127.0.0.1", conn.HostAddress())
	assert.Equal(t, "127.0.0.1", conn.HostName())
	assert.Equal(t, serverConn.RemoteAddr().(*net.TCPAddr).Port, conn.Port())
	assert.Equal(t, serverConn.LocalAddr().(*net.TCPAddr).Port, conn.LocalPort())
	assert.True(t, conn.LongLived())
	assert.True(t, conn.LastSend().IsZero())
	assert.Equal(t, []EventKind{EventOpen}, pub.kinds())

	_, ok := conn.TLSState()
	assert.False(t, ok)

	prefix := fmt.Sprintf("orders:127.0.0.1:%d:%d:", conn.Port(), conn.LocalPort())
	assert.True(t, strings.HasPrefix(conn.ID(), prefix), conn.ID())
}

func TestNewConn_UniqueIDs(t *testing.T) {
	a, _ := newPipeConn(t)
	b, _ := newPipeConn(t)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestNewConn_MissingCodec(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	_, err := NewConn(NewStreamTransport(local))
	assert.ErrorIs(t, err, ErrInvalidCodec)

	_, err = NewConn(NewStreamTransport(local), SerializerOption(codec.NewCRLF(0)))
	assert.ErrorIs(t, err, ErrInvalidCodec)
}

// Server sends three messages back to back; the client receives them in order
// and stays open.
func TestConn_ThreeMessagesInOrder(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	server := newTestConn(t, NewTCPTransport(serverConn), RoleOption(RoleServer))
	listener := newRecordingListener()
	client := newTestConn(t, NewTCPTransport(clientConn), ListenerOption(listener))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := client.Start(ctx)

	for _, body := range []string{"m1", "m2", "m3"} {
		require.NoError(t, server.Send(NewMessage([]byte(body), nil)))
	}

	for _, want := range []string{"m1", "m2", "m3"} {
		msg := listener.next(t)
		assert.Equal(t, want, payloadString(t, msg))
		assert.Equal(t, client.ID(), msg.ConnectionID())
	}

	assert.True(t, client.IsOpen())
	assert.Equal(t, StateOpen, client.State())
	assert.False(t, client.LastRead().IsZero())

	cancel()
	assert.ErrorIs(t, waitResult(t, done), context.Canceled)
	assert.Equal(t, StateClosed, client.State())
}

func TestConn_InOrderDelivery(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	sender := newTestConn(t, NewTCPTransport(clientConn))
	listener := newRecordingListener()
	receiver := newTestConn(t, NewTCPTransport(serverConn), RoleOption(RoleServer), ListenerOption(listener))
	receiver.Start(context.Background())

	const k = 100
	for i := 0; i < k; i++ {
		require.NoError(t, sender.Send(NewMessage(fmt.Sprintf("msg-%03d", i), nil)))
	}
	for i := 0; i < k; i++ {
		assert.Equal(t, fmt.Sprintf("msg-%03d", i), payloadString(t, listener.next(t)))
	}
}

func TestConn_ConcurrentSendsDoNotInterleave(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	sender := newTestConn(t, NewTCPTransport(clientConn))
	listener := newRecordingListener()
	receiver := newTestConn(t, NewTCPTransport(serverConn), RoleOption(RoleServer), ListenerOption(listener))
	receiver.Start(context.Background())

	const n = 64
	var group errgroup.Group
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		// large enough to need several writes if frames were not serialized
		body := fmt.Sprintf("%02d:%s", i, strings.Repeat(string(rune('a'+i%26)), 4000))
		want = append(want, body)
		group.Go(func() error {
			return sender.Send(NewMessage([]byte(body), nil))
		})
	}
	require.NoError(t, group.Wait())

	got := make([]string, 0, n)
	for i := 0; i < n; i++ {
		got = append(got, payloadString(t, listener.next(t)))
	}
	sort.Strings(want)
	sort.Strings(got)
	assert.Equal(t, want, got)
	assert.True(t, receiver.IsOpen())
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	pub := &recordingPublisher{}
	conn, _ := newPipeConn(t, EventPublisherOption(pub))

	hookCalls := 0
	conn.OnClose(func(*Conn) { hookCalls++ })

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotPanics(t, conn.Close)
		}()
	}
	wg.Wait()
	conn.Close()

	<-conn.Done()
	assert.Equal(t, []EventKind{EventOpen, EventClose}, pub.kinds())
	assert.Equal(t, 1, hookCalls)
	assert.Equal(t, StateClosed, conn.State())
	assert.False(t, conn.IsOpen())
	assert.True(t, conn.NoReadErrorOnClose())
}

func TestConn_CloseFromListener(t *testing.T) {
	pub := &recordingPublisher{}
	listener := newRecordingListener()
	conn, remote := newPipeConn(t, ListenerOption(listener), EventPublisherOption(pub))
	listener.onMsg = func(Message) error {
		conn.Close()
		return nil
	}

	done := conn.Start(context.Background())
	require.NoError(t, lengthCodec(t).Serialize([]byte("bye"), remote))

	assert.NoError(t, waitResult(t, done))
	assert.Equal(t, []EventKind{EventOpen, EventClose}, pub.kinds())

	// the listener still learns the loop is gone
	require.Len(t, listener.failures, 1)
	var readErr *ReadError
	assert.ErrorAs(t, <-listener.failures, &readErr)
}

func TestConn_RunReturnsAfterTeardown(t *testing.T) {
	conn, _ := newPipeConn(t)

	release := make(chan struct{})
	conn.OnClose(func(*Conn) { <-release })

	done := conn.Start(context.Background())
	require.Eventually(t, func() bool { return conn.running.Load() }, time.Second, time.Millisecond)

	go conn.Close()
	require.Eventually(t, func() bool { return conn.State() != StateOpen }, time.Second, time.Millisecond)

	select {
	case <-done:
		t.Fatal("Run returned while a close hook was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.NoError(t, waitResult(t, done))
	assert.Equal(t, StateClosed, conn.State())
}

func TestConn_IsOpenReflectsTransport(t *testing.T) {
	_, clientConn := createTestTCPPair(t)
	conn := newTestConn(t, NewTCPTransport(clientConn))

	require.True(t, conn.IsOpen())
	require.NoError(t, clientConn.Close())

	assert.False(t, conn.IsOpen())
	assert.Equal(t, StateOpen, conn.State())
}

func TestConn_OnCloseAfterCloseRunsImmediately(t *testing.T) {
	conn, _ := newPipeConn(t)
	conn.Close()

	called := false
	conn.OnClose(func(*Conn) { called = true })
	assert.True(t, called)
}

func TestConn_OnClosePanicDoesNotEscape(t *testing.T) {
	conn, _ := newPipeConn(t)
	conn.OnClose(func(*Conn) { panic("boom") })
	assert.NotPanics(t, conn.Close)
	assert.Equal(t, StateClosed, conn.State())
}

func TestConn_CloseRemovesCodecState(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	deser := &statefulDeserializer{Codec: lengthCodec(t)}
	tr := NewStreamTransport(local)
	conn, err := NewConn(tr, CodecOption(deser), LoggerOption(discardLogger()))
	require.NoError(t, err)

	conn.Close()
	conn.Close()
	assert.Equal(t, []any{tr.StateKey()}, deser.removed)
}

func TestConn_SendAfterClose(t *testing.T) {
	conn, _ := newPipeConn(t)
	conn.Close()
	assert.ErrorIs(t, conn.Send(NewMessage([]byte("x"), nil)), ErrConnectionClosed)
}

func TestConn_SendFailureClosesConnection(t *testing.T) {
	pub := &recordingPublisher{}
	boom := errors.New("boom")
	conn, _ := newPipeConn(t,
		SerializerOption(serializerFunc(func([]byte, io.Writer) error { return boom })),
		EventPublisherOption(pub),
	)

	err := conn.Send(NewMessage([]byte("x"), nil))
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, conn.ID(), sendErr.ConnID)

	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, []EventKind{EventOpen, EventException, EventClose}, pub.kinds())
	assert.ErrorIs(t, conn.Send(NewMessage([]byte("x"), nil)), ErrConnectionClosed)
}

func TestConn_OnCloseHookMaySend(t *testing.T) {
	boom := errors.New("boom")
	conn, _ := newPipeConn(t,
		SerializerOption(serializerFunc(func([]byte, io.Writer) error { return boom })),
	)

	hookErr := make(chan error, 1)
	conn.OnClose(func(c *Conn) {
		hookErr <- c.Send(NewMessage([]byte("goodbye"), nil))
	})

	sent := make(chan error, 1)
	go func() { sent <- conn.Send(NewMessage([]byte("x"), nil)) }()

	select {
	case err := <-sent:
		assert.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("Send deadlocked in teardown")
	}
	assert.ErrorIs(t, <-hookErr, ErrConnectionClosed)
}

func TestConn_SendUnsupportedPayload(t *testing.T) {
	conn, _ := newPipeConn(t)

	err := conn.Send(NewMessage(42, nil))
	assert.ErrorIs(t, err, ErrUnsupportedPayload)
	assert.Equal(t, StateClosed, conn.State())
}

func TestConn_SendWriteErrorClosesConnection(t *testing.T) {
	conn, remote := newPipeConn(t)
	require.NoError(t, remote.Close())

	err := conn.Send(NewMessage([]byte("x"), nil))
	var sendErr *SendError
	assert.ErrorAs(t, err, &sendErr)
	assert.Equal(t, StateClosed, conn.State())
}

func TestConn_SendStampsLastSendBeforeWrite(t *testing.T) {
	var conn *Conn
	var during time.Time
	conn, remote := newPipeConn(t, SerializerOption(serializerFunc(func(p []byte, w io.Writer) error {
		during = conn.LastSend()
		return nil
	})))
	_ = remote

	require.NoError(t, conn.Send(NewMessage([]byte("x"), nil)))
	assert.False(t, during.IsZero())
	assert.Equal(t, during, conn.LastSend())
}

func TestConn_WriteBufferSize(t *testing.T) {
	conn, _ := newPipeConn(t)
	assert.Equal(t, defaultSendBufferSize, conn.writeBufferSize())

	conn, _ = newPipeConn(t, SendBufferSizeOption(1024))
	assert.Equal(t, 1024, conn.writeBufferSize())
}

func TestConn_RunTwice(t *testing.T) {
	conn, _ := newPipeConn(t)
	done := conn.Start(context.Background())

	// the first Start may not have claimed the loop yet
	require.Eventually(t, func() bool { return conn.running.Load() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, conn.Run(context.Background()), errAlreadyRunning)

	conn.Close()
	assert.NoError(t, waitResult(t, done))
}

func TestConn_RegisterListenerLater(t *testing.T) {
	conn, remote := newPipeConn(t)
	assert.Nil(t, conn.Listener())

	conn.Start(context.Background())
	c := lengthCodec(t)

	// no listener: dropped, loop continues
	require.NoError(t, c.Serialize([]byte("dropped"), remote))

	listener := newRecordingListener()
	conn.RegisterListener(listener)
	require.NoError(t, c.Serialize([]byte("kept"), remote))

	// "dropped" may still be in dispatch when the listener is registered
	got := payloadString(t, listener.next(t))
	if got == "dropped" {
		got = payloadString(t, listener.next(t))
	}
	assert.Equal(t, "kept", got)
	assert.True(t, conn.IsOpen())

	conn.RegisterListener(nil)
	assert.Nil(t, conn.Listener())
}

func TestConn_PublisherPanicIsSwallowed(t *testing.T) {
	pub := PublisherFunc(func(Event) { panic("publisher down") })
	conn, _ := newPipeConn(t, EventPublisherOption(pub))
	assert.NotPanics(t, conn.Close)
}

func TestConn_ApplySequenceHeaders(t *testing.T) {
	listener := newRecordingListener()
	conn, remote := newPipeConn(t,
		ListenerOption(listener),
		MapperOption(DefaultMapper{ApplySequence: true}),
		FactoryNameOption("seq"),
	)
	conn.Start(context.Background())

	c := lengthCodec(t)
	require.NoError(t, c.Serialize([]byte("a"), remote))
	require.NoError(t, c.Serialize([]byte("b"), remote))

	first, second := listener.next(t), listener.next(t)
	seq, _ := first.Header(HeaderSequenceNumber)
	assert.Equal(t, int64(1), seq)
	seq, _ = second.Header(HeaderSequenceNumber)
	assert.Equal(t, int64(2), seq)

	corr, _ := first.Header(HeaderCorrelationID)
	assert.Equal(t, conn.ID(), corr)
	factory, _ := first.Header(HeaderFactoryName)
	assert.Equal(t, "seq", factory)
}

func TestConn_DelimiterCodecOverTCP(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	crlf := codec.NewCRLF(0)
	listener := newRecordingListener()
	receiver := newTestConn(t, NewTCPTransport(serverConn), CodecOption(crlf), ListenerOption(listener))
	sender := newTestConn(t, NewTCPTransport(clientConn), CodecOption(crlf))
	receiver.Start(context.Background())

	require.NoError(t, sender.Send(NewMessage("hello", nil)))
	require.NoError(t, sender.Send(NewMessage("world", nil)))

	assert.Equal(t, "hello", payloadString(t, listener.next(t)))
	assert.Equal(t, "world", payloadString(t, listener.next(t)))
}
