package netconn

// Listener consumes inbound messages. OnMessage runs on the connection's read
// goroutine, so a slow listener stalls only that connection.
type Listener interface {
	OnMessage(msg Message) error
}

// FailureListener is implemented by listeners that want a terminal
// notification when the read loop stops because of a fatal error.
type FailureListener interface {
	Listener
	OnFailure(connID string, err error)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(msg Message) error

// OnMessage calls f(msg).
func (f ListenerFunc) OnMessage(msg Message) error { return f(msg) }

// DispatchResult is the outcome of handing one message to the listener.
type DispatchResult uint8

const (
	// Delivered means the listener accepted the message.
	Delivered DispatchResult = iota
	// NoConsumer means no listener was registered or it reported ErrNoListener.
	NoConsumer
	// HandlerFault means the listener returned an error or panicked.
	HandlerFault
)

// String returns the result name used in logs.
func (r DispatchResult) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case NoConsumer:
		return "no_consumer"
	case HandlerFault:
		return "handler_fault"
	default:
		return "unknown"
	}
}
