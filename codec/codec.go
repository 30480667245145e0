// Package codec provides framing codecs that split a continuous byte stream
// into discrete messages and write messages back onto a stream.
//
// A Deserializer is called repeatedly by a single reader goroutine with the
// same io.Reader for the lifetime of a connection. Codecs that need to buffer
// across calls keep that buffer keyed by the reader's identity and release it
// when the connection calls RemoveState.
package codec

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

var (
	// ErrSoftEndOfStream is returned when the peer closed the stream cleanly
	// at a message boundary. It is a graceful termination, not a failure.
	ErrSoftEndOfStream = errors.New("soft end of stream")
	// ErrMessageTooLarge is returned when a message exceeds the configured maximum
	// or cannot be represented by the length header.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrInvalidLength is returned when a length header decodes to a length
	// that cannot be valid, such as a negative 4-byte length.
	ErrInvalidLength = errors.New("invalid length header")
)

// defaultMaxMessageSize is the maximum message size used when none is configured (2KB),
// which keeps a misbehaving peer from forcing large allocations.
const defaultMaxMessageSize = 2048

// Serializer writes one framed payload to w.
type Serializer interface {
	Serialize(payload []byte, w io.Writer) error
}

// Deserializer reads exactly one framed payload from r.
// It returns ErrSoftEndOfStream when r ends cleanly before the first byte
// of a message and a wrapped io.ErrUnexpectedEOF when it ends mid-message.
type Deserializer interface {
	Deserialize(r io.Reader) ([]byte, error)
}

// Codec is a Serializer and Deserializer pair.
type Codec interface {
	Serializer
	Deserializer
}

// Stateful is implemented by deserializers that keep per-stream state.
// RemoveState releases the state associated with key, which is the identity of
// the stream previously passed to Deserialize.
type Stateful interface {
	RemoveState(key any)
}

// SerializationError reports a payload that could not be framed.
type SerializationError struct {
	Codec string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s: serialize: %v", e.Codec, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// IsSoftEndOfStream reports whether err signals a clean end of stream.
func IsSoftEndOfStream(err error) bool {
	return errors.Is(err, ErrSoftEndOfStream)
}

// readFailure converts an error from the middle of Deserialize. started
// reports whether any byte of the current message has been consumed: a clean
// EOF before that is a soft end of stream, after it a truncated message.
func readFailure(err error, started bool, what string) error {
	switch {
	case errors.Is(err, io.EOF) && !started:
		return ErrSoftEndOfStream
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return errors.Wrap(io.ErrUnexpectedEOF, what)
	default:
		return errors.Wrap(err, what)
	}
}

type timeout interface {
	Timeout() bool
}

// isTimeout reports whether err is a deadline expiry. Codecs keep a partial
// message across a timeout so the next call resumes it.
func isTimeout(err error) bool {
	var t timeout
	return errors.As(err, &t) && t.Timeout()
}
