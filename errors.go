package netconn

import (
	"fmt"
	"net"
	"os"

	"github.com/pkg/errors"

	"github.com/Zereker/netconn/codec"
)

// Errors returned by connection construction and operations.
var (
	// ErrInvalidCodec is returned when no serializer or deserializer is provided.
	ErrInvalidCodec = errors.New("invalid codec")
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNoListener is returned by dispatch when no listener is registered.
	// Listeners and interceptors may also return it to signal a missing consumer.
	ErrNoListener = errors.New("no listener")
	// ErrUnsupportedPayload is returned by the mapper for payload types it cannot frame.
	ErrUnsupportedPayload = errors.New("unsupported payload type")
)

// SendError is returned by Send when the message could not be written.
// The connection has been closed by the time the caller sees it.
type SendError struct {
	ConnID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.ConnID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ReadError is a fatal read-side failure delivered to FailureListener and
// returned from Run.
type ReadError struct {
	ConnID string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.ConnID, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a read or write deadline expiry.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsSoftEndOfStream reports whether err is a graceful peer shutdown.
func IsSoftEndOfStream(err error) bool {
	return codec.IsSoftEndOfStream(err)
}

// isClosedError reports whether err comes from using a socket after Close.
func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
