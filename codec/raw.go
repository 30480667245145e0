package codec

import (
	"io"

	"github.com/pkg/errors"
)

// Raw treats everything up to end of stream as one message. The sender closes
// the stream to mark the end of the message, so a connection carries at most
// one message per direction.
type Raw struct {
	maxMessageSize int
}

// NewRaw returns a Raw codec. A non-positive maxMessageSize selects the default.
func NewRaw(maxMessageSize int) *Raw {
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	return &Raw{maxMessageSize: maxMessageSize}
}

// Serialize writes payload unframed; the caller ends the message by closing
// the stream.
func (c *Raw) Serialize(payload []byte, w io.Writer) error {
	if len(payload) > c.maxMessageSize {
		return &SerializationError{Codec: "raw", Err: ErrMessageTooLarge}
	}
	_, err := w.Write(payload)
	return err
}

// Deserialize reads until EOF. An empty stream is a soft end of stream.
func (c *Raw) Deserialize(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(c.maxMessageSize)+1))
	if err != nil {
		return nil, errors.Wrap(err, "read raw message")
	}
	if len(data) == 0 {
		return nil, ErrSoftEndOfStream
	}
	if len(data) > c.maxMessageSize {
		return nil, errors.Wrapf(ErrMessageTooLarge, "raw message exceeds %d", c.maxMessageSize)
	}
	return data, nil
}
