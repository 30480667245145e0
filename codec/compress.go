package codec

import (
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
)

// Compressed wraps a framing codec and compresses each payload with S2
// before it is framed.
type Compressed struct {
	inner          Codec
	maxDecodedSize int
}

// NewCompressed returns a Compressed codec around inner. Decoded payloads
// larger than maxDecodedSize are rejected; non-positive selects the default.
func NewCompressed(inner Codec, maxDecodedSize int) *Compressed {
	if maxDecodedSize <= 0 {
		maxDecodedSize = defaultMaxMessageSize
	}
	return &Compressed{inner: inner, maxDecodedSize: maxDecodedSize}
}

// Serialize compresses payload and frames it with the wrapped codec.
func (c *Compressed) Serialize(payload []byte, w io.Writer) error {
	if len(payload) > c.maxDecodedSize {
		return &SerializationError{Codec: "s2", Err: ErrMessageTooLarge}
	}
	return c.inner.Serialize(s2.Encode(nil, payload), w)
}

// Deserialize reads one frame with the wrapped codec and decompresses it.
func (c *Compressed) Deserialize(r io.Reader) ([]byte, error) {
	data, err := c.inner.Deserialize(r)
	if err != nil {
		return nil, err
	}

	n, err := s2.DecodedLen(data)
	if err != nil {
		return nil, errors.Wrap(err, "s2 header")
	}
	if n > c.maxDecodedSize {
		return nil, errors.Wrapf(ErrMessageTooLarge, "decoded length %d exceeds %d", n, c.maxDecodedSize)
	}

	payload, err := s2.Decode(nil, data)
	if err != nil {
		return nil, errors.Wrap(err, "s2 decode")
	}
	return payload, nil
}

// RemoveState forwards to the wrapped codec when it keeps per-stream state.
func (c *Compressed) RemoveState(key any) {
	if s, ok := c.inner.(Stateful); ok {
		s.RemoveState(key)
	}
}
