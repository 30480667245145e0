package codec

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// LengthHeader frames each payload with a big-endian unsigned length prefix
// of 1, 2 or 4 bytes. A 4-byte length is limited to math.MaxInt32.
//
// Header and body bytes read before a read timeout are kept per stream, so
// the next Deserialize on the same stream resumes the message.
type LengthHeader struct {
	headerSize     int
	maxMessageSize int
	states         stateMap[*lengthState]
}

// lengthState is the partially read message of one stream.
type lengthState struct {
	header  []byte
	headerN int
	body    pendingBody
}

func (s *lengthState) reset() {
	s.headerN = 0
	s.body.reset()
}

// fail keeps the partial message across a timeout and drops it otherwise.
func (s *lengthState) fail(err error, started bool, what string) error {
	if !isTimeout(err) {
		s.reset()
	}
	return readFailure(err, started, what)
}

// NewLengthHeader returns a LengthHeader codec. headerSize must be 1, 2 or 4.
// A non-positive maxMessageSize selects the default.
func NewLengthHeader(headerSize, maxMessageSize int) (*LengthHeader, error) {
	switch headerSize {
	case 1, 2, 4:
	default:
		return nil, errors.Errorf("invalid length header size %d", headerSize)
	}
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	return &LengthHeader{headerSize: headerSize, maxMessageSize: maxMessageSize}, nil
}

// maxLength is the largest length the header can encode.
func (c *LengthHeader) maxLength() int {
	switch c.headerSize {
	case 1:
		return math.MaxUint8
	case 2:
		return math.MaxUint16
	default:
		return math.MaxInt32
	}
}

// Serialize writes the header and payload in a single Write call.
func (c *LengthHeader) Serialize(payload []byte, w io.Writer) error {
	if len(payload) > c.maxLength() || len(payload) > c.maxMessageSize {
		return &SerializationError{Codec: "length-header", Err: ErrMessageTooLarge}
	}

	frame := make([]byte, c.headerSize+len(payload))
	switch c.headerSize {
	case 1:
		frame[0] = byte(len(payload))
	case 2:
		binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	default:
		binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	}
	copy(frame[c.headerSize:], payload)

	_, err := w.Write(frame)
	return err
}

// Deserialize reads one length-prefixed payload, resuming a message left
// partial by a read timeout on the same stream.
func (c *LengthHeader) Deserialize(r io.Reader) ([]byte, error) {
	st := c.states.load(r, func() *lengthState {
		return &lengthState{header: make([]byte, c.headerSize)}
	})

	if !st.body.active() {
		n, err := io.ReadFull(r, st.header[st.headerN:])
		st.headerN += n
		if err != nil {
			return nil, st.fail(err, st.headerN > 0, "read header")
		}
		st.headerN = 0

		length, err := c.decodeLength(st.header)
		if err != nil {
			return nil, err
		}
		st.body.start(length)
	}

	body, err := st.body.fill(r)
	if err != nil {
		return nil, st.fail(err, true, "read body")
	}
	return body, nil
}

func (c *LengthHeader) decodeLength(header []byte) (int, error) {
	var length int
	switch c.headerSize {
	case 1:
		length = int(header[0])
	case 2:
		length = int(binary.BigEndian.Uint16(header))
	default:
		v := binary.BigEndian.Uint32(header)
		if v > math.MaxInt32 {
			return 0, errors.Wrapf(ErrInvalidLength, "negative length %d", int32(v))
		}
		length = int(v)
	}

	if length > c.maxMessageSize {
		return 0, errors.Wrapf(ErrMessageTooLarge, "length %d exceeds %d", length, c.maxMessageSize)
	}
	return length, nil
}

// RemoveState drops the partial message kept for the stream identified by key.
func (c *LengthHeader) RemoveState(key any) {
	c.states.remove(key)
}
