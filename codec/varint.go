package codec

import (
	"bufio"
	"io"

	"github.com/multiformats/go-varint"
	"github.com/pkg/errors"
)

// Varint frames each payload with an unsigned varint length prefix.
// The prefix is decoded byte by byte, so each stream gets a buffered reader.
// Prefix and body bytes read before a read timeout are kept with it.
type Varint struct {
	maxMessageSize int
	states         stateMap[*varintState]
}

type varintState struct {
	reader *bufio.Reader
	prefix []byte
	body   pendingBody
}

func (s *varintState) reset() {
	s.prefix = s.prefix[:0]
	s.body.reset()
}

// fail keeps the partial message across a timeout and drops it otherwise.
func (s *varintState) fail(err error, started bool, what string) error {
	if !isTimeout(err) {
		s.reset()
	}
	return readFailure(err, started, what)
}

// NewVarint returns a Varint codec. A non-positive maxMessageSize selects the default.
func NewVarint(maxMessageSize int) *Varint {
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	return &Varint{maxMessageSize: maxMessageSize}
}

// Serialize writes the varint length and payload in a single Write call.
func (c *Varint) Serialize(payload []byte, w io.Writer) error {
	if len(payload) > c.maxMessageSize {
		return &SerializationError{Codec: "varint", Err: ErrMessageTooLarge}
	}

	n := uint64(len(payload))
	frame := make([]byte, varint.UvarintSize(n)+len(payload))
	off := varint.PutUvarint(frame, n)
	copy(frame[off:], payload)

	_, err := w.Write(frame)
	return err
}

// Deserialize reads one varint-prefixed payload, resuming a message left
// partial by a read timeout on the same stream.
func (c *Varint) Deserialize(r io.Reader) ([]byte, error) {
	st := c.states.load(r, func() *varintState {
		return &varintState{reader: bufio.NewReader(r)}
	})

	if !st.body.active() {
		length, err := c.readLength(st)
		if err != nil {
			return nil, err
		}
		st.body.start(int(length))
	}

	body, err := st.body.fill(st.reader)
	if err != nil {
		return nil, st.fail(err, true, "read body")
	}
	return body, nil
}

func (c *Varint) readLength(st *varintState) (uint64, error) {
	for {
		b, err := st.reader.ReadByte()
		if err != nil {
			return 0, st.fail(err, len(st.prefix) > 0, "read varint length")
		}
		st.prefix = append(st.prefix, b)
		if b < 0x80 {
			break
		}
		if len(st.prefix) >= varint.MaxLenUvarint63 {
			st.reset()
			return 0, errors.Wrap(varint.ErrOverflow, "read varint length")
		}
	}

	length, _, err := varint.FromUvarint(st.prefix)
	st.prefix = st.prefix[:0]
	if err != nil {
		return 0, errors.Wrap(err, "read varint length")
	}
	if length > uint64(c.maxMessageSize) {
		return 0, errors.Wrapf(ErrMessageTooLarge, "length %d exceeds %d", length, c.maxMessageSize)
	}
	return length, nil
}

// RemoveState drops the buffered reader and partial message for the stream
// identified by key.
func (c *Varint) RemoveState(key any) {
	c.states.remove(key)
}
