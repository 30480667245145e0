package codec

import (
	"bufio"
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// CRLF is the default message terminator.
var CRLF = []byte("\r\n")

// ErrTerminatorInPayload is returned when a payload contains the terminator
// and therefore cannot be framed unambiguously.
var ErrTerminatorInPayload = errors.New("payload contains terminator")

// delimiterState is the buffered reader for one stream plus any message bytes
// read before the last interrupted call, so a read timeout does not drop them.
type delimiterState struct {
	reader  *bufio.Reader
	partial []byte
}

// Delimiter frames messages with a terminator sequence.
type Delimiter struct {
	terminator     []byte
	maxMessageSize int
	states         stateMap[*delimiterState]
}

// NewCRLF returns a Delimiter terminated by CRLF.
func NewCRLF(maxMessageSize int) *Delimiter {
	return NewDelimiter(CRLF, maxMessageSize)
}

// NewDelimiter returns a Delimiter using terminator. A nil or empty terminator
// selects CRLF; a non-positive maxMessageSize selects the default.
func NewDelimiter(terminator []byte, maxMessageSize int) *Delimiter {
	if len(terminator) == 0 {
		terminator = CRLF
	}
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	return &Delimiter{
		terminator:     append([]byte(nil), terminator...),
		maxMessageSize: maxMessageSize,
	}
}

// Serialize writes payload followed by the terminator. Payloads containing
// the terminator are rejected.
func (c *Delimiter) Serialize(payload []byte, w io.Writer) error {
	if len(payload) > c.maxMessageSize {
		return &SerializationError{Codec: "delimiter", Err: ErrMessageTooLarge}
	}
	if bytes.Contains(payload, c.terminator) {
		return &SerializationError{Codec: "delimiter", Err: ErrTerminatorInPayload}
	}

	frame := make([]byte, 0, len(payload)+len(c.terminator))
	frame = append(frame, payload...)
	frame = append(frame, c.terminator...)

	_, err := w.Write(frame)
	return err
}

// Deserialize reads up to and excluding the next terminator.
func (c *Delimiter) Deserialize(r io.Reader) ([]byte, error) {
	st := c.states.load(r, func() *delimiterState {
		return &delimiterState{reader: bufio.NewReader(r)}
	})

	buf := st.partial
	st.partial = nil

	for {
		b, err := st.reader.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(buf) == 0 {
					return nil, ErrSoftEndOfStream
				}
				return nil, errors.Wrap(io.ErrUnexpectedEOF, "read delimited message")
			}
			if isTimeout(err) {
				st.partial = buf
			}
			return nil, errors.Wrap(err, "read delimited message")
		}

		buf = append(buf, b)
		if bytes.HasSuffix(buf, c.terminator) {
			return buf[:len(buf)-len(c.terminator)], nil
		}
		if len(buf) > c.maxMessageSize+len(c.terminator) {
			return nil, errors.Wrapf(ErrMessageTooLarge, "no terminator within %d bytes", c.maxMessageSize)
		}
	}
}

// RemoveState drops the buffered state for the stream identified by key.
func (c *Delimiter) RemoveState(key any) {
	c.states.remove(key)
}
