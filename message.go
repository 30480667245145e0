package netconn

import (
	"github.com/pkg/errors"
)

// Header keys set by DefaultMapper on inbound messages.
const (
	HeaderConnectionID   = "conn_id"
	HeaderHostName       = "remote_host"
	HeaderHostAddress    = "remote_addr"
	HeaderRemotePort     = "remote_port"
	HeaderLocalPort      = "local_port"
	HeaderFactoryName    = "factory"
	HeaderSequenceNumber = "sequence_number"
	HeaderCorrelationID  = "correlation_id"
)

// Message is an immutable envelope of a payload and its headers.
type Message struct {
	payload any
	headers map[string]any
}

// NewMessage returns a Message. headers is copied.
func NewMessage(payload any, headers map[string]any) Message {
	h := make(map[string]any, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return Message{payload: payload, headers: h}
}

// Payload returns the message payload.
func (m Message) Payload() any {
	return m.payload
}

// Bytes returns the payload when it is a byte slice.
func (m Message) Bytes() ([]byte, bool) {
	b, ok := m.payload.([]byte)
	return b, ok
}

// Header returns the value stored under key.
func (m Message) Header(key string) (any, bool) {
	v, ok := m.headers[key]
	return v, ok
}

// Headers returns a copy of the header map.
func (m Message) Headers() map[string]any {
	h := make(map[string]any, len(m.headers))
	for k, v := range m.headers {
		h[k] = v
	}
	return h
}

// WithHeader returns a copy of m with key set to value.
func (m Message) WithHeader(key string, value any) Message {
	h := m.Headers()
	h[key] = value
	return Message{payload: m.payload, headers: h}
}

// ConnectionID returns the connection id header, or "" if absent.
func (m Message) ConnectionID() string {
	id, _ := m.headers[HeaderConnectionID].(string)
	return id
}

// PayloadSource is the connection-side view a Mapper reads from.
type PayloadSource interface {
	ID() string
	HostName() string
	HostAddress() string
	Port() int
	LocalPort() int
	FactoryName() string
	NextSequence() int64
	// ReadPayload blocks until one framed payload has been read.
	ReadPayload() ([]byte, error)
}

// Mapper converts between wire payloads and messages.
type Mapper interface {
	// ToMessage reads one payload from src and wraps it in a Message.
	ToMessage(src PayloadSource) (Message, error)
	// FromMessage extracts the bytes to frame from msg.
	FromMessage(msg Message) ([]byte, error)
}

// DefaultMapper attaches connection headers to inbound payloads and accepts
// []byte or string payloads outbound.
type DefaultMapper struct {
	// ApplySequence adds a per-connection sequence number and uses the
	// connection id as correlation id.
	ApplySequence bool
}

// ToMessage reads one payload from src and attaches the connection headers.
func (m DefaultMapper) ToMessage(src PayloadSource) (Message, error) {
	payload, err := src.ReadPayload()
	if err != nil {
		return Message{}, err
	}

	headers := map[string]any{
		HeaderConnectionID: src.ID(),
		HeaderHostName:     src.HostName(),
		HeaderHostAddress:  src.HostAddress(),
		HeaderRemotePort:   src.Port(),
		HeaderLocalPort:    src.LocalPort(),
		HeaderFactoryName:  src.FactoryName(),
	}
	if m.ApplySequence {
		headers[HeaderSequenceNumber] = src.NextSequence()
		headers[HeaderCorrelationID] = src.ID()
	}

	return Message{payload: payload, headers: headers}, nil
}

// FromMessage returns the payload bytes of msg. Payloads other than []byte
// and string fail with ErrUnsupportedPayload.
func (m DefaultMapper) FromMessage(msg Message) ([]byte, error) {
	switch p := msg.payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedPayload, "%T", p)
	}
}
