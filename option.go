package netconn

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Zereker/netconn/codec"
)

// Role records which side initiated the connection.
type Role uint8

const (
	// RoleClient connections were dialed by this process.
	RoleClient Role = iota
	// RoleServer connections were accepted by this process.
	RoleServer
)

// String returns "client" or "server".
func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Default configuration values.
const (
	// defaultSendBufferSize is used when the OS send buffer size is unknown.
	defaultSendBufferSize = 8192
	// defaultGraceMultiplier bounds how stale the last read may be, in read
	// timeouts, before a client timeout is treated as real.
	defaultGraceMultiplier = 2.0
	defaultFactoryName     = "unknown"
)

// options holds the configuration for a connection.
// It is fixed once the connection is constructed.
type options struct {
	serializer   codec.Serializer
	deserializer codec.Deserializer
	mapper       Mapper
	listener     Listener
	publisher    EventPublisher
	logger       Logger
	clock        clock.Clock

	role            Role
	factoryName     string
	lookupHost      bool
	readTimeout     time.Duration // zero blocks reads indefinitely
	sendBufferSize  int           // used when the OS does not report one
	graceMultiplier float64
}

// Option configures a connection.
type Option func(*options)

// checkOptions validates and fills in defaults.
func checkOptions(opts *options) error {
	if opts.serializer == nil || opts.deserializer == nil {
		return ErrInvalidCodec
	}
	if opts.mapper == nil {
		opts.mapper = DefaultMapper{}
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.clock == nil {
		opts.clock = clock.New()
	}
	if opts.factoryName == "" {
		opts.factoryName = defaultFactoryName
	}
	if opts.readTimeout < 0 {
		opts.readTimeout = 0
	}
	if opts.sendBufferSize <= 0 {
		opts.sendBufferSize = defaultSendBufferSize
	}
	if opts.graceMultiplier <= 0 {
		opts.graceMultiplier = defaultGraceMultiplier
	}
	return nil
}

// CodecOption sets both the serializer and deserializer. Required unless
// SerializerOption and DeserializerOption are used.
func CodecOption(c codec.Codec) Option {
	return func(o *options) {
		o.serializer = c
		o.deserializer = c
	}
}

// SerializerOption sets the outbound framing.
func SerializerOption(s codec.Serializer) Option {
	return func(o *options) {
		o.serializer = s
	}
}

// DeserializerOption sets the inbound framing.
func DeserializerOption(d codec.Deserializer) Option {
	return func(o *options) {
		o.deserializer = d
	}
}

// MapperOption sets the message mapper. Defaults to DefaultMapper.
func MapperOption(m Mapper) Option {
	return func(o *options) {
		o.mapper = m
	}
}

// ListenerOption registers the listener at construction. A listener can also
// be registered later with Conn.RegisterListener.
func ListenerOption(l Listener) Option {
	return func(o *options) {
		o.listener = l
	}
}

// EventPublisherOption sets the lifecycle event sink.
func EventPublisherOption(p EventPublisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}

// LoggerOption sets the logger. If not set, slog.Default() is used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// ClockOption sets the time source for read/send timestamps.
func ClockOption(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// RoleOption marks the connection as client or server side.
// Timeout grace applies to client connections only.
func RoleOption(r Role) Option {
	return func(o *options) {
		o.role = r
	}
}

// FactoryNameOption names the factory that created the connection.
// It prefixes the connection id and appears in events.
func FactoryNameOption(name string) Option {
	return func(o *options) {
		o.factoryName = name
	}
}

// LookupHostOption enables reverse DNS for the remote host name.
// Otherwise the IP address is used.
func LookupHostOption(lookup bool) Option {
	return func(o *options) {
		o.lookupHost = lookup
	}
}

// ReadTimeoutOption bounds each blocking read. Zero disables the deadline.
func ReadTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.readTimeout = d
	}
}

// SendBufferSizeOption sets the output buffer size used when the OS does
// not report a positive send buffer size.
func SendBufferSizeOption(size int) Option {
	return func(o *options) {
		o.sendBufferSize = size
	}
}

// GraceMultiplierOption sets how many read timeouts may elapse since the last
// read before a client read timeout closes the connection despite a recent send.
func GraceMultiplierOption(m float64) Option {
	return func(o *options) {
		o.graceMultiplier = m
	}
}
