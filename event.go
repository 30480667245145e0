package netconn

import (
	"sync/atomic"
	"time"
)

// EventKind identifies a connection lifecycle transition.
type EventKind uint8

const (
	// EventOpen is published once when a connection is constructed.
	EventOpen EventKind = iota + 1
	// EventClose is published once when a connection is torn down.
	EventClose
	// EventException is published for each send or read failure.
	EventException
)

// String returns the lower-case kind name used in logs and metric labels.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventException:
		return "exception"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification. Err is set only for EventException.
type Event struct {
	Kind         EventKind
	ConnectionID string
	FactoryName  string
	Err          error
	Time         time.Time
}

// EventPublisher receives lifecycle events. Publish must not block; the
// connection recovers from panics and ignores anything it does.
type EventPublisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to EventPublisher.
type PublisherFunc func(Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) { f(e) }

// MultiPublisher fans an event out to every publisher in order.
type MultiPublisher []EventPublisher

// Publish delivers e to each publisher; a panicking publisher does not stop
// the others.
func (m MultiPublisher) Publish(e Event) {
	for _, p := range m {
		safePublish(p, e)
	}
}

// ChannelPublisher delivers events on a buffered channel. When the buffer is
// full the event is dropped and counted rather than blocking the I/O path.
type ChannelPublisher struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewChannelPublisher returns a ChannelPublisher with the given buffer size.
func NewChannelPublisher(size int) *ChannelPublisher {
	if size <= 0 {
		size = 16
	}
	return &ChannelPublisher{ch: make(chan Event, size)}
}

// Publish queues e, or drops it when the buffer is full.
func (p *ChannelPublisher) Publish(e Event) {
	select {
	case p.ch <- e:
	default:
		p.dropped.Add(1)
	}
}

// Events returns the receive side of the channel.
func (p *ChannelPublisher) Events() <-chan Event {
	return p.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (p *ChannelPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// safePublish calls p.Publish and swallows any panic.
func safePublish(p EventPublisher, e Event) {
	if p == nil {
		return
	}
	defer func() { _ = recover() }()
	p.Publish(e)
}
