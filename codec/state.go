package codec

import (
	"io"
	"sync"
)

// stateMap holds per-stream codec state keyed by stream identity.
// Only the goroutine reading a stream touches its state, but different
// streams are read concurrently, so the map itself is synchronized.
type stateMap[S any] struct {
	m sync.Map
}

// load returns the state for key, creating it with newState on first use.
func (s *stateMap[S]) load(key any, newState func() S) S {
	if v, ok := s.m.Load(key); ok {
		return v.(S)
	}
	v, _ := s.m.LoadOrStore(key, newState())
	return v.(S)
}

func (s *stateMap[S]) remove(key any) {
	s.m.Delete(key)
}

func (s *stateMap[S]) len() int {
	n := 0
	s.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// pendingBody is a message body being filled across Deserialize calls.
// A nil buf means no body is in progress.
type pendingBody struct {
	buf []byte
	n   int
}

func (p *pendingBody) active() bool { return p.buf != nil }

func (p *pendingBody) start(length int) {
	p.buf = make([]byte, length)
	p.n = 0
}

// fill reads the rest of the body from r. Bytes read before an error are
// kept, so a later call continues where this one stopped.
func (p *pendingBody) fill(r io.Reader) ([]byte, error) {
	n, err := io.ReadFull(r, p.buf[p.n:])
	p.n += n
	if err != nil {
		return nil, err
	}
	body := p.buf
	p.reset()
	return body, nil
}

func (p *pendingBody) reset() {
	p.buf = nil
	p.n = 0
}
