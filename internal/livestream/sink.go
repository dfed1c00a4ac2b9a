package livestream

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrStreamClosed = errors.New("live stream closed")
	ErrStreamFull   = errors.New("live stream buffer full")
)

// sink is the presence.Sink of one connection. Send only enqueues; the
// connection's writer loop owns the socket.
type sink struct {
	out     chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func newSink(buffer int) *sink {
	if buffer <= 0 {
		buffer = 16
	}
	return &sink{out: make(chan []byte, buffer), done: make(chan struct{})}
}

func (s *sink) Send(frame []byte) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	select {
	case s.out <- frame:
		return nil
	default:
		s.dropped.Add(1)
		return ErrStreamFull
	}
}

// Close ends the connection's writer loop. Safe to call more than once.
func (s *sink) Close() { s.once.Do(func() { close(s.done) }) }
