package events

import (
	"sync"
	"sync/atomic"

	"github.com/kelindar/event"
)

// Stream queues bus events for one SSE client. Events that find the queue
// full are dropped and counted, so a slow client never stalls publishers.
type Stream struct {
	C chan any

	mu      sync.Mutex
	unsubs  []func()
	dropped atomic.Uint64
}

// NewStream creates a stream that buffers up to size events.
func NewStream(size int) *Stream {
	return &Stream{C: make(chan any, size)}
}

// Forward subscribes s to events of type T on bus.
func Forward[T Event](bus *Bus, s *Stream) {
	unsub := event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case s.C <- e:
		default:
			s.dropped.Add(1)
		}
	})
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
}

// Dropped is the number of events the client missed.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes from every event type. C is left open.
func (s *Stream) Close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}
