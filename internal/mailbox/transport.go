package mailbox

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/smazurov/rtcapture/internal/rtcpu"
)

// Transport errors.
var (
	ErrClosed        = errors.New("mailbox closed")
	ErrQueueFull     = errors.New("mailbox queue full")
	ErrUnknownStream = errors.New("unknown mailbox stream")
	ErrAttached      = errors.New("inbox already attached")
)

// DefaultQueueSize is the number of outbound frames buffered per stream.
const DefaultQueueSize = 512

// Handler consumes frames sent by the host. Frames of one stream are handed
// over in send order on a single goroutine.
type Handler interface {
	HandleFrame(stream rtcpu.Stream, f rtcpu.Frame)
}

// TransportStats counts frames through the mailbox.
type TransportStats struct {
	Sent      uint64 `json:"sent"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

type inboxKey struct {
	stream rtcpu.Stream
	id     uint32
}

// Transport is an in-process mailbox with one outbound queue per stream and
// inbound routing by header id.
type Transport struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	inboxes map[inboxKey]chan<- rtcpu.Frame
	queues  [2]chan rtcpu.Frame
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool

	sent      atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewTransport creates a mailbox. queueSize <= 0 selects DefaultQueueSize.
func NewTransport(queueSize int, logger *slog.Logger) *Transport {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		logger:  logger,
		inboxes: make(map[inboxKey]chan<- rtcpu.Frame),
		stop:    make(chan struct{}),
	}
	for i := range t.queues {
		t.queues[i] = make(chan rtcpu.Frame, queueSize)
	}
	return t
}

// Start hands queued and future frames to h. It may be called once.
func (t *Transport) Start(h Handler) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	for i := range t.queues {
		stream := rtcpu.Stream(i)
		queue := t.queues[i]
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			for {
				select {
				case <-t.stop:
					return
				case f := <-queue:
					h.HandleFrame(stream, f)
				}
			}
		}()
	}
}

// Close stops the pumps. Frames still queued are discarded.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.stop)
	t.mu.Unlock()
	t.wg.Wait()
}

// Send implements rtcpu.Transport.
func (t *Transport) Send(stream rtcpu.Stream, f rtcpu.Frame) error {
	if int(stream) >= len(t.queues) {
		return fmt.Errorf("%w: %d", ErrUnknownStream, stream)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	select {
	case t.queues[stream] <- f:
		t.sent.Add(1)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, stream)
	}
}

// Attach implements rtcpu.Transport.
func (t *Transport) Attach(stream rtcpu.Stream, id uint32, inbox chan<- rtcpu.Frame) error {
	if int(stream) >= len(t.queues) {
		return fmt.Errorf("%w: %d", ErrUnknownStream, stream)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	k := inboxKey{stream, id}
	if _, ok := t.inboxes[k]; ok {
		return fmt.Errorf("%w: %s/%#x", ErrAttached, stream, id)
	}
	t.inboxes[k] = inbox
	return nil
}

// Detach implements rtcpu.Transport.
func (t *Transport) Detach(stream rtcpu.Stream, id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inboxes, inboxKey{stream, id})
}

// Deliver routes a device frame to the inbox attached for its header id.
// It reports false when nobody is attached or the inbox is full.
func (t *Transport) Deliver(stream rtcpu.Stream, f rtcpu.Frame) bool {
	h := rtcpu.ReadHeader(&f)
	t.mu.RLock()
	inbox, ok := t.inboxes[inboxKey{stream, h.ID}]
	t.mu.RUnlock()
	if !ok {
		t.dropped.Add(1)
		t.logger.Debug("No inbox for frame", "stream", stream.String(), "id", h.ID, "kind", h.Kind.String())
		return false
	}
	select {
	case inbox <- f:
		t.delivered.Add(1)
		return true
	default:
		t.dropped.Add(1)
		t.logger.Warn("Inbox full, frame dropped", "stream", stream.String(), "id", h.ID, "kind", h.Kind.String())
		return false
	}
}

// Stats returns frame counters.
func (t *Transport) Stats() TransportStats {
	return TransportStats{
		Sent:      t.sent.Load(),
		Delivered: t.delivered.Load(),
		Dropped:   t.dropped.Load(),
	}
}

var _ rtcpu.Transport = (*Transport)(nil)
