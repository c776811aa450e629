package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// WaitForever makes Status block until a completion, a reset or ctx ends.
const WaitForever time.Duration = -1

// Completion selects how a channel reports finished requests. It is chosen
// once at setup: either Blocking or ProgressStatus.
type Completion interface {
	completion()
}

// Blocking delivers completions to callers of Channel.Status. Each ring has
// its own queue.
type Blocking struct{}

// ProgressStatus writes completions into a shared cell array that consumers
// poll. Process slots occupy the first cells, program slots follow.
type ProgressStatus struct {
	Region *StatusRegion
}

func (Blocking) completion()       {}
func (ProgressStatus) completion() {}

// CellState is the value of one progress-status cell.
type CellState uint32

// Cell values.
const (
	CellUnknown CellState = iota
	CellBusy
	CellDone
)

func (s CellState) String() string {
	switch s {
	case CellUnknown:
		return "unknown"
	case CellBusy:
		return "busy"
	case CellDone:
		return "done"
	default:
		return "invalid"
	}
}

// StatusRegion is an array of progress-status cells shared between the
// completion path and any number of readers.
type StatusRegion struct {
	cells []atomic.Uint32
}

// NewStatusRegion allocates n cells in the unknown state.
func NewStatusRegion(n int) *StatusRegion {
	return &StatusRegion{cells: make([]atomic.Uint32, n)}
}

// Len returns the number of cells.
func (r *StatusRegion) Len() int { return len(r.cells) }

// Load reads cell i without blocking.
func (r *StatusRegion) Load(i int) CellState {
	if i < 0 || i >= len(r.cells) {
		return CellUnknown
	}
	return CellState(r.cells[i].Load())
}

func (r *StatusRegion) store(i int, s CellState) {
	if i >= 0 && i < len(r.cells) {
		r.cells[i].Store(uint32(s))
	}
}

// notifier is the per-channel realisation of a Completion.
type notifier interface {
	submitted(ring RingKind, slot uint32)
	revoked(ring RingKind, slot uint32)
	completed(ring RingKind, slot uint32)
	abort(err error)
}

func newNotifier(c Completion, processDepth, programDepth uint32) notifier {
	switch c := c.(type) {
	case ProgressStatus:
		return &statusNotifier{region: c.Region, programBase: int(processDepth)}
	default:
		n := &blockingNotifier{}
		n.queues[RingProcess] = newCompletionQueue(int(processDepth))
		n.queues[RingProgram] = newCompletionQueue(int(programDepth))
		return n
	}
}

type blockingNotifier struct {
	queues [2]*completionQueue
}

func (n *blockingNotifier) submitted(RingKind, uint32) {}
func (n *blockingNotifier) revoked(RingKind, uint32)   {}

func (n *blockingNotifier) completed(ring RingKind, slot uint32) {
	n.queues[ring].push(slot)
}

func (n *blockingNotifier) abort(err error) {
	for _, q := range n.queues {
		q.abort(err)
	}
}

type statusNotifier struct {
	region      *StatusRegion
	programBase int
}

func (n *statusNotifier) cell(ring RingKind, slot uint32) int {
	if ring == RingProgram {
		return n.programBase + int(slot)
	}
	return int(slot)
}

func (n *statusNotifier) submitted(ring RingKind, slot uint32) {
	n.region.store(n.cell(ring, slot), CellBusy)
}

func (n *statusNotifier) revoked(ring RingKind, slot uint32) {
	n.region.store(n.cell(ring, slot), CellUnknown)
}

func (n *statusNotifier) completed(ring RingKind, slot uint32) {
	n.region.store(n.cell(ring, slot), CellDone)
}

func (n *statusNotifier) abort(error) {}

// completionQueue hands completed slots to waiters in completion order.
// abort fails every waiter that is blocked at the time of the call; later
// waiters block for fresh completions.
type completionQueue struct {
	mu       sync.Mutex
	slots    []uint32
	gen      uint64
	abortErr error
	wake     chan struct{}
	waiters  int
}

// newCompletionQueue sizes the queue for depth completions. It grows past
// that when slots are resubmitted before their completions are consumed.
func newCompletionQueue(depth int) *completionQueue {
	return &completionQueue{
		slots: make([]uint32, 0, depth),
		wake:  make(chan struct{}),
	}
}

func (q *completionQueue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// push records a completion. Duplicates are rejected before they get here,
// by the ring's submission FIFO.
func (q *completionQueue) push(slot uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.slots = append(q.slots, slot)
	q.broadcast()
}

func (q *completionQueue) abort(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.slots = q.slots[:0]
	q.gen++
	q.abortErr = err
	q.broadcast()
}

// pending returns the number of blocked waiters.
func (q *completionQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters
}

// errWaitTimeout is returned by wait when timeout elapses first.
var errWaitTimeout = fail(ErrTimeout, "status", nil, "no completion")

func (q *completionQueue) wait(ctx context.Context, timeout time.Duration) (uint32, error) {
	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	q.mu.Lock()
	gen := q.gen
	q.waiters++
	defer func() {
		q.mu.Lock()
		q.waiters--
		q.mu.Unlock()
	}()
	for {
		if q.gen != gen {
			err := q.abortErr
			q.mu.Unlock()
			return 0, err
		}
		if len(q.slots) > 0 {
			slot := q.slots[0]
			q.slots = append(q.slots[:0], q.slots[1:]...)
			q.mu.Unlock()
			return slot, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-expired:
			return 0, errWaitTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		q.mu.Lock()
	}
}
