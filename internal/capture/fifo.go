package capture

import "sync"

// fifo tracks the submission order of one ring. On an ordered ring,
// indications that arrive ahead of older requests are held until everything
// before them has completed. Program rings are unordered: a program expires
// when the firmware says so.
type fifo struct {
	mu      sync.Mutex
	ordered bool
	order   []uint32
	queued  []bool
	arrived []bool
}

type release struct {
	slot uint32
	held bool
}

func newFIFO(depth uint32, ordered bool) *fifo {
	return &fifo{
		ordered: ordered,
		order:   make([]uint32, 0, depth),
		queued:  make([]bool, depth),
		arrived: make([]bool, depth),
	}
}

func (f *fifo) push(slot uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, slot)
	f.queued[slot] = true
}

// remove withdraws a slot whose message was never sent.
func (f *fifo) remove(slot uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropLocked(slot)
}

func (f *fifo) dropLocked(slot uint32) {
	for i, s := range f.order {
		if s == slot {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	f.queued[slot] = false
	f.arrived[slot] = false
}

// arrive records an indication for slot and returns the slots that may now
// complete, oldest first.
func (f *fifo) arrive(slot uint32) ([]release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if int(slot) >= len(f.queued) || !f.queued[slot] {
		return nil, fail(ErrProtocol, "status", nil, "slot %d not in flight", slot)
	}
	if f.arrived[slot] {
		return nil, fail(ErrProtocol, "status", nil, "duplicate indication for slot %d", slot)
	}
	f.arrived[slot] = true

	if !f.ordered {
		f.dropLocked(slot)
		return []release{{slot: slot}}, nil
	}

	var out []release
	for len(f.order) > 0 && f.arrived[f.order[0]] {
		s := f.order[0]
		f.order = f.order[1:]
		f.queued[s] = false
		f.arrived[s] = false
		out = append(out, release{slot: s, held: s != slot})
	}
	return out, nil
}

// held returns the number of indications waiting for older requests.
func (f *fifo) held() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.order {
		if f.arrived[s] {
			n++
		}
	}
	return n
}

func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *fifo) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = f.order[:0]
	clear(f.queued)
	clear(f.arrived)
}
