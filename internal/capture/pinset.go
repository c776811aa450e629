package capture

import (
	"errors"
	"sync"

	"github.com/smazurov/rtcapture/internal/surface"
)

// SlotState is the ownership state of one request slot.
type SlotState int

// Slot states.
const (
	SlotFree SlotState = iota
	SlotSubmitted
	SlotCompleted
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotSubmitted:
		return "pinned-and-submitted"
	case SlotCompleted:
		return "completed-pending-unpin"
	default:
		return "unknown"
	}
}

type pinSlot struct {
	state SlotState
	pins  []surface.Mapping
}

// PinSet records the surfaces pinned for each slot of one ring. A slot is
// reserved before its first pin and returns to free when its pins are
// dropped. Unpin is idempotent so the completion path and reset may both
// call it for the same slot.
type PinSet struct {
	mu    sync.Mutex
	mem   Pinner
	limit int
	slots []pinSlot
}

// NewPinSet creates a tracker for depth slots holding at most limit pins each.
func NewPinSet(mem Pinner, depth uint32, limit int) *PinSet {
	p := &PinSet{
		mem:   mem,
		limit: limit,
		slots: make([]pinSlot, depth),
	}
	for i := range p.slots {
		p.slots[i].pins = make([]surface.Mapping, 0, limit)
	}
	return p
}

// Depth returns the number of slots tracked.
func (p *PinSet) Depth() uint32 {
	return uint32(len(p.slots))
}

func (p *PinSet) get(slot uint32) (*pinSlot, error) {
	if int(slot) >= len(p.slots) {
		return nil, fail(ErrInvalidParameter, "pinset", nil, "slot %d outside depth %d", slot, len(p.slots))
	}
	return &p.slots[slot], nil
}

// Reserve claims a free slot for submission.
func (p *PinSet) Reserve(slot uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.get(slot)
	if err != nil {
		return err
	}
	if s.state != SlotFree || len(s.pins) > 0 {
		return fail(ErrBusy, "pinset.reserve", nil, "slot %d is %s", slot, s.state)
	}
	s.state = SlotSubmitted
	return nil
}

// Pin maps h for a reserved slot and records the mapping.
func (p *PinSet) Pin(slot uint32, h surface.Handle, offset uint64) (surface.Mapping, error) {
	const op = "pinset.pin"
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.get(slot)
	if err != nil {
		return surface.Mapping{}, err
	}
	if s.state != SlotSubmitted {
		return surface.Mapping{}, fail(ErrInvalidParameter, op, nil, "slot %d is %s", slot, s.state)
	}
	if len(s.pins) >= p.limit {
		return surface.Mapping{}, fail(ErrTooManySurfaces, op, nil, "slot %d already holds %d", slot, len(s.pins))
	}
	m, err := p.mem.Pin(h, offset)
	if err != nil {
		return surface.Mapping{}, failCode(pinCode(err), op, err, "slot %d handle %d", slot, h)
	}
	s.pins = append(s.pins, m)
	return m, nil
}

func pinCode(err error) Code {
	switch {
	case errors.Is(err, surface.ErrWindowExhausted):
		return CodeNoMemory
	case errors.Is(err, surface.ErrUnknownHandle), errors.Is(err, surface.ErrOffsetRange):
		return CodeInvalidParameter
	default:
		return CodeNoResources
	}
}

// Complete marks a submitted slot as finished by the device. Its pins are
// still held until Unpin.
func (p *PinSet) Complete(slot uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, err := p.get(slot); err == nil && s.state == SlotSubmitted {
		s.state = SlotCompleted
	}
}

// Unpin drops every pin held by slot and frees it. It returns the number of
// pins released; an already free slot releases nothing.
func (p *PinSet) Unpin(slot uint32) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.get(slot)
	if err != nil {
		return 0, err
	}
	return p.release(s), nil
}

// UnpinAll frees every slot and returns the number of pins released.
func (p *PinSet) UnpinAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for i := range p.slots {
		n += p.release(&p.slots[i])
	}
	return n
}

func (p *PinSet) release(s *pinSlot) int {
	n := len(s.pins)
	for _, m := range s.pins {
		// A failing unpin means the registry lost track of the buffer;
		// the slot is freed regardless.
		_ = p.mem.Unpin(m.Handle)
	}
	s.pins = s.pins[:0]
	s.state = SlotFree
	return n
}

// State returns the state of slot.
func (p *PinSet) State(slot uint32) SlotState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, err := p.get(slot); err == nil {
		return s.state
	}
	return SlotFree
}

// Count returns the pins held by slot.
func (p *PinSet) Count(slot uint32) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, err := p.get(slot); err == nil {
		return len(s.pins)
	}
	return 0
}

// Busy returns the number of slots that are not free.
func (p *PinSet) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.slots {
		if p.slots[i].state != SlotFree {
			n++
		}
	}
	return n
}

// Total returns the pins held across all slots.
func (p *PinSet) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.slots {
		n += len(p.slots[i].pins)
	}
	return n
}
