package capture

import (
	"github.com/smazurov/rtcapture/internal/surface"
)

// RingKind selects one of a channel's request rings.
type RingKind int

// Request rings.
const (
	RingProcess RingKind = iota
	RingProgram
)

func (k RingKind) String() string {
	switch k {
	case RingProcess:
		return "process"
	case RingProgram:
		return "program"
	default:
		return "unknown"
	}
}

// ring is a fixed-depth array of descriptor slots in pinned memory shared
// with the firmware.
type ring struct {
	kind    RingKind
	handle  surface.Handle
	mem     []byte
	depth   uint32
	stride  uint32
	mapping surface.Mapping
}

// newRing allocates and pins depth*stride bytes of descriptor memory.
func newRing(mem Memory, kind RingKind, depth, stride uint32) (*ring, error) {
	const op = "ring.allocate"
	size, err := offsetOf(0, uint64(depth), uint64(stride))
	if err != nil || size == 0 || size > 1<<31 {
		return nil, fail(ErrInvalidParameter, op, err, "%s ring %d x %d", kind, depth, stride)
	}
	h, buf, err := mem.Allocate(int(size))
	if err != nil {
		return nil, failCode(CodeNoMemory, op, err, "%s ring of %d bytes", kind, size)
	}
	m, err := mem.Pin(h, 0)
	if err != nil {
		_ = mem.Free(h)
		return nil, failCode(CodeNoMemory, op, err, "map %s ring", kind)
	}
	return &ring{
		kind:    kind,
		handle:  h,
		mem:     buf,
		depth:   depth,
		stride:  stride,
		mapping: m,
	}, nil
}

// slot returns the descriptor memory for index i.
func (r *ring) slot(i uint32) ([]byte, error) {
	if i >= r.depth {
		return nil, fail(ErrInvalidParameter, "ring.slot", nil, "%s slot %d outside depth %d", r.kind, i, r.depth)
	}
	off, err := offsetOf(0, uint64(i), uint64(r.stride))
	if err != nil {
		return nil, fail(ErrInvalidParameter, "ring.slot", err, "%s slot %d", r.kind, i)
	}
	b, err := window(r.mem, off, 0, uint64(r.stride))
	if err != nil {
		return nil, fail(ErrInvalidParameter, "ring.slot", err, "%s slot %d", r.kind, i)
	}
	return b, nil
}

// iova is the device address of the first slot.
func (r *ring) iova() uint64 { return r.mapping.IOVA }

// free unpins and frees the ring memory.
func (r *ring) free(mem Memory) error {
	if r == nil || r.handle == 0 {
		return nil
	}
	err := mem.Unpin(r.handle)
	if ferr := mem.Free(r.handle); err == nil {
		err = ferr
	}
	r.handle = 0
	r.mem = nil
	return err
}
