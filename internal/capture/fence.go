package capture

import (
	"encoding/binary"

	"github.com/smazurov/rtcapture/internal/syncpt"
)

// MaxFences bounds each relocation list of a request.
const MaxFences = 16

// FenceRecordSize is the size of the standard fence record.
//
//	offset  0  counter id       uint32  written by caller
//	offset  4  threshold        uint32  written by caller
//	offset  8  semaphore        uint32  packed table index and offset
//	offset 12  reserved         uint32
//	offset 16  counter address  uint64
const FenceRecordSize = 24

// Fence is a "do not start until counter >= threshold" precondition.
type Fence struct {
	Counter   uint32
	Threshold uint32
}

// Relocation locates one fence inside a descriptor. Counter is the offset of
// the counter id; Semaphore and Address are where the rewriter stores the
// packed semaphore slot (uint32) and the counter register address (uint64).
type Relocation struct {
	Counter   uint32
	Semaphore uint32
	Address   uint32
}

// FenceAt returns the relocation of a standard fence record at off.
func FenceAt(off uint32) Relocation {
	return Relocation{Counter: off, Semaphore: off + 8, Address: off + 16}
}

// PutFence writes a standard fence record at off.
func PutFence(desc []byte, off uint32, f Fence) error {
	b, err := window(desc, uint64(off), 0, FenceRecordSize)
	if err != nil {
		return fail(ErrInvalidDescriptor, "fence.put", err, "record at %d", off)
	}
	clear(b)
	binary.LittleEndian.PutUint32(b[0:4], f.Counter)
	binary.LittleEndian.PutUint32(b[4:8], f.Threshold)
	return nil
}

// FenceRecord is a decoded standard fence record.
type FenceRecord struct {
	Fence
	Semaphore uint32
	Address   uint64
}

// Backing unpacks the semaphore slot.
func (r FenceRecord) Backing() syncpt.Backing {
	return syncpt.Unpack(r.Semaphore)
}

// ReadFence decodes a standard fence record at off.
func ReadFence(desc []byte, off uint32) (FenceRecord, error) {
	b, err := window(desc, uint64(off), 0, FenceRecordSize)
	if err != nil {
		return FenceRecord{}, fail(ErrInvalidDescriptor, "fence.read", err, "record at %d", off)
	}
	le := binary.LittleEndian
	return FenceRecord{
		Fence:     Fence{Counter: le.Uint32(b[0:4]), Threshold: le.Uint32(b[4:8])},
		Semaphore: le.Uint32(b[8:12]),
		Address:   le.Uint64(b[16:24]),
	}, nil
}

// fenceRewriter resolves counter ids in a descriptor to the addresses the
// engines poll.
type fenceRewriter struct {
	counters Counters
}

// rewrite patches every relocation. Rewriting is idempotent: the counter id
// field is only read.
func (r fenceRewriter) rewrite(desc []byte, relocs []Relocation) error {
	const op = "fence.rewrite"
	if len(relocs) > MaxFences {
		return fail(ErrInvalidDescriptor, op, nil, "%d fences exceeds %d", len(relocs), MaxFences)
	}
	for i, rel := range relocs {
		idField, err := window(desc, uint64(rel.Counter), 0, 4)
		if err != nil {
			return fail(ErrInvalidDescriptor, op, err, "fence %d counter at %d", i, rel.Counter)
		}
		semField, err := window(desc, uint64(rel.Semaphore), 0, 4)
		if err != nil {
			return fail(ErrInvalidDescriptor, op, err, "fence %d semaphore at %d", i, rel.Semaphore)
		}
		addrField, err := window(desc, uint64(rel.Address), 0, 8)
		if err != nil {
			return fail(ErrInvalidDescriptor, op, err, "fence %d address at %d", i, rel.Address)
		}

		id := binary.LittleEndian.Uint32(idField)
		backing, err := r.counters.Backing(id)
		if err != nil {
			return fail(ErrInvalidDescriptor, op, err, "fence %d counter %d", i, id)
		}
		addr, err := r.counters.Address(id)
		if err != nil {
			return fail(ErrInvalidDescriptor, op, err, "fence %d counter %d", i, id)
		}
		binary.LittleEndian.PutUint32(semField, syncpt.Pack(backing))
		binary.LittleEndian.PutUint64(addrField, addr)
	}
	return nil
}
