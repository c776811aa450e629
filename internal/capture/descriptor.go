package capture

import (
	"encoding/binary"
	"math/bits"

	"github.com/smazurov/rtcapture/internal/surface"
)

// DescriptorAlignment is the granularity of every descriptor stride.
const DescriptorAlignment = 64

// Descriptor sizes. A channel's request size may exceed these to leave room
// for fence records and caller payload after the fixed fields.
const (
	ProcessDescriptorSize = 256
	ProgramDescriptorSize = 128
)

// Descriptor flags.
const (
	// FlagSubframeProgress asks the engine to increment the progress counter
	// once per completed band of SubframeHeight lines.
	FlagSubframeProgress uint32 = 1 << 0
	// FlagErrorReport asks the engine to fill the engine-status surface.
	FlagErrorReport uint32 = 1 << 1
)

// SurfaceRefSize is the size of one surface reference inside a descriptor.
//
//	offset 0  handle  uint32  written by caller, 0 for none
//	offset 4  offset  uint32  written by caller
//	offset 8  iova    uint64  written at submission
const SurfaceRefSize = 16

// SurfaceSlot names a fixed surface position in a process descriptor.
type SurfaceSlot int

// Process descriptor surface positions. The order is the wire order.
const (
	SurfaceEngineStatus SurfaceSlot = iota
	SurfaceInput0
	SurfaceInput1
	SurfaceOutput0
	SurfaceOutput1
	SurfaceOutput2
	SurfaceOutput3
	SurfaceStats0
	SurfaceStats1
	SurfaceStats2
	SurfaceStats3
	processSurfaceCount
)

// ProgramSurfaceSlot names a fixed surface position in a program descriptor.
type ProgramSurfaceSlot int

// Program descriptor surface positions.
const (
	ProgramSurfaceSettings ProgramSurfaceSlot = iota
	ProgramSurfaceAux
	programSurfaceCount
)

// Pin bounds per slot, one per surface position.
const (
	ProcessSurfaceCount = 11
	ProgramSurfaceCount = 2
)

// The bounds above must track the surface position lists.
var (
	_ = [1]struct{}{}[ProcessSurfaceCount-int(processSurfaceCount)]
	_ = [1]struct{}{}[ProgramSurfaceCount-int(programSurfaceCount)]
)

// Process descriptor field offsets.
//
//	offset   0  sequence         uint32
//	offset   4  flags            uint32
//	offset   8  width            uint16
//	offset  10  height           uint16
//	offset  12  subframe height  uint16
//	offset  14  reserved         uint16
//	offset  16  engine result    uint32  written by firmware
//	offset  20  progress value   uint32  written by firmware
//	offset  24  timestamp        uint64  written by firmware
//	offset  32  surfaces         [11]surface ref
//	offset 208  fence area       48 bytes
const (
	procOffSequence  = 0
	procOffFlags     = 4
	procOffWidth     = 8
	procOffHeight    = 10
	procOffSubframe  = 12
	procOffResult    = 16
	procOffProgress  = 20
	procOffTimestamp = 24
	procOffSurfaces  = 32
	ProcessFenceArea = procOffSurfaces + ProcessSurfaceCount*SurfaceRefSize
)

// Program descriptor field offsets.
//
//	offset  0  sequence       uint32
//	offset  4  settings id    uint32
//	offset  8  stats enable   uint32  one bit per statistics unit
//	offset 12  flags          uint32
//	offset 16  engine result  uint32  written by firmware
//	offset 32  surfaces       [2]surface ref
//	offset 64  fence area     64 bytes
const (
	progOffSequence    = 0
	progOffSettingsID  = 4
	progOffStatsEnable = 8
	progOffFlags       = 12
	progOffResult      = 16
	progOffSurfaces    = 32
	ProgramFenceArea   = progOffSurfaces + ProgramSurfaceCount*SurfaceRefSize
)

// SurfaceRef is one decoded surface reference.
type SurfaceRef struct {
	Handle surface.Handle
	Offset uint32
	IOVA   uint64
}

func readSurfaceRef(b []byte) SurfaceRef {
	le := binary.LittleEndian
	return SurfaceRef{
		Handle: surface.Handle(le.Uint32(b[0:4])),
		Offset: le.Uint32(b[4:8]),
		IOVA:   le.Uint64(b[8:16]),
	}
}

func putSurfaceRef(b []byte, ref SurfaceRef) {
	le := binary.LittleEndian
	le.PutUint32(b[0:4], uint32(ref.Handle))
	le.PutUint32(b[4:8], ref.Offset)
	le.PutUint64(b[8:16], ref.IOVA)
}

// Descriptor is a view of one process request slot in the ring. Writes go
// straight to ring memory.
type Descriptor []byte

func (d Descriptor) u32(off int) uint32      { return binary.LittleEndian.Uint32(d[off:]) }
func (d Descriptor) put32(off int, v uint32) { binary.LittleEndian.PutUint32(d[off:], v) }
func (d Descriptor) u16(off int) uint16      { return binary.LittleEndian.Uint16(d[off:]) }
func (d Descriptor) put16(off int, v uint16) { binary.LittleEndian.PutUint16(d[off:], v) }

// Sequence returns the frame sequence number.
func (d Descriptor) Sequence() uint32 { return d.u32(procOffSequence) }

// SetSequence sets the frame sequence number.
func (d Descriptor) SetSequence(seq uint32) { d.put32(procOffSequence, seq) }

// Flags returns the descriptor flags.
func (d Descriptor) Flags() uint32 { return d.u32(procOffFlags) }

// SetFlags replaces the descriptor flags.
func (d Descriptor) SetFlags(flags uint32) { d.put32(procOffFlags, flags) }

// Geometry returns width, height and subframe height in lines.
func (d Descriptor) Geometry() (width, height, subframe uint16) {
	return d.u16(procOffWidth), d.u16(procOffHeight), d.u16(procOffSubframe)
}

// SetGeometry writes the frame geometry.
func (d Descriptor) SetGeometry(width, height, subframe uint16) {
	d.put16(procOffWidth, width)
	d.put16(procOffHeight, height)
	d.put16(procOffSubframe, subframe)
}

// EngineResult is written by the firmware on completion.
func (d Descriptor) EngineResult() uint32 { return d.u32(procOffResult) }

// SetEngineResult is used by the firmware side.
func (d Descriptor) SetEngineResult(v uint32) { d.put32(procOffResult, v) }

// ProgressValue is the counter value the firmware reached on completion.
func (d Descriptor) ProgressValue() uint32 { return d.u32(procOffProgress) }

// SetProgressValue is used by the firmware side.
func (d Descriptor) SetProgressValue(v uint32) { d.put32(procOffProgress, v) }

// Timestamp is the completion time in device ticks.
func (d Descriptor) Timestamp() uint64 { return binary.LittleEndian.Uint64(d[procOffTimestamp:]) }

// SetTimestamp is used by the firmware side.
func (d Descriptor) SetTimestamp(ts uint64) { binary.LittleEndian.PutUint64(d[procOffTimestamp:], ts) }

func surfaceOffset(base, i int) int { return base + i*SurfaceRefSize }

// Surface reads a surface reference.
func (d Descriptor) Surface(s SurfaceSlot) SurfaceRef {
	off := surfaceOffset(procOffSurfaces, int(s))
	return readSurfaceRef(d[off : off+SurfaceRefSize])
}

// SetSurface attaches a buffer at offset to position s. The IOVA is filled
// in at submission.
func (d Descriptor) SetSurface(s SurfaceSlot, h surface.Handle, offset uint32) {
	off := surfaceOffset(procOffSurfaces, int(s))
	putSurfaceRef(d[off:off+SurfaceRefSize], SurfaceRef{Handle: h, Offset: offset})
}

func (d Descriptor) setIOVA(s SurfaceSlot, iova uint64) {
	off := surfaceOffset(procOffSurfaces, int(s)) + 8
	binary.LittleEndian.PutUint64(d[off:], iova)
}

// Reset zeroes the descriptor.
func (d Descriptor) Reset() { clear(d) }

// ProgramDescriptor is a view of one program slot in the program ring.
type ProgramDescriptor []byte

// Sequence returns the activation sequence of the program.
func (p ProgramDescriptor) Sequence() uint32 {
	return binary.LittleEndian.Uint32(p[progOffSequence:])
}

// SetSequence sets the activation sequence.
func (p ProgramDescriptor) SetSequence(seq uint32) {
	binary.LittleEndian.PutUint32(p[progOffSequence:], seq)
}

// SettingsID returns the settings identifier.
func (p ProgramDescriptor) SettingsID() uint32 {
	return binary.LittleEndian.Uint32(p[progOffSettingsID:])
}

// SetSettingsID sets the settings identifier.
func (p ProgramDescriptor) SetSettingsID(id uint32) {
	binary.LittleEndian.PutUint32(p[progOffSettingsID:], id)
}

// StatsEnable returns the statistics unit mask.
func (p ProgramDescriptor) StatsEnable() uint32 {
	return binary.LittleEndian.Uint32(p[progOffStatsEnable:])
}

// SetStatsEnable sets the statistics unit mask.
func (p ProgramDescriptor) SetStatsEnable(mask uint32) {
	binary.LittleEndian.PutUint32(p[progOffStatsEnable:], mask)
}

// StatsUnits is the number of statistics units the program activates.
func (p ProgramDescriptor) StatsUnits() uint32 {
	return uint32(bits.OnesCount32(p.StatsEnable()))
}

// Flags returns the program flags.
func (p ProgramDescriptor) Flags() uint32 {
	return binary.LittleEndian.Uint32(p[progOffFlags:])
}

// SetFlags replaces the program flags.
func (p ProgramDescriptor) SetFlags(flags uint32) {
	binary.LittleEndian.PutUint32(p[progOffFlags:], flags)
}

// EngineResult is written by the firmware when the program retires.
func (p ProgramDescriptor) EngineResult() uint32 {
	return binary.LittleEndian.Uint32(p[progOffResult:])
}

// SetEngineResult is used by the firmware side.
func (p ProgramDescriptor) SetEngineResult(v uint32) {
	binary.LittleEndian.PutUint32(p[progOffResult:], v)
}

// Surface reads a program surface reference.
func (p ProgramDescriptor) Surface(s ProgramSurfaceSlot) SurfaceRef {
	off := surfaceOffset(progOffSurfaces, int(s))
	return readSurfaceRef(p[off : off+SurfaceRefSize])
}

// SetSurface attaches a buffer to a program surface position.
func (p ProgramDescriptor) SetSurface(s ProgramSurfaceSlot, h surface.Handle, offset uint32) {
	off := surfaceOffset(progOffSurfaces, int(s))
	putSurfaceRef(p[off:off+SurfaceRefSize], SurfaceRef{Handle: h, Offset: offset})
}

func (p ProgramDescriptor) setIOVA(s ProgramSurfaceSlot, iova uint64) {
	off := surfaceOffset(progOffSurfaces, int(s)) + 8
	binary.LittleEndian.PutUint64(p[off:], iova)
}

// Reset zeroes the descriptor.
func (p ProgramDescriptor) Reset() { clear(p) }
