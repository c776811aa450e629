package syncpt

import (
	"errors"
	"fmt"
)

// Semaphore table errors.
var (
	ErrNoBacking = errors.New("counter has no semaphore backing")
	ErrBadTables = errors.New("invalid semaphore table geometry")
)

// Limits of the packed backing word.
const (
	MaxTables    = 1 << 8
	MaxTableSize = 1 << 24
)

// Backing locates a counter's shadow word inside the semaphore tables.
type Backing struct {
	Index  uint32 // table index
	Offset uint32 // byte offset within the table
}

// Tables describes the fixed array of semaphore tables the engines poll
// when waiting on a fence.
type Tables struct {
	Count     uint32 // number of tables
	TableSize uint32 // bytes per table
	EntrySize uint32 // bytes per counter entry
}

// DefaultTables matches a 4 x 4 KiB layout with 4-byte entries.
func DefaultTables() Tables {
	return Tables{Count: 4, TableSize: 4096, EntrySize: 4}
}

// Validate checks that every backing the tables produce survives Pack.
func (t Tables) Validate() error {
	switch {
	case t.Count > MaxTables:
		return fmt.Errorf("%w: %d tables, at most %d", ErrBadTables, t.Count, MaxTables)
	case t.TableSize > MaxTableSize:
		return fmt.Errorf("%w: table size %d, at most %d", ErrBadTables, t.TableSize, MaxTableSize)
	}
	return nil
}

func (t Tables) perTable() uint32 {
	if t.EntrySize == 0 {
		return 0
	}
	return t.TableSize / t.EntrySize
}

// Capacity is the number of counters the tables can back.
func (t Tables) Capacity() uint32 {
	return t.Count * t.perTable()
}

// Lookup maps a counter id to its table slot.
func (t Tables) Lookup(id uint32) (Backing, error) {
	per := t.perTable()
	if per == 0 || id >= t.Capacity() {
		return Backing{}, fmt.Errorf("%w: id %d", ErrNoBacking, id)
	}
	return Backing{Index: id / per, Offset: (id % per) * t.EntrySize}, nil
}

// Reverse maps a table slot back to its counter id.
func (t Tables) Reverse(b Backing) (uint32, error) {
	per := t.perTable()
	if per == 0 || b.Index >= t.Count || b.Offset >= t.TableSize || b.Offset%t.EntrySize != 0 {
		return 0, fmt.Errorf("%w: table %d offset %d", ErrNoBacking, b.Index, b.Offset)
	}
	return b.Index*per + b.Offset/t.EntrySize, nil
}

// Pack encodes a backing as the 32-bit word engines expect:
// table index in the top byte, byte offset in the low 24 bits.
func Pack(b Backing) uint32 {
	return b.Index<<24 | b.Offset&0x00FF_FFFF
}

// Unpack is the inverse of Pack.
func Unpack(v uint32) Backing {
	return Backing{Index: v >> 24, Offset: v & 0x00FF_FFFF}
}
