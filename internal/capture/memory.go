package capture

import (
	"github.com/smazurov/rtcapture/internal/surface"
	"github.com/smazurov/rtcapture/internal/syncpt"
)

// Pinner takes and drops device references on surfaces.
type Pinner interface {
	Pin(h surface.Handle, offset uint64) (surface.Mapping, error)
	Unpin(h surface.Handle) error
}

// Memory is the surface registry as seen by a channel. *surface.Registry
// implements it.
type Memory interface {
	Pinner
	Allocate(size int) (surface.Handle, []byte, error)
	Free(h surface.Handle) error
}

// Counters is the progress counter pool. *syncpt.Pool implements it.
type Counters interface {
	Alloc(owner string) (uint32, error)
	Free(id uint32) error
	Read(id uint32) (uint32, error)
	Address(id uint32) (uint64, error)
	Backing(id uint32) (syncpt.Backing, error)
	Tables() syncpt.Tables
}

var (
	_ Memory   = (*surface.Registry)(nil)
	_ Counters = (*syncpt.Pool)(nil)
)
