// Package surface tracks host buffers that are made addressable to the
// coprocessor.
//
// A buffer is known to the registry once it has been allocated or imported.
// Pinning maps it into the device IOVA window on first use and takes a
// reference; unpinning drops the reference and unmaps the buffer when the last
// one goes away. The registry never copies buffer memory: the device-side view
// returned by Resolve aliases the host slice.
package surface

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Handle is an opaque buffer identifier. The zero handle names no buffer.
type Handle uint32

// Registry errors.
var (
	ErrUnknownHandle   = errors.New("unknown surface handle")
	ErrHandleExists    = errors.New("surface handle already registered")
	ErrOffsetRange     = errors.New("offset outside surface")
	ErrWindowExhausted = errors.New("iova window exhausted")
	ErrNotPinned       = errors.New("surface not pinned")
	ErrPinned          = errors.New("surface still pinned")
	ErrNoMapping       = errors.New("no surface mapped at address")
	ErrEmptySurface    = errors.New("surface has no memory")
)

// Mapping is the device view of one pin.
type Mapping struct {
	Handle Handle
	IOVA   uint64
	Size   uint64
}

// Config describes the device address window available for mappings.
type Config struct {
	WindowBase uint64
	WindowSize uint64
	// Alignment of every mapping; must be a power of two. Defaults to 4096.
	Alignment uint64
	Logger    *slog.Logger
}

// DefaultConfig returns a 256 MiB window starting at 1 GiB.
func DefaultConfig() Config {
	return Config{
		WindowBase: 0x4000_0000,
		WindowSize: 0x1000_0000,
		Alignment:  4096,
	}
}

type buffer struct {
	data []byte
	iova uint64
	pins int
}

func (b *buffer) size() uint64 { return uint64(len(b.data)) }

// Stats summarizes registry occupancy.
type Stats struct {
	Buffers   int    `json:"buffers"`
	Mapped    int    `json:"mapped"`
	Pins      int    `json:"pins"`
	Available uint64 `json:"available"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	buffers map[Handle]*buffer
	next    Handle
	window  *window
	logger  *slog.Logger
}

// NewRegistry creates a registry over the configured IOVA window.
func NewRegistry(cfg Config) *Registry {
	if cfg.Alignment == 0 || cfg.Alignment&(cfg.Alignment-1) != 0 {
		cfg.Alignment = 4096
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		buffers: make(map[Handle]*buffer),
		next:    1,
		window:  newWindow(cfg.WindowBase, cfg.WindowSize, cfg.Alignment),
		logger:  logger,
	}
}

// Allocate creates a zeroed host buffer and registers it under a fresh handle.
func (r *Registry) Allocate(size int) (Handle, []byte, error) {
	if size <= 0 {
		return 0, nil, ErrEmptySurface
	}
	data := make([]byte, size)

	r.mu.Lock()
	defer r.mu.Unlock()

	for r.next == 0 || r.buffers[r.next] != nil {
		r.next++
	}
	h := r.next
	r.next++
	r.buffers[h] = &buffer{data: data}
	return h, data, nil
}

// Import registers caller-owned memory under a caller-chosen handle.
func (r *Registry) Import(h Handle, data []byte) error {
	if h == 0 {
		return ErrUnknownHandle
	}
	if len(data) == 0 {
		return ErrEmptySurface
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.buffers[h]; exists {
		return fmt.Errorf("%w: %d", ErrHandleExists, h)
	}
	r.buffers[h] = &buffer{data: data}
	return nil
}

// Free forgets a buffer. Pinned buffers cannot be freed.
func (r *Registry) Free(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buffers[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	if b.pins > 0 {
		return fmt.Errorf("%w: %d (%d pins)", ErrPinned, h, b.pins)
	}
	delete(r.buffers, h)
	return nil
}

// Pin takes a device reference on h and returns the address of offset within it.
// The returned size is the number of bytes from offset to the end of the buffer.
func (r *Registry) Pin(h Handle, offset uint64) (Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buffers[h]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	if offset >= b.size() {
		return Mapping{}, fmt.Errorf("%w: offset %d, size %d", ErrOffsetRange, offset, b.size())
	}

	if b.pins == 0 {
		iova, ok := r.window.alloc(b.size())
		if !ok {
			return Mapping{}, fmt.Errorf("%w: need %d bytes", ErrWindowExhausted, b.size())
		}
		b.iova = iova
		r.logger.Debug("Surface mapped", "handle", h, "iova", fmt.Sprintf("%#x", iova), "size", b.size())
	}
	b.pins++

	return Mapping{Handle: h, IOVA: b.iova + offset, Size: b.size() - offset}, nil
}

// Unpin drops one reference taken by Pin.
func (r *Registry) Unpin(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buffers[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	if b.pins == 0 {
		return fmt.Errorf("%w: %d", ErrNotPinned, h)
	}
	b.pins--
	if b.pins == 0 {
		r.window.release(b.iova, b.size())
		r.logger.Debug("Surface unmapped", "handle", h, "iova", fmt.Sprintf("%#x", b.iova))
		b.iova = 0
	}
	return nil
}

// Pins returns the current reference count of h.
func (r *Registry) Pins(h Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buffers[h]; ok {
		return b.pins
	}
	return 0
}

// Resolve returns the memory backing [iova, iova+size) for a device-side agent.
// The range must lie within a single mapped buffer.
func (r *Registry) Resolve(iova, size uint64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.buffers {
		if b.pins == 0 || iova < b.iova {
			continue
		}
		off := iova - b.iova
		if off >= b.size() {
			continue
		}
		if size > b.size()-off {
			return nil, fmt.Errorf("%w: %#x+%d crosses surface end", ErrOffsetRange, iova, size)
		}
		return b.data[off : off+size], nil
	}
	return nil, fmt.Errorf("%w: %#x", ErrNoMapping, iova)
}

// Stats returns a snapshot of registry occupancy.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Buffers: len(r.buffers), Available: r.window.available()}
	for _, b := range r.buffers {
		if b.pins > 0 {
			s.Mapped++
			s.Pins += b.pins
		}
	}
	return s
}
