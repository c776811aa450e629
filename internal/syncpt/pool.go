// Package syncpt models the coprocessor's progress counters (syncpoints).
//
// A Pool owns a fixed bank of 32-bit counters that only the device side
// increments. Host code allocates counters for its channels, reads their
// current values and tracks the value it expects them to reach with a Shadow.
// The semaphore Tables describe where each counter is mirrored for engines
// that wait on fences.
package syncpt

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Pool errors.
var (
	ErrNoCounters   = errors.New("no free progress counters")
	ErrBadCounter   = errors.New("invalid progress counter")
	ErrNotAllocated = errors.New("progress counter not allocated")
)

// PoolConfig sizes the counter bank.
type PoolConfig struct {
	Count          uint32
	RegisterBase   uint64 // physical address of counter 0
	RegisterStride uint64 // bytes between counter registers
	Tables         Tables
}

// DefaultPoolConfig returns a 256-counter bank with 4 KiB register pages.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Count:          256,
		RegisterBase:   0x6000_0000,
		RegisterStride: 0x1000,
		Tables:         DefaultTables(),
	}
}

// Pool is safe for concurrent use.
type Pool struct {
	cfg      PoolConfig
	values   []atomic.Uint32
	mu       sync.Mutex
	owners   []string
	inUse    []bool
	searchAt uint32
}

// NewPool creates a counter bank. Counter 0 is reserved as invalid.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.Tables.Validate(); err != nil {
		return nil, err
	}
	if cfg.Count < 2 {
		cfg.Count = 2
	}
	if capacity := cfg.Tables.Capacity(); capacity > 0 && cfg.Count > capacity {
		cfg.Count = capacity
	}
	p := &Pool{
		cfg:      cfg,
		values:   make([]atomic.Uint32, cfg.Count),
		owners:   make([]string, cfg.Count),
		inUse:    make([]bool, cfg.Count),
		searchAt: 1,
	}
	p.inUse[0] = true
	return p, nil
}

// Alloc reserves a counter for owner and returns its id.
func (p *Pool) Alloc(owner string) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.cfg.Count
	for i := uint32(0); i < n; i++ {
		id := (p.searchAt + i) % n
		if p.inUse[id] {
			continue
		}
		p.inUse[id] = true
		p.owners[id] = owner
		p.searchAt = id + 1
		return id, nil
	}
	return 0, ErrNoCounters
}

// Free returns a counter to the pool. Its value is preserved so a later owner
// continues from where the device left it.
func (p *Pool) Free(id uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id == 0 || id >= p.cfg.Count {
		return fmt.Errorf("%w: %d", ErrBadCounter, id)
	}
	if !p.inUse[id] {
		return fmt.Errorf("%w: %d", ErrNotAllocated, id)
	}
	p.inUse[id] = false
	p.owners[id] = ""
	return nil
}

func (p *Pool) check(id uint32) error {
	if id == 0 || id >= p.cfg.Count {
		return fmt.Errorf("%w: %d", ErrBadCounter, id)
	}
	return nil
}

// Read returns the current counter value.
func (p *Pool) Read(id uint32) (uint32, error) {
	if err := p.check(id); err != nil {
		return 0, err
	}
	return p.values[id].Load(), nil
}

// Incr advances a counter by n on behalf of the device and returns the new value.
func (p *Pool) Incr(id, n uint32) (uint32, error) {
	if err := p.check(id); err != nil {
		return 0, err
	}
	return p.values[id].Add(n), nil
}

// Address returns the physical address of a counter's register.
func (p *Pool) Address(id uint32) (uint64, error) {
	if err := p.check(id); err != nil {
		return 0, err
	}
	return p.cfg.RegisterBase + uint64(id)*p.cfg.RegisterStride, nil
}

// Backing returns the semaphore table slot mirroring a counter.
func (p *Pool) Backing(id uint32) (Backing, error) {
	if err := p.check(id); err != nil {
		return Backing{}, err
	}
	return p.cfg.Tables.Lookup(id)
}

// Tables returns the semaphore table geometry.
func (p *Pool) Tables() Tables {
	return p.cfg.Tables
}

// Owner returns the name a counter was allocated under.
func (p *Pool) Owner(id uint32) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id >= p.cfg.Count {
		return ""
	}
	return p.owners[id]
}

// InUse returns the number of allocated counters and the bank capacity,
// both excluding the reserved counter 0.
func (p *Pool) InUse() (used, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.inUse[1:] {
		if b {
			used++
		}
	}
	return used, len(p.inUse) - 1
}
