package capture

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// StreamKey identifies the sensor stream a channel captures.
type StreamKey struct {
	Stream         uint32 `json:"stream" toml:"stream"`
	VirtualChannel uint32 `json:"virtual_channel" toml:"virtual_channel"`
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%d/%d", k.Stream, k.VirtualChannel)
}

// transactionBit keeps setup transaction ids apart from firmware channel ids
// on the control stream.
const transactionBit = 0x8000_0000

// Registry maps streams to the channels bound to them and hands out setup
// transaction ids. It is owned by whoever creates the channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[StreamKey]*Channel
	txn      atomic.Uint32
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[StreamKey]*Channel)}
}

// NextTransactionID returns a fresh setup transaction id.
func (r *Registry) NextTransactionID() uint32 {
	return transactionBit | (r.txn.Add(1) & (transactionBit - 1))
}

// Bind claims key for ch.
func (r *Registry) Bind(key StreamKey, ch *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.channels[key]; ok && cur != ch {
		return fail(ErrBusy, "registry.bind", nil, "stream %s bound to %q", key, cur.Name())
	}
	r.channels[key] = ch
	return nil
}

// Unbind releases key if it is held by ch.
func (r *Registry) Unbind(key StreamKey, ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[key] == ch {
		delete(r.channels, key)
	}
}

// Lookup returns the channel bound to key.
func (r *Registry) Lookup(key StreamKey) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[key]
	return ch, ok
}

// Len returns the number of bound streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Keys returns the bound stream keys in order.
func (r *Registry) Keys() []StreamKey {
	r.mu.RLock()
	keys := make([]StreamKey, 0, len(r.channels))
	for k := range r.channels {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Stream != keys[j].Stream {
			return keys[i].Stream < keys[j].Stream
		}
		return keys[i].VirtualChannel < keys[j].VirtualChannel
	})
	return keys
}
