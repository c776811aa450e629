package syncpt

import "sync/atomic"

// Shadow tracks the value a device counter is expected to reach once every
// submitted request has finished. It only moves forward.
type Shadow struct {
	id        uint32
	threshold atomic.Uint32
}

// NewShadow starts tracking counter id from its current value.
func NewShadow(id, current uint32) *Shadow {
	s := &Shadow{id: id}
	s.threshold.Store(current)
	return s
}

// ID returns the tracked counter id.
func (s *Shadow) ID() uint32 { return s.id }

// Threshold returns the current expected value.
func (s *Shadow) Threshold() uint32 { return s.threshold.Load() }

// Advance promises n more increments and returns the new threshold.
func (s *Shadow) Advance(n uint32) uint32 {
	return s.threshold.Add(n)
}

// FastForward moves the threshold up to value when value is later. It is used
// after a reset so waiters on skipped increments are released.
func (s *Shadow) FastForward(value uint32) uint32 {
	for {
		cur := s.threshold.Load()
		if !After(value, cur) {
			return cur
		}
		if s.threshold.CompareAndSwap(cur, value) {
			return value
		}
	}
}
