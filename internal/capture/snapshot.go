package capture

// RingSnapshot describes one request ring.
type RingSnapshot struct {
	Depth    uint32 `json:"depth"`
	Stride   uint32 `json:"stride"`
	IOVA     uint64 `json:"iova"`
	InFlight int    `json:"in_flight"`
	Held     int    `json:"held"`
	Busy     int    `json:"busy"`
	Pins     int    `json:"pins"`
	Waiters  int    `json:"waiters"`
}

// CounterSnapshot describes a progress counter and its shadow threshold.
type CounterSnapshot struct {
	ID        uint32 `json:"id"`
	Value     uint32 `json:"value"`
	Threshold uint32 `json:"threshold"`
}

// Snapshot is a point-in-time view of a channel.
type Snapshot struct {
	Name       string           `json:"name"`
	Kind       string           `json:"kind"`
	State      string           `json:"state"`
	ID         uint32           `json:"id"`
	Stream     StreamKey        `json:"stream"`
	Completion string           `json:"completion"`
	Process    *RingSnapshot    `json:"process,omitempty"`
	Program    *RingSnapshot    `json:"program,omitempty"`
	Progress   *CounterSnapshot `json:"progress,omitempty"`
	Stats      *CounterSnapshot `json:"stats,omitempty"`
	Programs   int              `json:"programs"`
	Submitted  uint64           `json:"submitted"`
	Completed  uint64           `json:"completed"`
	Rejected   uint64           `json:"rejected"`
	Reordered  uint64           `json:"reordered"`
	Resets     uint64           `json:"resets"`
}

func completionName(c Completion) string {
	switch c.(type) {
	case ProgressStatus:
		return "progress-status"
	case Blocking:
		return "blocking"
	default:
		return ""
	}
}

// Snapshot returns the current channel view. It waits for a reset or
// release in progress to finish.
func (c *Channel) Snapshot() Snapshot {
	c.resetMu.RLock()
	defer c.resetMu.RUnlock()

	c.mu.Lock()
	s := Snapshot{
		Name:       c.name,
		Kind:       c.cfg.Kind.String(),
		State:      c.state.String(),
		ID:         c.id,
		Stream:     c.cfg.Stream,
		Completion: completionName(c.cfg.Completion),
		Submitted:  c.submitted.Load(),
		Completed:  c.completed.Load(),
		Rejected:   c.rejected.Load(),
		Reordered:  c.reordered.Load(),
		Resets:     c.resets.Load(),
	}
	c.mu.Unlock()

	for kind, r := range c.rings {
		if r == nil {
			continue
		}
		rs := &RingSnapshot{
			Depth:    r.depth,
			Stride:   r.stride,
			IOVA:     r.iova(),
			InFlight: c.fifos[kind].len(),
			Held:     c.fifos[kind].held(),
			Busy:     c.pins[kind].Busy(),
			Pins:     c.pins[kind].Total(),
			Waiters:  c.Waiters(RingKind(kind)),
		}
		if RingKind(kind) == RingProcess {
			s.Process = rs
		} else {
			s.Program = rs
		}
	}
	s.Progress = c.counterSnapshot(c.progress != nil, func() (uint32, uint32) { return c.progress.ID(), c.progress.Threshold() })
	s.Stats = c.counterSnapshot(c.stats != nil, func() (uint32, uint32) { return c.stats.ID(), c.stats.Threshold() })
	if c.binder != nil {
		s.Programs = c.binder.Active()
	}
	return s
}

func (c *Channel) counterSnapshot(ok bool, get func() (uint32, uint32)) *CounterSnapshot {
	if !ok {
		return nil
	}
	id, threshold := get()
	value, _ := c.opts.Counters.Read(id)
	return &CounterSnapshot{ID: id, Value: value, Threshold: threshold}
}

// ProgressThreshold returns the shadow threshold of the progress counter.
func (c *Channel) ProgressThreshold() (id, threshold uint32, ok bool) {
	c.resetMu.RLock()
	defer c.resetMu.RUnlock()
	if c.progress == nil {
		return 0, 0, false
	}
	return c.progress.ID(), c.progress.Threshold(), true
}
