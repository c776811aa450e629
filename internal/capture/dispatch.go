package capture

import (
	"context"
	"errors"
	"time"

	"github.com/smazurov/rtcapture/internal/rtcpu"
)

// dispatch pulls inbound frames for the channel until stop is closed.
func (c *Channel) dispatch(inbox <-chan rtcpu.Frame, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case f := <-inbox:
			c.handle(f)
		}
	}
}

func (c *Channel) handle(f rtcpu.Frame) {
	h := rtcpu.ReadHeader(&f)
	switch h.Kind {
	case rtcpu.KindChannelResetResp, rtcpu.KindChannelReleaseResp,
		rtcpu.KindISPResetResp, rtcpu.KindISPReleaseResp:
		select {
		case c.ctrlResp <- f:
		default:
			c.log().Warn("Unsolicited control response", "kind", h.Kind.String())
		}
		return
	}

	msg, err := rtcpu.Decode(f)
	if err != nil {
		c.reject(h.Kind, 0, fail(ErrProtocol, "status", err, ""))
		return
	}
	ind, ok := msg.(*rtcpu.SlotMessage)
	if !ok {
		c.reject(h.Kind, 0, fail(ErrProtocol, "status", nil, "unexpected %s", h.Kind))
		return
	}

	isp := c.cfg.Kind == KindISP
	switch {
	case h.Kind == rtcpu.KindCaptureStatus && !isp, h.Kind == rtcpu.KindISPStatus && isp:
		c.indicate(h.Kind, RingProcess, ind.Slot)
	case h.Kind == rtcpu.KindISPProgramStatus && isp:
		c.indicate(h.Kind, RingProgram, ind.Slot)
	case h.Kind == rtcpu.KindISPExStatus && isp:
		c.indicate(h.Kind, RingProcess, ind.Slot)
		c.indicate(h.Kind, RingProgram, ind.ProgramSlot)
	default:
		c.reject(h.Kind, ind.Slot, fail(ErrProtocol, "status", nil, "unexpected %s on %s channel", h.Kind, c.cfg.Kind))
	}
}

func (c *Channel) reject(kind rtcpu.Kind, slot uint32, err error) {
	c.rejected.Add(1)
	c.log().Warn("Status indication rejected", "kind", kind.String(), "slot", slot, "error", err)
	c.opts.Observer.Rejected(c.Info(), kind, slot, err)
}

// indicate resolves a status indication against the ring FIFO and completes
// every request that is now at the head.
func (c *Channel) indicate(kind rtcpu.Kind, ring RingKind, slot uint32) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	if c.fifos[ring] == nil {
		c.reject(kind, slot, fail(ErrProtocol, "status", nil, "no %s ring", ring))
		return
	}
	ready, err := c.fifos[ring].arrive(slot)
	if err != nil {
		c.reject(kind, slot, err)
		return
	}
	if len(ready) == 0 {
		c.log().Debug("Holding early completion", "ring", ring.String(), "slot", slot)
		return
	}
	for _, r := range ready {
		if r.held {
			c.reordered.Add(1)
		}
		c.finish(ring, r.slot, r.held)
	}
}

// finish runs the completion of one request: pins are dropped before the
// completion is signalled.
func (c *Channel) finish(ring RingKind, slot uint32, held bool) {
	pins := c.pins[ring]
	pins.Complete(slot)

	if ring == RingProgram {
		if c.binder.Retire(slot) {
			c.releaseProgramHeld(slot, held)
		} else {
			c.log().Debug("Program retire deferred", "slot", slot)
		}
		return
	}

	_, _ = pins.Unpin(slot)
	if c.binder != nil {
		for _, p := range c.binder.Unbind(slot) {
			c.releaseProgram(p)
		}
	}
	c.completed.Add(1)
	c.notify.completed(RingProcess, slot)
	c.opts.Observer.Completed(c.Info(), RingProcess, slot, held)
}

func (c *Channel) releaseProgram(slot uint32) {
	c.releaseProgramHeld(slot, false)
}

func (c *Channel) releaseProgramHeld(slot uint32, held bool) {
	_, _ = c.pins[RingProgram].Unpin(slot)
	c.completed.Add(1)
	c.notify.completed(RingProgram, slot)
	c.opts.Observer.Completed(c.Info(), RingProgram, slot, held)
}

// Status blocks until a request on ring completes and returns its slot.
// timeout WaitForever waits until completion, reset, release or ctx. On
// timeout the configured Tracer captures hardware state first.
func (c *Channel) Status(ctx context.Context, ring RingKind, timeout time.Duration) (uint32, error) {
	const op = "status"
	c.mu.Lock()
	state, n, kind := c.state, c.notify, c.cfg.Kind
	info := c.infoLocked()
	c.mu.Unlock()

	switch state {
	case StateReady, StateResetting:
	case StateReleased:
		return 0, fail(ErrChannelReleased, op, nil, "")
	default:
		return 0, fail(ErrNotReady, op, nil, "state %s", state)
	}
	bn, ok := n.(*blockingNotifier)
	if !ok {
		return 0, fail(ErrNotSupported, op, nil, "channel reports completions through progress status")
	}
	if ring == RingProgram && kind != KindISP {
		return 0, fail(ErrNotSupported, op, nil, "program ring on a %s channel", kind)
	}

	slot, err := bn.queues[ring].wait(ctx, timeout)
	switch {
	case err == nil:
		return slot, nil
	case errors.Is(err, errWaitTimeout):
		if c.opts.Tracer != nil {
			c.opts.Tracer.CaptureTrace(info)
		}
		return 0, fail(ErrTimeout, op, nil, "%s ring after %s", ring, timeout)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return 0, failCode(CodeOf(err), op, err, "wait interrupted")
	default:
		return 0, err
	}
}

// PollStatus reads the progress-status cell of a slot without blocking.
func (c *Channel) PollStatus(ring RingKind, slot uint32) (CellState, error) {
	const op = "poll_status"
	c.mu.Lock()
	n, cfg := c.notify, c.cfg
	c.mu.Unlock()

	sn, ok := n.(*statusNotifier)
	if !ok {
		return CellUnknown, fail(ErrNotSupported, op, nil, "channel is not in progress-status mode")
	}
	depth := cfg.QueueDepth
	if ring == RingProgram {
		depth = cfg.ProgramQueueDepth
	}
	if slot >= depth {
		return CellUnknown, fail(ErrInvalidParameter, op, nil, "%s slot %d outside depth %d", ring, slot, depth)
	}
	return sn.region.Load(sn.cell(ring, slot)), nil
}

// Waiters returns the number of callers blocked in Status on ring.
func (c *Channel) Waiters(ring RingKind) int {
	c.mu.Lock()
	n := c.notify
	c.mu.Unlock()
	if bn, ok := n.(*blockingNotifier); ok {
		return bn.queues[ring].pending()
	}
	return 0
}
