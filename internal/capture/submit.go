package capture

import (
	"github.com/smazurov/rtcapture/internal/rtcpu"
)

// ProcessRequest submits the process descriptor in Slot. The caller fills
// the descriptor through Channel.Descriptor first. Prefences and InputFences
// locate fence records inside the descriptor; both lists are rewritten to
// hardware addresses before the request is sent.
type ProcessRequest struct {
	Slot        uint32
	Prefences   []Relocation
	InputFences []Relocation
}

// ProgramRequest submits the program descriptor in Slot.
type ProgramRequest struct {
	Slot uint32
}

// CombinedRequest submits a process request together with a program that
// is coupled to it. ProgramSlot set to rtcpu.NoProgram submits the process
// request alone.
type CombinedRequest struct {
	Process     ProcessRequest
	ProgramSlot uint32
}

// staged is a request whose slot is reserved and pinned but not yet sent.
type staged struct {
	ring       RingKind
	slot       uint32
	sequence   uint32
	increments uint32
	statsUnits uint32
	settingsID uint32
	coupled    bool
}

// Descriptor returns the process descriptor for slot. The slot must be free.
func (c *Channel) Descriptor(slot uint32) (Descriptor, error) {
	b, err := c.slotMemory(RingProcess, slot)
	return Descriptor(b), err
}

// ProgramDescriptor returns the program descriptor for slot. The slot must
// be free.
func (c *Channel) ProgramDescriptor(slot uint32) (ProgramDescriptor, error) {
	b, err := c.slotMemory(RingProgram, slot)
	return ProgramDescriptor(b), err
}

func (c *Channel) slotMemory(kind RingKind, slot uint32) ([]byte, error) {
	const op = "descriptor"
	c.resetMu.RLock()
	defer c.resetMu.RUnlock()
	if err := c.ready(op); err != nil {
		return nil, err
	}
	r := c.rings[kind]
	if r == nil {
		return nil, fail(ErrNotSupported, op, nil, "%s ring on a %s channel", kind, c.cfg.Kind)
	}
	b, err := r.slot(slot)
	if err != nil {
		return nil, err
	}
	if st := c.pins[kind].State(slot); st != SlotFree {
		return nil, fail(ErrBusy, op, nil, "%s slot %d is %s", kind, slot, st)
	}
	return b, nil
}

func requestKind(k Kind) rtcpu.Kind {
	if k == KindISP {
		return rtcpu.KindISPRequest
	}
	return rtcpu.KindCaptureRequest
}

// Submit sends a filled process descriptor to the firmware. It fails with
// ErrBusy while the slot is still owned by the device and never waits for
// the device.
func (c *Channel) Submit(req ProcessRequest) error {
	const op = "submit"
	c.resetMu.RLock()
	defer c.resetMu.RUnlock()
	if err := c.ready(op); err != nil {
		return err
	}

	st, err := c.prepareProcess(req)
	if err != nil {
		return err
	}
	msg := &rtcpu.SlotMessage{
		Kind:        requestKind(c.cfg.Kind),
		ChannelID:   c.id,
		Slot:        req.Slot,
		ProgramSlot: rtcpu.NoProgram,
	}
	return c.commit(op, msg, st)
}

// ProgramSubmit sends a program descriptor. Process requests submitted
// afterwards run under it until a newer program is submitted.
func (c *Channel) ProgramSubmit(req ProgramRequest) error {
	const op = "program_submit"
	c.resetMu.RLock()
	defer c.resetMu.RUnlock()
	if err := c.ready(op); err != nil {
		return err
	}
	if c.cfg.Kind != KindISP {
		return fail(ErrNotSupported, op, nil, "programs on a %s channel", c.cfg.Kind)
	}

	st, err := c.prepareProgram(req.Slot, false)
	if err != nil {
		return err
	}
	msg := &rtcpu.SlotMessage{
		Kind:        rtcpu.KindISPProgramRequest,
		ChannelID:   c.id,
		Slot:        req.Slot,
		ProgramSlot: req.Slot,
	}
	return c.commit(op, msg, st)
}

// RequestEx submits a process request with a coupled program in one
// message. If the process request cannot be prepared the program slot is
// unwound and nothing is sent.
func (c *Channel) RequestEx(req CombinedRequest) error {
	const op = "request_ex"
	if req.ProgramSlot == rtcpu.NoProgram {
		return c.Submit(req.Process)
	}

	c.resetMu.RLock()
	defer c.resetMu.RUnlock()
	if err := c.ready(op); err != nil {
		return err
	}
	if c.cfg.Kind != KindISP {
		return fail(ErrNotSupported, op, nil, "programs on a %s channel", c.cfg.Kind)
	}

	prog, err := c.prepareProgram(req.ProgramSlot, true)
	if err != nil {
		return err
	}
	proc, err := c.prepareProcess(req.Process)
	if err != nil {
		c.unstage(prog)
		return err
	}
	msg := &rtcpu.SlotMessage{
		Kind:        rtcpu.KindISPRequest,
		ChannelID:   c.id,
		Slot:        req.Process.Slot,
		ProgramSlot: req.ProgramSlot,
	}
	return c.commit(op, msg, prog, proc)
}

// prepareProcess reserves the slot, rewrites its fences and pins every
// surface it references. On error the slot is free again.
func (c *Channel) prepareProcess(req ProcessRequest) (st staged, err error) {
	const op = "submit"
	mem, err := c.rings[RingProcess].slot(req.Slot)
	if err != nil {
		return staged{}, err
	}
	pins := c.pins[RingProcess]
	if err := pins.Reserve(req.Slot); err != nil {
		return staged{}, err
	}
	defer func() {
		if err != nil {
			_, _ = pins.Unpin(req.Slot)
		}
	}()

	d := Descriptor(mem)
	if len(req.Prefences) > MaxFences || len(req.InputFences) > MaxFences {
		return staged{}, fail(ErrInvalidDescriptor, op, nil, "slot %d declares too many fences", req.Slot)
	}
	if err := c.fences.rewrite(d, req.Prefences); err != nil {
		return staged{}, err
	}
	if err := c.fences.rewrite(d, req.InputFences); err != nil {
		return staged{}, err
	}

	for s := SurfaceSlot(0); s < processSurfaceCount; s++ {
		ref := d.Surface(s)
		if ref.Handle == 0 {
			continue
		}
		m, err := pins.Pin(req.Slot, ref.Handle, uint64(ref.Offset))
		if err != nil {
			return staged{}, err
		}
		d.setIOVA(s, m.IOVA)
	}

	inc, err := ProgressIncrements(d)
	if err != nil {
		return staged{}, err
	}
	return staged{
		ring:       RingProcess,
		slot:       req.Slot,
		sequence:   d.Sequence(),
		increments: inc,
	}, nil
}

// prepareProgram reserves and pins a program slot.
func (c *Channel) prepareProgram(slot uint32, coupled bool) (st staged, err error) {
	mem, err := c.rings[RingProgram].slot(slot)
	if err != nil {
		return staged{}, err
	}
	pins := c.pins[RingProgram]
	if err := pins.Reserve(slot); err != nil {
		return staged{}, err
	}
	defer func() {
		if err != nil {
			_, _ = pins.Unpin(slot)
		}
	}()

	p := ProgramDescriptor(mem)
	for s := ProgramSurfaceSlot(0); s < programSurfaceCount; s++ {
		ref := p.Surface(s)
		if ref.Handle == 0 {
			continue
		}
		m, err := pins.Pin(slot, ref.Handle, uint64(ref.Offset))
		if err != nil {
			return staged{}, err
		}
		p.setIOVA(s, m.IOVA)
	}
	return staged{
		ring:       RingProgram,
		slot:       slot,
		sequence:   p.Sequence(),
		settingsID: p.SettingsID(),
		statsUnits: p.StatsUnits(),
		coupled:    coupled,
	}, nil
}

func (c *Channel) unstage(st staged) {
	_, _ = c.pins[st.ring].Unpin(st.slot)
}

// commit binds the staged requests, queues them in their ring FIFOs and
// sends msg. A reset that has started wins: nothing is sent and the slots
// are unwound.
func (c *Channel) commit(op string, msg *rtcpu.SlotMessage, reqs ...staged) error {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	if c.resetPending.Load() {
		for _, st := range reqs {
			c.unstage(st)
		}
		return fail(ErrChannelReset, op, nil, "reset in progress")
	}

	coupledProgram := rtcpu.NoProgram
	for i, st := range reqs {
		switch st.ring {
		case RingProgram:
			c.binder.Activate(st.slot, st.sequence, st.settingsID, st.statsUnits, st.coupled)
			if st.coupled {
				coupledProgram = st.slot
			}
		case RingProcess:
			if c.binder != nil {
				_, units, _ := c.binder.Bind(st.slot, st.sequence, coupledProgram)
				reqs[i].statsUnits = units
			}
		}
		c.fifos[st.ring].push(st.slot)
		c.notify.submitted(st.ring, st.slot)
	}

	if err := c.opts.Transport.Send(rtcpu.StreamCapture, rtcpu.Encode(msg)); err != nil {
		for _, st := range reqs {
			c.fifos[st.ring].remove(st.slot)
			c.notify.revoked(st.ring, st.slot)
			switch st.ring {
			case RingProgram:
				c.binder.Deactivate(st.slot)
			case RingProcess:
				if c.binder != nil {
					for _, p := range c.binder.Unbind(st.slot) {
						c.releaseProgram(p)
					}
				}
			}
			c.unstage(st)
		}
		return failCode(CodeNoResources, op, err, "send %s", msg.Kind)
	}

	info := c.Info()
	for _, st := range reqs {
		threshold := c.progress.Threshold()
		if st.ring == RingProcess {
			threshold = c.progress.Advance(st.increments)
			if st.statsUnits > 0 && c.stats != nil {
				c.stats.Advance(st.statsUnits)
			}
		}
		c.submitted.Add(1)
		c.opts.Observer.Submitted(info, st.ring, st.slot, threshold)
	}
	return nil
}
