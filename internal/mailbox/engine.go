package mailbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/rtcapture/internal/capture"
	"github.com/smazurov/rtcapture/internal/rtcpu"
)

type job struct {
	kind    rtcpu.Kind
	slot    uint32
	program uint32
}

func (j job) isBarrier() bool {
	return j.kind == rtcpu.KindCaptureResetBarrier || j.kind == rtcpu.KindISPResetBarrier
}

// engine executes the requests of one channel. Only its run goroutine
// touches active and barrierSeen.
type engine struct {
	fw     *Firmware
	id     uint32
	isp    bool
	setup  rtcpu.SetupRequest
	logger *slog.Logger

	jobs      chan job
	ctrl      chan rtcpu.ControlRequest
	interrupt chan struct{}

	active      uint32
	barrierSeen bool
	running     atomic.Bool

	traceMu sync.Mutex
	trace   *traceRing

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newEngine(fw *Firmware, id uint32, isp bool, setup rtcpu.SetupRequest) *engine {
	ctx, cancel := context.WithCancel(fw.ctx)
	return &engine{
		fw:        fw,
		id:        id,
		isp:       isp,
		setup:     setup,
		logger:    fw.logger.With("channel_id", id),
		jobs:      make(chan job, int(setup.QueueDepth+setup.ProgramQueueDepth)+4),
		ctrl:      make(chan rtcpu.ControlRequest, 2),
		interrupt: make(chan struct{}, 1),
		active:    rtcpu.NoProgram,
		trace:     newTraceRing(fw.opts.TraceDepth),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (e *engine) enqueue(j job) {
	select {
	case e.jobs <- j:
	default:
		e.logger.Warn("Request queue overflow, frame dropped", "kind", j.kind.String(), "slot", j.slot)
	}
}

// command queues a reset or release. Immediate requests also abandon the
// request in progress.
func (e *engine) command(m rtcpu.ControlRequest) bool {
	select {
	case e.ctrl <- m:
	default:
		return false
	}
	if capture.ControlFlags(m.Flags)&capture.Immediate != 0 {
		select {
		case e.interrupt <- struct{}{}:
		default:
		}
	}
	return true
}

func (e *engine) run() {
	defer close(e.done)
	defer e.cancel()
	for {
		select {
		case m := <-e.ctrl:
			if e.handleControl(m) {
				return
			}
			continue
		default:
		}
		select {
		case <-e.ctx.Done():
			return
		case m := <-e.ctrl:
			if e.handleControl(m) {
				return
			}
		case j := <-e.jobs:
			e.execute(j)
		}
	}
}

// wait simulates processing time. It reports false when the request was
// abandoned by an immediate control request or shutdown.
func (e *engine) wait() bool {
	if g := e.fw.gate(); g != nil {
		select {
		case <-g:
		case <-e.interrupt:
			return false
		case <-e.ctx.Done():
			return false
		}
	}
	latency := e.fw.opts.Latency
	if latency <= 0 {
		return e.ctx.Err() == nil
	}
	t := time.NewTimer(latency)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-e.interrupt:
		return false
	case <-e.ctx.Done():
		return false
	}
}

func (e *engine) execute(j job) {
	e.running.Store(true)
	defer e.running.Store(false)
	switch {
	case j.isBarrier():
		e.barrierSeen = true
	case j.kind == rtcpu.KindISPProgramRequest && e.isp:
		if !e.wait() {
			return
		}
		e.runProgram(j.slot)
	case j.kind == rtcpu.KindCaptureRequest && !e.isp, j.kind == rtcpu.KindISPRequest && e.isp:
		e.runProcess(j)
	default:
		e.logger.Warn("Unsupported request kind", "kind", j.kind.String(), "slot", j.slot)
	}
}

func (e *engine) processDescriptor(slot uint32) (capture.Descriptor, error) {
	if slot >= e.setup.QueueDepth {
		return nil, capture.ErrInvalidParameter
	}
	iova := e.setup.RingIOVA + uint64(slot)*uint64(e.setup.RequestSize)
	b, err := e.fw.opts.Memory.Resolve(iova, uint64(e.setup.RequestSize))
	return capture.Descriptor(b), err
}

func (e *engine) programDescriptor(slot uint32) (capture.ProgramDescriptor, error) {
	if !e.isp || slot >= e.setup.ProgramQueueDepth {
		return nil, capture.ErrInvalidParameter
	}
	iova := e.setup.ProgramRingIOVA + uint64(slot)*uint64(e.setup.ProgramSize)
	b, err := e.fw.opts.Memory.Resolve(iova, uint64(e.setup.ProgramSize))
	return capture.ProgramDescriptor(b), err
}

// cost returns the progress increments and statistics units a process
// request consumes.
func (e *engine) cost(j job) (capture.Descriptor, uint32, uint32) {
	d, err := e.processDescriptor(j.slot)
	if err != nil {
		e.logger.Warn("Process descriptor unreadable", "slot", j.slot, "error", err)
		return nil, capture.CompletionIncrement, 0
	}
	inc, err := capture.ProgressIncrements(d)
	if err != nil {
		inc = capture.CompletionIncrement
	}
	program := j.program
	if program == rtcpu.NoProgram {
		program = e.active
	}
	var units uint32
	if e.isp && program != rtcpu.NoProgram {
		if p, err := e.programDescriptor(program); err == nil {
			units = p.StatsUnits()
		}
	}
	return d, inc, units
}

func (e *engine) advance(inc, units uint32) uint32 {
	counters := e.fw.opts.Counters
	value, _ := counters.Read(e.setup.ProgressCounter)
	if inc > 0 {
		value, _ = counters.Incr(e.setup.ProgressCounter, inc)
	}
	if e.isp && units > 0 {
		_, _ = counters.Incr(e.setup.StatsCounter, units)
	}
	return value
}

func (e *engine) runProcess(j job) {
	d, inc, units := e.cost(j)
	if !e.wait() {
		e.advance(inc, units)
		return
	}

	if d != nil {
		current, _ := e.fw.opts.Counters.Read(e.setup.ProgressCounter)
		d.SetEngineResult(0)
		d.SetProgressValue(current + inc)
		d.SetTimestamp(uint64(time.Now().UnixNano()))
	}
	for i := uint32(1); i < inc; i++ {
		e.advance(1, 0)
	}
	e.advance(1, units)

	kind := rtcpu.KindCaptureStatus
	program := rtcpu.NoProgram
	if e.isp {
		kind = rtcpu.KindISPStatus
		if j.program != rtcpu.NoProgram {
			kind, program = rtcpu.KindISPExStatus, j.program
			if p, err := e.programDescriptor(j.program); err == nil {
				p.SetEngineResult(0)
			}
		}
	}
	e.indicate(kind, j.slot, program)
}

// runProgram activates a standalone program. The program it replaces
// expires.
func (e *engine) runProgram(slot uint32) {
	p, err := e.programDescriptor(slot)
	if err != nil {
		e.logger.Warn("Program descriptor unreadable", "slot", slot, "error", err)
	} else {
		p.SetEngineResult(0)
	}
	prev := e.active
	e.active = slot
	if prev != rtcpu.NoProgram && prev != slot {
		e.indicate(rtcpu.KindISPProgramStatus, prev, rtcpu.NoProgram)
	}
}

func (e *engine) indicate(kind rtcpu.Kind, slot, program uint32) {
	e.record(directionOut, rtcpu.StreamCapture, kind, slot)
	e.fw.deliver(rtcpu.StreamCapture, &rtcpu.SlotMessage{
		Kind:        kind,
		ChannelID:   e.id,
		Slot:        slot,
		ProgramSlot: program,
	})
}

// discard abandons a queued request without reporting it.
func (e *engine) discard(j job) {
	switch {
	case j.isBarrier():
		e.barrierSeen = true
	case j.kind == rtcpu.KindISPProgramRequest:
	default:
		_, inc, units := e.cost(j)
		e.advance(inc, units)
	}
}

func (e *engine) drain() int {
	n := 0
	for {
		select {
		case j := <-e.jobs:
			if !j.isBarrier() {
				n++
			}
			e.discard(j)
		default:
			return n
		}
	}
}

// awaitBarrier abandons requests until the reset barrier arrives or the
// grace period ends.
func (e *engine) awaitBarrier() bool {
	t := time.NewTimer(e.fw.opts.BarrierGrace)
	defer t.Stop()
	for !e.barrierSeen {
		select {
		case j := <-e.jobs:
			e.discard(j)
		case <-t.C:
			return false
		case <-e.ctx.Done():
			return false
		}
	}
	return true
}

// handleControl runs a reset or release and reports whether the engine
// stops.
func (e *engine) handleControl(m rtcpu.ControlRequest) bool {
	release := m.Kind == rtcpu.KindChannelReleaseReq || m.Kind == rtcpu.KindISPReleaseReq
	res := e.fw.takeFault(m.Kind)
	abandoned := e.drain()

	if !release && e.setup.Flags&rtcpu.SetupFlagResetBarrier != 0 {
		if !e.awaitBarrier() && res == rtcpu.ResultOK {
			res = rtcpu.ResultTimeout
		}
	}
	e.barrierSeen = false
	e.active = rtcpu.NoProgram
	select {
	case <-e.interrupt:
	default:
	}

	counters := e.fw.opts.Counters
	progress, _ := counters.Read(e.setup.ProgressCounter)
	var stats uint32
	if e.isp {
		stats, _ = counters.Read(e.setup.StatsCounter)
	}

	stop := release && res == rtcpu.ResultOK
	if stop {
		e.fw.remove(e.id)
	}
	e.logger.Info("Control request handled", "kind", m.Kind.String(), "result", res.String(),
		"abandoned", abandoned, "progress", progress)
	e.record(directionOut, rtcpu.StreamControl, m.Kind.Response(), 0)
	e.fw.deliver(rtcpu.StreamControl, &rtcpu.ControlResponse{
		Kind:          m.Kind.Response(),
		ChannelID:     e.id,
		Result:        res,
		ProgressValue: progress,
		StatsValue:    stats,
	})
	return stop
}
