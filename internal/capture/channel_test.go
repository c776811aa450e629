package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/rtcapture/internal/rtcpu"
	"github.com/smazurov/rtcapture/internal/surface"
)

func TestSetupRejectsZeroQueueDepth(t *testing.T) {
	h := newHarness(t)
	cfg := viConfig()
	cfg.QueueDepth = 0

	err := h.ch.Setup(context.Background(), cfg)
	if CodeOf(err) != CodeInvalidParameter {
		t.Fatalf("Setup() code = %s (%v), want INVALID_PARAMETER", CodeOf(err), err)
	}
	if n := h.fw.count(rtcpu.StreamControl); n != 0 {
		t.Errorf("control messages sent = %d, want 0", n)
	}
	if st := h.ch.State(); st != StateUninitialized {
		t.Errorf("state = %s, want uninitialized", st)
	}
}

func TestSetupValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		code Code
	}{
		{"unaligned request size", Config{Kind: KindVI, QueueDepth: 2, RequestSize: 300}, CodeInvalidParameter},
		{"request size too small", Config{Kind: KindVI, QueueDepth: 2, RequestSize: 64}, CodeInvalidParameter},
		{"queue too deep", Config{Kind: KindVI, QueueDepth: MaxQueueDepth + 1}, CodeInvalidParameter},
		{"program ring on vi", Config{Kind: KindVI, QueueDepth: 2, ProgramQueueDepth: 1}, CodeNotSupported},
		{"isp without programs", Config{Kind: KindISP, QueueDepth: 2}, CodeInvalidParameter},
		{"short status region", Config{Kind: KindVI, QueueDepth: 4, Completion: ProgressStatus{Region: NewStatusRegion(2)}}, CodeInvalidParameter},
		{"unknown kind", Config{Kind: Kind(9), QueueDepth: 2}, CodeInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			err := h.ch.Setup(context.Background(), tt.cfg)
			if CodeOf(err) != tt.code {
				t.Fatalf("Setup() code = %s (%v), want %s", CodeOf(err), err, tt.code)
			}
			if n := h.fw.count(rtcpu.StreamControl); n != 0 {
				t.Errorf("control messages sent = %d, want 0", n)
			}
		})
	}
}

func TestSetupTwiceFails(t *testing.T) {
	h := newReadyHarness(t, viConfig())
	err := h.ch.Setup(context.Background(), viConfig())
	if !errors.Is(err, ErrAlreadySetUp) {
		t.Fatalf("second Setup() = %v, want ErrAlreadySetUp", err)
	}
	if st := h.ch.State(); st != StateReady {
		t.Errorf("state = %s, want ready", st)
	}
}

func TestSetupFailureReleasesEverything(t *testing.T) {
	h := newHarness(t)
	h.fw.set(func(f *fakeFirmware) { f.setup = rtcpu.ResultNoMemory })

	err := h.ch.Setup(context.Background(), ispConfig())
	if CodeOf(err) != CodeNoMemory {
		t.Fatalf("Setup() code = %s (%v), want NO_MEMORY", CodeOf(err), err)
	}
	if st := h.ch.State(); st != StateUninitialized {
		t.Errorf("state = %s, want uninitialized", st)
	}
	if s := h.mem.Stats(); s.Buffers != 0 || s.Pins != 0 {
		t.Errorf("registry after failed setup = %+v, want empty", s)
	}
	if h.registry.Len() != 0 {
		t.Errorf("stream registry holds %d channels", h.registry.Len())
	}
	for id := uint32(1); id <= 2; id++ {
		if owner := h.pool.Owner(id); owner != "" {
			t.Errorf("counter %d still owned by %q", id, owner)
		}
	}

	// The channel can be set up again once the firmware cooperates.
	h.fw.set(func(f *fakeFirmware) { f.setup = rtcpu.ResultOK })
	if err := h.ch.Setup(context.Background(), ispConfig()); err != nil {
		t.Fatalf("retry Setup: %v", err)
	}
	_ = h.ch.Release(context.Background(), 0)
}

func TestSetupTimeout(t *testing.T) {
	h := newHarness(t)
	h.fw.set(func(f *fakeFirmware) { f.silent = true })
	cfg := viConfig()
	cfg.SetupTimeout = 20 * time.Millisecond

	err := h.ch.Setup(context.Background(), cfg)
	if CodeOf(err) != CodeTimeout {
		t.Fatalf("Setup() code = %s (%v), want TIMEOUT", CodeOf(err), err)
	}
	if st := h.ch.State(); st != StateUninitialized {
		t.Errorf("state = %s, want uninitialized", st)
	}
}

func TestSetupUsesRegistryTransactionAndStream(t *testing.T) {
	h := newReadyHarness(t, viConfig())

	kinds := h.fw.kinds(rtcpu.StreamControl)
	if len(kinds) != 1 || kinds[0] != rtcpu.KindChannelSetupReq {
		t.Fatalf("control kinds = %v, want one setup request", kinds)
	}
	if ch, ok := h.registry.Lookup(viConfig().Stream); !ok || ch != h.ch {
		t.Fatalf("registry lookup = %v, %v", ch, ok)
	}

	// A second channel on the same stream is refused before any message.
	other, _ := NewChannel("other", Options{Transport: h.fw, Memory: h.mem, Counters: h.pool, Registry: h.registry, Logger: discardLogger()})
	err := other.Setup(context.Background(), viConfig())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("duplicate stream Setup() = %v, want ErrBusy", err)
	}
	if n := h.fw.count(rtcpu.StreamControl); n != 1 {
		t.Errorf("control messages = %d, want 1", n)
	}
}

func TestSlotExclusivity(t *testing.T) {
	h := newReadyHarness(t, viConfig())
	out := h.buffer(4096)

	if err := h.submit(0, out); err != nil {
		t.Fatalf("submit: %v", err)
	}
	err := h.ch.Submit(ProcessRequest{Slot: 0})
	if !errors.Is(err, ErrBusy) || CodeOf(err) != CodeBusy {
		t.Fatalf("resubmit = %v, want ErrBusy", err)
	}
	if _, err := h.ch.Descriptor(0); !errors.Is(err, ErrBusy) {
		t.Fatalf("Descriptor of in-flight slot = %v, want ErrBusy", err)
	}

	h.complete(0)
	if got := h.waitStatus(RingProcess); got != 0 {
		t.Fatalf("completed slot = %d, want 0", got)
	}
	if err := h.submit(0, out); err != nil {
		t.Fatalf("submit after completion: %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newReadyHarness(t, viConfig())

	if err := h.ch.Submit(ProcessRequest{Slot: 4}); CodeOf(err) != CodeInvalidParameter {
		t.Errorf("slot beyond depth = %v, want INVALID_PARAMETER", err)
	}
	if err := h.ch.ProgramSubmit(ProgramRequest{Slot: 0}); CodeOf(err) != CodeNotSupported {
		t.Errorf("program on vi = %v, want NOT_SUPPORTED", err)
	}

	d, _ := h.ch.Descriptor(1)
	d.Reset()
	d.SetSurface(SurfaceInput0, 999, 0)
	if err := h.ch.Submit(ProcessRequest{Slot: 1}); CodeOf(err) != CodeInvalidParameter {
		t.Errorf("unknown surface = %v, want INVALID_PARAMETER", err)
	}
	if st := h.ch.pins[RingProcess].State(1); st != SlotFree {
		t.Errorf("slot state after failed pin = %s, want free", st)
	}
	if n := h.fw.count(rtcpu.StreamCapture); n != 0 {
		t.Errorf("capture messages = %d, want 0", n)
	}
}

func TestSubmitBeforeSetup(t *testing.T) {
	h := newHarness(t)
	if err := h.ch.Submit(ProcessRequest{}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Submit before setup = %v, want ErrNotReady", err)
	}
}

func TestPinUnpinBalance(t *testing.T) {
	h := newReadyHarness(t, viConfig())
	in, out, stats := h.buffer(8192), h.buffer(8192), h.buffer(4096)
	basePins, baseUnpins := h.mem.pins.Load(), h.mem.unpins.Load()

	for round := 0; round < 3; round++ {
		d, err := h.ch.Descriptor(2)
		if err != nil {
			t.Fatalf("Descriptor: %v", err)
		}
		d.Reset()
		d.SetSurface(SurfaceInput0, in, 0)
		d.SetSurface(SurfaceOutput0, out, 4096)
		d.SetSurface(SurfaceStats0, stats, 0)
		if err := h.ch.Submit(ProcessRequest{Slot: 2}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if got := d.Surface(SurfaceOutput0); got.IOVA == 0 {
			t.Errorf("output IOVA not written")
		}
		if n := h.ch.pins[RingProcess].Count(2); n != 3 {
			t.Fatalf("pins held = %d, want 3", n)
		}
		h.complete(2)
		h.waitStatus(RingProcess)

		// A second unpin of the completed slot is a no-op.
		if n, _ := h.ch.pins[RingProcess].Unpin(2); n != 0 {
			t.Errorf("second Unpin released %d", n)
		}
	}

	pins := h.mem.pins.Load() - basePins
	unpins := h.mem.unpins.Load() - baseUnpins
	if pins != 9 || unpins != 9 {
		t.Fatalf("pins = %d, unpins = %d, want 9 each", pins, unpins)
	}
	for _, hd := range []surface.Handle{in, out, stats} {
		if n := h.mem.Pins(hd); n != 0 {
			t.Errorf("handle %d still pinned %d times", hd, n)
		}
	}
}

func TestCompletionsInSubmissionOrder(t *testing.T) {
	h := newReadyHarness(t, viConfig())
	for slot := uint32(0); slot < 3; slot++ {
		if err := h.submit(slot, h.buffer(4096)); err != nil {
			t.Fatalf("submit %d: %v", slot, err)
		}
	}

	h.complete(1)
	h.complete(0)
	h.complete(2)

	for want := uint32(0); want < 3; want++ {
		if got := h.waitStatus(RingProcess); got != want {
			t.Fatalf("completion %d = slot %d", want, got)
		}
	}
	if n := h.ch.Snapshot().Reordered; n != 1 {
		t.Errorf("reordered = %d, want 1", n)
	}
}

func TestCompletionsBeyondQueueDepth(t *testing.T) {
	h := newReadyHarness(t, viConfig())
	depth := h.ch.Config().QueueDepth
	for slot := uint32(0); slot < depth; slot++ {
		if err := h.submit(slot, h.buffer(4096)); err != nil {
			t.Fatalf("submit %d: %v", slot, err)
		}
		h.complete(slot)
	}
	eventually(t, "slots free", func() bool { return h.ch.pins[RingProcess].Busy() == 0 })

	// Slot 0 is free again before any completion has been consumed.
	if err := h.submit(0, h.buffer(4096)); err != nil {
		t.Fatalf("resubmit 0: %v", err)
	}
	h.complete(0)

	want := make([]uint32, 0, depth+1)
	for slot := uint32(0); slot < depth; slot++ {
		want = append(want, slot)
	}
	want = append(want, 0)
	for i, slot := range want {
		if got := h.waitStatus(RingProcess); got != slot {
			t.Fatalf("completion %d = slot %d, want %d", i, got, slot)
		}
	}
}

func TestEarlyCompletionKeepsPins(t *testing.T) {
	h := newReadyHarness(t, viConfig())
	_ = h.submit(0, h.buffer(4096))
	_ = h.submit(1, h.buffer(4096))

	h.complete(1)
	eventually(t, "held indication", func() bool { return h.ch.Snapshot().Process.Held == 1 })
	if n := h.ch.pins[RingProcess].Count(1); n != 1 {
		t.Errorf("slot 1 pins while held = %d, want 1", n)
	}
	if err := h.submit(1, 0); !errors.Is(err, ErrBusy) {
		t.Errorf("resubmit held slot = %v, want ErrBusy", err)
	}
}

func TestRejectsIndicationForIdleSlot(t *testing.T) {
	h := newReadyHarness(t, viConfig())
	h.complete(3)
	h.fw.indicate(rtcpu.KindISPStatus, h.ch.ID(), 0, rtcpu.NoProgram)

	eventually(t, "rejections", func() bool { return h.ch.Snapshot().Rejected == 2 })
	h.observer.mu.Lock()
	rejected := h.observer.rejected
	h.observer.mu.Unlock()
	if rejected != 2 {
		t.Errorf("observer rejected = %d, want 2", rejected)
	}

	_, err := h.ch.Status(context.Background(), RingProcess, 10*time.Millisecond)
	if CodeOf(err) != CodeTimeout {
		t.Fatalf("Status = %v, want TIMEOUT", err)
	}
	if h.tracer.n.Load() != 1 {
		t.Errorf("trace captures = %d, want 1", h.tracer.n.Load())
	}
}

func TestStatusHonoursContext(t *testing.T) {
	h := newReadyHarness(t, viConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.ch.Status(ctx, RingProcess, WaitForever)
		done <- err
	}()
	eventually(t, "waiter", func() bool { return h.ch.Waiters(RingProcess) == 1 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Status = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Status did not observe cancellation")
	}
}

func TestProgressThresholdAdvances(t *testing.T) {
	h := newReadyHarness(t, viConfig())
	_, start, _ := h.ch.ProgressThreshold()

	d, _ := h.ch.Descriptor(0)
	d.Reset()
	d.SetFlags(FlagSubframeProgress)
	d.SetGeometry(1920, 1080, 256)
	if err := h.ch.Submit(ProcessRequest{Slot: 0}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_ = h.submit(1, 0)

	_, got, _ := h.ch.ProgressThreshold()
	if want := start + 5 + 1 + 1; got != want {
		t.Fatalf("threshold = %d, want %d", got, want)
	}
}

func TestSubmitLosesToPendingReset(t *testing.T) {
	h := newReadyHarness(t, viConfig())
	h.ch.resetPending.Store(true)
	err := h.submit(0, h.buffer(4096))
	h.ch.resetPending.Store(false)

	if !errors.Is(err, ErrChannelReset) {
		t.Fatalf("submit during reset = %v, want ErrChannelReset", err)
	}
	if n := h.fw.count(rtcpu.StreamCapture); n != 0 {
		t.Errorf("capture messages = %d, want 0", n)
	}
	if n := h.ch.pins[RingProcess].Total(); n != 0 {
		t.Errorf("pins held = %d, want 0", n)
	}
}

func TestSendFailureUnwinds(t *testing.T) {
	h := newReadyHarness(t, viConfig())
	h.fw.set(func(f *fakeFirmware) { f.captureErr = errors.New("mailbox full") })
	_, before, _ := h.ch.ProgressThreshold()

	err := h.submit(0, h.buffer(4096))
	if CodeOf(err) != CodeNoResources {
		t.Fatalf("submit = %v, want NO_RESOURCES", err)
	}
	if n := h.ch.pins[RingProcess].Total(); n != 0 {
		t.Errorf("pins held = %d, want 0", n)
	}
	if h.ch.fifos[RingProcess].len() != 0 {
		t.Errorf("fifo not unwound")
	}
	if _, after, _ := h.ch.ProgressThreshold(); after != before {
		t.Errorf("threshold moved from %d to %d", before, after)
	}
}

func TestResetDrainsAllWaiters(t *testing.T) {
	h := newReadyHarness(t, ispConfig())
	for slot := uint32(0); slot < 3; slot++ {
		if err := h.submit(slot, h.buffer(4096)); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	const processWaiters, programWaiters = 3, 2
	var wg sync.WaitGroup
	errs := make(chan error, processWaiters+programWaiters)
	wait := func(ring RingKind) {
		defer wg.Done()
		_, err := h.ch.Status(context.Background(), ring, WaitForever)
		errs <- err
	}
	for i := 0; i < processWaiters; i++ {
		wg.Add(1)
		go wait(RingProcess)
	}
	for i := 0; i < programWaiters; i++ {
		wg.Add(1)
		go wait(RingProgram)
	}
	eventually(t, "waiters", func() bool {
		return h.ch.Waiters(RingProcess) == processWaiters && h.ch.Waiters(RingProgram) == programWaiters
	})

	if err := h.ch.Reset(context.Background(), Immediate); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters not released by reset")
	}
	close(errs)
	for err := range errs {
		if !errors.Is(err, ErrChannelReset) {
			t.Errorf("waiter error = %v, want ErrChannelReset", err)
		}
	}
	if n := h.ch.pins[RingProcess].Total(); n != 0 {
		t.Errorf("pins after reset = %d, want 0", n)
	}
	if st := h.ch.State(); st != StateReady {
		t.Errorf("state = %s, want ready", st)
	}

	// Stale indications for reset slots are rejected, new work proceeds.
	h.complete(0)
	eventually(t, "rejection", func() bool { return h.ch.Snapshot().Rejected == 1 })
	if err := h.submit(0, h.buffer(4096)); err != nil {
		t.Fatalf("submit after reset: %v", err)
	}
	h.complete(0)
	if got := h.waitStatus(RingProcess); got != 0 {
		t.Fatalf("post-reset completion = %d", got)
	}
}

func TestResetFastForwardsProgress(t *testing.T) {
	tests := []struct {
		name   string
		result rtcpu.Result
		code   Code
	}{
		{"ok", rtcpu.ResultOK, CodeOK},
		{"barrier timeout drains", rtcpu.ResultTimeout, CodeOK},
		{"firmware busy", rtcpu.ResultBusy, CodeBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := viConfig()
			cfg.ResetBarrier = true
			h := newReadyHarness(t, cfg)
			_ = h.submit(0, h.buffer(4096))
			_, before, _ := h.ch.ProgressThreshold()
			h.fw.set(func(f *fakeFirmware) {
				f.reset = tt.result
				f.progress = before + 100
			})

			err := h.ch.Reset(context.Background(), 0)
			if CodeOf(err) != tt.code {
				t.Fatalf("Reset() code = %s (%v), want %s", CodeOf(err), err, tt.code)
			}
			_, after, _ := h.ch.ProgressThreshold()
			if after < before {
				t.Fatalf("threshold decreased from %d to %d", before, after)
			}
			if tt.code == CodeOK && after != before+100 {
				t.Errorf("threshold = %d, want %d", after, before+100)
			}
			if n := h.ch.pins[RingProcess].Total(); n != 0 {
				t.Errorf("pins after reset = %d, want 0", n)
			}
			kinds := h.fw.kinds(rtcpu.StreamCapture)
			if kinds[len(kinds)-1] != rtcpu.KindCaptureResetBarrier {
				t.Errorf("last capture frame = %s, want barrier", kinds[len(kinds)-1])
			}
		})
	}
}

func TestResetNeverMovesThresholdBack(t *testing.T) {
	h := newReadyHarness(t, viConfig())
	for i := uint32(0); i < 3; i++ {
		_ = h.submit(i, 0)
	}
	_, before, _ := h.ch.ProgressThreshold()
	h.fw.set(func(f *fakeFirmware) { f.progress = before - 2 })

	if err := h.ch.Reset(context.Background(), 0); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, after, _ := h.ch.ProgressThreshold(); after != before {
		t.Fatalf("threshold = %d, want %d", after, before)
	}
}

func TestReleaseFreesResources(t *testing.T) {
	h := newReadyHarness(t, ispConfig())
	_ = h.submit(0, h.buffer(4096))
	waitErr := make(chan error, 1)
	go func() {
		_, err := h.ch.Status(context.Background(), RingProcess, WaitForever)
		waitErr <- err
	}()
	eventually(t, "waiter", func() bool { return h.ch.Waiters(RingProcess) == 1 })

	if err := h.ch.Release(context.Background(), 0); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := <-waitErr; !errors.Is(err, ErrChannelReleased) {
		t.Errorf("waiter = %v, want ErrChannelReleased", err)
	}
	if st := h.ch.State(); st != StateReleased {
		t.Errorf("state = %s, want released", st)
	}
	if s := h.mem.Stats(); s.Pins != 0 || s.Buffers != 1 {
		t.Errorf("registry after release = %+v, want only the caller's buffer", s)
	}
	if h.registry.Len() != 0 {
		t.Errorf("stream still bound")
	}
	if err := h.submit(0, 0); !errors.Is(err, ErrChannelReleased) {
		t.Errorf("submit after release = %v, want ErrChannelReleased", err)
	}
	if err := h.ch.Release(context.Background(), 0); !errors.Is(err, ErrChannelReleased) {
		t.Errorf("second release = %v, want ErrChannelReleased", err)
	}
	if h.rebooter.n.Load() != 0 {
		t.Errorf("reboots = %d, want 0", h.rebooter.n.Load())
	}

	// Released channels can be set up again.
	if err := h.ch.Setup(context.Background(), ispConfig()); err != nil {
		t.Fatalf("Setup after release: %v", err)
	}
}

func TestReleaseFailureReboots(t *testing.T) {
	tests := []struct {
		name  string
		apply func(f *fakeFirmware)
		code  Code
	}{
		{"firmware error", func(f *fakeFirmware) { f.release = rtcpu.ResultInvalidState }, CodeInvalidState},
		{"no response", func(f *fakeFirmware) { f.silent = true }, CodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := viConfig()
			cfg.ControlTimeout = 20 * time.Millisecond
			h := newReadyHarness(t, cfg)
			_ = h.submit(1, h.buffer(4096))
			h.fw.set(tt.apply)

			err := h.ch.Release(context.Background(), Immediate)
			if CodeOf(err) != tt.code {
				t.Fatalf("Release() code = %s (%v), want %s", CodeOf(err), err, tt.code)
			}
			if h.rebooter.n.Load() != 1 {
				t.Errorf("reboots = %d, want 1", h.rebooter.n.Load())
			}
			if st := h.ch.State(); st != StateReleased {
				t.Errorf("state = %s, want released", st)
			}
			if s := h.mem.Stats(); s.Pins != 0 {
				t.Errorf("pins after failed release = %d", s.Pins)
			}
		})
	}
}

func TestProgressStatusMode(t *testing.T) {
	region := NewStatusRegion(6)
	cfg := ispConfig()
	cfg.Completion = ProgressStatus{Region: region}
	h := newReadyHarness(t, cfg)

	if _, err := h.ch.Status(context.Background(), RingProcess, 0); CodeOf(err) != CodeNotSupported {
		t.Fatalf("Status in progress-status mode = %v, want NOT_SUPPORTED", err)
	}

	p, _ := h.ch.ProgramDescriptor(1)
	p.Reset()
	p.SetSequence(0)
	if err := h.ch.ProgramSubmit(ProgramRequest{Slot: 1}); err != nil {
		t.Fatalf("ProgramSubmit: %v", err)
	}
	if err := h.submit(2, h.buffer(4096)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := region.Load(2); got != CellBusy {
		t.Errorf("process cell = %s, want busy", got)
	}
	if got, _ := h.ch.PollStatus(RingProgram, 1); got != CellBusy {
		t.Errorf("program cell = %s, want busy", got)
	}

	h.complete(2)
	eventually(t, "done cell", func() bool { return region.Load(2) == CellDone })
	if n := h.ch.pins[RingProcess].Count(2); n != 0 {
		t.Errorf("pins after done = %d", n)
	}
	if got := region.Load(4 + 1); got != CellBusy {
		t.Errorf("program cell = %s, want busy until retired", got)
	}
	h.fw.indicate(rtcpu.KindISPProgramStatus, h.ch.ID(), 1, 1)
	eventually(t, "program cell", func() bool { return region.Load(5) == CellDone })
}

func TestProgressStatusCellsClearedByReset(t *testing.T) {
	region := NewStatusRegion(6)
	cfg := ispConfig()
	cfg.Completion = ProgressStatus{Region: region}
	h := newReadyHarness(t, cfg)

	p, _ := h.ch.ProgramDescriptor(0)
	p.Reset()
	p.SetSequence(0)
	if err := h.ch.ProgramSubmit(ProgramRequest{Slot: 0}); err != nil {
		t.Fatalf("ProgramSubmit: %v", err)
	}
	for _, slot := range []uint32{0, 1} {
		if err := h.submit(slot, h.buffer(4096)); err != nil {
			t.Fatalf("submit %d: %v", slot, err)
		}
	}
	h.complete(0)
	eventually(t, "done cell", func() bool { return region.Load(0) == CellDone })

	if err := h.ch.Reset(context.Background(), Immediate); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	tests := []struct {
		ring RingKind
		slot uint32
		want CellState
	}{
		{RingProcess, 0, CellDone},
		{RingProcess, 1, CellUnknown},
		{RingProgram, 0, CellUnknown},
	}
	for _, tt := range tests {
		got, err := h.ch.PollStatus(tt.ring, tt.slot)
		if err != nil {
			t.Fatalf("PollStatus(%s, %d): %v", tt.ring, tt.slot, err)
		}
		if got != tt.want {
			t.Errorf("%s slot %d after reset = %s, want %s", tt.ring, tt.slot, got, tt.want)
		}
		if st := h.ch.pins[tt.ring].State(tt.slot); st != SlotFree {
			t.Errorf("%s slot %d state = %s, want free", tt.ring, tt.slot, st)
		}
	}
}
