package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smazurov/rtcapture/internal/rtcpu"
	"github.com/smazurov/rtcapture/internal/surface"
	"github.com/smazurov/rtcapture/internal/syncpt"
)

type fakeKey struct {
	stream rtcpu.Stream
	id     uint32
}

// fakeFirmware answers control requests immediately and records every frame.
// Status indications are injected by the test.
type fakeFirmware struct {
	mu         sync.Mutex
	inboxes    map[fakeKey]chan<- rtcpu.Frame
	frames     map[rtcpu.Stream][]rtcpu.Frame
	nextID     uint32
	setup      rtcpu.Result
	reset      rtcpu.Result
	release    rtcpu.Result
	progress   uint32
	silent     bool
	captureErr error
}

func newFakeFirmware() *fakeFirmware {
	return &fakeFirmware{
		inboxes: make(map[fakeKey]chan<- rtcpu.Frame),
		frames:  make(map[rtcpu.Stream][]rtcpu.Frame),
		nextID:  7,
	}
}

func (f *fakeFirmware) Attach(stream rtcpu.Stream, id uint32, inbox chan<- rtcpu.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fakeKey{stream, id}
	if _, ok := f.inboxes[k]; ok {
		return errors.New("already attached")
	}
	f.inboxes[k] = inbox
	return nil
}

func (f *fakeFirmware) Detach(stream rtcpu.Stream, id uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inboxes, fakeKey{stream, id})
}

func (f *fakeFirmware) deliver(stream rtcpu.Stream, id uint32, frame rtcpu.Frame) {
	f.mu.Lock()
	inbox := f.inboxes[fakeKey{stream, id}]
	f.mu.Unlock()
	if inbox == nil {
		return
	}
	select {
	case inbox <- frame:
	default:
	}
}

func (f *fakeFirmware) Send(stream rtcpu.Stream, frame rtcpu.Frame) error {
	f.mu.Lock()
	if stream == rtcpu.StreamCapture && f.captureErr != nil {
		err := f.captureErr
		f.mu.Unlock()
		return err
	}
	f.frames[stream] = append(f.frames[stream], frame)
	silent := f.silent
	f.mu.Unlock()

	if stream != rtcpu.StreamControl || silent {
		return nil
	}
	msg, err := rtcpu.Decode(frame)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *rtcpu.SetupRequest:
		f.mu.Lock()
		f.nextID++
		id, res := f.nextID, f.setup
		f.mu.Unlock()
		f.deliver(rtcpu.StreamControl, m.TransactionID, rtcpu.Encode(&rtcpu.SetupResponse{
			Kind:          m.Kind.Response(),
			TransactionID: m.TransactionID,
			Result:        res,
			ChannelID:     id,
		}))
	case *rtcpu.ControlRequest:
		f.mu.Lock()
		res := f.release
		if m.Kind == rtcpu.KindChannelResetReq || m.Kind == rtcpu.KindISPResetReq {
			res = f.reset
		}
		progress := f.progress
		f.mu.Unlock()
		f.deliver(rtcpu.StreamControl, m.ChannelID, rtcpu.Encode(&rtcpu.ControlResponse{
			Kind:          m.Kind.Response(),
			ChannelID:     m.ChannelID,
			Result:        res,
			ProgressValue: progress,
		}))
	}
	return nil
}

func (f *fakeFirmware) set(fn func(f *fakeFirmware)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeFirmware) count(stream rtcpu.Stream) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames[stream])
}

func (f *fakeFirmware) kinds(stream rtcpu.Stream) []rtcpu.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rtcpu.Kind
	for i := range f.frames[stream] {
		out = append(out, rtcpu.ReadHeader(&f.frames[stream][i]).Kind)
	}
	return out
}

func (f *fakeFirmware) indicate(kind rtcpu.Kind, ch, slot, program uint32) {
	f.deliver(rtcpu.StreamCapture, ch, rtcpu.Encode(&rtcpu.SlotMessage{
		Kind:        kind,
		ChannelID:   ch,
		Slot:        slot,
		ProgramSlot: program,
	}))
}

// countingMemory counts pin and unpin calls made through it.
type countingMemory struct {
	*surface.Registry
	pins   atomic.Int64
	unpins atomic.Int64
}

func (m *countingMemory) Pin(h surface.Handle, offset uint64) (surface.Mapping, error) {
	mp, err := m.Registry.Pin(h, offset)
	if err == nil {
		m.pins.Add(1)
	}
	return mp, err
}

func (m *countingMemory) Unpin(h surface.Handle) error {
	err := m.Registry.Unpin(h)
	if err == nil {
		m.unpins.Add(1)
	}
	return err
}

type recordingObserver struct {
	NopObserver
	mu       sync.Mutex
	states   []State
	rejected int
	resets   int
}

func (o *recordingObserver) StateChanged(_ Info, _, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, to)
}

func (o *recordingObserver) Rejected(Info, rtcpu.Kind, uint32, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected++
}

func (o *recordingObserver) ResetDone(Info, int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resets++
}

type countingTracer struct{ n atomic.Int32 }

func (t *countingTracer) CaptureTrace(Info) { t.n.Add(1) }

type countingRebooter struct {
	n   atomic.Int32
	err error
}

func (r *countingRebooter) Reboot(context.Context, string) error {
	r.n.Add(1)
	return r.err
}

type harness struct {
	t        *testing.T
	ch       *Channel
	fw       *fakeFirmware
	mem      *countingMemory
	pool     *syncpt.Pool
	registry *Registry
	observer *recordingObserver
	tracer   *countingTracer
	rebooter *countingRebooter
}

func newPool(t *testing.T, cfg syncpt.PoolConfig) *syncpt.Pool {
	t.Helper()
	pool, err := syncpt.NewPool(cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func viConfig() Config {
	return Config{Kind: KindVI, QueueDepth: 4, Stream: StreamKey{Stream: 0, VirtualChannel: 0}}
}

func ispConfig() Config {
	return Config{Kind: KindISP, QueueDepth: 4, ProgramQueueDepth: 2, Stream: StreamKey{Stream: 1}}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		fw:       newFakeFirmware(),
		mem:      &countingMemory{Registry: surface.NewRegistry(surface.DefaultConfig())},
		pool:     newPool(t, syncpt.DefaultPoolConfig()),
		registry: NewRegistry(),
		observer: &recordingObserver{},
		tracer:   &countingTracer{},
		rebooter: &countingRebooter{},
	}
	ch, err := NewChannel("test", Options{
		Transport: h.fw,
		Memory:    h.mem,
		Counters:  h.pool,
		Registry:  h.registry,
		Observer:  h.observer,
		Rebooter:  h.rebooter,
		Tracer:    h.tracer,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	h.ch = ch
	return h
}

func newReadyHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := newHarness(t)
	if err := h.ch.Setup(context.Background(), cfg); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() {
		if h.ch.State() == StateReady {
			_ = h.ch.Release(context.Background(), 0)
		}
	})
	return h
}

// buffer allocates a surface for use in descriptors.
func (h *harness) buffer(size int) surface.Handle {
	h.t.Helper()
	hd, _, err := h.mem.Allocate(size)
	if err != nil {
		h.t.Fatalf("Allocate: %v", err)
	}
	return hd
}

// submit fills slot with one output surface and submits it.
func (h *harness) submit(slot uint32, out surface.Handle) error {
	h.t.Helper()
	d, err := h.ch.Descriptor(slot)
	if err != nil {
		return err
	}
	d.Reset()
	d.SetSequence(slot)
	if out != 0 {
		d.SetSurface(SurfaceOutput0, out, 0)
	}
	return h.ch.Submit(ProcessRequest{Slot: slot})
}

func (h *harness) statusKind() rtcpu.Kind {
	if h.ch.Config().Kind == KindISP {
		return rtcpu.KindISPStatus
	}
	return rtcpu.KindCaptureStatus
}

func (h *harness) complete(slot uint32) {
	h.fw.indicate(h.statusKind(), h.ch.ID(), slot, rtcpu.NoProgram)
}

func (h *harness) waitStatus(ring RingKind) uint32 {
	h.t.Helper()
	slot, err := h.ch.Status(context.Background(), ring, time.Second)
	if err != nil {
		h.t.Fatalf("Status(%s): %v", ring, err)
	}
	return slot
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
