package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/smazurov/rtcapture/internal/capture"
	"github.com/smazurov/rtcapture/internal/rtcpu"
)

// Firmware simulates the coprocessor side of the channel protocol. It runs
// one engine goroutine per set-up channel; requests on a channel execute in
// the order they were received.
type Firmware struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	channels map[uint32]*engine
	nextID   uint32
	faults   map[rtcpu.Kind][]rtcpu.Result
	traces   map[uint32][]TraceEntry
	resume   chan struct{}

	reboots atomic.Int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFirmware creates a simulator answering through opts.Mailbox.
func NewFirmware(opts Options) (*Firmware, error) {
	if opts.Mailbox == nil || opts.Memory == nil || opts.Counters == nil {
		return nil, errors.New("firmware needs a mailbox, device memory and counters")
	}
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Firmware{
		opts:     opts,
		logger:   opts.Logger,
		channels: make(map[uint32]*engine),
		nextID:   1,
		faults:   make(map[rtcpu.Kind][]rtcpu.Result),
		traces:   make(map[uint32][]TraceEntry),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// HandleFrame implements Handler.
func (fw *Firmware) HandleFrame(stream rtcpu.Stream, f rtcpu.Frame) {
	msg, err := rtcpu.Decode(f)
	if err != nil {
		fw.logger.Warn("Undecodable frame", "stream", stream.String(), "error", err)
		return
	}
	switch m := msg.(type) {
	case *rtcpu.SetupRequest:
		fw.setup(m)
	case *rtcpu.ControlRequest:
		fw.control(m)
	case *rtcpu.SlotMessage:
		if stream != rtcpu.StreamCapture {
			fw.logger.Warn("Slot message on control stream", "kind", m.Kind.String())
			return
		}
		fw.capture(m)
	default:
		fw.logger.Warn("Unexpected frame from host", "stream", stream.String(), "kind", msg.Header().Kind.String())
	}
}

func (fw *Firmware) deliver(stream rtcpu.Stream, m rtcpu.Message) {
	fw.opts.Mailbox.Deliver(stream, rtcpu.Encode(m))
}

func (fw *Firmware) setup(m *rtcpu.SetupRequest) {
	resp := &rtcpu.SetupResponse{Kind: m.Kind.Response(), TransactionID: m.TransactionID}
	e, res := fw.createChannel(m)
	resp.Result = res
	if e != nil {
		resp.ChannelID = e.id
		fw.logger.Info("Channel set up", "channel_id", e.id, "kind", m.Kind.String(),
			"queue_depth", m.QueueDepth, "stream", m.Stream, "virtual_channel", m.VirtualChannel)
	} else {
		fw.logger.Warn("Channel setup refused", "kind", m.Kind.String(), "result", res.String())
	}
	fw.deliver(rtcpu.StreamControl, resp)
}

func (fw *Firmware) createChannel(m *rtcpu.SetupRequest) (*engine, rtcpu.Result) {
	if res := fw.takeFault(m.Kind); res != rtcpu.ResultOK {
		return nil, res
	}
	isp := m.Kind == rtcpu.KindISPSetupReq
	if res := fw.validate(m, isp); res != rtcpu.ResultOK {
		return nil, res
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if len(fw.channels) >= fw.opts.MaxChannels {
		return nil, rtcpu.ResultNoResources
	}
	id := fw.nextID
	for {
		if id == 0 || id&0x8000_0000 != 0 {
			id = 1
		}
		if _, used := fw.channels[id]; !used {
			break
		}
		id++
	}
	fw.nextID = id + 1

	e := newEngine(fw, id, isp, *m)
	fw.channels[id] = e
	fw.wg.Add(1)
	go func() {
		defer fw.wg.Done()
		e.run()
	}()
	return e, rtcpu.ResultOK
}

func (fw *Firmware) validate(m *rtcpu.SetupRequest, isp bool) rtcpu.Result {
	if m.QueueDepth == 0 || m.RequestSize < capture.ProcessDescriptorSize {
		return rtcpu.ResultInvalidParameter
	}
	if _, err := fw.opts.Memory.Resolve(m.RingIOVA, uint64(m.QueueDepth)*uint64(m.RequestSize)); err != nil {
		return rtcpu.ResultInvalidParameter
	}
	if _, err := fw.opts.Counters.Read(m.ProgressCounter); err != nil {
		return rtcpu.ResultInvalidParameter
	}
	if !isp {
		return rtcpu.ResultOK
	}
	if m.ProgramQueueDepth == 0 || m.ProgramSize < capture.ProgramDescriptorSize {
		return rtcpu.ResultInvalidParameter
	}
	if _, err := fw.opts.Memory.Resolve(m.ProgramRingIOVA, uint64(m.ProgramQueueDepth)*uint64(m.ProgramSize)); err != nil {
		return rtcpu.ResultInvalidParameter
	}
	if _, err := fw.opts.Counters.Read(m.StatsCounter); err != nil {
		return rtcpu.ResultInvalidParameter
	}
	return rtcpu.ResultOK
}

func (fw *Firmware) lookup(id uint32) *engine {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.channels[id]
}

func (fw *Firmware) remove(id uint32) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	delete(fw.channels, id)
}

func (fw *Firmware) control(m *rtcpu.ControlRequest) {
	e := fw.lookup(m.ChannelID)
	if e == nil {
		fw.logger.Warn("Control request for unknown channel", "channel_id", m.ChannelID, "kind", m.Kind.String())
		fw.deliver(rtcpu.StreamControl, &rtcpu.ControlResponse{
			Kind:      m.Kind.Response(),
			ChannelID: m.ChannelID,
			Result:    rtcpu.ResultNotInitialized,
		})
		return
	}
	e.record(directionIn, rtcpu.StreamControl, m.Kind, 0)
	if !e.command(*m) {
		fw.deliver(rtcpu.StreamControl, &rtcpu.ControlResponse{
			Kind:      m.Kind.Response(),
			ChannelID: m.ChannelID,
			Result:    rtcpu.ResultBusy,
		})
	}
}

func (fw *Firmware) capture(m *rtcpu.SlotMessage) {
	e := fw.lookup(m.ChannelID)
	if e == nil {
		fw.logger.Debug("Capture frame for unknown channel", "channel_id", m.ChannelID, "kind", m.Kind.String())
		return
	}
	e.record(directionIn, rtcpu.StreamCapture, m.Kind, m.Slot)
	e.enqueue(job{kind: m.Kind, slot: m.Slot, program: m.ProgramSlot})
}

// FailNext makes the next request of kind answer with result instead of
// being executed. Setup, reset and release kinds are supported.
func (fw *Firmware) FailNext(kind rtcpu.Kind, result rtcpu.Result) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.faults[kind] = append(fw.faults[kind], result)
}

func (fw *Firmware) takeFault(kind rtcpu.Kind) rtcpu.Result {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	q := fw.faults[kind]
	if len(q) == 0 {
		return rtcpu.ResultOK
	}
	fw.faults[kind] = q[1:]
	return q[0]
}

// Pause stops engines from starting new requests until Resume.
func (fw *Firmware) Pause() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.resume == nil {
		fw.resume = make(chan struct{})
	}
}

// Resume restarts paused engines.
func (fw *Firmware) Resume() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.resume != nil {
		close(fw.resume)
		fw.resume = nil
	}
}

func (fw *Firmware) gate() <-chan struct{} {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.resume
}

// Channels returns the number of channels currently set up.
func (fw *Firmware) Channels() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.channels)
}

// Reboot discards every channel without answering outstanding requests.
func (fw *Firmware) Reboot(ctx context.Context, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fw.mu.Lock()
	engines := make([]*engine, 0, len(fw.channels))
	for _, e := range fw.channels {
		engines = append(engines, e)
	}
	clear(fw.channels)
	fw.mu.Unlock()

	for _, e := range engines {
		e.cancel()
		<-e.done
	}
	n := fw.reboots.Add(1)
	fw.logger.Warn("Firmware rebooted", "reason", reason, "channels_dropped", len(engines), "reboots", n)
	return nil
}

// Reboots returns how many times the firmware was rebooted.
func (fw *Firmware) Reboots() int {
	return int(fw.reboots.Load())
}

// Close stops every engine.
func (fw *Firmware) Close() {
	fw.cancel()
	fw.wg.Wait()
	fw.mu.Lock()
	clear(fw.channels)
	fw.mu.Unlock()
}

func (fw *Firmware) String() string {
	return fmt.Sprintf("firmware(%d channels)", fw.Channels())
}

var (
	_ Handler          = (*Firmware)(nil)
	_ capture.Rebooter = (*Firmware)(nil)
	_ capture.Tracer   = (*Firmware)(nil)
)
