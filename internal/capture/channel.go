package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/rtcapture/internal/rtcpu"
	"github.com/smazurov/rtcapture/internal/syncpt"
)

// Kind selects the engine a channel drives.
type Kind int

// Channel kinds.
const (
	KindVI Kind = iota
	KindISP
)

func (k Kind) String() string {
	switch k {
	case KindVI:
		return "vi"
	case KindISP:
		return "isp"
	default:
		return "unknown"
	}
}

// ParseKind converts "vi" or "isp" to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "vi":
		return KindVI, nil
	case "isp":
		return KindISP, nil
	default:
		return 0, fail(ErrInvalidParameter, "parse", nil, "channel kind %q", s)
	}
}

// State is the lifecycle state of a channel.
type State int

// Channel states.
const (
	StateUninitialized State = iota
	StateSetupPending
	StateReady
	StateResetting
	StateReleasePending
	StateReleased
)

var stateNames = [...]string{
	StateUninitialized:  "uninitialized",
	StateSetupPending:   "setup-pending",
	StateReady:          "ready",
	StateResetting:      "resetting",
	StateReleasePending: "release-pending",
	StateReleased:       "released",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ControlFlags modify reset and release.
type ControlFlags uint32

// Immediate skips waiting for the frame in progress.
const Immediate ControlFlags = 1 << 0

// Limits and defaults.
const (
	MaxQueueDepth         = 256
	DefaultSetupTimeout   = time.Second
	DefaultControlTimeout = time.Second
)

// Config describes a channel to set up.
type Config struct {
	Kind              Kind
	QueueDepth        uint32
	RequestSize       uint32
	ProgramQueueDepth uint32
	ProgramSize       uint32
	Stream            StreamKey
	Flags             uint32
	Completion        Completion
	// TransactionID tags the setup request. Zero picks one from the
	// registry, or at random without one.
	TransactionID  uint32
	SetupTimeout   time.Duration
	ControlTimeout time.Duration
	// ResetBarrier sends a barrier on the capture stream before every reset.
	ResetBarrier bool
}

func (cfg *Config) normalize() error {
	const op = "setup"
	if cfg.QueueDepth == 0 {
		return fail(ErrInvalidParameter, op, nil, "queue depth is zero")
	}
	if cfg.QueueDepth > MaxQueueDepth {
		return fail(ErrInvalidParameter, op, nil, "queue depth %d exceeds %d", cfg.QueueDepth, MaxQueueDepth)
	}
	if cfg.RequestSize == 0 {
		cfg.RequestSize = ProcessDescriptorSize
	}
	if cfg.RequestSize < ProcessDescriptorSize || cfg.RequestSize%DescriptorAlignment != 0 {
		return fail(ErrInvalidParameter, op, nil, "request size %d", cfg.RequestSize)
	}

	switch cfg.Kind {
	case KindVI:
		if cfg.ProgramQueueDepth != 0 || cfg.ProgramSize != 0 {
			return fail(ErrNotSupported, op, nil, "program ring on a vi channel")
		}
	case KindISP:
		if cfg.ProgramQueueDepth == 0 {
			return fail(ErrInvalidParameter, op, nil, "program queue depth is zero")
		}
		if cfg.ProgramQueueDepth > MaxQueueDepth {
			return fail(ErrInvalidParameter, op, nil, "program queue depth %d exceeds %d", cfg.ProgramQueueDepth, MaxQueueDepth)
		}
		if cfg.ProgramSize == 0 {
			cfg.ProgramSize = ProgramDescriptorSize
		}
		if cfg.ProgramSize < ProgramDescriptorSize || cfg.ProgramSize%DescriptorAlignment != 0 {
			return fail(ErrInvalidParameter, op, nil, "program size %d", cfg.ProgramSize)
		}
	default:
		return fail(ErrInvalidParameter, op, nil, "channel kind %d", cfg.Kind)
	}

	switch c := cfg.Completion.(type) {
	case nil:
		cfg.Completion = Blocking{}
	case ProgressStatus:
		need := int(cfg.QueueDepth + cfg.ProgramQueueDepth)
		if c.Region == nil || c.Region.Len() < need {
			return fail(ErrInvalidParameter, op, nil, "progress-status region needs %d cells", need)
		}
	}

	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = DefaultControlTimeout
	}
	return nil
}

// Options are the collaborators of a channel.
type Options struct {
	Transport rtcpu.Transport
	Memory    Memory
	Counters  Counters
	Registry  *Registry
	Observer  Observer
	Rebooter  Rebooter
	Tracer    Tracer
	Logger    *slog.Logger
}

// Channel drives one capture pipeline on the coprocessor.
//
// Locking: resetMu serializes setup, reset and release against submissions
// (readers). ctrlMu allows one control request in flight. captureMu orders
// the capture stream so ring FIFOs match the send order. statusMu serializes
// the completion path against the drain done by reset and release.
type Channel struct {
	name string
	opts Options
	base *slog.Logger

	resetMu      sync.RWMutex
	resetPending atomic.Bool
	ctrlMu       sync.Mutex
	captureMu    sync.Mutex
	statusMu     sync.Mutex

	mu     sync.Mutex
	state  State
	id     uint32
	cfg    Config
	logger *slog.Logger

	rings    [2]*ring
	pins     [2]*PinSet
	fifos    [2]*fifo
	binder   *Binder
	notify   notifier
	fences   fenceRewriter
	progress *syncpt.Shadow
	stats    *syncpt.Shadow

	ctrlResp chan rtcpu.Frame
	inbox    chan rtcpu.Frame
	stop     chan struct{}
	done     chan struct{}

	submitted atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
	reordered atomic.Uint64
	resets    atomic.Uint64
}

// NewChannel creates an uninitialized channel.
func NewChannel(name string, opts Options) (*Channel, error) {
	if opts.Transport == nil || opts.Memory == nil || opts.Counters == nil {
		return nil, fail(ErrInvalidParameter, "new", nil, "channel %q needs transport, memory and counters", name)
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := logger.With("channel", name)
	return &Channel{
		name:   name,
		opts:   opts,
		base:   base,
		logger: base,
		fences: fenceRewriter{counters: opts.Counters},
	}, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// State returns the lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ID returns the firmware channel id. It is only meaningful once ready.
func (c *Channel) ID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Config returns the configuration the channel was set up with.
func (c *Channel) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Info identifies the channel for observers.
func (c *Channel) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infoLocked()
}

func (c *Channel) infoLocked() Info {
	return Info{Name: c.name, Kind: c.cfg.Kind, ID: c.id}
}

func (c *Channel) log() *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

func (c *Channel) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	info := c.infoLocked()
	c.mu.Unlock()
	if from != to {
		c.opts.Observer.StateChanged(info, from, to)
	}
}

// ready reports ErrNotReady unless the channel accepts requests. The caller
// holds resetMu.
func (c *Channel) ready(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateReady:
		return nil
	case StateReleased:
		return fail(ErrChannelReleased, op, nil, "")
	default:
		return fail(ErrNotReady, op, nil, "state %s", c.state)
	}
}

func setupKind(k Kind) rtcpu.Kind {
	if k == KindISP {
		return rtcpu.KindISPSetupReq
	}
	return rtcpu.KindChannelSetupReq
}

func resetKind(k Kind) rtcpu.Kind {
	if k == KindISP {
		return rtcpu.KindISPResetReq
	}
	return rtcpu.KindChannelResetReq
}

func releaseKind(k Kind) rtcpu.Kind {
	if k == KindISP {
		return rtcpu.KindISPReleaseReq
	}
	return rtcpu.KindChannelReleaseReq
}

func barrierKind(k Kind) rtcpu.Kind {
	if k == KindISP {
		return rtcpu.KindISPResetBarrier
	}
	return rtcpu.KindCaptureResetBarrier
}

// Setup allocates the rings and counters, asks the firmware for a channel
// and starts the status dispatcher. On failure every allocation is released
// and the channel stays uninitialized.
func (c *Channel) Setup(ctx context.Context, cfg Config) (err error) {
	const op = "setup"
	c.resetMu.Lock()
	defer c.resetMu.Unlock()

	c.mu.Lock()
	if c.state != StateUninitialized && c.state != StateReleased {
		c.mu.Unlock()
		return fail(ErrAlreadySetUp, op, nil, "state %s", c.state)
	}
	c.mu.Unlock()

	if err := cfg.normalize(); err != nil {
		return err
	}
	if cfg.TransactionID == 0 {
		if c.opts.Registry != nil {
			cfg.TransactionID = c.opts.Registry.NextTransactionID()
		} else {
			cfg.TransactionID = transactionBit | rand.Uint32()
		}
	}

	c.mu.Lock()
	c.cfg = cfg
	c.id = 0
	c.logger = c.base.With("kind", cfg.Kind.String())
	c.mu.Unlock()
	c.setState(StateSetupPending)

	defer func() {
		if err != nil {
			c.freeResources()
			c.setState(StateUninitialized)
			c.log().Warn("Channel setup failed", "error", err)
		}
	}()

	if c.opts.Registry != nil {
		if err := c.opts.Registry.Bind(cfg.Stream, c); err != nil {
			return err
		}
	}
	if err := c.allocate(cfg); err != nil {
		return err
	}

	id, err := c.requestChannel(ctx, cfg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.id = id
	c.logger = c.base.With("kind", cfg.Kind.String(), "channel_id", id)
	c.mu.Unlock()

	if err := c.startDispatcher(id); err != nil {
		return err
	}
	c.setState(StateReady)
	c.log().Info("Channel ready",
		"queue_depth", cfg.QueueDepth,
		"program_queue_depth", cfg.ProgramQueueDepth,
		"stream", cfg.Stream.String(),
		"progress_counter", c.progress.ID())
	return nil
}

func (c *Channel) allocate(cfg Config) error {
	const op = "setup"
	mem := c.opts.Memory

	r, err := newRing(mem, RingProcess, cfg.QueueDepth, cfg.RequestSize)
	if err != nil {
		return err
	}
	c.rings[RingProcess] = r
	c.pins[RingProcess] = NewPinSet(mem, cfg.QueueDepth, ProcessSurfaceCount)
	c.fifos[RingProcess] = newFIFO(cfg.QueueDepth, true)

	if cfg.Kind == KindISP {
		r, err := newRing(mem, RingProgram, cfg.ProgramQueueDepth, cfg.ProgramSize)
		if err != nil {
			return err
		}
		c.rings[RingProgram] = r
		c.pins[RingProgram] = NewPinSet(mem, cfg.ProgramQueueDepth, ProgramSurfaceCount)
		c.fifos[RingProgram] = newFIFO(cfg.ProgramQueueDepth, false)
		c.binder = NewBinder(cfg.QueueDepth, cfg.ProgramQueueDepth)
	}

	shadow, err := c.allocCounter(c.name + "/progress")
	if err != nil {
		return failCode(CodeNoResources, op, err, "progress counter")
	}
	c.progress = shadow
	if cfg.Kind == KindISP {
		shadow, err := c.allocCounter(c.name + "/stats")
		if err != nil {
			return failCode(CodeNoResources, op, err, "stats counter")
		}
		c.stats = shadow
	}

	c.mu.Lock()
	c.notify = newNotifier(cfg.Completion, cfg.QueueDepth, cfg.ProgramQueueDepth)
	c.mu.Unlock()
	return nil
}

func (c *Channel) allocCounter(owner string) (*syncpt.Shadow, error) {
	id, err := c.opts.Counters.Alloc(owner)
	if err != nil {
		return nil, err
	}
	cur, err := c.opts.Counters.Read(id)
	if err != nil {
		_ = c.opts.Counters.Free(id)
		return nil, err
	}
	return syncpt.NewShadow(id, cur), nil
}

func setupFlags(cfg Config) uint32 {
	if cfg.ResetBarrier {
		return cfg.Flags | rtcpu.SetupFlagResetBarrier
	}
	return cfg.Flags
}

// requestChannel runs the setup exchange keyed by the transaction id.
func (c *Channel) requestChannel(ctx context.Context, cfg Config) (uint32, error) {
	const op = "setup"
	t := c.opts.Transport
	reply := make(chan rtcpu.Frame, 1)
	if err := t.Attach(rtcpu.StreamControl, cfg.TransactionID, reply); err != nil {
		return 0, failCode(CodeNoResources, op, err, "attach transaction %#x", cfg.TransactionID)
	}
	defer t.Detach(rtcpu.StreamControl, cfg.TransactionID)

	req := &rtcpu.SetupRequest{
		Kind:            setupKind(cfg.Kind),
		TransactionID:   cfg.TransactionID,
		QueueDepth:      cfg.QueueDepth,
		RequestSize:     cfg.RequestSize,
		RingIOVA:        c.rings[RingProcess].iova(),
		ProgressCounter: c.progress.ID(),
		Flags:           setupFlags(cfg),
		Stream:          cfg.Stream.Stream,
		VirtualChannel:  cfg.Stream.VirtualChannel,
	}
	if cfg.Kind == KindISP {
		req.StatsCounter = c.stats.ID()
		req.ProgramQueueDepth = cfg.ProgramQueueDepth
		req.ProgramSize = cfg.ProgramSize
		req.ProgramRingIOVA = c.rings[RingProgram].iova()
	}

	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	if err := t.Send(rtcpu.StreamControl, rtcpu.Encode(req)); err != nil {
		return 0, failCode(CodeNoResources, op, err, "send setup request")
	}
	f, err := awaitFrame(ctx, reply, cfg.SetupTimeout)
	if err != nil {
		return 0, fail(ErrTimeout, op, err, "setup response for transaction %#x", cfg.TransactionID)
	}

	want := rtcpu.Header{Kind: req.Kind.Response(), ID: cfg.TransactionID}
	if got := rtcpu.ReadHeader(&f); got != want {
		return 0, fail(ErrProtocol, op, nil, "got %s/%#x, want %s/%#x", got.Kind, got.ID, want.Kind, want.ID)
	}
	msg, err := rtcpu.Decode(f)
	if err != nil {
		return 0, fail(ErrProtocol, op, err, "")
	}
	resp := msg.(*rtcpu.SetupResponse)
	if resp.Result != rtcpu.ResultOK {
		return 0, failCode(CodeFromResult(resp.Result), op, nil, "firmware rejected setup: %s", resp.Result)
	}
	if resp.ChannelID&transactionBit != 0 {
		return 0, fail(ErrProtocol, op, nil, "channel id %#x", resp.ChannelID)
	}
	return resp.ChannelID, nil
}

func awaitFrame(ctx context.Context, ch <-chan rtcpu.Frame, timeout time.Duration) (rtcpu.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-ch:
		return f, nil
	case <-timer.C:
		return rtcpu.Frame{}, fmt.Errorf("no response after %s", timeout)
	case <-ctx.Done():
		return rtcpu.Frame{}, ctx.Err()
	}
}

func (c *Channel) startDispatcher(id uint32) error {
	depth := c.cfg.QueueDepth + c.cfg.ProgramQueueDepth
	c.inbox = make(chan rtcpu.Frame, 2*depth+4)
	c.ctrlResp = make(chan rtcpu.Frame, 1)
	t := c.opts.Transport
	if err := t.Attach(rtcpu.StreamControl, id, c.inbox); err != nil {
		return failCode(CodeNoResources, "setup", err, "attach control for channel %d", id)
	}
	if err := t.Attach(rtcpu.StreamCapture, id, c.inbox); err != nil {
		t.Detach(rtcpu.StreamControl, id)
		return failCode(CodeNoResources, "setup", err, "attach capture for channel %d", id)
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.dispatch(c.inbox, c.stop, c.done)
	return nil
}

func (c *Channel) stopDispatcher() {
	if c.stop == nil {
		return
	}
	t := c.opts.Transport
	t.Detach(rtcpu.StreamControl, c.id)
	t.Detach(rtcpu.StreamCapture, c.id)
	close(c.stop)
	<-c.done
	c.stop, c.done = nil, nil
}

// control sends one channel-scoped control request and waits for the
// matching response.
func (c *Channel) control(ctx context.Context, req *rtcpu.ControlRequest, timeout time.Duration) (*rtcpu.ControlResponse, error) {
	op := req.Kind.String()
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	for drained := false; !drained; {
		select {
		case f := <-c.ctrlResp:
			h := rtcpu.ReadHeader(&f)
			c.log().Warn("Discarding stale control response", "kind", h.Kind.String())
		default:
			drained = true
		}
	}

	if err := c.opts.Transport.Send(rtcpu.StreamControl, rtcpu.Encode(req)); err != nil {
		return nil, failCode(CodeNoResources, op, err, "send")
	}
	f, err := awaitFrame(ctx, c.ctrlResp, timeout)
	if err != nil {
		return nil, fail(ErrTimeout, op, err, "")
	}
	want := rtcpu.Header{Kind: req.Kind.Response(), ID: req.ChannelID}
	if got := rtcpu.ReadHeader(&f); got != want {
		return nil, fail(ErrProtocol, op, nil, "got %s/%d, want %s/%d", got.Kind, got.ID, want.Kind, want.ID)
	}
	msg, err := rtcpu.Decode(f)
	if err != nil {
		return nil, fail(ErrProtocol, op, err, "")
	}
	return msg.(*rtcpu.ControlResponse), nil
}

// Reset abandons every outstanding request. In-flight submissions fail with
// ErrChannelReset, blocked Status callers receive ErrChannelReset and every
// pin is dropped whatever the firmware answers. The progress thresholds are
// moved up to the values the firmware reports.
func (c *Channel) Reset(ctx context.Context, flags ControlFlags) error {
	const op = "reset"
	c.resetPending.Store(true)
	c.resetMu.Lock()
	defer c.resetMu.Unlock()
	defer c.resetPending.Store(false)

	if err := c.ready(op); err != nil {
		return err
	}
	c.setState(StateResetting)
	c.resets.Add(1)
	logger := c.log()

	if c.cfg.ResetBarrier {
		barrier := &rtcpu.SlotMessage{Kind: barrierKind(c.cfg.Kind), ChannelID: c.id, Slot: rtcpu.NoProgram, ProgramSlot: rtcpu.NoProgram}
		c.captureMu.Lock()
		if err := c.opts.Transport.Send(rtcpu.StreamCapture, rtcpu.Encode(barrier)); err != nil {
			logger.Warn("Reset barrier not sent", "error", err)
		}
		c.captureMu.Unlock()
	}

	var result error
	resp, err := c.control(ctx, &rtcpu.ControlRequest{Kind: resetKind(c.cfg.Kind), ChannelID: c.id, Flags: uint32(flags)}, c.cfg.ControlTimeout)
	switch {
	case err != nil:
		result = err
	case resp.Result == rtcpu.ResultOK, resp.Result == rtcpu.ResultTimeout:
		if resp.Result == rtcpu.ResultTimeout {
			logger.Debug("Reset barrier drained implicitly")
		}
		c.progress.FastForward(resp.ProgressValue)
		if c.stats != nil {
			c.stats.FastForward(resp.StatsValue)
		}
	default:
		result = failCode(CodeFromResult(resp.Result), op, nil, "firmware rejected reset: %s", resp.Result)
	}

	released := c.drain(fail(ErrChannelReset, "status", nil, ""))
	c.setState(StateReady)
	c.opts.Observer.ResetDone(c.Info(), released, result)

	if result != nil {
		logger.Warn("Channel reset failed", "error", result, "pins_released", released)
		return result
	}
	logger.Info("Channel reset", "pins_released", released, "progress_threshold", c.progress.Threshold())
	return nil
}

// drain drops every pin and in-flight record and fails blocked waiters.
// Status cells of voided slots go back to unknown.
func (c *Channel) drain(waitErr error) int {
	c.statusMu.Lock()
	released := 0
	for i := range c.pins {
		if c.fifos[i] != nil {
			c.fifos[i].clear()
		}
		pins := c.pins[i]
		if pins == nil {
			continue
		}
		var voided []uint32
		for slot := uint32(0); slot < pins.Depth(); slot++ {
			if pins.State(slot) != SlotFree {
				voided = append(voided, slot)
			}
		}
		released += pins.UnpinAll()
		if c.notify != nil {
			for _, slot := range voided {
				c.notify.revoked(RingKind(i), slot)
			}
		}
	}
	if c.binder != nil {
		c.binder.Clear()
	}
	c.statusMu.Unlock()
	if c.notify != nil {
		c.notify.abort(waitErr)
	}
	return released
}

// Release tears the channel down. If the firmware does not acknowledge, the
// coprocessor is rebooted and the failure is returned; resources are freed
// and the channel ends released either way.
func (c *Channel) Release(ctx context.Context, flags ControlFlags) error {
	const op = "release"
	c.resetPending.Store(true)
	c.resetMu.Lock()
	defer c.resetMu.Unlock()
	defer c.resetPending.Store(false)

	if err := c.ready(op); err != nil {
		return err
	}
	c.setState(StateReleasePending)
	logger := c.log()

	var result error
	resp, err := c.control(ctx, &rtcpu.ControlRequest{Kind: releaseKind(c.cfg.Kind), ChannelID: c.id, Flags: uint32(flags)}, c.cfg.ControlTimeout)
	switch {
	case err != nil:
		result = err
	case resp.Result != rtcpu.ResultOK:
		result = failCode(CodeFromResult(resp.Result), op, nil, "firmware rejected release: %s", resp.Result)
	}
	if result != nil {
		logger.Error("Release not acknowledged, rebooting coprocessor", "error", result)
		if c.opts.Rebooter != nil {
			if rerr := c.opts.Rebooter.Reboot(context.WithoutCancel(ctx), fmt.Sprintf("release of channel %q failed", c.name)); rerr != nil {
				logger.Error("Coprocessor reboot failed", "error", rerr)
				result = errors.Join(result, rerr)
			}
		}
	}

	c.stopDispatcher()
	released := c.drain(fail(ErrChannelReleased, "status", nil, ""))
	c.freeResources()
	c.setState(StateReleased)
	logger.Info("Channel released", "pins_released", released, "acknowledged", result == nil)
	return result
}

// freeResources returns rings, counters and the stream binding.
func (c *Channel) freeResources() {
	mem := c.opts.Memory
	for i, r := range c.rings {
		if r != nil {
			if c.pins[i] != nil {
				c.pins[i].UnpinAll()
			}
			if err := r.free(mem); err != nil {
				c.log().Warn("Ring free failed", "ring", r.kind.String(), "error", err)
			}
		}
		c.rings[i] = nil
		c.pins[i] = nil
		c.fifos[i] = nil
	}
	for _, s := range []*syncpt.Shadow{c.progress, c.stats} {
		if s != nil {
			_ = c.opts.Counters.Free(s.ID())
		}
	}
	c.progress, c.stats = nil, nil
	c.binder = nil
	c.mu.Lock()
	c.notify = nil
	c.mu.Unlock()
	if c.opts.Registry != nil {
		c.opts.Registry.Unbind(c.cfg.Stream, c)
	}
}
