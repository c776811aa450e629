package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/smazurov/rtcapture/internal/capture"
	"github.com/smazurov/rtcapture/internal/config"
	"github.com/smazurov/rtcapture/internal/logging"
	"github.com/smazurov/rtcapture/internal/mailbox"
	"github.com/smazurov/rtcapture/internal/surface"
	"github.com/smazurov/rtcapture/internal/syncpt"
	"golang.org/x/sync/errgroup"
)

// Errors returned by the manager.
var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrChannelExists  = errors.New("channel already exists")
	ErrClosed         = errors.New("session closed")
)

// setupParallelism bounds concurrent channel setups and releases.
const setupParallelism = 4

// Config configures a Manager.
type Config struct {
	QueueSize    int
	Surfaces     surface.Config
	Counters     syncpt.PoolConfig
	Latency      time.Duration
	BarrierGrace time.Duration
	MaxChannels  int
	Defaults     config.ChannelDefaults

	// Rebooter restarts the coprocessor service when a release fails. The
	// simulated firmware is rebooted after it either way.
	Rebooter capture.Rebooter

	// Observers receive the activity of every channel.
	Observers capture.Observers

	// OnReboot is called after every reboot attempt.
	OnReboot func(reason string, err error)
}

type entry struct {
	ch   *capture.Channel
	spec config.ChannelSpec
}

// Manager owns the coprocessor mailbox, the shared memory and counter
// pools, and the channels declared in channels.toml.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mailbox  *mailbox.Transport
	firmware *mailbox.Firmware
	surfaces *surface.Registry
	counters *syncpt.Pool
	registry *capture.Registry
	rebooter capture.Rebooter

	mu       sync.RWMutex
	channels map[string]*entry
	closed   bool
}

// New creates the mailbox and the simulated coprocessor and starts them.
func New(cfg Config) (*Manager, error) {
	logger := logging.GetLogger(logging.ModuleSession)

	surfCfg := cfg.Surfaces
	if surfCfg.WindowSize == 0 {
		surfCfg = surface.DefaultConfig()
	}
	if surfCfg.Logger == nil {
		surfCfg.Logger = logging.GetLogger(logging.ModuleSurface)
	}
	poolCfg := cfg.Counters
	if poolCfg.Count == 0 {
		poolCfg = syncpt.DefaultPoolConfig()
	}

	counters, err := syncpt.NewPool(poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", capture.ErrInvalidParameter, err)
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		mailbox:  mailbox.NewTransport(cfg.QueueSize, logging.GetLogger(logging.ModuleMailbox)),
		surfaces: surface.NewRegistry(surfCfg),
		counters: counters,
		registry: capture.NewRegistry(),
		channels: make(map[string]*entry),
	}

	fw, err := mailbox.NewFirmware(mailbox.Options{
		Mailbox:      m.mailbox,
		Memory:       m.surfaces,
		Counters:     m.counters,
		Latency:      cfg.Latency,
		BarrierGrace: cfg.BarrierGrace,
		MaxChannels:  cfg.MaxChannels,
		Logger:       logging.GetLogger(logging.ModuleMailbox),
	})
	if err != nil {
		m.mailbox.Close()
		return nil, fmt.Errorf("start firmware: %w", err)
	}
	m.firmware = fw

	chain := []capture.Rebooter{fw}
	if cfg.Rebooter != nil {
		chain = []capture.Rebooter{cfg.Rebooter, fw}
	}
	m.rebooter = &notifyingRebooter{chain: chain, logger: logger, notify: cfg.OnReboot}

	m.mailbox.Start(fw)
	logger.Info("Session started", "firmware", fw.String())
	return m, nil
}

// Mailbox returns the transport shared by all channels.
func (m *Manager) Mailbox() *mailbox.Transport { return m.mailbox }

// Firmware returns the simulated coprocessor.
func (m *Manager) Firmware() *mailbox.Firmware { return m.firmware }

// Surfaces returns the memory surface registry.
func (m *Manager) Surfaces() *surface.Registry { return m.surfaces }

// Counters returns the progress counter pool.
func (m *Manager) Counters() *syncpt.Pool { return m.counters }

// Registry returns the stream to channel registry.
func (m *Manager) Registry() *capture.Registry { return m.registry }

// Open sets up every channel in specs concurrently. If any setup fails the
// channels already set up by this call are released again.
func (m *Manager) Open(ctx context.Context, specs []config.ChannelSpec) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	opened := make([]*entry, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(setupParallelism)
	for i, spec := range specs {
		g.Go(func() error {
			e, err := m.add(gctx, spec)
			if err != nil {
				return fmt.Errorf("channel %q: %w", spec.Name, err)
			}
			opened[i] = e
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		return nil
	}

	var undo []*entry
	for _, e := range opened {
		if e != nil {
			undo = append(undo, e)
		}
	}
	m.logger.Error("Channel setup failed, releasing opened channels", "error", err, "opened", len(undo))
	_ = m.releaseAll(context.WithoutCancel(ctx), undo)
	return err
}

func (m *Manager) add(ctx context.Context, spec config.ChannelSpec) (*entry, error) {
	cfg, err := spec.CaptureConfig(m.cfg.Defaults)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, dup := m.channels[spec.Name]; dup {
		m.mu.Unlock()
		return nil, ErrChannelExists
	}
	// Reserve the name while setup runs.
	e := &entry{spec: spec}
	m.channels[spec.Name] = e
	m.mu.Unlock()

	ch, err := capture.NewChannel(spec.Name, capture.Options{
		Transport: m.mailbox,
		Memory:    m.surfaces,
		Counters:  m.counters,
		Registry:  m.registry,
		Observer:  m.cfg.Observers,
		Rebooter:  m.rebooter,
		Tracer:    m.firmware,
		Logger:    logging.GetLogger(logging.ModuleCapture),
	})
	if err == nil {
		err = ch.Setup(ctx, cfg)
	}
	if err != nil {
		m.mu.Lock()
		delete(m.channels, spec.Name)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	e.ch = ch
	m.mu.Unlock()
	m.logger.Info("Channel ready", "channel", spec.Name, "kind", spec.Kind, "channel_id", ch.ID(), "stream", spec.StreamKey().String())
	return e, nil
}

// Apply reconciles the running channels with specs: removed and changed
// channels are released, new and changed ones set up.
func (m *Manager) Apply(ctx context.Context, specs []config.ChannelSpec) error {
	want := make(map[string]config.ChannelSpec, len(specs))
	for _, s := range specs {
		want[s.Name] = s
	}

	m.mu.RLock()
	var stale []*entry
	for name, e := range m.channels {
		if e.ch == nil {
			continue
		}
		if s, ok := want[name]; !ok || !sameSpec(s, e.spec) {
			stale = append(stale, e)
		} else {
			delete(want, name)
		}
	}
	m.mu.RUnlock()

	if err := m.releaseAll(ctx, stale); err != nil {
		m.logger.Warn("Releasing stale channels failed", "error", err)
	}

	var added []config.ChannelSpec
	for _, s := range specs {
		if _, ok := want[s.Name]; ok {
			added = append(added, s)
		}
	}
	m.logger.Info("Applying channel configuration", "released", len(stale), "added", len(added))
	if len(added) == 0 {
		return nil
	}
	return m.Open(ctx, added)
}

func sameSpec(a, b config.ChannelSpec) bool {
	barrier := func(s config.ChannelSpec) string {
		if s.ResetBarrier == nil {
			return "default"
		}
		return fmt.Sprint(*s.ResetBarrier)
	}
	same := barrier(a) == barrier(b)
	a.ResetBarrier, b.ResetBarrier = nil, nil
	return same && a == b
}

func (m *Manager) lookup(name string) (*capture.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.channels[name]
	if !ok || e.ch == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return e.ch, nil
}

// Channel returns the named channel.
func (m *Manager) Channel(name string) (*capture.Channel, error) {
	return m.lookup(name)
}

// Names returns the names of the set-up channels in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name, e := range m.channels {
		if e.ch != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the view of one channel.
func (m *Manager) Snapshot(name string) (capture.Snapshot, error) {
	ch, err := m.lookup(name)
	if err != nil {
		return capture.Snapshot{}, err
	}
	return ch.Snapshot(), nil
}

// Snapshots returns the view of every channel ordered by name.
func (m *Manager) Snapshots() []capture.Snapshot {
	names := m.Names()
	out := make([]capture.Snapshot, 0, len(names))
	for _, name := range names {
		if s, err := m.Snapshot(name); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// Reset resets the named channel.
func (m *Manager) Reset(ctx context.Context, name string, immediate bool) error {
	ch, err := m.lookup(name)
	if err != nil {
		return err
	}
	var flags capture.ControlFlags
	if immediate {
		flags |= capture.Immediate
	}
	m.logger.Info("Resetting channel", "channel", name, "immediate", immediate)
	return ch.Reset(ctx, flags)
}

// Release releases the named channel and forgets it. The channel is forgotten
// even when the firmware refused the release, because the channel is
// released on the host side either way.
func (m *Manager) Release(ctx context.Context, name string) error {
	m.mu.RLock()
	e, ok := m.channels[name]
	m.mu.RUnlock()
	if !ok || e.ch == nil {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return m.release(ctx, e)
}

func (m *Manager) release(ctx context.Context, e *entry) error {
	err := e.ch.Release(ctx, 0)
	m.mu.Lock()
	if m.channels[e.spec.Name] == e {
		delete(m.channels, e.spec.Name)
	}
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("Channel release failed", "channel", e.spec.Name, "error", err)
		return err
	}
	m.logger.Info("Channel released", "channel", e.spec.Name)
	return nil
}

func (m *Manager) releaseAll(ctx context.Context, entries []*entry) error {
	var g errgroup.Group
	g.SetLimit(setupParallelism)
	errs := make([]error, len(entries))
	for i, e := range entries {
		g.Go(func() error {
			errs[i] = m.release(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Shutdown releases every channel and stops the firmware and mailbox.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.channels))
	for _, e := range m.channels {
		if e.ch != nil {
			entries = append(entries, e)
		}
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down session", "channels", len(entries))
	err := m.releaseAll(ctx, entries)
	m.mailbox.Close()
	m.firmware.Close()
	return err
}

// notifyingRebooter runs a chain of rebooters, logs the outcome and
// reports it to a callback.
type notifyingRebooter struct {
	chain  []capture.Rebooter
	logger *slog.Logger
	notify func(reason string, err error)
}

func (r *notifyingRebooter) Reboot(ctx context.Context, reason string) error {
	r.logger.Warn("Rebooting coprocessor", "reason", reason)
	var errs []error
	for _, next := range r.chain {
		if err := next.Reboot(ctx, reason); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		r.logger.Error("Coprocessor reboot failed", "reason", reason, "error", err)
	}
	if r.notify != nil {
		r.notify(reason, err)
	}
	return err
}
