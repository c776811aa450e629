package collectors

import (
	"context"
	"log/slog"
	"time"

	"github.com/smazurov/rtcapture/internal/logging"
	"github.com/smazurov/rtcapture/internal/mailbox"
	"github.com/smazurov/rtcapture/internal/metrics"
	"github.com/smazurov/rtcapture/internal/surface"
)

// FrameCounter reports mailbox transport counters.
type FrameCounter interface {
	Stats() mailbox.TransportStats
}

// FirmwareState reports coprocessor channel and reboot counts.
type FirmwareState interface {
	Channels() int
	Reboots() int
}

// CounterUsage reports progress counter allocation.
type CounterUsage interface {
	InUse() (used, capacity int)
}

// SurfaceUsage reports memory surface occupancy.
type SurfaceUsage interface {
	Stats() surface.Stats
}

// Sources are the components polled by ResourceCollector. Nil sources are
// skipped.
type Sources struct {
	Mailbox  FrameCounter
	Firmware FirmwareState
	Counters CounterUsage
	Surfaces SurfaceUsage
}

// ResourceCollector samples mailbox, firmware, counter and surface usage
// into gauges.
type ResourceCollector struct {
	logger   *slog.Logger
	sources  Sources
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewResourceCollector creates a collector sampling every interval.
func NewResourceCollector(sources Sources, interval time.Duration) *ResourceCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceCollector{
		logger:   logging.GetLogger(logging.ModuleMailbox),
		sources:  sources,
		interval: interval,
	}
}

// Start begins collecting.
func (c *ResourceCollector) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run()
	return nil
}

// Stop stops the collector and waits for it to exit.
func (c *ResourceCollector) Stop() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return nil
}

func (c *ResourceCollector) run() {
	defer close(c.done)
	c.logger.Debug("Starting resource metrics collection", "interval", c.interval)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect samples every source once.
func (c *ResourceCollector) Collect() {
	if s := c.sources.Mailbox; s != nil {
		st := s.Stats()
		metrics.SetMailboxFrames(st.Sent, st.Delivered, st.Dropped)
	}
	if s := c.sources.Firmware; s != nil {
		metrics.SetFirmware(s.Channels(), s.Reboots())
	}
	if s := c.sources.Counters; s != nil {
		metrics.SetCounters(s.InUse())
	}
	if s := c.sources.Surfaces; s != nil {
		st := s.Stats()
		metrics.SetSurfaces(st.Buffers, st.Mapped, st.Pins, st.Available)
	}
}
