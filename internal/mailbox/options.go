package mailbox

import (
	"log/slog"
	"time"

	"github.com/smazurov/rtcapture/internal/rtcpu"
)

// Default firmware timings and limits.
const (
	DefaultBarrierGrace = 5 * time.Millisecond
	DefaultMaxChannels  = 64
	DefaultTraceDepth   = 32
)

// Deliverer carries firmware frames back to the host.
type Deliverer interface {
	Deliver(stream rtcpu.Stream, f rtcpu.Frame) bool
}

// DeviceMemory is the device-side view of pinned host memory.
type DeviceMemory interface {
	Resolve(iova, size uint64) ([]byte, error)
}

// CounterBank is the device side of the progress counters.
type CounterBank interface {
	Read(id uint32) (uint32, error)
	Incr(id, n uint32) (uint32, error)
}

// Options configures a Firmware.
type Options struct {
	// Mailbox receives status indications and control responses (required).
	Mailbox Deliverer

	// Memory resolves ring and descriptor addresses (required).
	Memory DeviceMemory

	// Counters are incremented as requests progress (required).
	Counters CounterBank

	// Latency is the simulated processing time of one request.
	Latency time.Duration

	// BarrierGrace bounds how long a reset waits for its barrier.
	// Zero selects DefaultBarrierGrace.
	BarrierGrace time.Duration

	// MaxChannels bounds concurrently set up channels. Zero selects DefaultMaxChannels.
	MaxChannels int

	// TraceDepth is the number of frames remembered per channel. Zero selects DefaultTraceDepth.
	TraceDepth int

	// Logger for firmware operations. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() {
	if o.BarrierGrace <= 0 {
		o.BarrierGrace = DefaultBarrierGrace
	}
	if o.MaxChannels <= 0 {
		o.MaxChannels = DefaultMaxChannels
	}
	if o.TraceDepth <= 0 {
		o.TraceDepth = DefaultTraceDepth
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
