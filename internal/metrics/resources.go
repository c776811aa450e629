package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mailboxFrames = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "mailbox",
		Name:      "frames",
		Help:      "Frames seen by the mailbox transport since start",
	}, []string{"outcome"})

	firmwareChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "firmware",
		Name:      "channels",
		Help:      "Channels allocated in the coprocessor",
	})

	firmwareReboots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "firmware",
		Name:      "reboots",
		Help:      "Coprocessor reboots since start",
	})

	counterUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "syncpt",
		Name:      "counters",
		Help:      "Progress counters by usage",
	}, []string{"usage"})

	surfaceUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "surface",
		Name:      "usage",
		Help:      "Memory surface registry occupancy",
	}, []string{"kind"})
)

// SetMailboxFrames records the transport counters.
func SetMailboxFrames(sent, delivered, dropped uint64) {
	mailboxFrames.WithLabelValues("sent").Set(float64(sent))
	mailboxFrames.WithLabelValues("delivered").Set(float64(delivered))
	mailboxFrames.WithLabelValues("dropped").Set(float64(dropped))
}

// SetFirmware records coprocessor channel and reboot counts.
func SetFirmware(channels, reboots int) {
	firmwareChannels.Set(float64(channels))
	firmwareReboots.Set(float64(reboots))
}

// SetCounters records progress counter usage.
func SetCounters(used, capacity int) {
	counterUsage.WithLabelValues("used").Set(float64(used))
	counterUsage.WithLabelValues("free").Set(float64(capacity - used))
}

// SetSurfaces records memory surface occupancy.
func SetSurfaces(buffers, mapped, pins int, available uint64) {
	surfaceUsage.WithLabelValues("buffers").Set(float64(buffers))
	surfaceUsage.WithLabelValues("mapped").Set(float64(mapped))
	surfaceUsage.WithLabelValues("pins").Set(float64(pins))
	surfaceUsage.WithLabelValues("iova_available_bytes").Set(float64(available))
}
