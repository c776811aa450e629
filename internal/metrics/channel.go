// Package metrics provides Prometheus metrics for capture channels and the
// coprocessor mailbox.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/smazurov/rtcapture/internal/capture"
	"github.com/smazurov/rtcapture/internal/rtcpu"
)

const namespace = "rtcapture"

var (
	channelSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "submissions_total",
		Help:      "Requests handed to the firmware",
	}, []string{"channel", "ring"})

	channelCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "completions_total",
		Help:      "Status indications released to waiters",
	}, []string{"channel", "ring"})

	channelReordered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "reordered_total",
		Help:      "Status indications held until older requests completed",
	}, []string{"channel", "ring"})

	channelRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "rejected_total",
		Help:      "Status indications rejected as protocol errors",
	}, []string{"channel", "kind"})

	channelResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "resets_total",
		Help:      "Completed reset and release drains",
	}, []string{"channel", "result"})

	channelAbandoned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "abandoned_total",
		Help:      "In-flight requests released by a drain",
	}, []string{"channel"})

	channelThreshold = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "progress_threshold",
		Help:      "Shadow threshold of the channel progress counter",
	}, []string{"channel", "ring"})

	channelState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "state",
		Help:      "Lifecycle state of the channel (0 uninitialized .. 5 released)",
	}, []string{"channel"})

	// Local cache for SSE exporter access.
	channelCache   = make(map[string]*ChannelMetrics)
	channelCacheMu sync.RWMutex
)

// ChannelMetrics holds current metric values for a channel.
type ChannelMetrics struct {
	State     string
	Submitted uint64
	Completed uint64
	Reordered uint64
	Rejected  uint64
	Resets    uint64
	Threshold uint32
}

func updateCache(name string, fn func(*ChannelMetrics)) {
	channelCacheMu.Lock()
	defer channelCacheMu.Unlock()
	m, ok := channelCache[name]
	if !ok {
		m = &ChannelMetrics{}
		channelCache[name] = m
	}
	fn(m)
}

// GetChannelMetrics returns current metric values for a channel.
func GetChannelMetrics(name string) *ChannelMetrics {
	channelCacheMu.RLock()
	defer channelCacheMu.RUnlock()
	m, ok := channelCache[name]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// GetAllChannelMetrics returns a copy of the metrics of every channel.
func GetAllChannelMetrics() map[string]ChannelMetrics {
	channelCacheMu.RLock()
	defer channelCacheMu.RUnlock()
	out := make(map[string]ChannelMetrics, len(channelCache))
	for name, m := range channelCache {
		out[name] = *m
	}
	return out
}

// DeleteChannelMetrics removes all metrics for a channel.
func DeleteChannelMetrics(name string) {
	labels := prometheus.Labels{"channel": name}
	channelSubmissions.DeletePartialMatch(labels)
	channelCompletions.DeletePartialMatch(labels)
	channelReordered.DeletePartialMatch(labels)
	channelRejected.DeletePartialMatch(labels)
	channelResets.DeletePartialMatch(labels)
	channelAbandoned.DeletePartialMatch(labels)
	channelThreshold.DeletePartialMatch(labels)
	channelState.DeletePartialMatch(labels)

	channelCacheMu.Lock()
	delete(channelCache, name)
	channelCacheMu.Unlock()
}

// Observer records channel activity in the collectors above.
type Observer struct{}

var _ capture.Observer = Observer{}

// StateChanged implements capture.Observer.
func (Observer) StateChanged(ch capture.Info, _, to capture.State) {
	channelState.WithLabelValues(ch.Name).Set(float64(to))
	updateCache(ch.Name, func(m *ChannelMetrics) { m.State = to.String() })
}

// Submitted implements capture.Observer.
func (Observer) Submitted(ch capture.Info, ring capture.RingKind, _, threshold uint32) {
	channelSubmissions.WithLabelValues(ch.Name, ring.String()).Inc()
	if ring == capture.RingProcess {
		channelThreshold.WithLabelValues(ch.Name, ring.String()).Set(float64(threshold))
	}
	updateCache(ch.Name, func(m *ChannelMetrics) {
		m.Submitted++
		if ring == capture.RingProcess {
			m.Threshold = threshold
		}
	})
}

// Completed implements capture.Observer.
func (Observer) Completed(ch capture.Info, ring capture.RingKind, _ uint32, reordered bool) {
	channelCompletions.WithLabelValues(ch.Name, ring.String()).Inc()
	if reordered {
		channelReordered.WithLabelValues(ch.Name, ring.String()).Inc()
	}
	updateCache(ch.Name, func(m *ChannelMetrics) {
		m.Completed++
		if reordered {
			m.Reordered++
		}
	})
}

// Rejected implements capture.Observer.
func (Observer) Rejected(ch capture.Info, kind rtcpu.Kind, _ uint32, _ error) {
	channelRejected.WithLabelValues(ch.Name, kind.String()).Inc()
	updateCache(ch.Name, func(m *ChannelMetrics) { m.Rejected++ })
}

// ResetDone implements capture.Observer.
func (Observer) ResetDone(ch capture.Info, released int, err error) {
	channelResets.WithLabelValues(ch.Name, capture.CodeOf(err).String()).Inc()
	if released > 0 {
		channelAbandoned.WithLabelValues(ch.Name).Add(float64(released))
	}
	updateCache(ch.Name, func(m *ChannelMetrics) { m.Resets++ })
}
