package mailbox

import (
	"time"

	"github.com/smazurov/rtcapture/internal/capture"
	"github.com/smazurov/rtcapture/internal/rtcpu"
)

const (
	directionIn  = "in"
	directionOut = "out"
)

// TraceEntry is one frame seen by a channel engine.
type TraceEntry struct {
	Time      time.Time `json:"time"`
	Direction string    `json:"direction"`
	Stream    string    `json:"stream"`
	Kind      string    `json:"kind"`
	Slot      uint32    `json:"slot"`
}

type traceRing struct {
	entries []TraceEntry
	head    int
	count   int
}

func newTraceRing(size int) *traceRing {
	return &traceRing{entries: make([]TraceEntry, size)}
}

func (r *traceRing) write(e TraceEntry) {
	r.entries[r.head] = e
	r.head = (r.head + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
}

func (r *traceRing) snapshot() []TraceEntry {
	out := make([]TraceEntry, 0, r.count)
	start := (r.head - r.count + len(r.entries)) % len(r.entries)
	for i := range r.count {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}

func (e *engine) record(direction string, stream rtcpu.Stream, kind rtcpu.Kind, slot uint32) {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	e.trace.write(TraceEntry{
		Time:      time.Now(),
		Direction: direction,
		Stream:    stream.String(),
		Kind:      kind.String(),
		Slot:      slot,
	})
}

func (e *engine) traceSnapshot() []TraceEntry {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	return e.trace.snapshot()
}

// CaptureTrace implements capture.Tracer. It keeps the channel's recent
// frames for Trace and logs a summary.
func (fw *Firmware) CaptureTrace(info capture.Info) {
	e := fw.lookup(info.ID)
	if e == nil {
		fw.logger.Warn("Trace requested for unknown channel", "channel", info.Name, "channel_id", info.ID)
		return
	}
	entries := e.traceSnapshot()
	fw.mu.Lock()
	fw.traces[info.ID] = entries
	fw.mu.Unlock()

	attrs := []any{"channel", info.Name, "channel_id", info.ID, "frames", len(entries)}
	if n := len(entries); n > 0 {
		last := entries[n-1]
		attrs = append(attrs, "last_kind", last.Kind, "last_slot", last.Slot, "last_direction", last.Direction)
	}
	fw.logger.Warn("Captured firmware trace", attrs...)
}

// Trace returns the frames captured by the last CaptureTrace for a channel.
func (fw *Firmware) Trace(id uint32) []TraceEntry {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return append([]TraceEntry(nil), fw.traces[id]...)
}
