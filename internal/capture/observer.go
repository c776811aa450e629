package capture

import (
	"context"

	"github.com/smazurov/rtcapture/internal/rtcpu"
)

// Info identifies a channel in observer callbacks.
type Info struct {
	Name string
	Kind Kind
	ID   uint32
}

// Observer receives channel activity. Callbacks run on the goroutine that
// caused them, including the status dispatcher, and must not block.
type Observer interface {
	StateChanged(ch Info, from, to State)
	Submitted(ch Info, ring RingKind, slot uint32, threshold uint32)
	Completed(ch Info, ring RingKind, slot uint32, reordered bool)
	Rejected(ch Info, kind rtcpu.Kind, slot uint32, err error)
	ResetDone(ch Info, released int, err error)
}

// Rebooter restarts the coprocessor when a channel cannot be drained.
type Rebooter interface {
	Reboot(ctx context.Context, reason string) error
}

// Tracer captures hardware trace state when a status wait times out.
type Tracer interface {
	CaptureTrace(ch Info)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) StateChanged(Info, State, State)          {}
func (NopObserver) Submitted(Info, RingKind, uint32, uint32) {}
func (NopObserver) Completed(Info, RingKind, uint32, bool)   {}
func (NopObserver) Rejected(Info, rtcpu.Kind, uint32, error) {}
func (NopObserver) ResetDone(Info, int, error)               {}

// Observers fans callbacks out to several observers in order.
type Observers []Observer

func (o Observers) StateChanged(ch Info, from, to State) {
	for _, x := range o {
		x.StateChanged(ch, from, to)
	}
}

func (o Observers) Submitted(ch Info, ring RingKind, slot, threshold uint32) {
	for _, x := range o {
		x.Submitted(ch, ring, slot, threshold)
	}
}

func (o Observers) Completed(ch Info, ring RingKind, slot uint32, reordered bool) {
	for _, x := range o {
		x.Completed(ch, ring, slot, reordered)
	}
}

func (o Observers) Rejected(ch Info, kind rtcpu.Kind, slot uint32, err error) {
	for _, x := range o {
		x.Rejected(ch, kind, slot, err)
	}
}

func (o Observers) ResetDone(ch Info, released int, err error) {
	for _, x := range o {
		x.ResetDone(ch, released, err)
	}
}
