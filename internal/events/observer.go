package events

import (
	"time"

	"github.com/smazurov/rtcapture/internal/capture"
	"github.com/smazurov/rtcapture/internal/rtcpu"
)

// Observer publishes channel activity on a bus.
type Observer struct {
	bus *Bus
	// Requests enables the per-request submitted and completed events.
	Requests bool
}

// NewObserver returns an Observer publishing lifecycle events on bus.
func NewObserver(bus *Bus, requests bool) *Observer {
	return &Observer{bus: bus, Requests: requests}
}

var _ capture.Observer = (*Observer)(nil)

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// StateChanged implements capture.Observer.
func (o *Observer) StateChanged(ch capture.Info, from, to capture.State) {
	o.bus.Publish(ChannelStateEvent{
		Channel:   ch.Name,
		Kind:      ch.Kind.String(),
		ChannelID: ch.ID,
		From:      from.String(),
		To:        to.String(),
		Timestamp: now(),
	})
}

// Submitted implements capture.Observer.
func (o *Observer) Submitted(ch capture.Info, ring capture.RingKind, slot, threshold uint32) {
	if !o.Requests {
		return
	}
	o.bus.Publish(RequestSubmittedEvent{
		Channel:   ch.Name,
		Ring:      ring.String(),
		Slot:      slot,
		Threshold: threshold,
		Timestamp: now(),
	})
}

// Completed implements capture.Observer.
func (o *Observer) Completed(ch capture.Info, ring capture.RingKind, slot uint32, reordered bool) {
	if !o.Requests {
		return
	}
	o.bus.Publish(RequestCompletedEvent{
		Channel:   ch.Name,
		Ring:      ring.String(),
		Slot:      slot,
		Reordered: reordered,
		Timestamp: now(),
	})
}

// Rejected implements capture.Observer.
func (o *Observer) Rejected(ch capture.Info, kind rtcpu.Kind, slot uint32, err error) {
	o.bus.Publish(IndicationRejectedEvent{
		Channel:   ch.Name,
		Message:   kind.String(),
		Slot:      slot,
		Error:     errString(err),
		Timestamp: now(),
	})
}

// ResetDone implements capture.Observer.
func (o *Observer) ResetDone(ch capture.Info, released int, err error) {
	o.bus.Publish(ChannelResetEvent{
		Channel:   ch.Name,
		Released:  released,
		Error:     errString(err),
		Timestamp: now(),
	})
}
