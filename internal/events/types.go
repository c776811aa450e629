package events

// Event type constants for kelindar/event.
const (
	TypeChannelState uint32 = iota + 1
	TypeRequestSubmitted
	TypeRequestCompleted
	TypeIndicationRejected
	TypeChannelReset
	TypeFirmwareReboot
	TypeChannelMetrics
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// ChannelStateEvent is published on every lifecycle transition.
type ChannelStateEvent struct {
	Channel   string `json:"channel" example:"cam0" doc:"Channel name"`
	Kind      string `json:"kind" example:"vi" doc:"Channel kind"`
	ChannelID uint32 `json:"channel_id" example:"1" doc:"Firmware channel id"`
	From      string `json:"from" example:"uninitialized" doc:"Previous state"`
	To        string `json:"to" example:"ready" doc:"New state"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ChannelStateEvent.
func (e ChannelStateEvent) Type() uint32 { return TypeChannelState }

// RequestSubmittedEvent is published when a request is handed to the firmware.
type RequestSubmittedEvent struct {
	Channel   string `json:"channel" example:"cam0" doc:"Channel name"`
	Ring      string `json:"ring" example:"process" doc:"Request ring"`
	Slot      uint32 `json:"slot" example:"3" doc:"Ring slot"`
	Threshold uint32 `json:"threshold" example:"12" doc:"Progress threshold after the request"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for RequestSubmittedEvent.
func (e RequestSubmittedEvent) Type() uint32 { return TypeRequestSubmitted }

// RequestCompletedEvent is published when a slot's completion is released.
type RequestCompletedEvent struct {
	Channel   string `json:"channel" example:"cam0" doc:"Channel name"`
	Ring      string `json:"ring" example:"process" doc:"Request ring"`
	Slot      uint32 `json:"slot" example:"3" doc:"Ring slot"`
	Reordered bool   `json:"reordered" example:"false" doc:"Whether the indication was held for ordering"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for RequestCompletedEvent.
func (e RequestCompletedEvent) Type() uint32 { return TypeRequestCompleted }

// IndicationRejectedEvent is published for status indications that break
// the protocol.
type IndicationRejectedEvent struct {
	Channel   string `json:"channel" example:"cam0" doc:"Channel name"`
	Message   string `json:"message" example:"capture-status" doc:"Indication kind"`
	Slot      uint32 `json:"slot" example:"3" doc:"Slot named by the indication"`
	Error     string `json:"error" doc:"Why the indication was rejected"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for IndicationRejectedEvent.
func (e IndicationRejectedEvent) Type() uint32 { return TypeIndicationRejected }

// ChannelResetEvent is published after a reset or release drained a channel.
type ChannelResetEvent struct {
	Channel   string `json:"channel" example:"cam0" doc:"Channel name"`
	Released  int    `json:"released" example:"2" doc:"Requests abandoned by the drain"`
	Error     string `json:"error,omitempty" doc:"Error of the control request"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ChannelResetEvent.
func (e ChannelResetEvent) Type() uint32 { return TypeChannelReset }

// FirmwareRebootEvent is published when the coprocessor is restarted.
type FirmwareRebootEvent struct {
	Reason    string `json:"reason" doc:"Why the reboot was requested"`
	Error     string `json:"error,omitempty" doc:"Reboot failure"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for FirmwareRebootEvent.
func (e FirmwareRebootEvent) Type() uint32 { return TypeFirmwareReboot }

// ChannelMetricsEvent carries periodic channel counters.
type ChannelMetricsEvent struct {
	Channel   string `json:"channel" example:"cam0" doc:"Channel name"`
	State     string `json:"state" example:"ready" doc:"Lifecycle state"`
	Submitted uint64 `json:"submitted" doc:"Requests submitted"`
	Completed uint64 `json:"completed" doc:"Requests completed"`
	Reordered uint64 `json:"reordered" doc:"Completions held for ordering"`
	Rejected  uint64 `json:"rejected" doc:"Rejected status indications"`
	Resets    uint64 `json:"resets" doc:"Reset and release drains"`
	Threshold uint32 `json:"threshold" doc:"Progress threshold"`
}

// Type returns the event type identifier for ChannelMetricsEvent.
func (e ChannelMetricsEvent) Type() uint32 { return TypeChannelMetrics }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2026-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"capture" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
