package rtcpu

// Stream selects one of the two mailbox directions.
type Stream uint8

// Mailbox streams.
const (
	StreamControl Stream = iota
	StreamCapture
)

func (s Stream) String() string {
	switch s {
	case StreamControl:
		return "control"
	case StreamCapture:
		return "capture"
	default:
		return "unknown"
	}
}

// Transport is the message mailbox connecting the host to the firmware.
//
// Send enqueues one frame and never waits for the firmware to consume it.
// Inbound frames whose header identifier equals id are delivered to inbox
// between Attach and Detach. Deliveries happen on an arbitrary goroutine and
// must not block; a full inbox drops the frame.
type Transport interface {
	Send(stream Stream, frame Frame) error
	Attach(stream Stream, id uint32, inbox chan<- Frame) error
	Detach(stream Stream, id uint32)
}
