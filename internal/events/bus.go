package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
// Usage: bus.Publish(ChannelStateEvent{...})
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case ChannelStateEvent:
		event.Publish(b.dispatcher, e)
	case RequestSubmittedEvent:
		event.Publish(b.dispatcher, e)
	case RequestCompletedEvent:
		event.Publish(b.dispatcher, e)
	case IndicationRejectedEvent:
		event.Publish(b.dispatcher, e)
	case ChannelResetEvent:
		event.Publish(b.dispatcher, e)
	case FirmwareRebootEvent:
		event.Publish(b.dispatcher, e)
	case ChannelMetricsEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler type selects the events it receives.
// Returns an unsubscribe function
// Usage: unsub := bus.Subscribe(func(e ChannelResetEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(ChannelStateEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(RequestSubmittedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(RequestCompletedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(IndicationRejectedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ChannelResetEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(FirmwareRebootEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ChannelMetricsEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
