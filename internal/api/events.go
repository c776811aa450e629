package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/rtcapture/internal/events"
)

// ConnectedEvent is sent first on every event stream.
type ConnectedEvent struct {
	Message   string `json:"message" example:"SSE connection established" doc:"Greeting"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Connection time"`
}

// registerSSERoutes registers the native Huma SSE endpoint.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time stream of channel lifecycle, request, reset and firmware events",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"connected":           ConnectedEvent{},
		"channel-state":       events.ChannelStateEvent{},
		"request-submitted":   events.RequestSubmittedEvent{},
		"request-completed":   events.RequestCompletedEvent{},
		"indication-rejected": events.IndicationRejectedEvent{},
		"channel-reset":       events.ChannelResetEvent{},
		"firmware-reboot":     events.FirmwareRebootEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		stream := events.NewStream(64)
		events.Forward[events.ChannelStateEvent](s.eventBus, stream)
		events.Forward[events.RequestSubmittedEvent](s.eventBus, stream)
		events.Forward[events.RequestCompletedEvent](s.eventBus, stream)
		events.Forward[events.IndicationRejectedEvent](s.eventBus, stream)
		events.Forward[events.ChannelResetEvent](s.eventBus, stream)
		events.Forward[events.FirmwareRebootEvent](s.eventBus, stream)
		defer s.closeStream("events", stream)

		if err := send.Data(ConnectedEvent{
			Message:   "SSE connection established",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-stream.C:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}

// closeStream ends a client's subscriptions and notes what it missed.
func (s *Server) closeStream(name string, stream *events.Stream) {
	stream.Close()
	if n := stream.Dropped(); n > 0 {
		s.logger.Warn("SSE client fell behind", "stream", name, "dropped", n)
	}
}
