package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/rtcapture/internal/events"
)

// registerMetricsRoutes registers the metrics SSE endpoint
func (s *Server) registerMetricsRoutes() {
	eventTypes := s.options.MetricEventTypes
	if len(eventTypes) == 0 {
		eventTypes = map[string]any{"channel-metrics": events.ChannelMetricsEvent{}}
	}

	sse.Register(s.api, huma.Operation{
		OperationID: "metrics-stream",
		Method:      http.MethodGet,
		Path:        "/api/metrics",
		Summary:     "Metrics Server-Sent Events Stream",
		Description: "Periodic per-channel counters and progress thresholds",
		Tags:        []string{"metrics"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, eventTypes, func(ctx context.Context, input *struct{}, send sse.Sender) {
		stream := events.NewStream(10)
		events.Forward[events.ChannelMetricsEvent](s.eventBus, stream)
		defer s.closeStream("metrics", stream)

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
