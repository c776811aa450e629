package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/rtcapture/internal/api/models"
	"github.com/smazurov/rtcapture/internal/capture"
	"github.com/smazurov/rtcapture/internal/session"
)

// channelError maps channel errors onto HTTP statuses.
func channelError(err error) error {
	if errors.Is(err, session.ErrUnknownChannel) {
		return huma.Error404NotFound("Channel not found", err)
	}
	switch capture.CodeOf(err) {
	case capture.CodeBusy:
		return huma.Error409Conflict("Channel is busy", err)
	case capture.CodeInvalidState, capture.CodeNotInitialized:
		return huma.Error409Conflict("Channel is not in a state that allows this", err)
	case capture.CodeTimeout:
		return huma.Error504GatewayTimeout("Coprocessor did not respond", err)
	case capture.CodeInvalidParameter:
		return huma.Error400BadRequest("Invalid request", err)
	default:
		return huma.Error500InternalServerError("Channel operation failed", err)
	}
}

func (s *Server) registerChannelRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-channels",
		Method:      http.MethodGet,
		Path:        "/api/channels",
		Summary:     "List Channels",
		Description: "Snapshots of every channel set up on the coprocessor",
		Tags:        []string{"channels"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(ctx context.Context, _ *struct{}) (*models.ChannelListResponse, error) {
		snaps := s.channels.Snapshots()
		return &models.ChannelListResponse{
			Body: models.ChannelListData{Channels: snaps, Count: len(snaps)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-channel",
		Method:      http.MethodGet,
		Path:        "/api/channels/{name}",
		Summary:     "Get Channel",
		Description: "Ring occupancy, progress thresholds and counters of one channel",
		Tags:        []string{"channels"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(ctx context.Context, input *models.ChannelInput) (*models.ChannelResponse, error) {
		snap, err := s.channels.Snapshot(input.Name)
		if err != nil {
			return nil, channelError(err)
		}
		return &models.ChannelResponse{Body: snap}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "reset-channel",
		Method:      http.MethodPost,
		Path:        "/api/channels/{name}/reset",
		Summary:     "Reset Channel",
		Description: "Abort and drain the channel's queued requests; the channel stays set up",
		Tags:        []string{"channels"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 409, 504},
	}, func(ctx context.Context, input *models.ResetRequest) (*models.ChannelActionResponse, error) {
		if err := s.channels.Reset(ctx, input.Name, input.Body.Immediate); err != nil {
			s.logger.Warn("Channel reset failed", "channel", input.Name, "error", err)
			return nil, channelError(err)
		}
		state := ""
		if snap, err := s.channels.Snapshot(input.Name); err == nil {
			state = snap.State
		}
		return &models.ChannelActionResponse{
			Body: models.ChannelActionData{Channel: input.Name, Action: "reset", State: state},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "release-channel",
		Method:      http.MethodPost,
		Path:        "/api/channels/{name}/release",
		Summary:     "Release Channel",
		Description: "Release the channel on the coprocessor and free its resources",
		Tags:        []string{"channels"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 409, 504},
	}, func(ctx context.Context, input *models.ChannelInput) (*models.ChannelActionResponse, error) {
		if err := s.channels.Release(ctx, input.Name); err != nil {
			s.logger.Warn("Channel release failed", "channel", input.Name, "error", err)
			return nil, channelError(err)
		}
		return &models.ChannelActionResponse{
			Body: models.ChannelActionData{
				Channel: input.Name,
				Action:  "release",
				State:   capture.StateReleased.String(),
			},
		}, nil
	})
}
