package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/rtcapture/internal/api/models"
)

type unitAction struct {
	name, summary string
	run           func(ctx context.Context, unit string) error
}

// registerSystemdRoutes exposes the coprocessor firmware unit.
func (s *Server) registerSystemdRoutes() {
	mgr := s.options.SystemdManager
	unit := s.options.FirmwareUnit
	if mgr == nil || unit == "" {
		return
	}

	huma.Register(s.api, huma.Operation{
		OperationID: "get-firmware-status",
		Method:      http.MethodGet,
		Path:        "/api/systemd/firmware/status",
		Summary:     "Firmware Unit Status",
		Description: "Get the coprocessor firmware systemd unit status",
		Tags:        []string{"systemd"},
		Security:    withAuth(),
	}, func(ctx context.Context, _ *struct{}) (*models.SystemdServiceStatusResponse, error) {
		status, err := mgr.GetServiceStatus(ctx, unit)
		if err != nil {
			return nil, huma.Error500InternalServerError("Failed to get service status", err)
		}
		return &models.SystemdServiceStatusResponse{
			Body: models.SystemdServiceStatus{Service: unit, Status: status},
		}, nil
	})

	actions := []unitAction{
		{"restart", "Restart Firmware Unit", mgr.RestartService},
		{"stop", "Stop Firmware Unit", mgr.StopService},
		{"start", "Start Firmware Unit", mgr.StartService},
	}
	for _, a := range actions {
		huma.Register(s.api, huma.Operation{
			OperationID: a.name + "-firmware",
			Method:      http.MethodPost,
			Path:        "/api/systemd/firmware/" + a.name,
			Summary:     a.summary,
			Description: a.summary + " through systemd",
			Tags:        []string{"systemd"},
			Security:    withAuth(),
		}, func(ctx context.Context, _ *struct{}) (*models.SystemdServiceActionResponse, error) {
			if err := a.run(ctx, unit); err != nil {
				s.logger.Error("Firmware unit action failed", "unit", unit, "action", a.name, "error", err)
				return nil, huma.Error500InternalServerError("Failed to "+a.name+" service", err)
			}
			return &models.SystemdServiceActionResponse{
				Body: models.SystemdServiceAction{Service: unit, Action: a.name, Success: true},
			}, nil
		})
	}
}
