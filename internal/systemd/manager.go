package systemd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/smazurov/rtcapture/internal/logging"
)

// unitConn is the part of the D-Bus connection the manager uses.
type unitConn interface {
	GetUnitPropertyContext(ctx context.Context, unit, propertyName string) (*dbus.Property, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	Close()
}

// Manager handles systemd service lifecycle operations via D-Bus.
type Manager struct {
	conn unitConn
}

// NewManager connects to the system bus, or the user bus when user is set.
func NewManager(ctx context.Context, user bool) (*Manager, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if user {
		conn, err = dbus.NewUserConnectionContext(ctx)
	} else {
		conn, err = dbus.NewSystemConnectionContext(ctx)
	}
	if err != nil {
		return nil, err
	}
	return &Manager{conn: conn}, nil
}

// GetServiceStatus retrieves the ActiveState property of a systemd service.
func (m *Manager) GetServiceStatus(ctx context.Context, serviceName string) (string, error) {
	prop, err := m.conn.GetUnitPropertyContext(ctx, serviceName, "ActiveState")
	if err != nil {
		return "", err
	}
	if s, ok := prop.Value.Value().(string); ok {
		return s, nil
	}
	return prop.Value.String(), nil
}

// RestartService restarts a service in replace mode and waits for the job.
func (m *Manager) RestartService(ctx context.Context, serviceName string) error {
	return m.runJob(ctx, serviceName, "restart", m.conn.RestartUnitContext)
}

// StopService stops a service in replace mode and waits for the job.
func (m *Manager) StopService(ctx context.Context, serviceName string) error {
	return m.runJob(ctx, serviceName, "stop", m.conn.StopUnitContext)
}

// StartService starts a service in replace mode and waits for the job.
func (m *Manager) StartService(ctx context.Context, serviceName string) error {
	return m.runJob(ctx, serviceName, "start", m.conn.StartUnitContext)
}

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

func (m *Manager) runJob(ctx context.Context, unit, action string, run jobFunc) error {
	result := make(chan string, 1)
	if _, err := run(ctx, unit, "replace", result); err != nil {
		return fmt.Errorf("%s %s: %w", action, unit, err)
	}
	select {
	case r := <-result:
		if r != "done" {
			return fmt.Errorf("%s %s: job %s", action, unit, r)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", action, unit, ctx.Err())
	}
}

// Close cleanly closes the D-Bus connection.
func (m *Manager) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}

// Rebooter restarts the coprocessor firmware unit. It implements
// capture.Rebooter.
type Rebooter struct {
	manager *Manager
	unit    string
	logger  *slog.Logger
}

// NewRebooter returns a Rebooter for unit.
func NewRebooter(m *Manager, unit string) *Rebooter {
	return &Rebooter{manager: m, unit: unit, logger: logging.GetLogger(logging.ModuleSystemd)}
}

// Reboot restarts the unit and waits for systemd to finish the job.
func (r *Rebooter) Reboot(ctx context.Context, reason string) error {
	r.logger.Warn("Restarting coprocessor firmware", "unit", r.unit, "reason", reason)
	if err := r.manager.RestartService(ctx, r.unit); err != nil {
		r.logger.Error("Coprocessor restart failed", "unit", r.unit, "error", err)
		return err
	}
	status, err := r.manager.GetServiceStatus(ctx, r.unit)
	if err != nil {
		return err
	}
	r.logger.Info("Coprocessor firmware restarted", "unit", r.unit, "state", status)
	return nil
}
