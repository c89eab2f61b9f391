// Package service talks to the service manager.
package service

import (
	"context"
	"fmt"
	"syscall"

	"github.com/coreos/go-systemd/v22/dbus"
	"go.uber.org/zap"
)

// SystemStateStopping is reported by systemd while the system shuts down
const SystemStateStopping = "stopping"

// Manager controls system services
type Manager interface {
	// Restart (re)starts unit
	Restart(ctx context.Context, unit string) error

	// RestartIfRunning restarts unit only if it is active
	RestartIfRunning(ctx context.Context, unit string) error

	// Kill sends sig to the processes of unit
	Kill(ctx context.Context, unit string, sig syscall.Signal) error

	// SystemState returns the overall manager state, e.g. "running" or "stopping"
	SystemState(ctx context.Context) (string, error)

	Close()
}

// Systemd manages units over the system D-Bus
type Systemd struct {
	conn   *dbus.Conn
	logger *zap.Logger
}

// NewSystemd connects to systemd
func NewSystemd(ctx context.Context, logger *zap.Logger) (*Systemd, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to D-Bus: %w", err)
	}
	return &Systemd{conn: conn, logger: logger.Named("systemd")}, nil
}

func (s *Systemd) waitJob(ctx context.Context, unit string, ch <-chan string) error {
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("job for %s finished with %q", unit, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart restarts unit and waits for the job to finish
func (s *Systemd) Restart(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	if _, err := s.conn.RestartUnitContext(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("failed to restart %s: %w", unit, err)
	}
	s.logger.Info("Restarting service", zap.String("unit", unit))
	return s.waitJob(ctx, unit, ch)
}

// RestartIfRunning restarts unit if it is active and does nothing otherwise
func (s *Systemd) RestartIfRunning(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	if _, err := s.conn.TryRestartUnitContext(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("failed to restart %s: %w", unit, err)
	}
	return s.waitJob(ctx, unit, ch)
}

// Kill signals the main and control processes of unit
func (s *Systemd) Kill(ctx context.Context, unit string, sig syscall.Signal) error {
	s.conn.KillUnitContext(ctx, unit, int32(sig))
	s.logger.Debug("Signalled service", zap.String("unit", unit), zap.Stringer("signal", sig))
	return nil
}

// SystemState returns the SystemState property of the manager
func (s *Systemd) SystemState(ctx context.Context) (string, error) {
	prop, err := s.conn.SystemStateContext(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to query system state: %w", err)
	}
	state, ok := prop.Value.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected system state value %v", prop.Value)
	}
	return state, nil
}

// Close closes the D-Bus connection
func (s *Systemd) Close() {
	s.conn.Close()
}

// Noop is used when no service manager is reachable. Every operation fails
// except Close.
type Noop struct {
	Reason error
}

func (n Noop) err(op string) error {
	return fmt.Errorf("service manager unavailable for %s: %w", op, n.Reason)
}

// Restart implements Manager
func (n Noop) Restart(ctx context.Context, unit string) error { return n.err("restart " + unit) }

// RestartIfRunning implements Manager
func (n Noop) RestartIfRunning(ctx context.Context, unit string) error {
	return n.err("restart " + unit)
}

// Kill implements Manager
func (n Noop) Kill(ctx context.Context, unit string, sig syscall.Signal) error {
	return n.err("kill " + unit)
}

// SystemState implements Manager
func (n Noop) SystemState(ctx context.Context) (string, error) { return "", n.err("system state") }

// Close implements Manager
func (n Noop) Close() {}
