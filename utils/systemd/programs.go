package systemd

import (
	"context"

	"github.com/pkg/errors"
)

// ErrAlreadyStarted is returned by StartProgram when the unit is already active.
var ErrAlreadyStarted = errors.New("already started")

// IsRunning reports whether the named program's unit is active.
func (s *SystemdManager) IsRunning(ctx context.Context, program string) (bool, error) {
	return s.IsActive(ctx, program)
}

// StartProgram starts the named program. Starting an active unit returns
// ErrAlreadyStarted so callers can tell the benign case apart.
func (s *SystemdManager) StartProgram(ctx context.Context, program string) error {
	active, err := s.IsActive(ctx, program)
	if err != nil {
		return err
	}
	if active {
		return errors.Wrap(ErrAlreadyStarted, program)
	}
	s.logger.Infof("starting %s", program)
	return s.Start(ctx, program)
}

// StopProgram stops the named program. Stopping an inactive unit is a no-op.
func (s *SystemdManager) StopProgram(ctx context.Context, program string) error {
	active, err := s.IsActive(ctx, program)
	if err != nil {
		return err
	}
	if !active {
		return nil
	}
	s.logger.Infof("stopping %s", program)
	return s.Stop(ctx, program)
}

// RestartService restarts a unit regardless of its current state.
func (s *SystemdManager) RestartService(ctx context.Context, service string) error {
	s.logger.Infof("restarting %s", service)
	return s.Restart(ctx, service)
}
