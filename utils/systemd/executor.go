package systemd

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// SystemdExecutor executes various systemd commands as subprocess. It
// primarily exists to enable testing of higher level systemd manipulation via
// mocks or fakes.
type SystemdExecutor interface {
	// IsAvailable checks if systemd is available on the system by executing
	// `systemctl --version`. It returns nil if systemd is available.
	IsAvailable(ctx context.Context) error

	// DaemonReload executes `systemctl daemon-reload`.
	DaemonReload(ctx context.Context) error

	// Enable calls `systemctl enable` with the provided service name.
	Enable(ctx context.Context, service string) error

	Start(ctx context.Context, service string) error
	Stop(ctx context.Context, service string) error
	Restart(ctx context.Context, service string) error

	// IsActive reports the result of `systemctl is-active`. An inactive or
	// failed unit is not an error.
	IsActive(ctx context.Context, service string) (bool, error)
}

type realSystemdExecutor struct{}

func (s realSystemdExecutor) IsAvailable(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "systemctl", "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "systemctl --version returned errors: %s", output)
	}
	return nil
}

func (s realSystemdExecutor) Enable(ctx context.Context, service string) error {
	return systemctl(ctx, "enable", service)
}

func (s realSystemdExecutor) DaemonReload(ctx context.Context) error {
	return systemctl(ctx, "daemon-reload")
}

func (s realSystemdExecutor) Start(ctx context.Context, service string) error {
	return systemctl(ctx, "start", service)
}

func (s realSystemdExecutor) Stop(ctx context.Context, service string) error {
	return systemctl(ctx, "stop", service)
}

func (s realSystemdExecutor) Restart(ctx context.Context, service string) error {
	return systemctl(ctx, "restart", service)
}

func (s realSystemdExecutor) IsActive(ctx context.Context, service string) (bool, error) {
	cmd := exec.CommandContext(ctx, "systemctl", "is-active", service)
	output, err := cmd.Output()
	state := strings.TrimSpace(string(output))
	if err == nil {
		return state == "active", nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && state != "" {
		// non-zero exit with a state string just means "not running"
		return false, nil
	}
	return false, errors.Wrapf(err, "running 'systemctl is-active %s'", service)
}

func systemctl(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "systemctl", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "running 'systemctl %s' output: %s", strings.Join(args, " "), output)
	}
	return nil
}
