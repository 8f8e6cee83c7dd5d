package systemd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/senic/hub/utils"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

var myServiceBytes = []byte(`
[Unit]
Description=Fake test service

[Service]
Type=exec
ExecStart=/usr/bin/false
`)

func TestSystemdManagerInstallService(t *testing.T) {
	for _, tc := range []struct {
		name     string
		previous []byte
		reloads  int
	}{
		{name: "new install", reloads: 1},
		{name: "identical install", previous: myServiceBytes, reloads: 0},
		{name: "outdated install", previous: []byte{}, reloads: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			unitDir := filepath.Join(t.TempDir(), "system")
			servicePath := filepath.Join(unitDir, "my-service.service")
			if tc.previous != nil {
				test.That(t, os.MkdirAll(unitDir, 0o755), test.ShouldBeNil)
				if len(tc.previous) == 0 {
					utils.Touch(t, servicePath)
				} else {
					test.That(t, os.WriteFile(servicePath, tc.previous, 0o644), test.ShouldBeNil)
				}
			}
			executor := &fakeExecutor{}
			manager := NewSystemdManager(logging.NewTestLogger(t), WithExecutor(executor), WithUnitDir(unitDir))

			path, newInstall, err := manager.InstallService(t.Context(), "my-service", myServiceBytes)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, path, test.ShouldEqual, servicePath)
			test.That(t, newInstall, test.ShouldEqual, tc.previous == nil)
			test.That(t, executor.daemonReloadCallCount, test.ShouldEqual, tc.reloads)

			written, err := os.ReadFile(servicePath)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, written, test.ShouldResemble, myServiceBytes)
		})
	}

	t.Run("systemd missing", func(t *testing.T) {
		executor := &fakeExecutor{unavailable: true}
		manager := NewSystemdManager(logging.NewTestLogger(t), WithExecutor(executor), WithUnitDir(t.TempDir()))
		_, _, err := manager.InstallService(t.Context(), "my-service", myServiceBytes)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestSystemdManagerInstallUnit(t *testing.T) {
	unitDir := t.TempDir()
	executor := &fakeExecutor{}
	manager := NewSystemdManager(logging.NewTestLogger(t), WithExecutor(executor), WithUnitDir(unitDir))
	spec := UnitSpec{
		Description: "Senic Hub network watcher",
		ExecStart:   []string{"/usr/bin/netwatch"},
	}

	path, err := manager.InstallUnit(t.Context(), "netwatch", spec)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path, test.ShouldEqual, filepath.Join(unitDir, "netwatch.service"))
	test.That(t, executor.enabled, test.ShouldResemble, []string{"netwatch"})

	// a reinstall leaves the enablement alone, the unit may have been disabled on purpose
	_, err = manager.InstallUnit(t.Context(), "netwatch", spec)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, executor.enabled, test.ShouldResemble, []string{"netwatch"})
	test.That(t, executor.daemonReloadCallCount, test.ShouldEqual, 1)

	_, err = manager.InstallUnit(t.Context(), "broken", UnitSpec{Description: "no command"})
	test.That(t, err, test.ShouldNotBeNil)
}

type fakeExecutor struct {
	unavailable           bool
	daemonReloadCallCount int
	enabled               []string
	active                map[string]bool
	started               []string
	stopped               []string
	restarted             []string
}

// DaemonReload implements systemd.SystemdExecutor.
func (f *fakeExecutor) DaemonReload(context.Context) error {
	f.daemonReloadCallCount += 1
	return nil
}

// Enable implements systemd.SystemdExecutor.
func (f *fakeExecutor) Enable(ctx context.Context, service string) error {
	f.enabled = append(f.enabled, service)
	return nil
}

// IsAvailable implements systemd.SystemdExecutor.
func (f *fakeExecutor) IsAvailable(context.Context) error {
	if f.unavailable {
		return errors.New("systemctl not found")
	}
	return nil
}

func (f *fakeExecutor) Start(_ context.Context, service string) error {
	f.started = append(f.started, service)
	f.setActive(service, true)
	return nil
}

func (f *fakeExecutor) Stop(_ context.Context, service string) error {
	f.stopped = append(f.stopped, service)
	f.setActive(service, false)
	return nil
}

func (f *fakeExecutor) Restart(_ context.Context, service string) error {
	f.restarted = append(f.restarted, service)
	f.setActive(service, true)
	return nil
}

func (f *fakeExecutor) IsActive(_ context.Context, service string) (bool, error) {
	return f.active[service], nil
}

func (f *fakeExecutor) setActive(service string, active bool) {
	if f.active == nil {
		f.active = map[string]bool{}
	}
	f.active[service] = active
}

