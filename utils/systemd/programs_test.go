package systemd

import (
	"errors"
	"strings"
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func TestProgramControl(t *testing.T) {
	ctx := t.Context()
	executor := &fakeExecutor{}
	manager := NewSystemdManager(logging.NewTestLogger(t), WithExecutor(executor))

	t.Run("stop inactive is a no-op", func(t *testing.T) {
		test.That(t, manager.StopProgram(ctx, "nuimo_app"), test.ShouldBeNil)
		test.That(t, executor.stopped, test.ShouldBeEmpty)
	})

	t.Run("start then start again", func(t *testing.T) {
		test.That(t, manager.StartProgram(ctx, "bluenet"), test.ShouldBeNil)
		running, err := manager.IsRunning(ctx, "bluenet")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, running, test.ShouldBeTrue)

		err = manager.StartProgram(ctx, "bluenet")
		test.That(t, errors.Is(err, ErrAlreadyStarted), test.ShouldBeTrue)
		test.That(t, executor.started, test.ShouldResemble, []string{"bluenet"})
	})

	t.Run("stop active", func(t *testing.T) {
		test.That(t, manager.StopProgram(ctx, "bluenet"), test.ShouldBeNil)
		test.That(t, executor.stopped, test.ShouldResemble, []string{"bluenet"})
		running, err := manager.IsRunning(ctx, "bluenet")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, running, test.ShouldBeFalse)
	})

	t.Run("restart", func(t *testing.T) {
		test.That(t, manager.RestartService(ctx, "bluetooth"), test.ShouldBeNil)
		test.That(t, executor.restarted, test.ShouldResemble, []string{"bluetooth"})
	})
}

func TestGenerateServiceFile(t *testing.T) {
	_, err := GenerateServiceFile(UnitSpec{Description: "nothing"})
	test.That(t, err, test.ShouldNotBeNil)

	out, err := GenerateServiceFile(UnitSpec{
		Description: "Senic Hub bluetooth wifi provisioning",
		ExecStart:   []string{"/usr/bin/bluenet", "start"},
		After:       []string{"bluetooth.target", "NetworkManager.service"},
	})
	test.That(t, err, test.ShouldBeNil)
	unit := string(out)
	test.That(t, unit, test.ShouldContainSubstring, "[Unit]")
	test.That(t, unit, test.ShouldContainSubstring, "Description=Senic Hub bluetooth wifi provisioning")
	test.That(t, unit, test.ShouldContainSubstring, "After=bluetooth.target NetworkManager.service")
	test.That(t, unit, test.ShouldContainSubstring, "ExecStart=/usr/bin/bluenet start")
	test.That(t, unit, test.ShouldContainSubstring, "WantedBy=multi-user.target")
	test.That(t, strings.Contains(unit, "Wants="), test.ShouldBeFalse)
}
