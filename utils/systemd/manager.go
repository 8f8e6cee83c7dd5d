// Package systemd provides helpers to install and control the hub's systemd
// services.
package systemd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/senic/hub/utils"
	"go.viam.com/rdk/logging"
)

// DefaultUnitDir is where the hub daemons install their units.
const DefaultUnitDir = "/etc/systemd/system"

// Annoying workaround to allow embedding SystemdExecutor in SystemdManager w/o
// allowing it to be modified from outside the module.
type privateExecutor = SystemdExecutor

// SystemdManager provides methods for making high-level changes to systemd
// services.
type SystemdManager struct {
	privateExecutor
	unitDir string
	logger  logging.Logger
}

// SystemdManagerOption is a type used to configure the [SystemdManager]
// returned from [NewSystemdManager].
type SystemdManagerOption func(*SystemdManager)

// WithExecutor configures the created [SystemdManager] with a custom
// [SystemdExecutor] implementation. Should only be used for testing.
func WithExecutor(executor SystemdExecutor) SystemdManagerOption {
	return func(manager *SystemdManager) {
		manager.privateExecutor = executor
	}
}

// WithUnitDir installs units somewhere other than [DefaultUnitDir].
func WithUnitDir(dir string) SystemdManagerOption {
	return func(manager *SystemdManager) {
		manager.unitDir = dir
	}
}

func NewSystemdManager(logger logging.Logger, opts ...SystemdManagerOption) *SystemdManager {
	manager := &SystemdManager{
		logger:          logger,
		privateExecutor: realSystemdExecutor{},
		unitDir:         DefaultUnitDir,
	}
	for _, opt := range opts {
		opt(manager)
	}
	return manager
}

// InstallService creates or updates a service file and reloads systemd if the
// contents changed. It returns the path of the service file and whether the
// service did not exist before.
func (s *SystemdManager) InstallService(ctx context.Context, serviceName string, serviceFileContents []byte) (string, bool, error) {
	if err := s.IsAvailable(ctx); err != nil {
		return "", false, err
	}

	serviceFilePath := filepath.Join(s.unitDir, serviceName+".service")
	// an existing unit may have been disabled on purpose, only new ones get enabled
	_, err := os.Stat(serviceFilePath)
	newInstall := err != nil

	s.logger.Infof("writing systemd service file to %s", serviceFilePath)
	newFile, err := utils.WriteFileIfNew(serviceFilePath, serviceFileContents)
	if err != nil {
		return "", false, errors.Wrapf(err, "writing systemd service file %s", serviceFilePath)
	}
	if newFile {
		if err := s.DaemonReload(ctx); err != nil {
			return "", false, err
		}
	}

	if err := utils.SyncFS(serviceFilePath); err != nil {
		return "", false, err
	}
	return serviceFilePath, newInstall, nil
}

// InstallUnit renders spec, installs it as serviceName and enables it on first install.
func (s *SystemdManager) InstallUnit(ctx context.Context, serviceName string, spec UnitSpec) (string, error) {
	contents, err := GenerateServiceFile(spec)
	if err != nil {
		return "", err
	}
	path, newInstall, err := s.InstallService(ctx, serviceName, contents)
	if err != nil {
		return "", err
	}
	if newInstall {
		if err := s.Enable(ctx, serviceName); err != nil {
			return "", err
		}
	}
	return path, nil
}
