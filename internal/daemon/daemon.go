// Package daemon holds the process plumbing shared by the hub binaries:
// signal handling, pid locking and root checks.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nightlyone/lockfile"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// LockDir is where pid files live.
var LockDir = "/run/senic"

// SetupExitSignalHandling returns a context that is cancelled on the first
// interrupt or termination signal. The returned wait blocks until the signal
// goroutine is gone.
func SetupExitSignalHandling(logger logging.Logger) (context.Context, context.CancelFunc, func()) {
	var workers sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 16)
	workers.Add(1)
	go func() {
		defer workers.Done()
		defer cancel()
		for {
			var sig os.Signal
			select {
			case <-ctx.Done():
				return
			case sig = <-sigChan:
			}

			switch sig {
			case os.Interrupt, syscall.SIGQUIT, syscall.SIGABRT, syscall.SIGTERM:
				logger.Info("exiting")
				signal.Ignore(os.Interrupt, syscall.SIGTERM, syscall.SIGABRT) // keeping SIGQUIT for stack trace debugging
				return
			case syscall.SIGHUP:
			default:
				if sig != syscall.SIGURG {
					logger.Debugw("received unknown signal", "signal", sig)
				}
			}
		}
	}()

	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGABRT, syscall.SIGHUP)
	return ctx, cancel, workers.Wait
}

// ExitIfError logs err and exits.
func ExitIfError(logger logging.Logger, err error) {
	if err != nil {
		logger.Fatal(err)
	}
}

// RequireRoot reports whether the process may continue. The hub daemons talk
// to BlueZ and NetworkManager, both of which need root.
func RequireRoot(name string, devMode bool) (bool, error) {
	curUser, err := user.Current()
	if err != nil {
		return false, err
	}
	if curUser.Uid != "0" && !devMode {
		//nolint:forbidigo
		fmt.Printf("%s must be run as root (uid 0), but current user is %s (uid %s)\n", name, curUser.Username, curUser.Uid)
		return false, nil
	}
	return true, nil
}

// GetLock takes the pid lock for name, clearing a stale lock left by a crash.
func GetLock(logger logging.Logger, name string) (lockfile.Lockfile, error) {
	if err := os.MkdirAll(LockDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating %s", LockDir)
	}
	pidFile, err := lockfile.New(filepath.Join(LockDir, name+".pid"))
	if err != nil {
		return "", errors.Wrap(err, "init lockfile")
	}
	err = pidFile.TryLock()
	if err == nil {
		return pidFile, nil
	}

	logger.Warn(errors.Wrapf(err, "locking %s", pidFile))

	// if it's a potentially temporary error, retry
	if errors.Is(err, lockfile.ErrBusy) || errors.Is(err, lockfile.ErrNotExist) {
		time.Sleep(2 * time.Second)
		logger.Warn("retrying lock")
		err = pidFile.TryLock()
		if err == nil {
			return pidFile, nil
		}

		// pids get reused after a reboot, so make sure the owner really is us
		if errors.Is(err, lockfile.ErrBusy) {
			var staleFile bool
			proc, err := pidFile.GetOwner()
			if err != nil {
				logger.Error(errors.Wrap(err, "getting lockfile owner"))
				staleFile = true
			} else {
				runPath, err := filepath.EvalSymlinks(fmt.Sprintf("/proc/%d/exe", proc.Pid))
				if err != nil {
					logger.Error(errors.Wrap(err, "cannot get info on lockfile owner"))
					staleFile = true
				} else if !strings.Contains(runPath, name) {
					logger.Warnf("lockfile owner isn't %s", name)
					staleFile = true
				}
			}
			if staleFile {
				logger.Warnf("deleting lockfile %s", pidFile)
				if err := os.RemoveAll(string(pidFile)); err != nil {
					return "", errors.Wrap(err, "removing lockfile")
				}
				return pidFile, pidFile.TryLock()
			}
			return "", errors.Errorf("other instance of %s is already running with PID: %d", name, proc.Pid)
		}
	}
	return "", err
}

// ReleaseLock unlocks pidFile, logging failures.
func ReleaseLock(logger logging.Logger, pidFile lockfile.Lockfile) {
	if err := pidFile.Unlock(); err != nil {
		logger.Error(errors.Wrapf(err, "unlocking %s", pidFile))
	}
}
