package subsystems

import (
	"context"
	"fmt"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"github.com/senic/hub/utils"
)

const (
	DefaultCheckInterval = time.Minute
	healthCheckTimeout   = 15 * time.Second
	stopAllTimeout       = 2 * time.Minute
)

type entry struct {
	name string
	sub  Subsystem
}

// Manager starts a daemon's subsystems, restarts any that fail their health check and stops them on exit.
type Manager struct {
	logger        logging.Logger
	checkInterval time.Duration

	mu      sync.Mutex
	entries []entry

	bgCancel                context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

func NewManager(logger logging.Logger, checkInterval time.Duration) *Manager {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	return &Manager{
		logger:        logger.Sublogger("manager"),
		checkInterval: checkInterval,
	}
}

// Add registers a subsystem. Subsystems are checked in the order they were added and stopped in reverse.
func (m *Manager) Add(name string, sub Subsystem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry{name: name, sub: sub})
}

func (m *Manager) snapshot() []entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]entry(nil), m.entries...)
}

// StartAll starts every subsystem, returning the first error.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, e := range m.snapshot() {
		if err := e.sub.Start(ctx); err != nil {
			return errw.Wrapf(err, "starting subsystem %s", e.name)
		}
	}
	return nil
}

// SubsystemHealthChecks makes sure all subsystems are responding, and restarts them if not.
func (m *Manager) SubsystemHealthChecks(ctx context.Context) {
	defer utils.Recover(m.logger, nil)
	if ctx.Err() != nil {
		return
	}
	m.logger.Debug("Starting health checks for all subsystems")

	for _, e := range m.snapshot() {
		if ctx.Err() != nil {
			return
		}

		// Start should return near-instantly if already started.
		if err := e.sub.Start(ctx); err != nil {
			m.logger.Warn(err)
		}

		ctxTimeout, cancelFunc := context.WithTimeout(ctx, healthCheckTimeout)
		err := e.sub.HealthCheck(ctxTimeout)
		cancelFunc()
		if err == nil {
			m.logger.Debugf("Subsystem healthcheck succeeded for %s", e.name)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		m.logger.Errorw(
			"Subsystem healthcheck failed, subsystem will be restarted",
			"subsystem", e.name,
			"err", err,
		)
		if err := e.sub.Stop(ctx); err != nil {
			m.logger.Warn(errw.Wrapf(err, "stopping subsystem %s", e.name))
		}
		if ctx.Err() != nil {
			return
		}
		if err := e.sub.Start(ctx); err != nil {
			m.logger.Warn(errw.Wrapf(err, "restarting subsystem %s", e.name))
		}
	}
}

// StartBackgroundChecks runs SubsystemHealthChecks every check interval until ctx is done.
// A panic escaping the loop calls globalCancel so the daemon exits and systemd restarts it.
func (m *Manager) StartBackgroundChecks(ctx context.Context, globalCancel context.CancelFunc) {
	if ctx.Err() != nil {
		return
	}

	m.logger.Debug("starting background checks")
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.bgCancel = cancel
	m.mu.Unlock()

	m.activeBackgroundWorkers.Add(1)
	go func() {
		defer utils.Recover(m.logger, func(_ any) {
			m.logger.Error("serious panic discovered, exiting for clean restart")
			if globalCancel != nil {
				globalCancel()
			}
		})
		defer m.activeBackgroundWorkers.Done()

		timer := time.NewTimer(m.checkInterval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			m.SubsystemHealthChecks(ctx)
			timer.Reset(m.checkInterval)
		}
	}()
}

// CloseAll ends the background checks, then stops the subsystems in reverse order.
func (m *Manager) CloseAll() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// log and continue if shutdown is taking too long
	slowWatcher, slowWatcherCancel := goutils.SlowGoroutineWatcher(
		stopAllTimeout,
		fmt.Sprintf("subsystems failed to shut down within %v", stopAllTimeout),
		m.logger,
	)
	defer slowWatcherCancel()

	done := make(chan struct{})
	goutils.PanicCapturingGo(func() {
		defer close(done)
		m.mu.Lock()
		if m.bgCancel != nil {
			m.bgCancel()
		}
		m.mu.Unlock()
		m.activeBackgroundWorkers.Wait()

		entries := m.snapshot()
		for i := len(entries) - 1; i >= 0; i-- {
			if err := entries[i].sub.Stop(ctx); err != nil {
				m.logger.Warn(errw.Wrapf(err, "stopping subsystem %s", entries[i].name))
			} else {
				m.logger.Infof("Subsystem %s shut down successfully", entries[i].name)
			}
		}
	})

	select {
	case <-done:
		m.logger.Info("All subsystems shut down")
	case <-slowWatcher:
		m.logger.Error("Shutdown timed out")
	}
}
