// Package onboarding discovers and connects a Nuimo controller, restarting the
// bluetooth stack whenever an attempt stalls.
package onboarding

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/senic/hub/utils"
)

var (
	ErrAlreadyRunning = errw.New("onboarding already running")
	ErrConnectTimeout = errw.New("connect timed out")
)

// a radio that fails connects synchronously would otherwise spin inside one attempt
const maxConnectFailures = 3

type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseDiscovering
	PhaseConnecting
	PhaseRestarting
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDiscovering:
		return "discovering"
	case PhaseConnecting:
		return "connecting"
	case PhaseRestarting:
		return "restarting"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

type Options struct {
	MaxAttempts      int
	DiscoveryTimeout time.Duration
	ConnectTimeout   time.Duration
	// RequiredAddress restricts connects to one controller, compared case-insensitively.
	RequiredAddress string
}

func OptionsFromConfig(cfg utils.OnboardingConfig, requiredAddress string) Options {
	return Options{
		MaxAttempts:      cfg.MaxAttempts,
		DiscoveryTimeout: time.Duration(cfg.DiscoveryTimeout),
		ConnectTimeout:   time.Duration(cfg.ConnectTimeout),
		RequiredAddress:  requiredAddress,
	}
}

// Result of a DiscoverAndConnect run. Address is empty when every attempt failed.
type Result struct {
	Address           string
	Attempts          int
	Restarts          int
	DiscoveryDuration time.Duration
	ConnectDuration   time.Duration
}

func (r Result) Connected() bool {
	return r.Address != ""
}

type watchdog int

const (
	discoveryWatchdog watchdog = iota
	connectWatchdog
)

func (w watchdog) String() string {
	if w == connectWatchdog {
		return "connect"
	}
	return "discovery"
}

type timeout struct {
	kind watchdog
	seq  uint64
}

// pendingConnect is the correlation slot for one in-flight connect.
type pendingConnect struct {
	addr     string
	started  time.Time
	failures int
}

// Supervisor is a single-writer state machine: radio completions and watchdog
// expiries are funneled into the goroutine running DiscoverAndConnect, which
// alone mutates the attempt state.
type Supervisor struct {
	radio    Radio
	listener Listener
	logger   logging.Logger
	opts     Options

	running atomic.Bool
	phase   atomic.Int32

	// owned by the DiscoverAndConnect goroutine
	timeouts     chan timeout
	quit         chan struct{}
	timer        *time.Timer
	seq          uint64
	pending      map[string]*pendingConnect
	attempt      int
	attemptStart time.Time
	result       Result
}

func NewSupervisor(logger logging.Logger, radio Radio, listener Listener, opts Options) *Supervisor {
	if listener == nil {
		listener = NopListener{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Supervisor{
		radio:    radio,
		listener: listener,
		logger:   logger,
		opts:     opts,
	}
}

func (s *Supervisor) Phase() Phase {
	return Phase(s.phase.Load())
}

// Restarting reports whether a stack restart is underway.
func (s *Supervisor) Restarting() bool {
	return s.Phase() == PhaseRestarting
}

func (s *Supervisor) setPhase(p Phase) {
	old := Phase(s.phase.Swap(int32(p)))
	if old != p {
		s.logger.Debugf("phase %s -> %s", old, p)
	}
}

// DiscoverAndConnect blocks until a controller is connected, the attempt
// budget is spent, or ctx is done. Running out of attempts is not an error.
func (s *Supervisor) DiscoverAndConnect(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.timeouts = make(chan timeout, 1)
	s.quit = make(chan struct{})
	s.pending = map[string]*pendingConnect{}
	s.seq = 0
	s.result = Result{}
	s.setPhase(PhaseIdle)
	defer func() {
		s.disarm()
		close(s.quit)
	}()

	s.logger.Infof("Discover and connect Nuimo controller with timeout = %s", s.opts.DiscoveryTimeout)
	connected, err := s.radio.Prepare(ctx)
	if err != nil {
		return s.result, errw.Wrap(err, "preparing bluetooth adapter")
	}
	for _, addr := range connected {
		s.logger.Infof("Already connected controller %s, looking for another one", addr)
	}

	for s.attempt = 1; s.attempt <= s.opts.MaxAttempts; s.attempt++ {
		s.result.Attempts = s.attempt
		addr, err := s.runAttempt(ctx)
		if err != nil {
			s.setPhase(PhaseDone)
			return s.result, err
		}
		if addr != "" {
			s.result.Address = addr
			s.finish()
			return s.result, nil
		}
		if err := s.restart(ctx); err != nil {
			s.setPhase(PhaseDone)
			return s.result, err
		}
	}

	s.logger.Warnf("No controller connected after %d attempts", s.opts.MaxAttempts)
	s.finish()
	return s.result, nil
}

func (s *Supervisor) finish() {
	s.setPhase(PhaseDone)
	s.listener.EventReceived(Event{
		Kind:    EventFinished,
		Attempt: s.attempt,
		Address: s.result.Address,
	})
}

// runAttempt returns the connected address, or "" when the attempt ended without one.
func (s *Supervisor) runAttempt(ctx context.Context) (string, error) {
	s.logger.Infof("Onboarding attempt %d of %d", s.attempt, s.opts.MaxAttempts)
	s.listener.EventReceived(Event{Kind: EventAttemptStarted, Attempt: s.attempt})

	s.attemptStart = time.Now()
	s.setPhase(PhaseDiscovering)
	s.arm(discoveryWatchdog, s.opts.DiscoveryTimeout)
	if err := s.radio.StartDiscovery(); err != nil {
		s.logger.Warn(errw.Wrap(err, "starting discovery"))
		s.endAttempt()
		return "", nil
	}

	events := s.radio.Events()
	for {
		select {
		case <-ctx.Done():
			s.endAttempt()
			return "", ctx.Err()
		case t := <-s.timeouts:
			if s.timedOut(t) {
				s.endAttempt()
				return "", nil
			}
		case ev := <-events:
			addr, failed := s.handleRadio(ev)
			if addr != "" {
				return addr, nil
			}
			if failed {
				s.endAttempt()
				return "", nil
			}
		}
	}
}

// timedOut reports whether t ends the current attempt. Watchdogs that were
// disarmed or outlived their phase are no-ops.
func (s *Supervisor) timedOut(t timeout) bool {
	if t.seq != s.seq {
		s.logger.Debugf("ignoring late %s watchdog", t.kind)
		return false
	}
	elapsed := time.Since(s.attemptStart)
	switch {
	case t.kind == discoveryWatchdog && s.Phase() == PhaseDiscovering:
		s.logger.Info("Discovery timed out")
		s.listener.EventReceived(Event{Kind: EventDiscoveryTimedOut, Attempt: s.attempt, Elapsed: elapsed})
		return true
	case t.kind == connectWatchdog && s.Phase() == PhaseConnecting:
		for _, p := range s.pending {
			s.logger.Infof("Connecting %s timed out", p.addr)
			s.listener.ConnectFailed(p.addr, ErrConnectTimeout)
			s.listener.EventReceived(Event{Kind: EventConnectTimedOut, Attempt: s.attempt, Address: p.addr, Elapsed: elapsed})
		}
		return true
	}
	s.logger.Debugf("ignoring %s watchdog while %s", t.kind, s.Phase())
	return false
}

// handleRadio returns the address once connected, or failed when the attempt is over.
func (s *Supervisor) handleRadio(ev RadioEvent) (string, bool) {
	switch ev.Kind {
	case RadioDiscovered:
		s.discovered(ev.Address)
	case RadioConnected:
		p, ok := s.pending[correlationKey(ev.Address)]
		if !ok {
			s.logger.Debugf("dropping late connect of %s", ev.Address)
			return "", false
		}
		s.disarm()
		delete(s.pending, correlationKey(ev.Address))
		s.result.ConnectDuration = time.Since(p.started)
		s.logger.Infof("%s successfully connected after %s", p.addr, s.result.ConnectDuration)
		s.listener.ConnectSucceeded(p.addr)
		return p.addr, false
	case RadioConnectFailed:
		p, ok := s.pending[correlationKey(ev.Address)]
		if !ok {
			s.logger.Debugf("dropping late connect failure of %s", ev.Address)
			return "", false
		}
		p.failures++
		s.logger.Infof("%s connection failed: %s", p.addr, ev.Err)
		s.listener.ConnectFailed(p.addr, ev.Err)
		if p.failures >= maxConnectFailures {
			s.logger.Warnf("Giving up on %s after %d failed connects", p.addr, p.failures)
			return "", true
		}
		s.arm(connectWatchdog, s.opts.ConnectTimeout)
		s.radio.Connect(p.addr)
	case RadioDisconnected:
		if _, ok := s.pending[correlationKey(ev.Address)]; ok {
			s.logger.Debugf("%s disconnected while connecting", ev.Address)
		}
		s.listener.DisconnectSucceeded(ev.Address)
	}
	return "", false
}

func (s *Supervisor) discovered(addr string) {
	if s.Phase() != PhaseDiscovering {
		s.logger.Debugf("%s discovered but ignored, already connecting to another one", addr)
		return
	}
	if s.opts.RequiredAddress != "" && !strings.EqualFold(s.opts.RequiredAddress, addr) {
		s.logger.Debugf("%s discovered but ignored because we look for a specific one", addr)
		return
	}

	s.disarm()
	s.result.DiscoveryDuration = time.Since(s.attemptStart)
	s.logger.Debugf("%s discovered, stopping discovery and trying to connect", addr)
	s.listener.EventReceived(Event{
		Kind:    EventDiscovered,
		Attempt: s.attempt,
		Address: addr,
		Elapsed: s.result.DiscoveryDuration,
	})
	if err := s.radio.StopDiscovery(); err != nil {
		s.logger.Debug(errw.Wrap(err, "stopping discovery"))
	}

	s.setPhase(PhaseConnecting)
	s.pending[correlationKey(addr)] = &pendingConnect{addr: addr, started: time.Now()}
	s.listener.StartedConnecting(addr)
	s.arm(connectWatchdog, s.opts.ConnectTimeout)
	s.radio.Connect(addr)
}

// endAttempt tears down whatever the attempt left behind.
func (s *Supervisor) endAttempt() {
	s.disarm()
	if s.Phase() == PhaseDiscovering {
		if err := s.radio.StopDiscovery(); err != nil {
			s.logger.Debug(errw.Wrap(err, "stopping discovery"))
		}
	}
	for key, p := range s.pending {
		if err := s.radio.Disconnect(p.addr); err != nil {
			s.logger.Debug(errw.Wrapf(err, "disconnecting %s", p.addr))
		}
		delete(s.pending, key)
	}
	s.setPhase(PhaseIdle)
}

func (s *Supervisor) restart(ctx context.Context) error {
	s.setPhase(PhaseRestarting)
	s.listener.EventReceived(Event{Kind: EventRestarting, Attempt: s.attempt})
	s.logger.Infof("Restarting bluetooth stack after attempt %d", s.attempt)
	if err := s.radio.Restart(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn(errw.Wrap(err, "restarting bluetooth"))
	}
	s.result.Restarts++
	s.setPhase(PhaseIdle)
	return nil
}

// arm replaces the running watchdog. Expiries are delivered to the actor,
// tagged so that a superseded watchdog can be told apart.
func (s *Supervisor) arm(kind watchdog, d time.Duration) {
	s.disarm()
	s.seq++
	t := timeout{kind: kind, seq: s.seq}
	timeouts, quit := s.timeouts, s.quit
	s.timer = time.AfterFunc(d, func() {
		select {
		case timeouts <- t:
		case <-quit:
		}
	})
}

func (s *Supervisor) disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// anything already in flight carries an old seq
	s.seq++
}

func correlationKey(addr string) string {
	return strings.ToUpper(addr)
}
