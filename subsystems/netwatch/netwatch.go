// Package netwatch switches the hub between provisioning mode (bluenet running,
// nuimo_app stopped) and normal mode, following NetworkManager's global state.
package netwatch

import (
	"context"
	"errors"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"github.com/senic/hub/subsystems"
	"github.com/senic/hub/utils"
	"github.com/senic/hub/utils/systemd"
)

const SubsysName = "netwatch"

const watchRetryDelay = 5 * time.Second

type NetworkState interface {
	State() (gnm.NmState, error)
	WatchState(ctx context.Context, fn func(gnm.NmState)) error
}

// Programs starts and stops named services. StartProgram returns
// systemd.ErrAlreadyStarted for a running program.
type Programs interface {
	StartProgram(ctx context.Context, name string) error
	StopProgram(ctx context.Context, name string) error
}

// ConnectedFunc asks the provisioning daemon whether the setup app is attached.
type ConnectedFunc func(ctx context.Context) (bool, error)

type Deps struct {
	Logger           logging.Logger
	Config           utils.NetwatchConfig
	NM               NetworkState
	Programs         Programs
	BluenetConnected ConnectedFunc
}

type Mode int

const (
	ModeUnknown Mode = iota
	ModeProvisioning
	ModeNormal
)

func (m Mode) String() string {
	switch m {
	case ModeProvisioning:
		return "provisioning"
	case ModeNormal:
		return "normal"
	default:
		return "unknown"
	}
}

type Netwatch struct {
	cfg       utils.NetwatchConfig
	logger    logging.Logger
	nm        NetworkState
	programs  Programs
	connected ConnectedFunc
	health    *utils.Health

	// latest state wins; switching can block while the setup app is attached
	states chan gnm.NmState

	modeMu sync.Mutex
	mode   Mode

	opMu    sync.Mutex
	running bool
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

var _ subsystems.Subsystem = &Netwatch{}

func NewSubsystem(deps Deps) *Netwatch {
	n := &Netwatch{
		cfg:       deps.Config,
		logger:    deps.Logger,
		nm:        deps.NM,
		programs:  deps.Programs,
		connected: deps.BluenetConnected,
		health:    utils.NewHealth(),
		states:    make(chan gnm.NmState, 1),
	}
	n.health.Timeout += n.pollInterval()
	return n
}

func (n *Netwatch) pollInterval() time.Duration {
	if n.cfg.PollInterval <= 0 {
		return 5 * time.Second
	}
	return time.Duration(n.cfg.PollInterval)
}

func (n *Netwatch) Mode() Mode {
	n.modeMu.Lock()
	defer n.modeMu.Unlock()
	return n.mode
}

func (n *Netwatch) setMode(mode Mode) {
	n.modeMu.Lock()
	defer n.modeMu.Unlock()
	n.mode = mode
}

func (n *Netwatch) Start(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	if n.running {
		return nil
	}
	n.logger.Debugf("Starting %s", SubsysName)

	cancelCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.workers.Add(2)
	go func() {
		defer n.workers.Done()
		n.watchLoop(cancelCtx)
	}()
	go func() {
		defer n.workers.Done()
		n.switchLoop(cancelCtx)
	}()

	n.running = true
	n.logger.Infof("%s startup complete", SubsysName)
	return nil
}

func (n *Netwatch) Stop(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	if !n.running {
		return nil
	}
	n.logger.Infof("%s subsystem exiting", SubsysName)
	if n.cancel != nil {
		n.cancel()
	}
	n.workers.Wait()
	n.running = false
	return nil
}

func (n *Netwatch) HealthCheck(ctx context.Context) error {
	if n.health.IsHealthy() {
		return nil
	}
	return errw.New("netwatch not responsive")
}

func (n *Netwatch) watchLoop(ctx context.Context) {
	defer utils.Recover(n.logger, nil)
	for {
		err := n.nm.WatchState(ctx, n.stateChanged)
		if ctx.Err() != nil {
			return
		}
		n.logger.Warn(errw.Wrap(err, "watching network state"))
		if !goutils.SelectContextOrWait(ctx, watchRetryDelay) {
			return
		}
	}
}

func (n *Netwatch) stateChanged(state gnm.NmState) {
	n.logger.Infof("State changed to %d: %s", state, state)
	for {
		select {
		case n.states <- state:
			return
		default:
		}
		// drop the stale pending state
		select {
		case <-n.states:
		default:
		}
	}
}

func (n *Netwatch) switchLoop(ctx context.Context) {
	defer utils.Recover(n.logger, nil)
	ticker := time.NewTicker(n.pollInterval())
	defer ticker.Stop()
	for {
		n.health.MarkGood()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case state := <-n.states:
			n.handle(ctx, state)
		}
	}
}

func (n *Netwatch) handle(ctx context.Context, state gnm.NmState) {
	switch {
	case state >= gnm.NmStateConnectedGlobal:
		n.switchToNormal(ctx)
	case state <= gnm.NmStateDisconnected:
		n.switchToProvisioning(ctx)
	}
}

func (n *Netwatch) switchToNormal(ctx context.Context) {
	for n.bluenetConnected(ctx) && n.currentState() >= gnm.NmStateConnectedLocal {
		n.logger.Debug("Waiting before leaving provisioning mode till setup app is disconnected...")
		n.health.MarkGood()
		if !goutils.SelectContextOrWait(ctx, n.pollInterval()) {
			return
		}
	}

	if n.currentState() < gnm.NmStateConnectedLocal {
		n.logger.Debug("Staying in provisioning mode because connection is lost again")
		return
	}

	n.logger.Infof("Normal mode: stopping %s and starting %s", n.cfg.ProvisioningProgram, n.cfg.NormalProgram)
	n.stop(ctx, n.cfg.ProvisioningProgram)
	n.start(ctx, n.cfg.NormalProgram)
	n.setMode(ModeNormal)
}

func (n *Netwatch) switchToProvisioning(ctx context.Context) {
	n.logger.Infof("Provisioning mode: stopping %s and starting %s", n.cfg.NormalProgram, n.cfg.ProvisioningProgram)
	n.stop(ctx, n.cfg.NormalProgram)
	n.start(ctx, n.cfg.ProvisioningProgram)
	n.setMode(ModeProvisioning)
}

func (n *Netwatch) stop(ctx context.Context, program string) {
	if err := n.programs.StopProgram(ctx, program); err != nil {
		n.logger.Warn(errw.Wrapf(err, "stopping %s", program))
	}
}

func (n *Netwatch) start(ctx context.Context, program string) {
	err := n.programs.StartProgram(ctx, program)
	switch {
	case err == nil:
	case errors.Is(err, systemd.ErrAlreadyStarted):
		n.logger.Debugf("%s is already running", program)
	default:
		n.logger.Warn(errw.Wrapf(err, "starting %s", program))
	}
}

// currentState counts an unreadable state as disconnected.
func (n *Netwatch) currentState() gnm.NmState {
	state, err := n.nm.State()
	if err != nil {
		n.logger.Warn(err)
		return gnm.NmStateDisconnected
	}
	return state
}

func (n *Netwatch) bluenetConnected(ctx context.Context) bool {
	if n.connected == nil {
		return false
	}
	connected, err := n.connected(ctx)
	if err != nil {
		n.logger.Warn(errw.Wrap(err, "asking bluenet for connected remotes"))
		return false
	}
	return connected
}
