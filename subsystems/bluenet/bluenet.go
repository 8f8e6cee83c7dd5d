// Package bluenet is the Wi-Fi provisioning daemon: a BLE GATT peripheral that
// lets the setup app pick a network and hand over its password.
package bluenet

import (
	"context"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"github.com/senic/hub/subsystems"
	"github.com/senic/hub/utils"
)

const SubsysName = "bluenet"

const (
	watchRetryDelay = 5 * time.Second
	restartPoll     = time.Second
)

// Deps is everything the daemon needs from the outside world, built once by the binary.
type Deps struct {
	Logger    logging.Logger
	Config    utils.BluenetConfig
	Transport Transport
	NM        NetworkManager
}

type Bluenet struct {
	cfg    utils.BluenetConfig
	logger logging.Logger

	wifi       *WifiController
	service    *ProvisioningService
	peripheral *Peripheral
	scanner    *scanner
	rpc        *RPCServer

	// blocks start/stop/etc operations
	opMu    sync.Mutex
	running bool
	cancel  context.CancelFunc
	workers sync.WaitGroup

	done   chan struct{}
	runErr error
}

var _ subsystems.Subsystem = &Bluenet{}

func NewSubsystem(ctx context.Context, deps Deps) (*Bluenet, error) {
	logger := deps.Logger
	cfg := deps.Config

	wifi := NewWifiController(logger.Sublogger("wifi"), deps.NM)
	service := NewProvisioningService(logger.Sublogger("gatt"), wifi.Hostname(cfg.Hostname), ProtocolVersion,
		func(ssid, password string) { wifi.Join(ssid, password) })

	opts, err := PeripheralOptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	peripheral, err := NewPeripheral(ctx, logger.Sublogger("peripheral"), deps.Transport, opts, service.Service())
	if err != nil {
		return nil, errw.Wrap(err, "preparing bluetooth adapter")
	}

	b := &Bluenet{
		cfg:        cfg,
		logger:     logger,
		wifi:       wifi,
		service:    service,
		peripheral: peripheral,
		rpc:        NewRPCServer(logger.Sublogger("rpc"), peripheral),
		done:       make(chan struct{}),
	}
	b.scanner = &scanner{
		nm:          deps.NM,
		wifi:        wifi,
		service:     service,
		networks:    newNetworkSet(time.Duration(cfg.NetworkDiscard)),
		logger:      logger.Sublogger("scan"),
		health:      utils.NewHealth(),
		interval:    time.Duration(cfg.ScanInterval),
		advertising: peripheral.IsAdvertising,
	}
	b.scanner.health.Timeout += b.scanner.interval
	wifi.OnChange(b.wifiStateChanged)
	return b, nil
}

func (b *Bluenet) wifiStateChanged(state WifiState, ssid string) {
	b.service.SetConnectionState(state, ssid)
	if state == StateConnected {
		host := b.wifi.Hostname(b.cfg.Hostname)
		b.logger.Infof("New hostname: %s", host)
		b.service.SetHostName(host)
	}
	b.peripheral.SetWifiState(state)
}

func (b *Bluenet) Start(ctx context.Context) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	if b.running {
		return nil
	}
	b.logger.Debugf("Starting %s", SubsysName)

	if err := b.rpc.Start(b.cfg.RPCAddress); err != nil {
		return err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	select {
	case <-b.done:
		// restarted after the peripheral exited
		b.done = make(chan struct{})
		b.runErr = nil
	default:
	}
	done := b.done

	b.workers.Add(3)
	go func() {
		defer b.workers.Done()
		defer close(done)
		defer utils.Recover(b.logger, func(r any) { b.runErr = errw.Errorf("peripheral panicked: %v", r) })
		b.runErr = b.peripheral.Run(cancelCtx)
		if b.runErr != nil {
			b.logger.Error(b.runErr)
		}
		// without the peripheral nothing else is useful
		cancel()
	}()
	go func() {
		defer b.workers.Done()
		b.watchLoop(cancelCtx)
	}()
	go func() {
		defer b.workers.Done()
		b.scanner.run(cancelCtx)
	}()

	b.running = true
	b.logger.Infof("%s startup complete", SubsysName)
	return nil
}

// watchLoop keeps the NetworkManager state subscription alive.
func (b *Bluenet) watchLoop(ctx context.Context) {
	defer utils.Recover(b.logger, nil)
	for {
		err := b.wifi.Watch(ctx)
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn(errw.Wrap(err, "watching network state"))
		if !goutils.SelectContextOrWait(ctx, watchRetryDelay) {
			return
		}
	}
}

func (b *Bluenet) Stop(ctx context.Context) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	if !b.running {
		return nil
	}

	b.logger.Infof("%s subsystem exiting", SubsysName)
	if b.cancel != nil {
		b.cancel()
	}
	b.workers.Wait()
	b.rpc.Stop()
	b.wifi.Wait()
	b.running = false
	return nil
}

// HealthCheck reports if a subsystem is running correctly (it is restarted if not).
func (b *Bluenet) HealthCheck(ctx context.Context) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	select {
	case <-b.done:
		if b.runErr == nil {
			return errw.New("bluetooth peripheral stopped")
		}
		return errw.Wrap(b.runErr, "bluetooth peripheral stopped")
	default:
	}
	if b.scanner.health.IsHealthy() {
		return nil
	}
	return errw.New("bluenet not responsive")
}

// Done is closed when the peripheral exits, on shutdown or on a fatal registration error.
func (b *Bluenet) Done() <-chan struct{} {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	return b.done
}

// Err is the peripheral's exit error. Only valid after Done is closed.
func (b *Bluenet) Err() error {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	return b.runErr
}

// Wait blocks until ctx is done or the peripheral fails with an error. A clean
// exit is a restart by the health checks, so it keeps waiting for the next run.
func (b *Bluenet) Wait(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.Done():
		}
		if err := b.Err(); err != nil {
			return err
		}
		if !goutils.SelectContextOrWait(ctx, restartPoll) {
			return nil
		}
	}
}

func (b *Bluenet) Wifi() *WifiController {
	return b.wifi
}
