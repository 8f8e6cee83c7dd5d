package onboarding

import (
	"context"
	"strings"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
	"tinygo.org/x/bluetooth"

	"github.com/senic/hub/internal/bluez"
	"github.com/senic/hub/utils"
)

// time for bluetoothd to come back and re-publish the adapter
const restartSettle = 2 * time.Second

// ServiceRestarter bounces a system service, see systemd.SystemdManager.
type ServiceRestarter interface {
	RestartService(ctx context.Context, service string) error
}

type RadioDeps struct {
	Logger       logging.Logger
	Adapter      *bluetooth.Adapter
	BlueZ        *bluez.Adapter
	Restarter    ServiceRestarter
	Service      string
	AllowedAlias string
}

type tinygoRadio struct {
	logger    logging.Logger
	adapter   *bluetooth.Adapter
	bz        *bluez.Adapter
	restarter ServiceRestarter
	service   string
	alias     string

	events chan RadioEvent

	mu       sync.Mutex
	scanning bool
	seen     map[string]bluetooth.Address
	devices  map[string]bluetooth.Device
	scanDone chan struct{}
}

func NewRadio(deps RadioDeps) Radio {
	return &tinygoRadio{
		logger:    deps.Logger,
		adapter:   deps.Adapter,
		bz:        deps.BlueZ,
		restarter: deps.Restarter,
		service:   deps.Service,
		alias:     deps.AllowedAlias,
		events:    make(chan RadioEvent, 16),
		seen:      map[string]bluetooth.Address{},
		devices:   map[string]bluetooth.Device{},
	}
}

func (r *tinygoRadio) Events() <-chan RadioEvent {
	return r.events
}

func (r *tinygoRadio) post(ev RadioEvent) {
	select {
	case r.events <- ev:
	default:
		r.logger.Debugf("dropping radio event for %s, supervisor is busy", ev.Address)
	}
}

func (r *tinygoRadio) Prepare(ctx context.Context) ([]string, error) {
	removed, err := r.bz.RemoveDevicesExcept(r.alias)
	if err != nil {
		r.logger.Warn(errw.Wrap(err, "removing known devices"))
	}
	for _, dev := range removed {
		r.logger.Debugf("removed device %s (%s)", dev.Address, dev.Alias)
	}

	if err := r.bz.SetPowered(true); err != nil {
		return nil, errw.Wrap(err, "powering bluetooth adapter")
	}
	if err := r.enable(); err != nil {
		return nil, err
	}

	devices, err := r.bz.Devices()
	if err != nil {
		return nil, err
	}
	var connected []string
	for _, dev := range devices {
		if dev.Connected && dev.Alias == r.alias {
			connected = append(connected, dev.Address)
		}
	}
	return connected, nil
}

func (r *tinygoRadio) enable() error {
	if err := r.adapter.Enable(); err != nil {
		return errw.Wrap(err, "enabling bluetooth adapter")
	}
	r.adapter.SetConnectHandler(r.connectionChanged)
	return nil
}

// connectionChanged only reports drops; connects complete through Connect.
func (r *tinygoRadio) connectionChanged(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	addr := device.Address.String()
	r.mu.Lock()
	delete(r.devices, correlationKey(addr))
	r.mu.Unlock()
	r.post(RadioEvent{Kind: RadioDisconnected, Address: addr})
}

func (r *tinygoRadio) StartDiscovery() error {
	r.mu.Lock()
	if r.scanning {
		r.mu.Unlock()
		return nil
	}
	r.scanning = true
	done := make(chan struct{})
	r.scanDone = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer utils.Recover(r.logger, nil)
		err := r.adapter.Scan(r.scanResult)
		r.mu.Lock()
		r.scanning = false
		r.mu.Unlock()
		if err != nil {
			r.logger.Warn(errw.Wrap(err, "scanning"))
		}
	}()
	return nil
}

func (r *tinygoRadio) scanResult(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
	name := result.LocalName()
	if !strings.EqualFold(name, r.alias) {
		return
	}
	addr := result.Address.String()
	r.mu.Lock()
	r.seen[correlationKey(addr)] = result.Address
	r.mu.Unlock()
	r.post(RadioEvent{Kind: RadioDiscovered, Address: addr, Name: name})
}

func (r *tinygoRadio) StopDiscovery() error {
	r.mu.Lock()
	scanning, done := r.scanning, r.scanDone
	r.mu.Unlock()
	if !scanning {
		return nil
	}
	if err := r.adapter.StopScan(); err != nil {
		return err
	}
	<-done
	return nil
}

func (r *tinygoRadio) Connect(addr string) {
	r.mu.Lock()
	address, ok := r.seen[correlationKey(addr)]
	r.mu.Unlock()
	if !ok {
		r.post(RadioEvent{Kind: RadioConnectFailed, Address: addr, Err: errw.Errorf("%s was never discovered", addr)})
		return
	}

	goutils.PanicCapturingGo(func() {
		device, err := r.adapter.Connect(address, bluetooth.ConnectionParams{})
		if err != nil {
			r.post(RadioEvent{Kind: RadioConnectFailed, Address: addr, Err: err})
			return
		}
		r.mu.Lock()
		r.devices[correlationKey(addr)] = device
		r.mu.Unlock()
		r.post(RadioEvent{Kind: RadioConnected, Address: addr})
	})
}

func (r *tinygoRadio) Disconnect(addr string) error {
	r.mu.Lock()
	device, ok := r.devices[correlationKey(addr)]
	delete(r.devices, correlationKey(addr))
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return device.Disconnect()
}

func (r *tinygoRadio) Restart(ctx context.Context) error {
	if err := r.StopDiscovery(); err != nil {
		r.logger.Debug(errw.Wrap(err, "stopping discovery"))
	}
	r.mu.Lock()
	r.seen = map[string]bluetooth.Address{}
	r.devices = map[string]bluetooth.Device{}
	r.mu.Unlock()

	if err := r.restarter.RestartService(ctx, r.service); err != nil {
		return err
	}
	if !goutils.SelectContextOrWait(ctx, restartSettle) {
		return ctx.Err()
	}
	if err := r.bz.SetPowered(true); err != nil {
		return errw.Wrap(err, "powering bluetooth adapter")
	}
	return r.enable()
}
