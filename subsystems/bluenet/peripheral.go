package bluenet

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/senic/hub/internal/bluez"
	"github.com/senic/hub/internal/gatt"
	"github.com/senic/hub/utils"
)

const (
	AppPath           dbus.ObjectPath = "/com/senic/bluenet"
	AdvertisementPath dbus.ObjectPath = "/com/senic/bluenet/advertisement0"
)

// Transport is the BlueZ adapter as the peripheral sees it.
type Transport interface {
	SetAlias(alias string) error
	SetPowered(powered bool) error
	SetDiscoverable(discoverable bool) error
	SetDiscoverableTimeout(seconds uint32) error
	DisableBREDR(ctx context.Context) error

	Export(app *gatt.Application, adv *gatt.Advertisement) error
	Unexport(app *gatt.Application, adv *gatt.Advertisement)
	RegisterApplication(app dbus.ObjectPath) error
	UnregisterApplication(app dbus.ObjectPath) error
	RegisterAdvertisement(adv dbus.ObjectPath) error
	UnregisterAdvertisement(adv dbus.ObjectPath) error

	IsConnected() (bool, error)
	DisconnectAll() error
	Watch(ctx context.Context, onAdapter func(bluez.AdapterChange), onDevice func(bluez.DeviceChange)) error
}

// dbusTransport publishes objects on the adapter's own bus connection.
type dbusTransport struct {
	*bluez.Adapter
}

func NewTransport(adapter *bluez.Adapter) Transport {
	return &dbusTransport{Adapter: adapter}
}

func (t *dbusTransport) Export(app *gatt.Application, adv *gatt.Advertisement) error {
	return errors.Join(app.Export(t.Conn()), adv.Export(t.Conn()))
}

func (t *dbusTransport) Unexport(app *gatt.Application, adv *gatt.Advertisement) {
	adv.Unexport(t.Conn())
	app.Unexport(t.Conn())
}

// Peripheral owns the GATT application and the advertisement, and decides when to advertise.
type Peripheral struct {
	transport     Transport
	app           *gatt.Application
	adv           *gatt.Advertisement
	logger        logging.Logger
	autoAdvertise bool

	mu          sync.Mutex
	advertising bool
	wifiState   WifiState
}

type PeripheralOptions struct {
	Alias         string
	AutoAdvertise bool

	IncludeTxPower   bool
	ManufacturerData map[uint16][]byte
	ServiceData      map[uuid.UUID][]byte
}

// PeripheralOptionsFromConfig decodes the hex encoded advertisement data of cfg.
func PeripheralOptionsFromConfig(cfg utils.BluenetConfig) (PeripheralOptions, error) {
	opts := PeripheralOptions{
		Alias:          cfg.Alias,
		AutoAdvertise:  cfg.AutoAdvertise.Get(),
		IncludeTxPower: cfg.IncludeTxPower.Get(),
	}
	for code, value := range cfg.ManufacturerData {
		data, err := hex.DecodeString(value)
		if err != nil {
			return opts, errw.Wrapf(err, "manufacturer data for 0x%04x", code)
		}
		if opts.ManufacturerData == nil {
			opts.ManufacturerData = map[uint16][]byte{}
		}
		opts.ManufacturerData[code] = data
	}
	for key, value := range cfg.ServiceData {
		id, err := uuid.Parse(key)
		if err != nil {
			return opts, errw.Wrapf(err, "service data uuid %q", key)
		}
		data, err := hex.DecodeString(value)
		if err != nil {
			return opts, errw.Wrapf(err, "service data for %s", id)
		}
		if opts.ServiceData == nil {
			opts.ServiceData = map[uuid.UUID][]byte{}
		}
		opts.ServiceData[id] = data
	}
	return opts, nil
}

// NewPeripheral prepares the adapter: alias, power, no discoverable timeout and LE only.
func NewPeripheral(ctx context.Context, logger logging.Logger, transport Transport,
	opts PeripheralOptions, services ...*gatt.Service,
) (*Peripheral, error) {
	if err := transport.SetAlias(opts.Alias); err != nil {
		return nil, err
	}
	if err := transport.SetPowered(true); err != nil {
		return nil, err
	}
	if err := transport.SetDiscoverableTimeout(0); err != nil {
		return nil, err
	}
	if err := transport.DisableBREDR(ctx); err != nil {
		logger.Warn(errw.Wrap(err, "disabling BR/EDR"))
	}

	adv := gatt.NewAdvertisement(AdvertisementPath, "peripheral", logger)
	adv.SetLocalName(opts.Alias)
	adv.SetIncludeTxPower(opts.IncludeTxPower)
	for _, svc := range services {
		adv.AddServiceUUID(svc.UUID())
	}
	for code, data := range opts.ManufacturerData {
		adv.AddManufacturerData(code, data)
	}
	for id, data := range opts.ServiceData {
		adv.AddServiceData(id, data)
	}

	return &Peripheral{
		transport:     transport,
		app:           gatt.NewApplication(AppPath, logger, services...),
		adv:           adv,
		logger:        logger,
		autoAdvertise: opts.AutoAdvertise,
		wifiState:     StateDown,
	}, nil
}

func (p *Peripheral) Application() *gatt.Application {
	return p.app
}

// Run registers everything with BlueZ and serves until ctx is done. The
// application and advertisement are always unregistered on the way out.
func (p *Peripheral) Run(ctx context.Context) (err error) {
	if err := p.transport.DisconnectAll(); err != nil {
		p.logger.Warn(errw.Wrap(err, "disconnecting remotes"))
	}

	if err := p.transport.Export(p.app, p.adv); err != nil {
		p.transport.Unexport(p.app, p.adv)
		return err
	}
	defer p.transport.Unexport(p.app, p.adv)

	if err := p.transport.RegisterApplication(p.app.Path()); err != nil {
		return err
	}
	p.logger.Info("GATT application registered")
	defer func() {
		p.mu.Lock()
		if p.advertising {
			p.stopAdvertising()
		}
		p.mu.Unlock()
		if uErr := p.transport.UnregisterApplication(p.app.Path()); uErr != nil {
			err = errors.Join(err, uErr)
		}
		p.logger.Info("GATT application unregistered")
	}()

	p.mu.Lock()
	if !p.autoAdvertise || p.wifiState != StateConnected {
		p.startAdvertising()
	}
	p.mu.Unlock()

	err = p.transport.Watch(ctx, p.adapterChanged, p.deviceChanged)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (p *Peripheral) IsAdvertising() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advertising
}

// IsConnected reports whether any remote is connected. Errors count as not connected.
func (p *Peripheral) IsConnected() bool {
	connected, err := p.transport.IsConnected()
	if err != nil {
		p.logger.Warn(err)
		return false
	}
	return connected
}

// SetWifiState records the Wi-Fi state and re-evaluates advertising.
func (p *Peripheral) SetWifiState(state WifiState) {
	p.mu.Lock()
	p.wifiState = state
	p.mu.Unlock()
	p.UpdateAdvertising()
}

// UpdateAdvertising stops advertising once Wi-Fi is up (auto mode only, and
// only with no remote attached), and starts it when it is needed again.
func (p *Peripheral) UpdateAdvertising() {
	connected := p.IsConnected()

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.autoAdvertise && p.wifiState == StateConnected && !connected && p.advertising:
		p.logger.Info("Wifi connected. Stopping BLE advertisement.")
		p.stopAdvertising()
	case !p.advertising && (!p.autoAdvertise || p.wifiState == StateDisconnected):
		p.logger.Info("Starting BLE advertisement to be able to use the setup app to reconfigure Wifi.")
		p.startAdvertising()
	}
}

// startAdvertising expects p.mu to be held.
func (p *Peripheral) startAdvertising() {
	if err := p.transport.RegisterAdvertisement(p.adv.Path()); err != nil {
		if p.IsConnected() {
			// BlueZ refuses new advertisements while connected; retried on disconnect
			p.logger.Infof("Cannot advertise while a remote is connected: %s", err)
			return
		}
		p.logger.Warn(errw.Wrap(err, "registering advertisement"))
		return
	}
	p.advertising = true
	if err := p.transport.SetDiscoverable(true); err != nil {
		p.logger.Warn(errw.Wrap(err, "making adapter discoverable"))
	}
}

// stopAdvertising expects p.mu to be held.
func (p *Peripheral) stopAdvertising() {
	if err := p.transport.UnregisterAdvertisement(p.adv.Path()); err != nil {
		p.logger.Warn(errw.Wrap(err, "unregistering advertisement"))
	}
	p.advertising = false
	if err := p.transport.SetDiscoverable(false); err != nil {
		p.logger.Warn(errw.Wrap(err, "hiding adapter"))
	}
}

func (p *Peripheral) adapterChanged(change bluez.AdapterChange) {
	if v, ok := change.Changed["Powered"]; ok {
		if powered, _ := v.Value().(bool); !powered {
			p.logger.Info("Bluetooth adapter was powered off, powering it on again")
			if err := p.transport.SetPowered(true); err != nil {
				p.logger.Warn(errw.Wrap(err, "powering adapter"))
			}
		}
	}
	if v, ok := change.Changed["DiscoverableTimeout"]; ok {
		if timeout, _ := v.Value().(uint32); timeout != 0 {
			p.logger.Debugf("Resetting discoverable timeout (was %d)", timeout)
			if err := p.transport.SetDiscoverableTimeout(0); err != nil {
				p.logger.Warn(errw.Wrap(err, "resetting discoverable timeout"))
			}
		}
	}
}

func (p *Peripheral) deviceChanged(change bluez.DeviceChange) {
	if change.Connected {
		p.logger.Infof("Remote connected: %s", change.Address)
		return
	}
	p.logger.Infof("Remote disconnected: %s", change.Address)
	p.app.RemoteDisconnected()
	p.UpdateAdvertising()
}
