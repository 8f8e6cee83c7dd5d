package bluenet

import (
	"context"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"

	"github.com/senic/hub/internal/bluez"
	"github.com/senic/hub/internal/gatt"
	"github.com/senic/hub/internal/netmgr"
)

type fakeNM struct {
	mu        sync.Mutex
	state     gnm.NmState
	devState  gnm.NmDeviceState
	stateErr  error
	ssid      string
	ip        string
	scan      []string
	added     []gnm.ConnectionSettings
	deleted   int
	activated int

	// when set, AddAndActivate signals addStarted and blocks until addBlock is closed
	addBlock   chan struct{}
	addStarted chan struct{}
}

func (f *fakeNM) State() (gnm.NmState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.stateErr
}

func (f *fakeNM) DeviceState() (gnm.NmDeviceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devState, f.stateErr
}

func (f *fakeNM) ProfileSSID(string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ssid, nil
}

func (f *fakeNM) DeleteProfile(string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existed := f.ssid != ""
	if existed {
		f.deleted++
		f.ssid = ""
	}
	return existed, nil
}

func (f *fakeNM) AddAndActivate(settings gnm.ConnectionSettings) error {
	if f.addBlock != nil {
		f.addStarted <- struct{}{}
		<-f.addBlock
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, settings)
	f.ssid = netmgr.SSIDFromSettings(settings)
	return nil
}

func (f *fakeNM) ActivateProfile(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated++
	return nil
}

func (f *fakeNM) IPv4Address() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ip, nil
}

func (f *fakeNM) Scan(context.Context, time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scan...), nil
}

func (f *fakeNM) WatchState(ctx context.Context, fn func(gnm.NmState)) error {
	state, err := f.State()
	if err != nil {
		return err
	}
	fn(state)
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeNM) addedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

type fakeTransport struct {
	mu sync.Mutex

	connected      bool
	registerAppErr error
	registerAdvErr error

	alias               string
	powered             bool
	discoverable        bool
	discoverableTimeout uint32
	exported            bool
	appRegistered       bool
	advRegistered       bool
	advRegistrations    int
	disconnectAlls      int

	watching  chan struct{}
	watchOnce sync.Once
	onAdapter func(bluez.AdapterChange)
	onDevice  func(bluez.DeviceChange)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{watching: make(chan struct{})}
}

func (f *fakeTransport) SetAlias(alias string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alias = alias
	return nil
}

func (f *fakeTransport) SetPowered(powered bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powered = powered
	return nil
}

func (f *fakeTransport) SetDiscoverable(discoverable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverable = discoverable
	return nil
}

func (f *fakeTransport) SetDiscoverableTimeout(seconds uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverableTimeout = seconds
	return nil
}

func (f *fakeTransport) DisableBREDR(context.Context) error {
	return nil
}

func (f *fakeTransport) Export(*gatt.Application, *gatt.Advertisement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exported = true
	return nil
}

func (f *fakeTransport) Unexport(*gatt.Application, *gatt.Advertisement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exported = false
}

func (f *fakeTransport) RegisterApplication(dbus.ObjectPath) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerAppErr != nil {
		return f.registerAppErr
	}
	f.appRegistered = true
	return nil
}

func (f *fakeTransport) UnregisterApplication(dbus.ObjectPath) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appRegistered = false
	return nil
}

func (f *fakeTransport) RegisterAdvertisement(dbus.ObjectPath) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerAdvErr != nil {
		return f.registerAdvErr
	}
	f.advRegistered = true
	f.advRegistrations++
	return nil
}

func (f *fakeTransport) UnregisterAdvertisement(dbus.ObjectPath) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advRegistered = false
	return nil
}

func (f *fakeTransport) IsConnected() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected, nil
}

func (f *fakeTransport) DisconnectAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectAlls++
	f.connected = false
	return nil
}

func (f *fakeTransport) Watch(ctx context.Context, onAdapter func(bluez.AdapterChange), onDevice func(bluez.DeviceChange)) error {
	f.mu.Lock()
	f.onAdapter = onAdapter
	f.onDevice = onDevice
	f.mu.Unlock()
	f.watchOnce.Do(func() { close(f.watching) })
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) setConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

type transportState struct {
	alias               string
	powered             bool
	discoverable        bool
	discoverableTimeout uint32
	exported            bool
	appRegistered       bool
	advRegistered       bool
	advRegistrations    int
	disconnectAlls      int
}

func (f *fakeTransport) snapshot() transportState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transportState{
		alias:               f.alias,
		powered:             f.powered,
		discoverable:        f.discoverable,
		discoverableTimeout: f.discoverableTimeout,
		exported:            f.exported,
		appRegistered:       f.appRegistered,
		advRegistered:       f.advRegistered,
		advRegistrations:    f.advRegistrations,
		disconnectAlls:      f.disconnectAlls,
	}
}
