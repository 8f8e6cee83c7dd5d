// Package bluez wraps the BlueZ D-Bus API for the few adapter and device operations the hub needs.
package bluez

import (
	"context"
	"os/exec"
	"path"
	"sort"
	"strings"

	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const (
	DBusService   = "org.bluez"
	RootPath      = "/org/bluez"
	ObjectManager = "org.freedesktop.DBus.ObjectManager"
	Properties    = "org.freedesktop.DBus.Properties"

	AdapterInterface              = "org.bluez.Adapter1"
	DeviceInterface               = "org.bluez.Device1"
	GattManagerInterface          = "org.bluez.GattManager1"
	LEAdvertisingManagerInterface = "org.bluez.LEAdvertisingManager1"
)

// ErrNoAdapter is returned when no adapter supports GATT serving and LE advertising.
var ErrNoAdapter = errw.New("no bluetooth adapter implementing GattManager1 and LEAdvertisingManager1 found")

// ManagedObjects is the result of org.freedesktop.DBus.ObjectManager.GetManagedObjects.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Device is a remote bluetooth device known to an adapter.
type Device struct {
	Path      dbus.ObjectPath
	Address   string
	Name      string
	Alias     string
	Connected bool
}

// Adapter is a single local BlueZ controller, e.g. /org/bluez/hci0.
type Adapter struct {
	conn   *dbus.Conn
	obj    dbus.BusObject
	path   dbus.ObjectPath
	logger logging.Logger
}

// NewAdapter opens the named adapter on conn. An empty name selects the first
// adapter capable of both GATT serving and LE advertising.
func NewAdapter(conn *dbus.Conn, name string, logger logging.Logger) (*Adapter, error) {
	objects, err := GetManagedObjects(conn)
	if err != nil {
		return nil, err
	}

	var adapterPath dbus.ObjectPath
	if name == "" {
		adapterPath, err = objects.FindPeripheralAdapter()
		if err != nil {
			return nil, err
		}
	} else {
		adapterPath = dbus.ObjectPath(path.Join(RootPath, name))
		if _, ok := objects[adapterPath][AdapterInterface]; !ok {
			return nil, errw.Errorf("bluetooth adapter %s does not exist", adapterPath)
		}
	}

	logger.Debugf("using bluetooth adapter %s", adapterPath)
	return &Adapter{
		conn:   conn,
		obj:    conn.Object(DBusService, adapterPath),
		path:   adapterPath,
		logger: logger,
	}, nil
}

// GetManagedObjects fetches every BlueZ object with its interfaces and properties.
func GetManagedObjects(conn *dbus.Conn) (ManagedObjects, error) {
	objects := ManagedObjects{}
	call := conn.Object(DBusService, "/").Call(ObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, errw.Wrap(call.Err, "listing bluez objects")
	}
	if err := call.Store(&objects); err != nil {
		return nil, errw.Wrap(err, "decoding bluez objects")
	}
	return objects, nil
}

// FindPeripheralAdapter returns the first adapter (in path order) implementing
// both the GATT manager and LE advertising manager interfaces.
func (m ManagedObjects) FindPeripheralAdapter() (dbus.ObjectPath, error) {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, string(p))
	}
	sort.Strings(paths)

	for _, p := range paths {
		ifaces := m[dbus.ObjectPath(p)]
		_, gatt := ifaces[GattManagerInterface]
		_, adv := ifaces[LEAdvertisingManagerInterface]
		if gatt && adv {
			return dbus.ObjectPath(p), nil
		}
	}
	return "", ErrNoAdapter
}

// Devices returns the remote devices under adapterPath, or under every adapter if adapterPath is empty.
func (m ManagedObjects) Devices(adapterPath dbus.ObjectPath) []Device {
	var devices []Device
	for p, ifaces := range m {
		props, ok := ifaces[DeviceInterface]
		if !ok {
			continue
		}
		if adapterPath != "" {
			owner, _ := variantValue[dbus.ObjectPath](props, "Adapter")
			if owner != adapterPath && !strings.HasPrefix(string(p), string(adapterPath)+"/") {
				continue
			}
		}
		dev := Device{Path: p}
		dev.Address, _ = variantValue[string](props, "Address")
		dev.Name, _ = variantValue[string](props, "Name")
		dev.Alias, _ = variantValue[string](props, "Alias")
		dev.Connected, _ = variantValue[bool](props, "Connected")
		if dev.Address == "" {
			dev.Address = AddressFromPath(p)
		}
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Path < devices[j].Path })
	return devices
}

// AddressFromPath converts /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF to AA:BB:CC:DD:EE:FF.
func AddressFromPath(p dbus.ObjectPath) string {
	base := path.Base(string(p))
	if !strings.HasPrefix(base, "dev_") {
		return ""
	}
	return strings.ReplaceAll(strings.TrimPrefix(base, "dev_"), "_", ":")
}

func variantValue[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	out, ok := v.Value().(T)
	return out, ok
}

func (a *Adapter) Path() dbus.ObjectPath {
	return a.path
}

// Name is the short controller name, e.g. hci0.
func (a *Adapter) Name() string {
	return path.Base(string(a.path))
}

func (a *Adapter) Conn() *dbus.Conn {
	return a.conn
}

func (a *Adapter) setProperty(name string, value any) error {
	if err := a.obj.SetProperty(AdapterInterface+"."+name, dbus.MakeVariant(value)); err != nil {
		return errw.Wrapf(err, "setting %s on %s", name, a.path)
	}
	return nil
}

func (a *Adapter) getProperty(name string) (dbus.Variant, error) {
	v, err := a.obj.GetProperty(AdapterInterface + "." + name)
	if err != nil {
		return v, errw.Wrapf(err, "getting %s from %s", name, a.path)
	}
	return v, nil
}

func (a *Adapter) Alias() (string, error) {
	v, err := a.getProperty("Alias")
	if err != nil {
		return "", err
	}
	alias, _ := v.Value().(string)
	return alias, nil
}

func (a *Adapter) SetAlias(alias string) error {
	return a.setProperty("Alias", alias)
}

func (a *Adapter) Powered() (bool, error) {
	v, err := a.getProperty("Powered")
	if err != nil {
		return false, err
	}
	powered, _ := v.Value().(bool)
	return powered, nil
}

func (a *Adapter) SetPowered(powered bool) error {
	return a.setProperty("Powered", powered)
}

func (a *Adapter) SetDiscoverable(discoverable bool) error {
	return a.setProperty("Discoverable", discoverable)
}

func (a *Adapter) DiscoverableTimeout() (uint32, error) {
	v, err := a.getProperty("DiscoverableTimeout")
	if err != nil {
		return 0, err
	}
	timeout, _ := v.Value().(uint32)
	return timeout, nil
}

// SetDiscoverableTimeout sets the discoverable window in seconds. Zero disables the timeout.
func (a *Adapter) SetDiscoverableTimeout(seconds uint32) error {
	return a.setProperty("DiscoverableTimeout", seconds)
}

// DisableBREDR turns off classic bluetooth so phones are forced onto LE.
// The adapter must be unpowered for btmgmt to accept the change.
func (a *Adapter) DisableBREDR(ctx context.Context) error {
	a.logger.Info("Disabling BR/EDR...")
	wasPowered, err := a.Powered()
	if err != nil {
		return err
	}
	if err := a.SetPowered(false); err != nil {
		return err
	}

	var errOut error
	//nolint:gosec
	cmd := exec.CommandContext(ctx, "btmgmt", "--index", a.Name(), "bredr", "off")
	if output, err := cmd.CombinedOutput(); err != nil {
		errOut = errw.Wrapf(err, "running 'btmgmt bredr off' output: %s", output)
	}

	if err := a.SetPowered(wasPowered); err != nil {
		return err
	}
	return errOut
}

func (a *Adapter) RegisterApplication(app dbus.ObjectPath) error {
	call := a.obj.Call(GattManagerInterface+".RegisterApplication", 0, app, map[string]dbus.Variant{})
	return errw.Wrapf(call.Err, "registering gatt application %s", app)
}

func (a *Adapter) UnregisterApplication(app dbus.ObjectPath) error {
	call := a.obj.Call(GattManagerInterface+".UnregisterApplication", 0, app)
	return errw.Wrapf(call.Err, "unregistering gatt application %s", app)
}

func (a *Adapter) RegisterAdvertisement(adv dbus.ObjectPath) error {
	call := a.obj.Call(LEAdvertisingManagerInterface+".RegisterAdvertisement", 0, adv, map[string]dbus.Variant{})
	return errw.Wrapf(call.Err, "registering advertisement %s", adv)
}

func (a *Adapter) UnregisterAdvertisement(adv dbus.ObjectPath) error {
	call := a.obj.Call(LEAdvertisingManagerInterface+".UnregisterAdvertisement", 0, adv)
	return errw.Wrapf(call.Err, "unregistering advertisement %s", adv)
}

// Devices lists the remote devices known to this adapter.
func (a *Adapter) Devices() ([]Device, error) {
	objects, err := GetManagedObjects(a.conn)
	if err != nil {
		return nil, err
	}
	return objects.Devices(a.path), nil
}

// IsConnected reports whether any remote device is currently connected.
func (a *Adapter) IsConnected() (bool, error) {
	devices, err := a.Devices()
	if err != nil {
		return false, err
	}
	for _, dev := range devices {
		if dev.Connected {
			return true, nil
		}
	}
	return false, nil
}

// DisconnectAll disconnects every connected remote device.
func (a *Adapter) DisconnectAll() error {
	devices, err := a.Devices()
	if err != nil {
		return err
	}
	var errOut error
	for _, dev := range devices {
		if !dev.Connected {
			continue
		}
		name := dev.Name
		if name == "" {
			name = "unknown"
		}
		a.logger.Infof("Disconnecting from device: %s", name)
		call := a.conn.Object(DBusService, dev.Path).Call(DeviceInterface+".Disconnect", 0)
		if call.Err != nil {
			errOut = errw.Wrapf(call.Err, "disconnecting %s", dev.Address)
		}
	}
	return errOut
}

// RemoveDevice forgets a device, dropping any bonding information.
func (a *Adapter) RemoveDevice(dev dbus.ObjectPath) error {
	call := a.obj.Call(AdapterInterface+".RemoveDevice", 0, dev)
	return errw.Wrapf(call.Err, "removing device %s", dev)
}

// RemoveDevicesExcept forgets every known device whose alias is not keepAlias.
func (a *Adapter) RemoveDevicesExcept(keepAlias string) ([]Device, error) {
	devices, err := a.Devices()
	if err != nil {
		return nil, err
	}
	var removed []Device
	var errOut error
	for _, dev := range devices {
		if dev.Alias == keepAlias {
			continue
		}
		if err := a.RemoveDevice(dev.Path); err != nil {
			a.logger.Warn(err)
			errOut = err
			continue
		}
		removed = append(removed, dev)
	}
	return removed, errOut
}
