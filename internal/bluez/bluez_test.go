package bluez

import (
	"testing"

	dbus "github.com/godbus/dbus/v5"
	"go.viam.com/test"
)

func fakeObjects() ManagedObjects {
	return ManagedObjects{
		"/org/bluez": {
			"org.bluez.AgentManager1": {},
		},
		"/org/bluez/hci0": {
			AdapterInterface: {"Address": dbus.MakeVariant("00:11:22:33:44:55")},
		},
		"/org/bluez/hci1": {
			AdapterInterface:              {"Address": dbus.MakeVariant("00:11:22:33:44:66")},
			GattManagerInterface:          {},
			LEAdvertisingManagerInterface: {},
		},
		"/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF": {
			DeviceInterface: {
				"Address":   dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
				"Alias":     dbus.MakeVariant("Nuimo"),
				"Adapter":   dbus.MakeVariant(dbus.ObjectPath("/org/bluez/hci1")),
				"Connected": dbus.MakeVariant(true),
			},
		},
		"/org/bluez/hci1/dev_01_02_03_04_05_06": {
			DeviceInterface: {
				"Name":    dbus.MakeVariant("Phone"),
				"Adapter": dbus.MakeVariant(dbus.ObjectPath("/org/bluez/hci1")),
			},
		},
		"/org/bluez/hci0/dev_0A_0B_0C_0D_0E_0F": {
			DeviceInterface: {
				"Address": dbus.MakeVariant("0A:0B:0C:0D:0E:0F"),
				"Adapter": dbus.MakeVariant(dbus.ObjectPath("/org/bluez/hci0")),
			},
		},
	}
}

func TestFindPeripheralAdapter(t *testing.T) {
	path, err := fakeObjects().FindPeripheralAdapter()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path, test.ShouldEqual, dbus.ObjectPath("/org/bluez/hci1"))

	objects := fakeObjects()
	delete(objects, "/org/bluez/hci1")
	_, err = objects.FindPeripheralAdapter()
	test.That(t, err, test.ShouldEqual, ErrNoAdapter)
}

func TestDevices(t *testing.T) {
	devices := fakeObjects().Devices("/org/bluez/hci1")
	test.That(t, len(devices), test.ShouldEqual, 2)

	// sorted by path
	test.That(t, devices[0].Address, test.ShouldEqual, "01:02:03:04:05:06")
	test.That(t, devices[0].Name, test.ShouldEqual, "Phone")
	test.That(t, devices[0].Connected, test.ShouldBeFalse)

	test.That(t, devices[1].Address, test.ShouldEqual, "AA:BB:CC:DD:EE:FF")
	test.That(t, devices[1].Alias, test.ShouldEqual, "Nuimo")
	test.That(t, devices[1].Connected, test.ShouldBeTrue)

	test.That(t, len(fakeObjects().Devices("")), test.ShouldEqual, 3)
}

func TestAddressFromPath(t *testing.T) {
	test.That(t, AddressFromPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), test.ShouldEqual, "AA:BB:CC:DD:EE:FF")
	test.That(t, AddressFromPath("/org/bluez/hci0"), test.ShouldEqual, "")
}

func TestParsePropertiesChanged(t *testing.T) {
	sig := &dbus.Signal{
		Path: "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF",
		Name: Properties + ".PropertiesChanged",
		Body: []any{DeviceInterface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}, []string{}},
	}
	iface, changed, ok := parsePropertiesChanged(sig)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, iface, test.ShouldEqual, DeviceInterface)
	test.That(t, changed["Connected"].Value(), test.ShouldEqual, false)

	sig.Name = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"
	_, _, ok = parsePropertiesChanged(sig)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestParseVersion(t *testing.T) {
	for _, tc := range []struct {
		output string
		want   string
		ok     bool
	}{
		{"bluetoothctl: 5.66\n", "5.66.0", true},
		{"5.50", "5.50.0", true},
		{"Version 5.43", "5.43.0", true},
		{"nothing here", "", false},
	} {
		t.Run(tc.output, func(t *testing.T) {
			ver, err := ParseVersion(tc.output)
			if !tc.ok {
				test.That(t, err, test.ShouldNotBeNil)
				return
			}
			test.That(t, err, test.ShouldBeNil)
			test.That(t, ver.String(), test.ShouldEqual, tc.want)
		})
	}

	old, err := ParseVersion("5.42")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, old.LessThan(MinimumVersion), test.ShouldBeTrue)
}
