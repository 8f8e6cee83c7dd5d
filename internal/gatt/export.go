package gatt

import (
	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
)

// propsObject implements org.freedesktop.DBus.Properties for one interface.
type propsObject struct {
	iface string
	props func() map[string]dbus.Variant
}

func (p *propsObject) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != p.iface {
		return nil, ToDBusError(errw.Wrapf(ErrInvalidArgs, "unknown interface %s", iface))
	}
	return p.props(), nil
}

func (p *propsObject) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	if iface != p.iface {
		return dbus.Variant{}, ToDBusError(errw.Wrapf(ErrInvalidArgs, "unknown interface %s", iface))
	}
	v, ok := p.props()[name]
	if !ok {
		return dbus.Variant{}, ToDBusError(errw.Wrapf(ErrInvalidArgs, "unknown property %s", name))
	}
	return v, nil
}

func (p *propsObject) Set(iface, name string, _ dbus.Variant) *dbus.Error {
	return ToDBusError(errw.Wrapf(ErrNotPermitted, "%s.%s is read-only", iface, name))
}

type objectManager struct {
	app *Application
}

func (m *objectManager) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	return m.app.ManagedObjects(), nil
}

// charObject implements org.bluez.GattCharacteristic1. It resolves its
// characteristic through the application on every call.
type charObject struct {
	app  *Application
	path dbus.ObjectPath
}

func (o *charObject) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	c, err := o.app.Characteristic(o.path)
	if err != nil {
		return nil, ToDBusError(err)
	}
	value, err := c.ReadValue(ParseOptions(options))
	return value, ToDBusError(err)
}

func (o *charObject) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	c, err := o.app.Characteristic(o.path)
	if err != nil {
		return ToDBusError(err)
	}
	return ToDBusError(c.WriteValue(value, ParseOptions(options)))
}

func (o *charObject) StartNotify() *dbus.Error {
	c, err := o.app.Characteristic(o.path)
	if err != nil {
		return ToDBusError(err)
	}
	return ToDBusError(c.StartNotify())
}

func (o *charObject) StopNotify() *dbus.Error {
	c, err := o.app.Characteristic(o.path)
	if err != nil {
		return ToDBusError(err)
	}
	return ToDBusError(c.StopNotify())
}

type descObject struct {
	desc *Descriptor
}

func (o *descObject) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	value, err := o.desc.ReadValue(ParseOptions(options))
	return value, ToDBusError(err)
}

func (o *descObject) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	return ToDBusError(o.desc.WriteValue(value, ParseOptions(options)))
}

// Export publishes the whole object tree on conn and routes notifications through it.
func (a *Application) Export(conn *dbus.Conn) error {
	if err := conn.Export(&objectManager{app: a}, a.path, ObjectManagerInterface); err != nil {
		return errw.Wrapf(err, "exporting %s", a.path)
	}
	for _, s := range a.services {
		if err := conn.Export(&propsObject{iface: ServiceInterface, props: s.Properties}, s.path, PropertiesInterface); err != nil {
			return errw.Wrapf(err, "exporting %s", s.path)
		}
		for _, c := range s.characteristics {
			if err := conn.Export(&charObject{app: a, path: c.path}, c.path, CharacteristicInterface); err != nil {
				return errw.Wrapf(err, "exporting %s", c.path)
			}
			if err := conn.Export(&propsObject{iface: CharacteristicInterface, props: c.Properties}, c.path, PropertiesInterface); err != nil {
				return errw.Wrapf(err, "exporting %s", c.path)
			}
			for _, d := range c.descriptors {
				if err := conn.Export(&descObject{desc: d}, d.path, DescriptorInterface); err != nil {
					return errw.Wrapf(err, "exporting %s", d.path)
				}
				if err := conn.Export(&propsObject{iface: DescriptorInterface, props: d.Properties}, d.path, PropertiesInterface); err != nil {
					return errw.Wrapf(err, "exporting %s", d.path)
				}
			}
		}
	}

	a.SetEmitter(func(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) error {
		return conn.Emit(path, PropertiesInterface+".PropertiesChanged", iface, changed, []string{})
	})
	return nil
}

// Unexport removes every object Export published.
func (a *Application) Unexport(conn *dbus.Conn) {
	a.SetEmitter(nil)
	for _, s := range a.services {
		for _, c := range s.characteristics {
			for _, d := range c.descriptors {
				a.unexport(conn, d.path, DescriptorInterface, PropertiesInterface)
			}
			a.unexport(conn, c.path, CharacteristicInterface, PropertiesInterface)
		}
		a.unexport(conn, s.path, PropertiesInterface)
	}
	a.unexport(conn, a.path, ObjectManagerInterface)
}

func (a *Application) unexport(conn *dbus.Conn, path dbus.ObjectPath, ifaces ...string) {
	for _, iface := range ifaces {
		if err := conn.Export(nil, path, iface); err != nil {
			a.logger.Debug(errw.Wrapf(err, "unexporting %s %s", path, iface))
		}
	}
}
