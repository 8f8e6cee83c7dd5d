package gatt

import (
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const AdvertisementInterface = "org.bluez.LEAdvertisement1"

// Advertisement is an org.bluez.LEAdvertisement1 object.
type Advertisement struct {
	path    dbus.ObjectPath
	advType string
	logger  logging.Logger

	mu               sync.Mutex
	serviceUUIDs     []uuid.UUID
	localName        string
	manufacturerData map[uint16][]byte
	serviceData      map[uuid.UUID][]byte
	includeTxPower   bool
}

// NewAdvertisement creates an advertisement of the given type ("peripheral" or "broadcast").
func NewAdvertisement(path dbus.ObjectPath, advType string, logger logging.Logger) *Advertisement {
	return &Advertisement{path: path, advType: advType, logger: logger}
}

func (a *Advertisement) Path() dbus.ObjectPath {
	return a.path
}

func (a *Advertisement) AddServiceUUID(id uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.serviceUUIDs = append(a.serviceUUIDs, id)
}

func (a *Advertisement) SetLocalName(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.localName = name
}

func (a *Advertisement) AddManufacturerData(code uint16, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.manufacturerData == nil {
		a.manufacturerData = map[uint16][]byte{}
	}
	a.manufacturerData[code] = data
}

func (a *Advertisement) AddServiceData(id uuid.UUID, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.serviceData == nil {
		a.serviceData = map[uuid.UUID][]byte{}
	}
	a.serviceData[id] = data
}

// SetIncludeTxPower asks BlueZ to add the adapter's TX power level to the advertisement.
func (a *Advertisement) SetIncludeTxPower(include bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.includeTxPower = include
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func (a *Advertisement) Properties() map[string]dbus.Variant {
	a.mu.Lock()
	defer a.mu.Unlock()

	props := map[string]dbus.Variant{
		"Type":           dbus.MakeVariant(a.advType),
		"IncludeTxPower": dbus.MakeVariant(a.includeTxPower),
	}
	if len(a.serviceUUIDs) > 0 {
		props["ServiceUUIDs"] = dbus.MakeVariant(uuidStrings(a.serviceUUIDs))
	}
	if a.localName != "" {
		props["LocalName"] = dbus.MakeVariant(a.localName)
	}
	if len(a.manufacturerData) > 0 {
		md := map[uint16]dbus.Variant{}
		for code, data := range a.manufacturerData {
			md[code] = dbus.MakeVariant(data)
		}
		props["ManufacturerData"] = dbus.MakeVariant(md)
	}
	if len(a.serviceData) > 0 {
		sd := map[string]dbus.Variant{}
		for id, data := range a.serviceData {
			sd[id.String()] = dbus.MakeVariant(data)
		}
		props["ServiceData"] = dbus.MakeVariant(sd)
	}
	return props
}

type advObject struct {
	adv *Advertisement
}

// Release is called by BlueZ when it drops the advertisement.
func (o *advObject) Release() *dbus.Error {
	o.adv.logger.Infof("%s: Released!", o.adv.path)
	return nil
}

func (a *Advertisement) Export(conn *dbus.Conn) error {
	if err := conn.Export(&advObject{adv: a}, a.path, AdvertisementInterface); err != nil {
		return errw.Wrapf(err, "exporting %s", a.path)
	}
	props := &propsObject{iface: AdvertisementInterface, props: a.Properties}
	if err := conn.Export(props, a.path, PropertiesInterface); err != nil {
		return errw.Wrapf(err, "exporting %s", a.path)
	}
	return nil
}

func (a *Advertisement) Unexport(conn *dbus.Conn) {
	for _, iface := range []string{AdvertisementInterface, PropertiesInterface} {
		if err := conn.Export(nil, a.path, iface); err != nil {
			a.logger.Debug(err)
		}
	}
}
