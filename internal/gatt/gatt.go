// Package gatt is a small GATT server object model that BlueZ can register through GattManager1.
//
// Domain behavior attaches to a Characteristic through a handler value. The
// handler declares its capabilities by implementing any combination of
// Reader, Writer and Notifier; the flags advertised to BlueZ are derived from
// that set, and an operation the handler does not implement is answered with
// ErrNotSupported.
package gatt

import (
	"fmt"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/senic/hub/utils"
)

const (
	ServiceInterface        = "org.bluez.GattService1"
	CharacteristicInterface = "org.bluez.GattCharacteristic1"
	DescriptorInterface     = "org.bluez.GattDescriptor1"
	ObjectManagerInterface  = "org.freedesktop.DBus.ObjectManager"
	PropertiesInterface     = "org.freedesktop.DBus.Properties"
)

// Options are the decoded options dictionary BlueZ passes to ReadValue and WriteValue.
type Options struct {
	Offset int
	MTU    uint16
	Device dbus.ObjectPath
	// Type is "command" for write-without-response, "request" or "reliable" otherwise.
	Type string
}

func ParseOptions(raw map[string]dbus.Variant) Options {
	var opts Options
	if v, ok := raw["offset"]; ok {
		if off, ok := v.Value().(uint16); ok {
			opts.Offset = int(off)
		}
	}
	if v, ok := raw["mtu"]; ok {
		opts.MTU, _ = v.Value().(uint16)
	}
	if v, ok := raw["device"]; ok {
		opts.Device, _ = v.Value().(dbus.ObjectPath)
	}
	if v, ok := raw["type"]; ok {
		opts.Type, _ = v.Value().(string)
	}
	return opts
}

// Reader is implemented by handlers that can be read by the remote.
type Reader interface {
	ReadValue(opts Options) ([]byte, error)
}

// Writer is implemented by handlers that accept writes from the remote.
type Writer interface {
	WriteValue(value []byte, opts Options) error
}

// NotifyFunc pushes a new value to the subscribed remote.
type NotifyFunc func(value []byte) error

// Notifier is implemented by handlers that support subscriptions. StartNotify
// and StopNotify are only called on real transitions of the notifying flag.
type Notifier interface {
	StartNotify(notify NotifyFunc) error
	StopNotify() error
}

// Emitter sends a PropertiesChanged signal for an exported object.
type Emitter func(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) error

// Characteristic is a single GATT characteristic backed by a handler.
type Characteristic struct {
	uuid        uuid.UUID
	handler     any
	descriptors []*Descriptor

	path    dbus.ObjectPath
	service *Service
	logger  logging.Logger

	// sessionMu serializes start/stop so handler hooks never overlap.
	sessionMu sync.Mutex
	mu        sync.Mutex
	notifying bool
	emit      Emitter
}

func NewCharacteristic(id uuid.UUID, handler any, descriptors ...*Descriptor) *Characteristic {
	c := &Characteristic{
		uuid:        id,
		handler:     handler,
		descriptors: descriptors,
		logger:      logging.NewLogger("gatt"),
	}
	for _, d := range descriptors {
		d.characteristic = c
	}
	return c
}

func (c *Characteristic) UUID() uuid.UUID {
	return c.uuid
}

func (c *Characteristic) Path() dbus.ObjectPath {
	return c.path
}

func (c *Characteristic) Handler() any {
	return c.handler
}

// Flags lists the BlueZ characteristic flags implied by the handler's capabilities.
func (c *Characteristic) Flags() []string {
	var flags []string
	if _, ok := c.handler.(Reader); ok {
		flags = append(flags, "read")
	}
	if _, ok := c.handler.(Writer); ok {
		flags = append(flags, "write")
	}
	if _, ok := c.handler.(Notifier); ok {
		flags = append(flags, "notify")
	}
	return flags
}

func (c *Characteristic) Properties() map[string]dbus.Variant {
	descPaths := make([]dbus.ObjectPath, 0, len(c.descriptors))
	for _, d := range c.descriptors {
		descPaths = append(descPaths, d.path)
	}
	var servicePath dbus.ObjectPath
	if c.service != nil {
		servicePath = c.service.path
	}
	return map[string]dbus.Variant{
		"Service":     dbus.MakeVariant(servicePath),
		"UUID":        dbus.MakeVariant(c.uuid.String()),
		"Flags":       dbus.MakeVariant(c.Flags()),
		"Descriptors": dbus.MakeVariant(descPaths),
	}
}

// ReadValue dispatches a remote read to the handler, honoring the requested offset.
func (c *Characteristic) ReadValue(opts Options) (value []byte, err error) {
	defer utils.Recover(c.logger, func(r any) {
		value = nil
		err = errw.Wrapf(ErrFailed, "read of %s panicked: %v", c.uuid, r)
	})

	reader, ok := c.handler.(Reader)
	if !ok {
		c.logger.Warnf("read of %s is not supported", c.uuid)
		return nil, ErrNotSupported
	}
	value, err = reader.ReadValue(opts)
	if err != nil {
		return nil, err
	}
	if opts.Offset > len(value) {
		return nil, ErrInvalidOffset
	}
	return value[opts.Offset:], nil
}

// WriteValue dispatches a remote write to the handler.
func (c *Characteristic) WriteValue(value []byte, opts Options) (err error) {
	defer utils.Recover(c.logger, func(r any) {
		err = errw.Wrapf(ErrFailed, "write of %s panicked: %v", c.uuid, r)
	})

	writer, ok := c.handler.(Writer)
	if !ok {
		c.logger.Warnf("write of %s is not supported", c.uuid)
		return ErrNotSupported
	}
	return writer.WriteValue(value, opts)
}

func (c *Characteristic) IsNotifying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifying
}

// StartNotify begins a notify session. Starting an active session is a no-op.
func (c *Characteristic) StartNotify() (err error) {
	defer utils.Recover(c.logger, func(r any) {
		c.setNotifying(false)
		err = errw.Wrapf(ErrFailed, "start notify of %s panicked: %v", c.uuid, r)
	})

	notifier, ok := c.handler.(Notifier)
	if !ok {
		return ErrNotSupported
	}

	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.IsNotifying() {
		return nil
	}
	c.setNotifying(true)
	if err := notifier.StartNotify(c.Notify); err != nil {
		c.setNotifying(false)
		return err
	}
	c.logger.Debugf("started notifying %s", c.uuid)
	return nil
}

// StopNotify ends a notify session. Stopping while not notifying is a no-op.
func (c *Characteristic) StopNotify() (err error) {
	defer utils.Recover(c.logger, func(r any) {
		err = errw.Wrapf(ErrFailed, "stop notify of %s panicked: %v", c.uuid, r)
	})

	notifier, ok := c.handler.(Notifier)
	if !ok {
		return ErrNotSupported
	}

	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if !c.IsNotifying() {
		return nil
	}
	c.setNotifying(false)
	c.logger.Debugf("stopped notifying %s", c.uuid)
	return notifier.StopNotify()
}

// RemoteDisconnected ends any notify session. BlueZ does not call StopNotify
// when the remote goes away.
func (c *Characteristic) RemoteDisconnected() {
	if _, ok := c.handler.(Notifier); !ok {
		return
	}
	if err := c.StopNotify(); err != nil {
		c.logger.Warn(errw.Wrapf(err, "resetting notify on %s", c.uuid))
	}
}

// Notify emits a value change to the remote. It does nothing unless notifying.
func (c *Characteristic) Notify(value []byte) error {
	c.mu.Lock()
	notifying, emit := c.notifying, c.emit
	c.mu.Unlock()
	if !notifying || emit == nil {
		return nil
	}
	return emit(c.path, CharacteristicInterface, map[string]dbus.Variant{"Value": dbus.MakeVariant(value)})
}

func (c *Characteristic) setNotifying(notifying bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifying = notifying
}

func (c *Characteristic) setEmitter(emit Emitter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emit = emit
}

// Descriptor is a GATT descriptor attached to a characteristic.
type Descriptor struct {
	uuid           uuid.UUID
	handler        any
	path           dbus.ObjectPath
	characteristic *Characteristic
}

func NewDescriptor(id uuid.UUID, handler any) *Descriptor {
	return &Descriptor{uuid: id, handler: handler}
}

func (d *Descriptor) Path() dbus.ObjectPath {
	return d.path
}

func (d *Descriptor) Flags() []string {
	var flags []string
	if _, ok := d.handler.(Reader); ok {
		flags = append(flags, "read")
	}
	if _, ok := d.handler.(Writer); ok {
		flags = append(flags, "write")
	}
	return flags
}

func (d *Descriptor) Properties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Characteristic": dbus.MakeVariant(d.characteristic.path),
		"UUID":           dbus.MakeVariant(d.uuid.String()),
		"Flags":          dbus.MakeVariant(d.Flags()),
	}
}

func (d *Descriptor) ReadValue(opts Options) ([]byte, error) {
	reader, ok := d.handler.(Reader)
	if !ok {
		return nil, ErrNotSupported
	}
	return reader.ReadValue(opts)
}

func (d *Descriptor) WriteValue(value []byte, opts Options) error {
	writer, ok := d.handler.(Writer)
	if !ok {
		return ErrNotSupported
	}
	return writer.WriteValue(value, opts)
}

// Service is an immutable group of characteristics.
type Service struct {
	uuid            uuid.UUID
	primary         bool
	characteristics []*Characteristic
	path            dbus.ObjectPath
}

func NewService(id uuid.UUID, primary bool, characteristics ...*Characteristic) *Service {
	s := &Service{uuid: id, primary: primary, characteristics: characteristics}
	for _, c := range characteristics {
		c.service = s
	}
	return s
}

func (s *Service) UUID() uuid.UUID {
	return s.uuid
}

func (s *Service) Path() dbus.ObjectPath {
	return s.path
}

func (s *Service) Characteristics() []*Characteristic {
	return s.characteristics
}

func (s *Service) Properties() map[string]dbus.Variant {
	charPaths := make([]dbus.ObjectPath, 0, len(s.characteristics))
	for _, c := range s.characteristics {
		charPaths = append(charPaths, c.path)
	}
	return map[string]dbus.Variant{
		"UUID":            dbus.MakeVariant(s.uuid.String()),
		"Primary":         dbus.MakeVariant(s.primary),
		"Characteristics": dbus.MakeVariant(charPaths),
	}
}

// RemoteDisconnected resets every characteristic's notify session.
func (s *Service) RemoteDisconnected() {
	for _, c := range s.characteristics {
		c.RemoteDisconnected()
	}
}

// Application is the object tree registered with GattManager1.RegisterApplication.
type Application struct {
	path     dbus.ObjectPath
	services []*Service
	logger   logging.Logger
}

// NewApplication assigns object paths below root to every service, characteristic and descriptor.
func NewApplication(root dbus.ObjectPath, logger logging.Logger, services ...*Service) *Application {
	app := &Application{path: root, services: services, logger: logger}
	for i, s := range services {
		s.path = dbus.ObjectPath(fmt.Sprintf("%s/service%d", root, i))
		for j, c := range s.characteristics {
			c.path = dbus.ObjectPath(fmt.Sprintf("%s/char%d", s.path, j))
			c.logger = logger
			for k, d := range c.descriptors {
				d.path = dbus.ObjectPath(fmt.Sprintf("%s/desc%d", c.path, k))
			}
		}
	}
	return app
}

func (a *Application) Path() dbus.ObjectPath {
	return a.path
}

func (a *Application) Services() []*Service {
	return a.services
}

// ManagedObjects builds the GetManagedObjects reply. It has no side effects.
func (a *Application) ManagedObjects() map[dbus.ObjectPath]map[string]map[string]dbus.Variant {
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{}
	for _, s := range a.services {
		objects[s.path] = map[string]map[string]dbus.Variant{ServiceInterface: s.Properties()}
		for _, c := range s.characteristics {
			objects[c.path] = map[string]map[string]dbus.Variant{CharacteristicInterface: c.Properties()}
			for _, d := range c.descriptors {
				objects[d.path] = map[string]map[string]dbus.Variant{DescriptorInterface: d.Properties()}
			}
		}
	}
	return objects
}

// Characteristic finds a characteristic by object path.
func (a *Application) Characteristic(path dbus.ObjectPath) (*Characteristic, error) {
	for _, s := range a.services {
		for _, c := range s.characteristics {
			if c.path == path {
				return c, nil
			}
		}
	}
	return nil, errw.Wrapf(ErrInvalidArgs, "no characteristic at %s", path)
}

// SetEmitter routes characteristic notifications. Export installs a D-Bus emitter.
func (a *Application) SetEmitter(emit Emitter) {
	for _, s := range a.services {
		for _, c := range s.characteristics {
			c.setEmitter(emit)
		}
	}
}

// RemoteDisconnected resets notify sessions on every service.
func (a *Application) RemoteDisconnected() {
	for _, s := range a.services {
		s.RemoteDisconnected()
	}
}
