package bluez

import (
	"context"
	"strings"

	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
)

// AdapterChange carries the properties that changed on the adapter itself.
type AdapterChange struct {
	Changed map[string]dbus.Variant
}

// DeviceChange reports a remote device's connection state flipping.
type DeviceChange struct {
	Path      dbus.ObjectPath
	Address   string
	Connected bool
}

// Watch follows PropertiesChanged signals for the adapter and its devices until ctx is done.
// Callbacks run on the watch goroutine, in signal order.
func (a *Adapter) Watch(ctx context.Context, onAdapter func(AdapterChange), onDevice func(DeviceChange)) error {
	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchInterface(Properties),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchObjectPath(a.path),
			dbus.WithMatchArg(0, AdapterInterface),
		},
		{
			dbus.WithMatchInterface(Properties),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace(a.path),
			dbus.WithMatchArg(0, DeviceInterface),
		},
	}
	for _, m := range matches {
		if err := a.conn.AddMatchSignal(m...); err != nil {
			return errw.Wrap(err, "adding bluez PropertiesChanged match")
		}
	}

	signals := make(chan *dbus.Signal, 25)
	a.conn.Signal(signals)
	defer func() {
		a.conn.RemoveSignal(signals)
		for _, m := range matches {
			if err := a.conn.RemoveMatchSignal(m...); err != nil {
				a.logger.Debug(err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return errw.New("dbus connection closed")
			}
			iface, changed, ok := parsePropertiesChanged(sig)
			if !ok {
				continue
			}
			switch {
			case iface == AdapterInterface && sig.Path == a.path:
				if onAdapter != nil {
					onAdapter(AdapterChange{Changed: changed})
				}
			case iface == DeviceInterface && strings.HasPrefix(string(sig.Path), string(a.path)+"/"):
				connected, ok := changed["Connected"]
				if !ok || onDevice == nil {
					continue
				}
				isConnected, _ := connected.Value().(bool)
				onDevice(DeviceChange{Path: sig.Path, Address: AddressFromPath(sig.Path), Connected: isConnected})
			}
		}
	}
}

func parsePropertiesChanged(sig *dbus.Signal) (string, map[string]dbus.Variant, bool) {
	if sig == nil || sig.Name != Properties+".PropertiesChanged" || len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return "", nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", nil, false
	}
	return iface, changed, true
}
