package gatt

import (
	"errors"

	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
)

var (
	ErrNotSupported       = errw.New("not supported")
	ErrInvalidArgs        = errw.New("invalid arguments")
	ErrFailed             = errw.New("failed")
	ErrNotPermitted       = errw.New("not permitted")
	ErrInvalidValueLength = errw.New("invalid value length")
	ErrInvalidOffset      = errw.New("invalid offset")
)

var errorNames = []struct {
	err  error
	name string
}{
	{ErrNotSupported, "org.bluez.Error.NotSupported"},
	{ErrInvalidArgs, "org.freedesktop.DBus.Error.InvalidArgs"},
	{ErrNotPermitted, "org.bluez.Error.NotPermitted"},
	{ErrInvalidValueLength, "org.bluez.Error.InvalidValueLength"},
	{ErrInvalidOffset, "org.bluez.Error.InvalidOffset"},
	{ErrFailed, "org.bluez.Error.Failed"},
}

// ToDBusError maps a hook error onto the BlueZ error name the remote sees.
// Anything unrecognized is reported as org.bluez.Error.Failed.
func ToDBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	var dErr *dbus.Error
	if errors.As(err, &dErr) {
		return dErr
	}
	for _, e := range errorNames {
		if errors.Is(err, e.err) {
			return dbus.NewError(e.name, []any{err.Error()})
		}
	}
	return dbus.NewError("org.bluez.Error.Failed", []any{err.Error()})
}
