package bluenet

import (
	"fmt"

	errw "github.com/pkg/errors"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
)

// WifiState is the first byte of the connection state characteristic.
type WifiState byte

const (
	StateDown WifiState = iota
	StateDisconnected
	StateConnecting
	StateConnected
)

func (s WifiState) String() string {
	switch s {
	case StateDown:
		return "DOWN"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("WifiState(%d)", byte(s))
	}
}

// StateFromNM maps the global NetworkManager state.
func StateFromNM(state gnm.NmState) WifiState {
	switch {
	case state >= gnm.NmStateConnectedGlobal:
		return StateConnected
	case state > gnm.NmStateDisconnecting:
		return StateConnecting
	default:
		return StateDisconnected
	}
}

// StateFromDevice maps the wlan device state. A device NetworkManager cannot use is Down.
func StateFromDevice(state gnm.NmDeviceState) WifiState {
	switch state {
	case gnm.NmDeviceStateActivated:
		return StateConnected
	case gnm.NmDeviceStatePrepare, gnm.NmDeviceStateConfig, gnm.NmDeviceStateNeedAuth,
		gnm.NmDeviceStateIpConfig, gnm.NmDeviceStateIpCheck, gnm.NmDeviceStateSecondaries:
		return StateConnecting
	case gnm.NmDeviceStateDisconnected, gnm.NmDeviceStateDeactivating, gnm.NmDeviceStateFailed:
		return StateDisconnected
	default:
		return StateDown
	}
}

// EncodeConnectionState produces the characteristic value. The SSID is only
// appended when it is known and the state is not Disconnected.
func EncodeConnectionState(state WifiState, ssid string) []byte {
	if state != StateDisconnected && ssid != "" {
		return append([]byte{byte(state)}, ssid...)
	}
	return []byte{byte(state)}
}

func DecodeConnectionState(value []byte) (WifiState, string, error) {
	if len(value) == 0 {
		return StateDown, "", errw.New("empty connection state")
	}
	state := WifiState(value[0])
	if state > StateConnected {
		return StateDown, "", errw.Errorf("unknown connection state %d", value[0])
	}
	return state, string(value[1:]), nil
}
