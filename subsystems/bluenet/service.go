package bluenet

import (
	"go.viam.com/rdk/logging"

	"github.com/senic/hub/internal/gatt"
)

// ProtocolVersion is served by the version characteristic.
const ProtocolVersion = "1.0"

// JoinFunc is called with the most recently written SSID whenever credentials arrive.
type JoinFunc func(ssid, password string)

// ProvisioningService is the Wi-Fi provisioning GATT service. The remote
// writes the SSID first, then the credentials; the credentials write starts the join.
type ProvisioningService struct {
	service *gatt.Service

	networks  *availableNetworks
	connState *connectionState
	hostName  *hostName
	ssid      *ssidValue
}

func NewProvisioningService(logger logging.Logger, host, version string, join JoinFunc) *ProvisioningService {
	s := &ProvisioningService{
		networks:  newAvailableNetworks(logger),
		connState: newConnectionState(logger),
		hostName:  &hostName{name: host},
		ssid:      &ssidValue{logger: logger},
	}
	creds := &credentials{
		logger: logger,
		received: func(password string) {
			if join != nil {
				join(s.ssid.get(), password)
			}
		},
	}

	s.service = gatt.NewService(ServiceUUID, true,
		gatt.NewCharacteristic(AvailableNetworksUUID, s.networks, userDescription("Available networks")),
		gatt.NewCharacteristic(ConnectionStateUUID, s.connState, userDescription("Connection state")),
		gatt.NewCharacteristic(HostNameUUID, s.hostName, userDescription("Host name")),
		gatt.NewCharacteristic(VersionUUID, staticValue(version), userDescription("Protocol version")),
		gatt.NewCharacteristic(SSIDUUID, s.ssid, userDescription("SSID")),
		gatt.NewCharacteristic(CredentialsUUID, creds, userDescription("Credentials")),
	)
	return s
}

func (s *ProvisioningService) Service() *gatt.Service {
	return s.service
}

func (s *ProvisioningService) SetAvailableNetworks(ssids []string) {
	s.networks.set(ssids)
}

func (s *ProvisioningService) SetConnectionState(state WifiState, ssid string) {
	s.connState.set(state, ssid)
}

func (s *ProvisioningService) SetHostName(name string) {
	s.hostName.set(name)
}
