//nolint:goconst
package utils

import (
	"encoding/json"
	"errors"
	"io/fs"
	netlib "net"
	"os"
	"regexp"
	"time"

	errw "github.com/pkg/errors"
	"github.com/tidwall/jsonc"
)

var (
	DefaultConfiguration = HubConfig{
		BluenetConfig{
			WlanInterface:    "wlan0",
			BluetoothAdapter: "",
			Hostname:         "senic-hub-%IP",
			Alias:            "Senic Hub",
			AutoAdvertise:    Tribool(0),
			RPCAddress:       "127.0.0.1:6459",
			ScanInterval:     Timeout(time.Second * 20),
			NetworkDiscard:   Timeout(time.Minute),
		},
		NetwatchConfig{
			WlanInterface:       "wlan0",
			ProvisioningProgram: "bluenet",
			NormalProgram:       "nuimo_app",
			PollInterval:        Timeout(time.Second * 5),
		},
		OnboardingConfig{
			BluetoothAdapter: "hci0",
			MaxAttempts:      3,
			DiscoveryTimeout: Timeout(time.Second * 5),
			ConnectTimeout:   Timeout(time.Second * 10),
			RestartService:   "bluetooth",
			MACFile:          "/srv/senic_hub/data/nuimo_mac_address.txt",
			AllowedAlias:     "Nuimo",
		},
	}

	// Can be overwritten via cli arguments.
	ConfigFilePath = "/etc/senic/hub.json"
)

//nolint:recvcheck
type Tribool int

func (b Tribool) Get() bool {
	return b > 0
}

func (b Tribool) MarshalJSON() ([]byte, error) {
	if b == 1 {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

func (b *Tribool) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*b = 1
	case "false":
		*b = -1
	default:
		*b = 0
	}
	return nil
}

type HubConfig struct {
	Bluenet    BluenetConfig    `json:"bluenet,omitempty"`
	Netwatch   NetwatchConfig   `json:"netwatch,omitempty"`
	Onboarding OnboardingConfig `json:"onboarding,omitempty"`
}

type BluenetConfig struct {
	WlanInterface string `json:"wlan_interface,omitempty"`

	// empty means the first adapter capable of GATT serving and LE advertising
	BluetoothAdapter string `json:"bluetooth_adapter,omitempty"`

	// may contain %IP, replaced with the wlan interface's IPv4 address
	Hostname string `json:"hostname,omitempty"`
	Alias    string `json:"alias,omitempty"`

	// stop advertising while wifi is connected and no phone is attached
	AutoAdvertise Tribool `json:"auto_advertise,omitempty"`

	// advertisement extras, data values are hex encoded
	IncludeTxPower   Tribool           `json:"include_tx_power,omitempty"`
	ManufacturerData map[uint16]string `json:"manufacturer_data,omitempty"`
	ServiceData      map[string]string `json:"service_data,omitempty"`

	RPCAddress     string  `json:"rpc_address,omitempty"`
	ScanInterval   Timeout `json:"scan_interval,omitempty"`
	NetworkDiscard Timeout `json:"network_discard,omitempty"`
}

type NetwatchConfig struct {
	WlanInterface       string  `json:"wlan_interface,omitempty"`
	ProvisioningProgram string  `json:"provisioning_program,omitempty"`
	NormalProgram       string  `json:"normal_program,omitempty"`
	PollInterval        Timeout `json:"poll_interval,omitempty"`
}

type OnboardingConfig struct {
	BluetoothAdapter string  `json:"bluetooth_adapter,omitempty"`
	MaxAttempts      int     `json:"max_attempts,omitempty"`
	DiscoveryTimeout Timeout `json:"discovery_timeout,omitempty"`
	ConnectTimeout   Timeout `json:"connect_timeout,omitempty"`
	RestartService   string  `json:"restart_service,omitempty"`
	MACFile          string  `json:"mac_file,omitempty"`
	AllowedAlias     string  `json:"allowed_alias,omitempty"`
}

func DefaultConfig() HubConfig {
	cfg := HubConfig{}
	// round-trip to get a deep copy of the default config
	defBytes, err := json.Marshal(DefaultConfiguration)
	if err != nil {
		panic(err)
	}
	err = json.Unmarshal(defBytes, &cfg)
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig reads a (jsonc) config file and stacks it over the defaults.
// A missing file is not an error.
func LoadConfig(path string) (HubConfig, error) {
	cfg := DefaultConfig()

	//nolint:gosec
	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, errw.Wrapf(err, "reading %s", path)
	}

	if err := json.Unmarshal(jsonc.ToJSON(jsonBytes), &cfg); err != nil {
		return DefaultConfig(), errw.Wrapf(err, "parsing %s", path)
	}

	return validateConfig(cfg)
}

var whitespace = regexp.MustCompile(`\s`)

func validInterfaceName(name string) bool {
	return len(name) <= 15 && !whitespace.MatchString(name)
}

func validateConfig(cfg HubConfig) (HubConfig, error) {
	var errOut error
	def := DefaultConfiguration

	if !validInterfaceName(cfg.Bluenet.WlanInterface) || cfg.Bluenet.WlanInterface == "" {
		errOut = errors.Join(errOut, errw.Errorf("bluenet wlan_interface (%s) must be 15 characters or less, without spaces",
			cfg.Bluenet.WlanInterface))
		cfg.Bluenet.WlanInterface = def.Bluenet.WlanInterface
	}

	if !validInterfaceName(cfg.Bluenet.BluetoothAdapter) {
		errOut = errors.Join(errOut, errw.Errorf("bluenet bluetooth_adapter (%s) must be 15 characters or less, without spaces",
			cfg.Bluenet.BluetoothAdapter))
		cfg.Bluenet.BluetoothAdapter = def.Bluenet.BluetoothAdapter
	}

	if _, _, err := netlib.SplitHostPort(cfg.Bluenet.RPCAddress); err != nil {
		errOut = errors.Join(errOut, errw.Wrapf(err, "bluenet rpc_address (%s) is invalid", cfg.Bluenet.RPCAddress))
		cfg.Bluenet.RPCAddress = def.Bluenet.RPCAddress
	}

	if cfg.Bluenet.ScanInterval <= 0 {
		errOut = errors.Join(errOut, errw.New("bluenet scan_interval must be positive"))
		cfg.Bluenet.ScanInterval = def.Bluenet.ScanInterval
	}

	if cfg.Bluenet.NetworkDiscard <= 0 {
		errOut = errors.Join(errOut, errw.New("bluenet network_discard must be positive"))
		cfg.Bluenet.NetworkDiscard = def.Bluenet.NetworkDiscard
	}

	if !validInterfaceName(cfg.Netwatch.WlanInterface) || cfg.Netwatch.WlanInterface == "" {
		errOut = errors.Join(errOut, errw.Errorf("netwatch wlan_interface (%s) must be 15 characters or less, without spaces",
			cfg.Netwatch.WlanInterface))
		cfg.Netwatch.WlanInterface = def.Netwatch.WlanInterface
	}

	if cfg.Netwatch.PollInterval <= 0 {
		errOut = errors.Join(errOut, errw.New("netwatch poll_interval must be positive"))
		cfg.Netwatch.PollInterval = def.Netwatch.PollInterval
	}

	if cfg.Netwatch.ProvisioningProgram == "" || cfg.Netwatch.NormalProgram == "" {
		errOut = errors.Join(errOut, errw.New("netwatch program names cannot be empty"))
		cfg.Netwatch.ProvisioningProgram = def.Netwatch.ProvisioningProgram
		cfg.Netwatch.NormalProgram = def.Netwatch.NormalProgram
	}

	if !validInterfaceName(cfg.Onboarding.BluetoothAdapter) || cfg.Onboarding.BluetoothAdapter == "" {
		errOut = errors.Join(errOut, errw.Errorf("onboarding bluetooth_adapter (%s) must be 15 characters or less, without spaces",
			cfg.Onboarding.BluetoothAdapter))
		cfg.Onboarding.BluetoothAdapter = def.Onboarding.BluetoothAdapter
	}

	if cfg.Onboarding.MaxAttempts < 1 || cfg.Onboarding.MaxAttempts > 100 {
		errOut = errors.Join(errOut, errw.Errorf("onboarding max_attempts (%d) must be between 1 and 100",
			cfg.Onboarding.MaxAttempts))
		cfg.Onboarding.MaxAttempts = def.Onboarding.MaxAttempts
	}

	var haveBadTimeout bool
	if cfg.Onboarding.DiscoveryTimeout <= 0 {
		cfg.Onboarding.DiscoveryTimeout = def.Onboarding.DiscoveryTimeout
		haveBadTimeout = true
	}
	if cfg.Onboarding.ConnectTimeout <= 0 {
		cfg.Onboarding.ConnectTimeout = def.Onboarding.ConnectTimeout
		haveBadTimeout = true
	}
	if haveBadTimeout {
		errOut = errors.Join(errOut, errw.New("onboarding timeout values must be positive"))
	}

	if cfg.Onboarding.MACFile == "" {
		errOut = errors.Join(errOut, errw.New("onboarding mac_file cannot be empty"))
		cfg.Onboarding.MACFile = def.Onboarding.MACFile
	}

	return cfg, errOut
}

// Timeout is a duration that accepts either a go duration string ("10s") or a bare number of seconds.
type Timeout time.Duration

func (t Timeout) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(t).String())
}

func (t *Timeout) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*t = Timeout(value * float64(time.Second))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*t = Timeout(tmp)
		return nil
	default:
		return errw.Errorf("invalid duration: %#v", v)
	}
}
