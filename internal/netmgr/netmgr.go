// Package netmgr is the slice of NetworkManager the hub uses: global state,
// the wlan device, and one named connection profile.
package netmgr

import (
	"context"
	"sort"
	"time"

	semver "github.com/Masterminds/semver/v3"
	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

const (
	// ProfileName is the connection profile created by Wi-Fi provisioning.
	ProfileName = "bluenet"

	nmInterface = "org.freedesktop.NetworkManager"
	nmPath      = "/org/freedesktop/NetworkManager"
)

var (
	ErrNM          = errw.New("NetworkManager does not appear to be responding as expected. Please ensure NetworkManger >= v1.2.0 is installed and enabled")
	ErrNoDevice    = errw.New("wireless device not found")
	ErrScanTimeout = errw.New("wifi scanning timed out")

	MinimumVersion = semver.MustParse("1.2.0")
)

type Client struct {
	nm       gnm.NetworkManager
	settings gnm.Settings
	iface    string
	logger   logging.Logger
}

// New connects to NetworkManager and checks that it is recent enough.
func New(logger logging.Logger, iface string) (*Client, error) {
	nm, err := gnm.NewNetworkManager()
	if err != nil {
		logger.Error(err)
		return nil, ErrNM
	}

	ver, err := nm.GetPropertyVersion()
	if err != nil {
		logger.Error(err)
		return nil, ErrNM
	}
	logger.Infof("Found NetworkManager version: %s", ver)

	sv, err := semver.NewVersion(ver)
	if err != nil {
		logger.Error(err)
		return nil, ErrNM
	}
	if sv.LessThan(MinimumVersion) {
		return nil, ErrNM
	}

	settings, err := gnm.NewSettings()
	if err != nil {
		return nil, errw.Wrap(err, "opening NetworkManager settings")
	}

	return &Client{nm: nm, settings: settings, iface: iface, logger: logger}, nil
}

func (c *Client) Interface() string {
	return c.iface
}

// State returns the global NetworkManager state.
func (c *Client) State() (gnm.NmState, error) {
	state, err := c.nm.State()
	if err != nil {
		return gnm.NmStateUnknown, errw.Wrap(err, "getting NetworkManager state")
	}
	return state, nil
}

// DeviceState returns the state of the wlan device itself.
func (c *Client) DeviceState() (gnm.NmDeviceState, error) {
	dev, err := c.device()
	if err != nil {
		return gnm.NmDeviceStateUnknown, err
	}
	state, err := dev.GetPropertyState()
	if err != nil {
		return gnm.NmDeviceStateUnknown, errw.Wrapf(err, "getting state of %s", c.iface)
	}
	return state, nil
}

func (c *Client) device() (gnm.Device, error) {
	dev, err := c.nm.GetDeviceByIpIface(c.iface)
	if err != nil || dev == nil {
		return nil, errw.Wrapf(ErrNoDevice, "%s", c.iface)
	}
	return dev, nil
}

func (c *Client) profile(name string) (gnm.Connection, error) {
	conns, err := c.settings.ListConnections()
	if err != nil {
		return nil, errw.Wrap(err, "listing connections")
	}
	for _, conn := range conns {
		settings, err := conn.GetSettings()
		if err != nil {
			c.logger.Warn(errw.Wrapf(err, "getting settings for %s", conn.GetPath()))
			continue
		}
		if ProfileID(settings) == name {
			return conn, nil
		}
	}
	return nil, nil
}

// ProfileSSID returns the SSID stored in the named profile, or an empty string if there is none.
func (c *Client) ProfileSSID(name string) (string, error) {
	conn, err := c.profile(name)
	if err != nil || conn == nil {
		return "", err
	}
	settings, err := conn.GetSettings()
	if err != nil {
		return "", errw.Wrapf(err, "getting settings for %s", name)
	}
	return SSIDFromSettings(settings), nil
}

// DeleteProfile removes the named profile. It returns false if it did not exist.
func (c *Client) DeleteProfile(name string) (bool, error) {
	conn, err := c.profile(name)
	if err != nil || conn == nil {
		return false, err
	}
	if err := conn.Delete(); err != nil {
		return false, errw.Wrapf(err, "deleting connection %s", name)
	}
	return true, nil
}

// AddAndActivate creates a new profile from settings and activates it on the wlan device.
func (c *Client) AddAndActivate(settings gnm.ConnectionSettings) error {
	dev, err := c.device()
	if err != nil {
		return err
	}
	if _, err := c.nm.AddAndActivateConnection(settings, dev); err != nil {
		return errw.Wrapf(err, "adding connection %s", ProfileID(settings))
	}
	return nil
}

// ActivateProfile activates an existing profile on the wlan device.
func (c *Client) ActivateProfile(name string) error {
	conn, err := c.profile(name)
	if err != nil {
		return err
	}
	if conn == nil {
		return errw.Errorf("connection %s not found", name)
	}
	dev, err := c.device()
	if err != nil {
		return err
	}
	if _, err := c.nm.ActivateConnection(conn, dev, nil); err != nil {
		return errw.Wrapf(err, "activating connection %s", name)
	}
	return nil
}

// IPv4Address returns the first IPv4 address of the wlan device, or an empty string.
func (c *Client) IPv4Address() (string, error) {
	dev, err := c.device()
	if err != nil {
		return "", err
	}
	ip4, err := dev.GetPropertyIP4Config()
	if err != nil {
		return "", errw.Wrapf(err, "getting ip4 config of %s", c.iface)
	}
	if ip4 == nil {
		return "", nil
	}
	addrs, err := ip4.GetPropertyAddressData()
	if err != nil {
		return "", errw.Wrapf(err, "getting addresses of %s", c.iface)
	}
	if len(addrs) == 0 {
		return "", nil
	}
	return addrs[0].Address, nil
}

// Scan requests a fresh access point scan and returns the visible SSIDs.
func (c *Client) Scan(ctx context.Context, timeout time.Duration) ([]string, error) {
	dev, err := c.device()
	if err != nil {
		return nil, err
	}
	wifiDev, err := gnm.NewDeviceWireless(dev.GetPath())
	if err != nil {
		return nil, errw.Wrapf(err, "opening %s as a wireless device", c.iface)
	}

	prevScan, err := wifiDev.GetPropertyLastScan()
	if err != nil {
		return nil, errw.Wrap(err, "getting last wifi scan")
	}
	if err := wifiDev.RequestScan(); err != nil {
		// scans are rate limited, fall back to whatever is cached
		c.logger.Debug(errw.Wrap(err, "requesting wifi scan"))
	} else {
		deadline := time.Now().Add(timeout)
		for {
			lastScan, err := wifiDev.GetPropertyLastScan()
			if err != nil {
				return nil, errw.Wrap(err, "getting last wifi scan")
			}
			if lastScan > prevScan {
				break
			}
			if time.Now().After(deadline) {
				return nil, ErrScanTimeout
			}
			if !goutils.SelectContextOrWait(ctx, time.Second/4) {
				return nil, ctx.Err()
			}
		}
	}

	aps, err := wifiDev.GetAccessPoints()
	if err != nil {
		return nil, errw.Wrap(err, "listing access points")
	}
	var ssids []string
	for _, ap := range aps {
		ssid, err := ap.GetPropertySSID()
		if err != nil {
			c.logger.Warn(errw.Wrap(err, "getting ssid of discovered wifi network"))
			continue
		}
		ssids = append(ssids, ssid)
	}
	return UniqueSSIDs(ssids), nil
}

// WatchState calls fn with the current state and then for every StateChanged signal until ctx is done.
func (c *Client) WatchState(ctx context.Context, fn func(gnm.NmState)) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return errw.Wrap(err, "connecting to system dbus")
	}

	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(nmPath),
		dbus.WithMatchInterface(nmInterface),
		dbus.WithMatchMember("StateChanged"),
	}
	if err := conn.AddMatchSignal(opts...); err != nil {
		return errw.Wrap(err, "subscribing to NetworkManager state changes")
	}
	signals := make(chan *dbus.Signal, 10)
	conn.Signal(signals)
	defer func() {
		conn.RemoveSignal(signals)
		goutils.UncheckedError(conn.RemoveMatchSignal(opts...))
	}()

	state, err := c.State()
	if err != nil {
		return err
	}
	fn(state)
	c.logger.Debug("Start listening to network status changes")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return errw.New("dbus connection closed")
			}
			if state, ok := ParseStateChanged(sig); ok {
				fn(state)
			}
		}
	}
}

// ParseStateChanged decodes an org.freedesktop.NetworkManager.StateChanged signal.
func ParseStateChanged(sig *dbus.Signal) (gnm.NmState, bool) {
	if sig == nil || sig.Name != nmInterface+".StateChanged" || len(sig.Body) < 1 {
		return gnm.NmStateUnknown, false
	}
	raw, ok := sig.Body[0].(uint32)
	if !ok {
		return gnm.NmStateUnknown, false
	}
	return gnm.NmState(raw), true
}

// WifiSettings builds an infrastructure profile. The security section is only
// present when a password is given, so open networks work too.
func WifiSettings(name, ssid, password string) gnm.ConnectionSettings {
	settings := gnm.ConnectionSettings{
		"connection": map[string]any{
			"id":   name,
			"uuid": uuid.New().String(),
			"type": "802-11-wireless",
		},
		"802-11-wireless": map[string]any{
			"mode": "infrastructure",
			"ssid": []byte(ssid),
		},
	}
	if password != "" {
		settings["802-11-wireless-security"] = map[string]any{
			"key-mgmt": "wpa-psk",
			"psk":      password,
		}
	}
	return settings
}

func ProfileID(settings gnm.ConnectionSettings) string {
	id, _ := settings["connection"]["id"].(string)
	return id
}

func SSIDFromSettings(settings gnm.ConnectionSettings) string {
	switch ssid := settings["802-11-wireless"]["ssid"].(type) {
	case []byte:
		return string(ssid)
	case string:
		return ssid
	default:
		return ""
	}
}

// UniqueSSIDs drops blanks and duplicates (one SSID is often served by several access points).
func UniqueSSIDs(ssids []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, ssid := range ssids {
		if ssid == "" || seen[ssid] {
			continue
		}
		seen[ssid] = true
		out = append(out, ssid)
	}
	sort.Strings(out)
	return out
}
