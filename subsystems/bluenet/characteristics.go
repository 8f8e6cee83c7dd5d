package bluenet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"github.com/senic/hub/internal/gatt"
	"github.com/senic/hub/utils"
)

// These must match the mobile setup app bit for bit.
var (
	ServiceUUID           = uuid.MustParse("FBE51523-B3E6-4F68-B6DA-410C0BBA1A78")
	AvailableNetworksUUID = uuid.MustParse("FBE51524-B3E6-4F68-B6DA-410C0BBA1A78")
	ConnectionStateUUID   = uuid.MustParse("FBE51525-B3E6-4F68-B6DA-410C0BBA1A78")
	HostNameUUID          = uuid.MustParse("FBE51526-B3E6-4F68-B6DA-410C0BBA1A78")
	VersionUUID           = uuid.MustParse("FBE51527-B3E6-4F68-B6DA-410C0BBA1A78")
	SSIDUUID              = uuid.MustParse("FBE51528-B3E6-4F68-B6DA-410C0BBA1A78")
	CredentialsUUID       = uuid.MustParse("FBE51529-B3E6-4F68-B6DA-410C0BBA1A78")
)

const (
	defaultSendInterval = 300 * time.Millisecond
	defaultRoundPause   = 3 * time.Second
)

// availableNetworks sends one SSID per notification, cycling through the
// known networks and pausing after every full round.
type availableNetworks struct {
	logger   logging.Logger
	interval time.Duration
	pause    time.Duration

	mu       sync.Mutex
	ssids    []string
	lastSent string
	cancel   context.CancelFunc
	workers  sync.WaitGroup
}

func newAvailableNetworks(logger logging.Logger) *availableNetworks {
	return &availableNetworks{
		logger:   logger,
		interval: defaultSendInterval,
		pause:    defaultRoundPause,
	}
}

func (a *availableNetworks) set(ssids []string) {
	sorted := append([]string(nil), ssids...)
	sort.Strings(sorted)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.ssids = sorted
}

func (a *availableNetworks) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ssids...)
}

func (a *availableNetworks) LastSent() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSent
}

func (a *availableNetworks) StartNotify(notify gatt.NotifyFunc) error {
	a.logger.Info("Start notifying about available networks")
	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	a.workers.Add(1)
	go a.sendLoop(ctx, notify)
	return nil
}

func (a *availableNetworks) StopNotify() error {
	a.logger.Info("Stop notifying about available networks")
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.workers.Wait()
	return nil
}

func (a *availableNetworks) sendLoop(ctx context.Context, notify gatt.NotifyFunc) {
	defer a.workers.Done()
	defer utils.Recover(a.logger, nil)

	for {
		round := a.snapshot()
		if len(round) == 0 {
			a.logger.Debug("No SSIDs available.")
			if !goutils.SelectContextOrWait(ctx, a.interval) {
				return
			}
			continue
		}

		for _, ssid := range round {
			if !goutils.SelectContextOrWait(ctx, a.interval) {
				return
			}
			a.logger.Debugf("Sending next SSID: %s", ssid)
			if err := notify([]byte(ssid)); err != nil {
				a.logger.Warn(errw.Wrap(err, "sending available network"))
			}
			a.mu.Lock()
			a.lastSent = ssid
			a.mu.Unlock()
		}

		if !goutils.SelectContextOrWait(ctx, a.pause) {
			return
		}
	}
}

type connectionState struct {
	logger logging.Logger

	mu     sync.Mutex
	state  WifiState
	ssid   string
	notify gatt.NotifyFunc
}

func newConnectionState(logger logging.Logger) *connectionState {
	return &connectionState{logger: logger, state: StateDisconnected}
}

func (c *connectionState) ReadValue(gatt.Options) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Debug("Read Connection State Value")
	return EncodeConnectionState(c.state, c.ssid), nil
}

func (c *connectionState) StartNotify(notify gatt.NotifyFunc) error {
	c.logger.Info("Enabled notification about connection state.")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = notify
	return nil
}

func (c *connectionState) StopNotify() error {
	c.logger.Info("Disabled notification about connection state.")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = nil
	return nil
}

func (c *connectionState) set(state WifiState, ssid string) {
	c.mu.Lock()
	c.state = state
	c.ssid = ssid
	notify := c.notify
	value := EncodeConnectionState(state, ssid)
	c.mu.Unlock()

	if notify == nil {
		return
	}
	c.logger.Info("Sending updated connection state")
	if err := notify(value); err != nil {
		c.logger.Warn(errw.Wrap(err, "notifying connection state"))
	}
}

type hostName struct {
	mu   sync.Mutex
	name string
}

func (h *hostName) ReadValue(gatt.Options) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return []byte(h.name), nil
}

func (h *hostName) set(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.name = name
}

type staticValue []byte

func (v staticValue) ReadValue(gatt.Options) ([]byte, error) {
	return v, nil
}

// Characteristic User Description, 0x2901.
var userDescriptionUUID = uuid.MustParse("00002901-0000-1000-8000-00805f9b34fb")

func userDescription(text string) *gatt.Descriptor {
	return gatt.NewDescriptor(userDescriptionUUID, staticValue(text))
}

type ssidValue struct {
	logger logging.Logger

	mu   sync.Mutex
	ssid string
}

func (s *ssidValue) WriteValue(value []byte, _ gatt.Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ssid = string(value)
	s.logger.Infof("Received SSID: %s", s.ssid)
	return nil
}

func (s *ssidValue) get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssid
}

// credentials triggers a join with every write.
type credentials struct {
	logger   logging.Logger
	received func(password string)
}

func (c *credentials) WriteValue(value []byte, _ gatt.Options) error {
	password := string(value)
	c.logger.Info("Received password")
	c.logger.Debugf("Password: %s", password)
	if c.received != nil {
		c.received(password)
	}
	return nil
}
