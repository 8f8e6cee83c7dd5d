package bluenet

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	errw "github.com/pkg/errors"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
	"go.viam.com/rdk/logging"

	"github.com/senic/hub/internal/netmgr"
	"github.com/senic/hub/utils"
)

// disconnectGrace is how long after a join starts a Connecting to Disconnected
// flip is held back, while NetworkManager is still likely to reconnect.
const disconnectGrace = 10 * time.Second

// NetworkManager is the part of netmgr.Client the Wi-Fi controller and scan loop use.
type NetworkManager interface {
	State() (gnm.NmState, error)
	DeviceState() (gnm.NmDeviceState, error)
	ProfileSSID(name string) (string, error)
	DeleteProfile(name string) (bool, error)
	AddAndActivate(settings gnm.ConnectionSettings) error
	ActivateProfile(name string) error
	IPv4Address() (string, error)
	Scan(ctx context.Context, timeout time.Duration) ([]string, error)
	WatchState(ctx context.Context, fn func(gnm.NmState)) error
}

// StateChangeFunc is called whenever the mapped Wi-Fi state changes.
type StateChangeFunc func(state WifiState, ssid string)

// WifiController joins networks through the "bluenet" profile and tracks the resulting state.
type WifiController struct {
	nm     NetworkManager
	logger logging.Logger

	joining atomic.Bool
	workers sync.WaitGroup

	mu          sync.Mutex
	status      WifiState
	ssid        string
	joinStarted time.Time
	onChange    StateChangeFunc
	grace       time.Duration
	recheck     *time.Timer
	now         func() time.Time
}

func NewWifiController(logger logging.Logger, nm NetworkManager) *WifiController {
	return &WifiController{
		nm:     nm,
		logger: logger,
		status: StateDown,
		grace:  disconnectGrace,
		now:    time.Now,
	}
}

// OnChange registers the state change callback. It must be set before Watch.
func (w *WifiController) OnChange(fn StateChangeFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Join starts a join in the background and returns immediately. It returns
// false, without queuing anything, if a join is already running.
func (w *WifiController) Join(ssid, password string) bool {
	w.logger.Infof("Trying to join network: %s", ssid)
	w.logger.Debugf("Password: %s", password)
	if !w.joining.CompareAndSwap(false, true) {
		w.logger.Warn("Cannot join network while previous joining is still in process")
		return false
	}

	w.workers.Add(1)
	go func() {
		defer w.workers.Done()
		defer w.joining.Store(false)
		defer utils.Recover(w.logger, nil)
		if err := w.configure(ssid, password); err != nil {
			w.logger.Error(errw.Wrapf(err, "joining %s", ssid))
		}
	}()
	return true
}

// JoinAndWait runs a single join synchronously.
func (w *WifiController) JoinAndWait(ssid, password string) error {
	if !w.joining.CompareAndSwap(false, true) {
		return errw.New("a join is already in progress")
	}
	defer w.joining.Store(false)
	return w.configure(ssid, password)
}

func (w *WifiController) IsJoining() bool {
	return w.joining.Load()
}

// Wait blocks until any background join has finished.
func (w *WifiController) Wait() {
	w.workers.Wait()
}

// configure replaces the bluenet profile. An empty SSID only removes it.
func (w *WifiController) configure(ssid, password string) error {
	w.mu.Lock()
	w.joinStarted = w.now()
	w.mu.Unlock()

	deleted, err := w.nm.DeleteProfile(netmgr.ProfileName)
	if err != nil {
		return err
	}
	if deleted {
		w.logger.Infof("Deleting connection %s", netmgr.ProfileName)
	}

	if ssid == "" {
		return nil
	}
	if password == "" {
		w.logger.Infof("Creating passwordless connection to %s named %s", ssid, netmgr.ProfileName)
	} else {
		w.logger.Infof("Creating connection to %s named %s", ssid, netmgr.ProfileName)
	}
	return w.nm.AddAndActivate(netmgr.WifiSettings(netmgr.ProfileName, ssid, password))
}

// Status queries the wlan device directly. Any failure is reported as Down.
func (w *WifiController) Status() WifiState {
	state, err := w.nm.DeviceState()
	if err != nil {
		w.logger.Warn(err)
		return StateDown
	}
	return StateFromDevice(state)
}

// Current returns the last state seen by Watch and the SSID of the bluenet profile.
func (w *WifiController) Current() (WifiState, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, w.ssid
}

// Watch follows NetworkManager state changes until ctx is done.
func (w *WifiController) Watch(ctx context.Context) error {
	err := w.nm.WatchState(ctx, w.stateChanged)
	w.mu.Lock()
	w.stopRecheckLocked()
	w.mu.Unlock()
	return err
}

func (w *WifiController) stopRecheckLocked() {
	if w.recheck != nil {
		w.recheck.Stop()
		w.recheck = nil
	}
}

// recheckState re-reads NetworkManager once the grace period is over. NetworkManager
// sends nothing further when a join fails, so this is what reports the disconnect.
func (w *WifiController) recheckState() {
	defer utils.Recover(w.logger, nil)
	w.mu.Lock()
	w.recheck = nil
	w.mu.Unlock()

	state, err := w.nm.State()
	if err != nil {
		w.logger.Warn(errw.Wrap(err, "rechecking wifi state"))
		return
	}
	w.stateChanged(state)
}

func (w *WifiController) stateChanged(nmState gnm.NmState) {
	newStatus := StateFromNM(nmState)

	ssid, err := w.nm.ProfileSSID(netmgr.ProfileName)
	if err != nil {
		w.logger.Warn(errw.Wrap(err, "reading current ssid"))
		ssid = ""
	}

	w.mu.Lock()
	w.ssid = ssid
	if newStatus == w.status {
		w.mu.Unlock()
		return
	}
	if w.status == StateConnecting && newStatus == StateDisconnected && !w.joinStarted.IsZero() {
		if elapsed := w.now().Sub(w.joinStarted); elapsed < w.grace {
			w.stopRecheckLocked()
			w.recheck = time.AfterFunc(w.grace-elapsed, w.recheckState)
			w.mu.Unlock()
			w.logger.Debugf("Ignoring transient disconnect (%d) while joining %s", nmState, ssid)
			return
		}
	}
	w.stopRecheckLocked()
	w.status = newStatus
	onChange := w.onChange
	w.mu.Unlock()

	if newStatus == StateConnecting || newStatus == StateConnected {
		w.logger.Infof("Wifi status changed: %s (%d) to %s", newStatus, nmState, ssid)
	} else {
		w.logger.Infof("Wifi status changed: %s (%d)", newStatus, nmState)
	}
	if onChange != nil {
		onChange(newStatus, ssid)
	}
}

// Hostname resolves the %IP placeholder with the wlan device's IPv4 address.
func (w *WifiController) Hostname(template string) string {
	if !strings.Contains(template, "%IP") {
		return template
	}
	ip, err := w.nm.IPv4Address()
	if err != nil {
		w.logger.Warn(errw.Wrap(err, "reading ip address"))
	}
	return ResolveHostname(template, ip)
}

// ResolveHostname substitutes ip for %IP. Without an address the hostname is empty.
func ResolveHostname(template, ip string) string {
	if !strings.Contains(template, "%IP") {
		return template
	}
	if ip == "" {
		return ""
	}
	return strings.ReplaceAll(template, "%IP", ip)
}
