package bluenet

import (
	"sync"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/senic/hub/internal/gatt"
)

func TestConnectionStateCodec(t *testing.T) {
	value := EncodeConnectionState(StateConnected, "home-network")
	test.That(t, value[0], test.ShouldEqual, byte(3))

	state, ssid, err := DecodeConnectionState(value)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, StateConnected)
	test.That(t, ssid, test.ShouldEqual, "home-network")

	// the ssid is dropped while disconnected
	test.That(t, EncodeConnectionState(StateDisconnected, "home-network"), test.ShouldResemble, []byte{1})
	test.That(t, EncodeConnectionState(StateConnecting, ""), test.ShouldResemble, []byte{2})

	_, _, err = DecodeConnectionState(nil)
	test.That(t, err, test.ShouldNotBeNil)
	_, _, err = DecodeConnectionState([]byte{9})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestStateFromNM(t *testing.T) {
	for _, tc := range []struct {
		nm   gnm.NmState
		want WifiState
	}{
		{gnm.NmStateUnknown, StateDisconnected},
		{gnm.NmStateDisconnected, StateDisconnected},
		{gnm.NmStateDisconnecting, StateDisconnected},
		{gnm.NmStateConnecting, StateConnecting},
		{gnm.NmStateConnectedLocal, StateConnecting},
		{gnm.NmStateConnectedSite, StateConnecting},
		{gnm.NmStateConnectedGlobal, StateConnected},
	} {
		t.Run(tc.nm.String(), func(t *testing.T) {
			test.That(t, StateFromNM(tc.nm), test.ShouldEqual, tc.want)
		})
	}
}

func TestStateFromDevice(t *testing.T) {
	for _, tc := range []struct {
		dev  gnm.NmDeviceState
		want WifiState
	}{
		{gnm.NmDeviceStateUnknown, StateDown},
		{gnm.NmDeviceStateUnmanaged, StateDown},
		{gnm.NmDeviceStateUnavailable, StateDown},
		{gnm.NmDeviceStateDisconnected, StateDisconnected},
		{gnm.NmDeviceStatePrepare, StateConnecting},
		{gnm.NmDeviceStateNeedAuth, StateConnecting},
		{gnm.NmDeviceStateIpConfig, StateConnecting},
		{gnm.NmDeviceStateActivated, StateConnected},
		{gnm.NmDeviceStateDeactivating, StateDisconnected},
		{gnm.NmDeviceStateFailed, StateDisconnected},
	} {
		t.Run(tc.dev.String(), func(t *testing.T) {
			test.That(t, StateFromDevice(tc.dev), test.ShouldEqual, tc.want)
		})
	}
}

type notifications struct {
	mu     sync.Mutex
	values []string
}

func (n *notifications) emitter(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.values = append(n.values, string(changed["Value"].Value().([]byte)))
	return nil
}

func (n *notifications) get() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.values...)
}

func (n *notifications) waitFor(t *testing.T, count int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := n.get(); len(got) >= count {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d notifications, got %v", count, n.get())
	return nil
}

func newTestService(t *testing.T, join JoinFunc) (*ProvisioningService, *gatt.Application, *notifications) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	svc := NewProvisioningService(logger, "senic-hub", ProtocolVersion, join)
	svc.networks.interval = time.Millisecond
	svc.networks.pause = 200 * time.Millisecond
	app := gatt.NewApplication(AppPath, logger, svc.Service())
	n := &notifications{}
	app.SetEmitter(n.emitter)
	return svc, app, n
}

func characteristic(t *testing.T, svc *ProvisioningService, id uuid.UUID) *gatt.Characteristic {
	t.Helper()
	for _, c := range svc.Service().Characteristics() {
		if c.UUID() == id {
			return c
		}
	}
	t.Fatalf("no characteristic %s", id)
	return nil
}

func TestCharacteristicFlags(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	test.That(t, characteristic(t, svc, AvailableNetworksUUID).Flags(), test.ShouldResemble, []string{"notify"})
	test.That(t, characteristic(t, svc, ConnectionStateUUID).Flags(), test.ShouldResemble, []string{"read", "notify"})
	test.That(t, characteristic(t, svc, HostNameUUID).Flags(), test.ShouldResemble, []string{"read"})
	test.That(t, characteristic(t, svc, VersionUUID).Flags(), test.ShouldResemble, []string{"read"})
	test.That(t, characteristic(t, svc, SSIDUUID).Flags(), test.ShouldResemble, []string{"write"})
	test.That(t, characteristic(t, svc, CredentialsUUID).Flags(), test.ShouldResemble, []string{"write"})

	version, err := characteristic(t, svc, VersionUUID).ReadValue(gatt.Options{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(version), test.ShouldEqual, "1.0")
}

func TestCredentialsTriggerJoin(t *testing.T) {
	var joins [][2]string
	svc, _, _ := newTestService(t, func(ssid, password string) {
		joins = append(joins, [2]string{ssid, password})
	})
	ssidChar := characteristic(t, svc, SSIDUUID)
	credsChar := characteristic(t, svc, CredentialsUUID)

	test.That(t, ssidChar.WriteValue([]byte("home-network"), gatt.Options{}), test.ShouldBeNil)
	test.That(t, joins, test.ShouldBeEmpty)

	test.That(t, credsChar.WriteValue([]byte("hunter22"), gatt.Options{}), test.ShouldBeNil)
	test.That(t, joins, test.ShouldResemble, [][2]string{{"home-network", "hunter22"}})

	// credentials always pair with the latest ssid
	test.That(t, ssidChar.WriteValue([]byte("cafe"), gatt.Options{}), test.ShouldBeNil)
	test.That(t, credsChar.WriteValue([]byte(""), gatt.Options{}), test.ShouldBeNil)
	test.That(t, joins, test.ShouldResemble, [][2]string{{"home-network", "hunter22"}, {"cafe", ""}})

	_, err := credsChar.ReadValue(gatt.Options{})
	test.That(t, err, test.ShouldEqual, gatt.ErrNotSupported)
}

func TestJoinWhileInFlight(t *testing.T) {
	nm := &fakeNM{addBlock: make(chan struct{}), addStarted: make(chan struct{}, 1)}
	wifi := NewWifiController(logging.NewTestLogger(t), nm)
	svc, _, _ := newTestService(t, func(ssid, password string) { wifi.Join(ssid, password) })
	ssidChar := characteristic(t, svc, SSIDUUID)
	credsChar := characteristic(t, svc, CredentialsUUID)

	test.That(t, ssidChar.WriteValue([]byte("home-network"), gatt.Options{}), test.ShouldBeNil)
	test.That(t, credsChar.WriteValue([]byte("hunter22"), gatt.Options{}), test.ShouldBeNil)
	<-nm.addStarted
	test.That(t, wifi.IsJoining(), test.ShouldBeTrue)

	// coalesced, not queued
	test.That(t, credsChar.WriteValue([]byte("hunter22"), gatt.Options{}), test.ShouldBeNil)
	test.That(t, wifi.Join("other", "pw"), test.ShouldBeFalse)

	close(nm.addBlock)
	wifi.Wait()
	test.That(t, wifi.IsJoining(), test.ShouldBeFalse)
	test.That(t, nm.addedCount(), test.ShouldEqual, 1)

	nm.addBlock = nil
	test.That(t, wifi.Join("other", "pw"), test.ShouldBeTrue)
	wifi.Wait()
	test.That(t, nm.addedCount(), test.ShouldEqual, 2)
	test.That(t, nm.deleted, test.ShouldEqual, 1)
}

func TestAvailableNetworksNotify(t *testing.T) {
	svc, _, n := newTestService(t, nil)
	svc.SetAvailableNetworks([]string{"b", "a"})
	c := characteristic(t, svc, AvailableNetworksUUID)

	test.That(t, c.StartNotify(), test.ShouldBeNil)
	// a second start must not spawn a second sender
	test.That(t, c.StartNotify(), test.ShouldBeNil)

	got := n.waitFor(t, 2)
	test.That(t, got[:2], test.ShouldResemble, []string{"a", "b"})

	// pause after a full round
	time.Sleep(50 * time.Millisecond)
	test.That(t, len(n.get()), test.ShouldEqual, 2)
	test.That(t, svc.networks.LastSent(), test.ShouldEqual, "b")

	got = n.waitFor(t, 4)
	test.That(t, got[2:4], test.ShouldResemble, []string{"a", "b"})

	test.That(t, c.StopNotify(), test.ShouldBeNil)
	sent := len(n.get())
	time.Sleep(250 * time.Millisecond)
	test.That(t, len(n.get()), test.ShouldEqual, sent)
}

func TestAvailableNetworksEmpty(t *testing.T) {
	svc, _, n := newTestService(t, nil)
	c := characteristic(t, svc, AvailableNetworksUUID)

	test.That(t, c.StartNotify(), test.ShouldBeNil)
	time.Sleep(20 * time.Millisecond)
	test.That(t, n.get(), test.ShouldBeEmpty)

	svc.SetAvailableNetworks([]string{"late"})
	test.That(t, n.waitFor(t, 1)[0], test.ShouldEqual, "late")
	test.That(t, c.StopNotify(), test.ShouldBeNil)
}

func TestRemoteDisconnectStopsNotify(t *testing.T) {
	svc, app, n := newTestService(t, nil)
	svc.SetAvailableNetworks([]string{"a"})
	c := characteristic(t, svc, AvailableNetworksUUID)

	test.That(t, c.StartNotify(), test.ShouldBeNil)
	n.waitFor(t, 1)

	app.RemoteDisconnected()
	test.That(t, c.IsNotifying(), test.ShouldBeFalse)
	sent := len(n.get())
	time.Sleep(250 * time.Millisecond)
	test.That(t, len(n.get()), test.ShouldEqual, sent)

	// the next subscriber starts a fresh session
	test.That(t, c.StartNotify(), test.ShouldBeNil)
	n.waitFor(t, sent+1)
	test.That(t, c.StopNotify(), test.ShouldBeNil)
}

func TestConnectionStateCharacteristic(t *testing.T) {
	svc, _, n := newTestService(t, nil)
	c := characteristic(t, svc, ConnectionStateUUID)

	value, err := c.ReadValue(gatt.Options{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, value, test.ShouldResemble, []byte{byte(StateDisconnected)})

	// no subscriber, nothing sent
	svc.SetConnectionState(StateConnecting, "home-network")
	test.That(t, n.get(), test.ShouldBeEmpty)

	test.That(t, c.StartNotify(), test.ShouldBeNil)
	svc.SetConnectionState(StateConnected, "home-network")
	test.That(t, n.get(), test.ShouldResemble, []string{"\x03home-network"})

	value, err = c.ReadValue(gatt.Options{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(value), test.ShouldEqual, "\x03home-network")

	test.That(t, c.StopNotify(), test.ShouldBeNil)
	svc.SetConnectionState(StateDisconnected, "home-network")
	test.That(t, len(n.get()), test.ShouldEqual, 1)
}

func TestHostNameCharacteristic(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	c := characteristic(t, svc, HostNameUUID)

	value, err := c.ReadValue(gatt.Options{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(value), test.ShouldEqual, "senic-hub")

	svc.SetHostName("senic-hub-10.0.0.7")
	value, err = c.ReadValue(gatt.Options{Offset: 10})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(value), test.ShouldEqual, "10.0.0.7")
}
