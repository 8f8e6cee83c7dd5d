package bluenet

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	gnm "github.com/viamrobotics/gonetworkmanager/v2"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/senic/hub/internal/gatt"
	"github.com/senic/hub/utils"
)

type staticReporter struct {
	connected atomic.Bool
}

func (r *staticReporter) IsConnected() bool {
	return r.connected.Load()
}

func TestRPC(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reporter := &staticReporter{}
	srv := NewRPCServer(logging.NewTestLogger(t), reporter)
	test.That(t, srv.Start("127.0.0.1:0"), test.ShouldBeNil)
	defer srv.Stop()
	addr := srv.Addr().String()

	connected, err := IsConnected(ctx, addr)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, connected, test.ShouldBeFalse)

	reporter.connected.Store(true)
	connected, err = IsConnected(ctx, addr)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, connected, test.ShouldBeTrue)
}

func TestRPCNotRunning(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	addr := lis.Addr().String()
	test.That(t, lis.Close(), test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	connected, err := IsConnected(ctx, addr)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, connected, test.ShouldBeFalse)
}

func TestSubsystem(t *testing.T) {
	cfg := utils.DefaultConfig().Bluenet
	cfg.RPCAddress = "127.0.0.1:0"
	cfg.AutoAdvertise = utils.Tribool(1)
	cfg.ScanInterval = utils.Timeout(time.Millisecond)

	nm := &fakeNM{
		state: gnm.NmStateConnectedGlobal,
		ssid:  "home-network",
		ip:    "10.0.0.7",
		scan:  []string{"home-network"},
	}
	transport := newFakeTransport()
	ctx := context.Background()

	b, err := NewSubsystem(ctx, Deps{
		Logger:    logging.NewTestLogger(t),
		Config:    cfg,
		Transport: transport,
		NM:        nm,
	})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, b.Start(ctx), test.ShouldBeNil)
	// a second start is a no-op
	test.That(t, b.Start(ctx), test.ShouldBeNil)
	<-transport.watching

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if state, _ := b.Wifi().Current(); state == StateConnected && !b.peripheral.IsAdvertising() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	state, ssid := b.Wifi().Current()
	test.That(t, state, test.ShouldEqual, StateConnected)
	test.That(t, ssid, test.ShouldEqual, "home-network")
	test.That(t, b.peripheral.IsAdvertising(), test.ShouldBeFalse)

	host, err := b.service.hostName.ReadValue(gatt.Options{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(host), test.ShouldEqual, "senic-hub-10.0.0.7")

	value, err := b.service.connState.ReadValue(gatt.Options{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(value), test.ShouldEqual, "\x03home-network")

	test.That(t, b.HealthCheck(ctx), test.ShouldBeNil)

	test.That(t, b.Stop(ctx), test.ShouldBeNil)
	<-b.Done()
	test.That(t, b.Err(), test.ShouldBeNil)
	test.That(t, transport.snapshot().appRegistered, test.ShouldBeFalse)
	test.That(t, b.HealthCheck(ctx), test.ShouldNotBeNil)

	// restartable after the peripheral exited
	test.That(t, b.Start(ctx), test.ShouldBeNil)
	select {
	case <-b.Done():
		t.Fatal("peripheral exited right after restart")
	default:
	}
	test.That(t, b.Stop(ctx), test.ShouldBeNil)
	<-b.Done()
}
