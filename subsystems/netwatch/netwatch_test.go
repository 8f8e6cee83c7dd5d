package netwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	errw "github.com/pkg/errors"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/senic/hub/utils"
	"github.com/senic/hub/utils/systemd"
)

type fakeNM struct {
	mu       sync.Mutex
	state    gnm.NmState
	stateErr error
	watch    func(gnm.NmState)
	watching chan struct{}
}

func (f *fakeNM) State() (gnm.NmState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.stateErr
}

func (f *fakeNM) setState(state gnm.NmState) {
	f.mu.Lock()
	f.state = state
	fn := f.watch
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (f *fakeNM) WatchState(ctx context.Context, fn func(gnm.NmState)) error {
	state, err := f.State()
	if err != nil {
		return err
	}
	fn(state)
	f.mu.Lock()
	f.watch = fn
	f.mu.Unlock()
	close(f.watching)
	<-ctx.Done()
	return ctx.Err()
}

type fakePrograms struct {
	mu       sync.Mutex
	running  map[string]bool
	calls    []string
	startErr error
}

func newFakePrograms(running ...string) *fakePrograms {
	f := &fakePrograms{running: map[string]bool{}}
	for _, name := range running {
		f.running[name] = true
	}
	return f
}

func (f *fakePrograms) StartProgram(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start "+name)
	if f.startErr != nil {
		return f.startErr
	}
	if f.running[name] {
		return errw.Wrap(systemd.ErrAlreadyStarted, name)
	}
	f.running[name] = true
	return nil
}

func (f *fakePrograms) StopProgram(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop "+name)
	f.running[name] = false
	return nil
}

func (f *fakePrograms) isRunning(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name]
}

func (f *fakePrograms) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestNetwatch(t *testing.T, nm *fakeNM, programs *fakePrograms, connected ConnectedFunc) *Netwatch {
	t.Helper()
	cfg := utils.DefaultConfig().Netwatch
	cfg.PollInterval = utils.Timeout(time.Millisecond)
	return NewSubsystem(Deps{
		Logger:           logging.NewTestLogger(t),
		Config:           cfg,
		NM:               nm,
		Programs:         programs,
		BluenetConnected: connected,
	})
}

func TestSwitchToProvisioning(t *testing.T) {
	programs := newFakePrograms("nuimo_app")
	n := newTestNetwatch(t, &fakeNM{}, programs, nil)

	n.handle(context.Background(), gnm.NmStateDisconnected)
	test.That(t, programs.history(), test.ShouldResemble, []string{"stop nuimo_app", "start bluenet"})
	test.That(t, programs.isRunning("bluenet"), test.ShouldBeTrue)
	test.That(t, n.Mode(), test.ShouldEqual, ModeProvisioning)

	// already started is not a failure
	n.handle(context.Background(), gnm.NmStateAsleep)
	test.That(t, n.Mode(), test.ShouldEqual, ModeProvisioning)
	test.That(t, programs.isRunning("bluenet"), test.ShouldBeTrue)
}

func TestIntermediateStatesIgnored(t *testing.T) {
	programs := newFakePrograms()
	n := newTestNetwatch(t, &fakeNM{}, programs, nil)

	for _, state := range []gnm.NmState{gnm.NmStateConnecting, gnm.NmStateConnectedLocal, gnm.NmStateConnectedSite, gnm.NmStateDisconnecting} {
		n.handle(context.Background(), state)
	}
	test.That(t, programs.history(), test.ShouldBeEmpty)
	test.That(t, n.Mode(), test.ShouldEqual, ModeUnknown)
}

func TestSwitchToNormalWaitsForSetupApp(t *testing.T) {
	programs := newFakePrograms("bluenet")
	nm := &fakeNM{state: gnm.NmStateConnectedGlobal}

	var polls int
	connected := func(context.Context) (bool, error) {
		polls++
		return polls < 3, nil
	}
	n := newTestNetwatch(t, nm, programs, connected)

	n.handle(context.Background(), gnm.NmStateConnectedGlobal)
	test.That(t, polls, test.ShouldEqual, 3)
	test.That(t, programs.history(), test.ShouldResemble, []string{"stop bluenet", "start nuimo_app"})
	test.That(t, n.Mode(), test.ShouldEqual, ModeNormal)
}

func TestSwitchToNormalAbandonedWhenConnectionDrops(t *testing.T) {
	programs := newFakePrograms("bluenet")
	nm := &fakeNM{state: gnm.NmStateConnectedGlobal}

	connected := func(context.Context) (bool, error) {
		nm.mu.Lock()
		nm.state = gnm.NmStateDisconnected
		nm.mu.Unlock()
		return true, nil
	}
	n := newTestNetwatch(t, nm, programs, connected)

	n.handle(context.Background(), gnm.NmStateConnectedGlobal)
	test.That(t, programs.history(), test.ShouldBeEmpty)
	test.That(t, programs.isRunning("bluenet"), test.ShouldBeTrue)
}

func TestUnreachableBluenetCountsAsDisconnected(t *testing.T) {
	programs := newFakePrograms("bluenet")
	nm := &fakeNM{state: gnm.NmStateConnectedGlobal}
	connected := func(context.Context) (bool, error) {
		return false, errors.New("connection refused")
	}
	n := newTestNetwatch(t, nm, programs, connected)

	n.handle(context.Background(), gnm.NmStateConnectedGlobal)
	test.That(t, programs.isRunning("nuimo_app"), test.ShouldBeTrue)
	test.That(t, programs.isRunning("bluenet"), test.ShouldBeFalse)
}

func TestStartErrorsAreTolerated(t *testing.T) {
	programs := newFakePrograms()
	programs.startErr = errors.New("unit not found")
	n := newTestNetwatch(t, &fakeNM{}, programs, nil)

	n.handle(context.Background(), gnm.NmStateDisconnected)
	test.That(t, programs.history(), test.ShouldResemble, []string{"stop nuimo_app", "start bluenet"})
	test.That(t, n.Mode(), test.ShouldEqual, ModeProvisioning)
}

func TestSubsystem(t *testing.T) {
	programs := newFakePrograms("nuimo_app")
	nm := &fakeNM{state: gnm.NmStateDisconnected, watching: make(chan struct{})}
	n := newTestNetwatch(t, nm, programs, nil)
	ctx := context.Background()

	test.That(t, n.Start(ctx), test.ShouldBeNil)
	test.That(t, n.Start(ctx), test.ShouldBeNil)
	<-nm.watching

	waitFor(t, func() bool { return n.Mode() == ModeProvisioning })
	test.That(t, programs.isRunning("bluenet"), test.ShouldBeTrue)
	test.That(t, programs.isRunning("nuimo_app"), test.ShouldBeFalse)

	nm.setState(gnm.NmStateConnectedGlobal)
	waitFor(t, func() bool { return n.Mode() == ModeNormal })
	test.That(t, programs.isRunning("bluenet"), test.ShouldBeFalse)
	test.That(t, programs.isRunning("nuimo_app"), test.ShouldBeTrue)

	test.That(t, n.HealthCheck(ctx), test.ShouldBeNil)
	test.That(t, n.Stop(ctx), test.ShouldBeNil)
	test.That(t, n.Stop(ctx), test.ShouldBeNil)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}
