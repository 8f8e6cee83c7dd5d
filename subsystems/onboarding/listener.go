package onboarding

import (
	"time"

	"go.viam.com/rdk/logging"
)

type EventKind int

const (
	EventAttemptStarted EventKind = iota
	EventDiscovered
	EventDiscoveryTimedOut
	EventConnectTimedOut
	EventRestarting
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventAttemptStarted:
		return "attempt started"
	case EventDiscovered:
		return "discovered"
	case EventDiscoveryTimedOut:
		return "discovery timed out"
	case EventConnectTimedOut:
		return "connect timed out"
	case EventRestarting:
		return "restarting"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event is a supervisor milestone. Address is empty where no controller is involved.
type Event struct {
	Kind    EventKind
	Attempt int
	Address string
	Elapsed time.Duration
}

// Listener receives the supervisor's lifecycle callbacks. All calls come from
// the goroutine running DiscoverAndConnect and must not block.
type Listener interface {
	StartedConnecting(addr string)
	ConnectSucceeded(addr string)
	ConnectFailed(addr string, err error)
	DisconnectSucceeded(addr string)
	EventReceived(ev Event)
}

type NopListener struct{}

func (NopListener) StartedConnecting(string) {}
func (NopListener) ConnectSucceeded(string) {}
func (NopListener) ConnectFailed(string, error) {}
func (NopListener) DisconnectSucceeded(string) {}
func (NopListener) EventReceived(Event) {}

type LogListener struct {
	Logger logging.Logger
}

func (l LogListener) StartedConnecting(addr string) {
	l.Logger.Infof("Connecting to %s", addr)
}

func (l LogListener) ConnectSucceeded(addr string) {
	l.Logger.Infof("%s successfully connected", addr)
}

func (l LogListener) ConnectFailed(addr string, err error) {
	l.Logger.Infof("%s connection failed: %s", addr, err)
}

func (l LogListener) DisconnectSucceeded(addr string) {
	l.Logger.Infof("%s disconnected", addr)
}

func (l LogListener) EventReceived(ev Event) {
	l.Logger.Debugw("onboarding event", "kind", ev.Kind.String(), "attempt", ev.Attempt, "address", ev.Address, "elapsed", ev.Elapsed)
}

// Listeners fans every callback out to each member in order.
type Listeners []Listener

func (ls Listeners) StartedConnecting(addr string) {
	for _, l := range ls {
		l.StartedConnecting(addr)
	}
}

func (ls Listeners) ConnectSucceeded(addr string) {
	for _, l := range ls {
		l.ConnectSucceeded(addr)
	}
}

func (ls Listeners) ConnectFailed(addr string, err error) {
	for _, l := range ls {
		l.ConnectFailed(addr, err)
	}
}

func (ls Listeners) DisconnectSucceeded(addr string) {
	for _, l := range ls {
		l.DisconnectSucceeded(addr)
	}
}

func (ls Listeners) EventReceived(ev Event) {
	for _, l := range ls {
		l.EventReceived(ev)
	}
}
