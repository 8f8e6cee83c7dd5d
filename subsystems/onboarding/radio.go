package onboarding

import "context"

type RadioEventKind int

const (
	RadioDiscovered RadioEventKind = iota
	RadioConnected
	RadioConnectFailed
	RadioDisconnected
)

// RadioEvent is an asynchronous completion from the radio.
type RadioEvent struct {
	Kind    RadioEventKind
	Address string
	Name    string
	Err     error
}

// Radio is the central-role bluetooth stack. Discovery and connects complete
// asynchronously on Events; sends on Events never block the radio.
type Radio interface {
	// Prepare powers the adapter and forgets stale devices. It returns the
	// controllers that are already connected.
	Prepare(ctx context.Context) ([]string, error)
	StartDiscovery() error
	StopDiscovery() error
	Connect(addr string)
	Disconnect(addr string) error
	// Restart bounces the bluetooth service and reinitializes every handle.
	Restart(ctx context.Context) error
	Events() <-chan RadioEvent
}
