package bluenet

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/senic/hub/internal/netmgr"
	"github.com/senic/hub/utils"
)

const scanTimeout = 15 * time.Second

// networkSet remembers when each SSID was last seen.
type networkSet struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	discard time.Duration
}

func newNetworkSet(discard time.Duration) *networkSet {
	return &networkSet{seen: map[string]time.Time{}, discard: discard}
}

// update records a scan result and evicts anything older than the discard window.
func (n *networkSet) update(ssids []string, now time.Time) (added, removed []string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ssid := range ssids {
		if _, ok := n.seen[ssid]; !ok {
			added = append(added, ssid)
		}
		n.seen[ssid] = now
	}
	for ssid, last := range n.seen {
		if now.Sub(last) > n.discard {
			removed = append(removed, ssid)
			delete(n.seen, ssid)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func (n *networkSet) ssids() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.seen))
	for ssid := range n.seen {
		out = append(out, ssid)
	}
	sort.Strings(out)
	return out
}

// scanner feeds the available networks characteristic and nudges NetworkManager
// back onto the bluenet profile when its network reappears.
type scanner struct {
	nm       NetworkManager
	wifi     *WifiController
	service  *ProvisioningService
	networks *networkSet
	logger   logging.Logger
	health   *utils.Health
	interval time.Duration

	// advertising gates scanning, there is nobody to show the results to otherwise
	advertising func() bool
}

func (s *scanner) run(ctx context.Context) {
	defer utils.Recover(s.logger, nil)
	for {
		s.health.MarkGood()
		if s.advertising() && !s.wifi.IsJoining() {
			if err := s.scanOnce(ctx); err != nil {
				s.logger.Warn(err)
			}
		}
		if !s.health.Sleep(ctx, s.interval) {
			return
		}
	}
}

func (s *scanner) scanOnce(ctx context.Context) error {
	found, err := s.nm.Scan(ctx, scanTimeout)
	if err != nil {
		return errw.Wrap(err, "scanning for wifi networks")
	}

	added, removed := s.networks.update(found, time.Now())
	for _, ssid := range added {
		s.logger.Infof("New network found: %s", ssid)
	}
	for _, ssid := range removed {
		s.logger.Infof("Network disappeared: %s", ssid)
	}

	known := s.networks.ssids()
	status, current := s.wifi.Current()
	if current != "" && status == StateDisconnected && slices.Contains(known, current) {
		// autoconnect does not reliably bring the profile back by itself
		s.logger.Info("Known network reappeared, trying to reconnect to it.")
		if err := s.nm.ActivateProfile(netmgr.ProfileName); err != nil {
			s.logger.Warn(err)
		}
	}

	s.service.SetAvailableNetworks(known)
	return nil
}
