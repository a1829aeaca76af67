package sync

import (
	"context"
	"log"
	"time"
)

// DiscoveredPeer is one address a discoverer found for a device, alongside
// enough identity to register it without a prior exchange.
type DiscoveredPeer struct {
	DeviceID  string
	Address   string
	PublicKey string // base64 ed25519 public key, empty if unknown
}

// AddressDiscoverer finds peer addresses on the local network. Concrete
// discovery (mDNS, etc.) is out of scope; production wiring uses NoopDiscoverer
// and relies entirely on addresses configured through Registry.AddPeer.
type AddressDiscoverer interface {
	Discover(ctx context.Context) ([]DiscoveredPeer, error)
}

// NoopDiscoverer implements AddressDiscoverer with no discovery at all.
type NoopDiscoverer struct{}

func (NoopDiscoverer) Discover(context.Context) ([]DiscoveredPeer, error) { return nil, nil }

// InMemoryDiscoverer is a test AddressDiscoverer that returns a fixed list,
// standing in for a real mDNS resolver.
type InMemoryDiscoverer struct {
	Peers []DiscoveredPeer
}

func (d InMemoryDiscoverer) Discover(context.Context) ([]DiscoveredPeer, error) {
	return d.Peers, nil
}

// DiscoveryRunner periodically runs an AddressDiscoverer and merges any
// addresses it finds into the registry: new devices are added with an
// empty pinned key (identity is confirmed on first signed exchange, not
// at discovery time), known devices gain the address if not already
// present in KnownAddresses.
type DiscoveryRunner struct {
	discoverer AddressDiscoverer
	peers      *Registry
}

// NewDiscoveryRunner builds a runner over the given discoverer and registry.
func NewDiscoveryRunner(discoverer AddressDiscoverer, peers *Registry) *DiscoveryRunner {
	if discoverer == nil {
		discoverer = NoopDiscoverer{}
	}
	return &DiscoveryRunner{discoverer: discoverer, peers: peers}
}

// Tick runs one discovery pass and merges results into the registry.
func (r *DiscoveryRunner) Tick(ctx context.Context) (int, error) {
	found, err := r.discoverer.Discover(ctx)
	if err != nil {
		return 0, err
	}
	merged := 0
	for _, d := range found {
		if r.mergeOne(d) {
			merged++
		}
	}
	return merged, nil
}

func (r *DiscoveryRunner) mergeOne(d DiscoveredPeer) bool {
	existing := r.peers.Get(d.DeviceID)
	if existing == nil {
		p := &Peer{DeviceID: d.DeviceID, KnownAddresses: []string{d.Address}}
		if d.PublicKey != "" {
			p.PublicKey = d.PublicKey
		}
		if err := r.peers.AddPeer(p); err != nil {
			log.Printf("sync: discovery: add peer %s: %v", d.DeviceID, err)
			return false
		}
		return true
	}

	for _, addr := range existing.KnownAddresses {
		if addr == d.Address {
			return false
		}
	}
	existing.KnownAddresses = append(existing.KnownAddresses, d.Address)
	if err := r.peers.Update(existing); err != nil {
		log.Printf("sync: discovery: update peer %s: %v", d.DeviceID, err)
		return false
	}
	return true
}

// Run drives Tick on interval until ctx is cancelled.
func (r *DiscoveryRunner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Tick(ctx); err != nil {
				log.Printf("sync: discovery tick failed: %v", err)
			} else if n > 0 {
				log.Printf("sync: discovery merged %d new address(es)", n)
			}
		}
	}
}
