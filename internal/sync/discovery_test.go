package sync

import (
	"context"
	"path/filepath"
	"testing"
)

func TestDiscoveryRunner_AddsNewPeer(t *testing.T) {
	reg, _ := NewRegistry(filepath.Join(t.TempDir(), "peers.json"))
	disc := InMemoryDiscoverer{Peers: []DiscoveredPeer{{DeviceID: "dev_a", Address: "10.0.0.1:7000"}}}
	runner := NewDiscoveryRunner(disc, reg)

	n, err := runner.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if n != 1 {
		t.Errorf("merged = %d, want 1", n)
	}
	if reg.Get("dev_a") == nil {
		t.Fatal("expected dev_a to be registered")
	}
}

func TestDiscoveryRunner_MergesNewAddressForKnownPeer(t *testing.T) {
	reg, _ := NewRegistry(filepath.Join(t.TempDir(), "peers.json"))
	_ = reg.AddPeer(&Peer{DeviceID: "dev_a", KnownAddresses: []string{"10.0.0.1:7000"}})

	disc := InMemoryDiscoverer{Peers: []DiscoveredPeer{{DeviceID: "dev_a", Address: "10.0.0.2:7000"}}}
	runner := NewDiscoveryRunner(disc, reg)

	n, _ := runner.Tick(context.Background())
	if n != 1 {
		t.Errorf("merged = %d, want 1", n)
	}
	addrs := reg.Get("dev_a").KnownAddresses
	if len(addrs) != 2 {
		t.Errorf("KnownAddresses = %v, want 2 entries", addrs)
	}
}

func TestDiscoveryRunner_SkipsDuplicateAddress(t *testing.T) {
	reg, _ := NewRegistry(filepath.Join(t.TempDir(), "peers.json"))
	_ = reg.AddPeer(&Peer{DeviceID: "dev_a", KnownAddresses: []string{"10.0.0.1:7000"}})

	disc := InMemoryDiscoverer{Peers: []DiscoveredPeer{{DeviceID: "dev_a", Address: "10.0.0.1:7000"}}}
	runner := NewDiscoveryRunner(disc, reg)

	n, _ := runner.Tick(context.Background())
	if n != 0 {
		t.Errorf("merged = %d, want 0 for a duplicate address", n)
	}
}

func TestNoopDiscoverer_ReturnsNothing(t *testing.T) {
	peers, err := NoopDiscoverer{}.Discover(context.Background())
	if err != nil || peers != nil {
		t.Errorf("NoopDiscoverer.Discover = %v, %v, want nil, nil", peers, err)
	}
}
