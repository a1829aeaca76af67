package sync

import (
	"context"
	"log"
	"time"
)

// Scheduler runs the peer-sync daemon tick: sequential per-peer exchange
// attempts gated by connectivity backoff (§4.8). There is no cross-peer
// parallelism, matching the spec's concurrency model.
type Scheduler struct {
	peers  *Registry
	client *Client
	limit  int
}

// NewScheduler builds a scheduler over the given peer registry and client.
func NewScheduler(peers *Registry, client *Client, opsPerTick int) *Scheduler {
	if opsPerTick <= 0 {
		opsPerTick = 200
	}
	return &Scheduler{peers: peers, client: client, limit: opsPerTick}
}

// Tick iterates peers sequentially, skipping any still inside their
// backoff window, and records the outcome of each attempt it runs.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, peer := range s.peers.List() {
		if until := NextAttemptAllowedAt(peer.Attempts); !until.IsZero() && time.Now().Before(until) {
			continue
		}
		s.runOne(ctx, peer)
	}
}

func (s *Scheduler) runOne(ctx context.Context, peer *Peer) {
	started := time.Now().UTC()
	attempt := SyncAttempt{StartedAt: started}

	var lastErr error
	for _, addr := range peer.KnownAddresses {
		result, err := s.client.Exchange(ctx, addr, peer, s.limit)
		if err == nil {
			attempt.OK = true
			attempt.OpsIn = result.OpsIn
			attempt.OpsOut = result.OpsOut
			peer.LastSuccessAddr = addr
			lastErr = nil
			break
		}
		lastErr = err
		log.Printf("sync: exchange with peer %s at %s failed: %v", peer.DeviceID, addr, err)
	}

	if lastErr != nil {
		attempt.Error = lastErr.Error()
	}
	peer.RecordAttempt(attempt)
	if err := s.peers.Update(peer); err != nil {
		log.Printf("sync: persist peer %s state: %v", peer.DeviceID, err)
	}
}

// Run drives Tick on interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
