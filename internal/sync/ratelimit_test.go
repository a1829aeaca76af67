package sync

import (
	"testing"
	"time"
)

func TestRateLimiter_DisabledAllowsEverything(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: false})
	for i := 0; i < 10; i++ {
		if err := rl.Allow("dev_a"); err != nil {
			t.Fatalf("disabled limiter rejected request %d: %v", i, err)
		}
	}
}

func TestRateLimiter_PerPeerBurstExhaustion(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, MaxRequestsPerSecond: 1, BurstSize: 2, MaxQueueDepth: 100})

	if err := rl.Allow("dev_a"); err != nil {
		t.Fatalf("first request should be allowed: %v", err)
	}
	if err := rl.Allow("dev_a"); err != nil {
		t.Fatalf("second request (within burst) should be allowed: %v", err)
	}

	err := rl.Allow("dev_a")
	if err == nil {
		t.Fatal("expected burst exhaustion to reject the third immediate request")
	}
	rlErr, ok := err.(*RateLimitError)
	if !ok {
		t.Fatalf("expected *RateLimitError, got %T", err)
	}
	if rlErr.Code != 429 {
		t.Errorf("Code = %d, want 429", rlErr.Code)
	}
	if rlErr.PeerID != "dev_a" {
		t.Errorf("PeerID = %q, want dev_a", rlErr.PeerID)
	}
}

func TestRateLimiter_PerPeerLimitersAreIndependent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, MaxRequestsPerSecond: 1, BurstSize: 1, MaxQueueDepth: 100})

	if err := rl.Allow("dev_a"); err != nil {
		t.Fatalf("dev_a first request should be allowed: %v", err)
	}
	if err := rl.Allow("dev_b"); err != nil {
		t.Fatalf("dev_b should have its own bucket: %v", err)
	}
}

func TestRateLimiter_QueueDepthRejectsAt503(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, MaxRequestsPerSecond: 100, BurstSize: 100, MaxQueueDepth: 2})

	rl.IncrementQueue()
	rl.IncrementQueue()

	err := rl.Allow("dev_a")
	if err == nil {
		t.Fatal("expected queue-depth exhaustion to reject the request")
	}
	rlErr, ok := err.(*RateLimitError)
	if !ok {
		t.Fatalf("expected *RateLimitError, got %T", err)
	}
	if rlErr.Code != 503 {
		t.Errorf("Code = %d, want 503", rlErr.Code)
	}

	rl.DecrementQueue()
	if depth := rl.QueueDepth(); depth != 1 {
		t.Errorf("QueueDepth after one decrement = %d, want 1", depth)
	}
}

func TestRateLimiter_CleanupStaleRemovesIdleLimiters(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, MaxRequestsPerSecond: 1, BurstSize: 1, MaxQueueDepth: 100})
	_ = rl.Allow("dev_a")

	rl.CleanupStale(-time.Second)

	if err := rl.Allow("dev_a"); err != nil {
		t.Fatalf("expected a fresh bucket after cleanup, got error: %v", err)
	}
}

func TestRateLimitError_Error(t *testing.T) {
	err := &RateLimitError{Code: 429, Message: "rate exceeded", PeerID: "dev_a"}
	if err.Error() == "" {
		t.Error("expected non-empty error string")
	}
}
