package sync

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Default rate limit constants.
const (
	DefaultMaxRequestsPerSecond = 10
	DefaultBurstSize            = 20
	DefaultMaxQueueDepth        = 1000
)

// RateLimitConfig configures per-peer and global sync request limiting.
type RateLimitConfig struct {
	MaxRequestsPerSecond float64
	BurstSize            int
	MaxQueueDepth        int
	Enabled              bool
}

// RateLimiter provides per-peer rate limiting plus a global in-flight
// queue-depth cap for the sync server.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*peerLimiter
	config     RateLimitConfig
	queueDepth int32
}

type peerLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewRateLimiter applies defaults for zero-valued config fields.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxRequestsPerSecond == 0 {
		cfg.MaxRequestsPerSecond = DefaultMaxRequestsPerSecond
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = DefaultBurstSize
	}
	if cfg.MaxQueueDepth == 0 {
		cfg.MaxQueueDepth = DefaultMaxQueueDepth
	}
	return &RateLimiter{limiters: make(map[string]*peerLimiter), config: cfg}
}

// Allow returns nil if a request from peerID may proceed, or a
// *RateLimitError describing why it was rejected.
func (r *RateLimiter) Allow(peerID string) error {
	if !r.config.Enabled {
		return nil
	}

	if depth := atomic.LoadInt32(&r.queueDepth); depth >= int32(r.config.MaxQueueDepth) {
		return &RateLimitError{Code: 503, Message: fmt.Sprintf("sync queue full (%d/%d)", depth, r.config.MaxQueueDepth), PeerID: peerID}
	}

	if !r.getLimiter(peerID).Allow() {
		return &RateLimitError{Code: 429, Message: "rate limit exceeded", PeerID: peerID}
	}
	return nil
}

func (r *RateLimiter) IncrementQueue() { atomic.AddInt32(&r.queueDepth, 1) }
func (r *RateLimiter) DecrementQueue() { atomic.AddInt32(&r.queueDepth, -1) }
func (r *RateLimiter) QueueDepth() int32 { return atomic.LoadInt32(&r.queueDepth) }

// CleanupStale drops per-peer limiters untouched for maxAge, returning the
// number removed.
func (r *RateLimiter) CleanupStale(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, pl := range r.limiters {
		if pl.lastAccess.Before(cutoff) {
			delete(r.limiters, id)
			removed++
		}
	}
	return removed
}

func (r *RateLimiter) getLimiter(peerID string) *rate.Limiter {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if pl, ok := r.limiters[peerID]; ok {
		pl.lastAccess = now
		return pl.limiter
	}
	l := rate.NewLimiter(rate.Limit(r.config.MaxRequestsPerSecond), r.config.BurstSize)
	r.limiters[peerID] = &peerLimiter{limiter: l, lastAccess: now}
	return l
}

// RateLimitError is a 429 (rate limit) or 503 (queue depth) rejection.
type RateLimitError struct {
	Code    int
	Message string
	PeerID  string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit error (code %d) for peer %s: %s", e.Code, e.PeerID, e.Message)
}
