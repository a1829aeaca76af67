package rawevents

import (
	"context"
	"log"
	"sync"
	"time"
)

// FlushFunc drains a session's pending raw events into memories. It is the
// injection point the store package wires to its Remember call, keeping
// this package free of a dependency on the memory store.
type FlushFunc func(ctx context.Context, sessionID string) error

// Flusher is the debounced per-session flush registry: a single mutex
// guards {timers, in_flight}, and cancel-then-replace is the only allowed
// transition on a session's timer, matching spec's concurrency
// requirement exactly.
type Flusher struct {
	mu        sync.Mutex
	timers    map[string]*time.Timer
	inFlight  map[string]bool
	debounce  time.Duration
	flush     FlushFunc
	backoff   *AuthBackoff
}

// NewFlusher builds a debounced flush registry with the given debounce
// window and flush callback.
func NewFlusher(debounce time.Duration, flush FlushFunc, backoff *AuthBackoff) *Flusher {
	if debounce <= 0 {
		debounce = 60 * time.Second
	}
	return &Flusher{
		timers:   make(map[string]*time.Timer),
		inFlight: make(map[string]bool),
		debounce: debounce,
		flush:    flush,
		backoff:  backoff,
	}
}

// NoteActivity resets (or starts) a session's debounce timer.
func (f *Flusher) NoteActivity(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.timers[sessionID]; ok {
		t.Stop()
	}
	f.timers[sessionID] = time.AfterFunc(f.debounce, func() { f.runFlush(sessionID) })
}

// FlushNow cancels any pending timer and flushes sessionID immediately,
// subject to the same in-flight guard as a debounced flush.
func (f *Flusher) FlushNow(sessionID string) {
	f.mu.Lock()
	if t, ok := f.timers[sessionID]; ok {
		t.Stop()
		delete(f.timers, sessionID)
	}
	f.mu.Unlock()
	f.runFlush(sessionID)
}

// runFlush is the only path that actually calls the flush callback; it
// sets the in-flight guard while holding the timer/flush-map mutex and
// releases the mutex before the blocking flush call.
func (f *Flusher) runFlush(sessionID string) {
	f.mu.Lock()
	if f.inFlight[sessionID] {
		f.mu.Unlock()
		return
	}
	if f.backoff != nil && f.backoff.Active(time.Now()) {
		f.mu.Unlock()
		return
	}
	f.inFlight[sessionID] = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.inFlight, sessionID)
		delete(f.timers, sessionID)
		f.mu.Unlock()
	}()

	if err := f.flush(context.Background(), sessionID); err != nil {
		if err == ErrClassifierAuth && f.backoff != nil {
			if f.backoff.Trip(time.Now()) {
				log.Printf("rawevents: classifier auth failure, suspending flush work for %s", authBackoffWindow)
			}
			return
		}
		log.Printf("rawevents: flush session %s: %v", sessionID, err)
	}
}

// Pending reports whether a session currently has a debounce timer armed.
func (f *Flusher) Pending(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.timers[sessionID]
	return ok
}
