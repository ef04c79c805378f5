package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RateLimiter enforces a per-connection sliding-window message rate. State
// for a connection is released on disconnect via Forget.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[uuid.UUID]*rateWindow
	now     func() time.Time
}

type rateWindow struct {
	stamps     []time.Time
	violations int
}

func NewRateLimiter(messagesPerSecond int) *RateLimiter {
	return &RateLimiter{
		limit:   messagesPerSecond,
		window:  time.Second,
		entries: make(map[uuid.UUID]*rateWindow),
		now:     time.Now,
	}
}

// Allow records one message and reports whether it fits inside the window.
// A rejected message counts as a violation; Violations exposes the running
// total so the caller can close repeat offenders.
func (r *RateLimiter) Allow(id uuid.UUID) bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.entries[id]
	if !ok {
		w = &rateWindow{}
		r.entries[id] = w
	}

	now := r.now()
	cutoff := now.Add(-r.window)
	kept := w.stamps[:0]
	for _, t := range w.stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.stamps = kept

	if len(w.stamps) >= r.limit {
		w.violations++
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// Violations returns how many messages the connection has had rejected.
func (r *RateLimiter) Violations(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.entries[id]; ok {
		return w.violations
	}
	return 0
}

// Forget releases the window state for a connection.
func (r *RateLimiter) Forget(id uuid.UUID) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}
