package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// HeartbeatTracker records the last liveness signal per connection. Reads
// and writes take its own mutex, never an index or shard lock.
type HeartbeatTracker struct {
	mu       sync.Mutex
	lastSeen map[uuid.UUID]time.Time
	now      func() time.Time
}

func NewHeartbeatTracker() *HeartbeatTracker {
	return &HeartbeatTracker{
		lastSeen: make(map[uuid.UUID]time.Time),
		now:      time.Now,
	}
}

// Record updates the connection's last-seen timestamp.
func (h *HeartbeatTracker) Record(id uuid.UUID) {
	h.mu.Lock()
	h.lastSeen[id] = h.now()
	h.mu.Unlock()
}

// Forget releases the connection's state on disconnect.
func (h *HeartbeatTracker) Forget(id uuid.UUID) {
	h.mu.Lock()
	delete(h.lastSeen, id)
	h.mu.Unlock()
}

// Stale returns a snapshot of connection ids whose last-seen timestamp is
// older than the timeout.
func (h *HeartbeatTracker) Stale(timeout time.Duration) []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-timeout)
	var stale []uuid.UUID
	for id, last := range h.lastSeen {
		if last.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// Tracked returns the number of connections being tracked.
func (h *HeartbeatTracker) Tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lastSeen)
}
