package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Collector aggregates gateway counters. It owns its mutex and is never
// touched while an index or shard lock is held, so it is safe to call from
// both synchronous handlers and broadcaster workers.
type Collector struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]int64
}

func NewCollector() *Collector {
	return &Collector{
		counters: make(map[string]int64),
		gauges:   make(map[string]int64),
	}
}

func (c *Collector) Inc(name string) {
	c.Add(name, 1)
}

func (c *Collector) Add(name string, delta int64) {
	c.mu.Lock()
	c.counters[name] += delta
	c.mu.Unlock()
}

func (c *Collector) SetGauge(name string, value int64) {
	c.mu.Lock()
	c.gauges[name] = value
	c.mu.Unlock()
}

func (c *Collector) Get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

func (c *Collector) Gauge(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gauges[name]
}

// WriteTo renders all counters and gauges as "name value" lines, sorted by
// name so scrapes are stable.
func (c *Collector) WriteTo(w io.Writer) (int64, error) {
	c.mu.Lock()
	lines := make([]string, 0, len(c.counters)+len(c.gauges))
	for name, v := range c.counters {
		lines = append(lines, fmt.Sprintf("%s %d\n", name, v))
	}
	for name, v := range c.gauges {
		lines = append(lines, fmt.Sprintf("%s %d\n", name, v))
	}
	c.mu.Unlock()

	sort.Strings(lines)
	var total int64
	for _, line := range lines {
		n, err := io.WriteString(w, line)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Well-known counter names. Components share the collector, so the names
// live here rather than scattered across packages.
const (
	ConnectionsTotal    = "connections_total"
	ConnectionsActive   = "connections_active"
	ConnectionsRejected = "connections_rejected_total"

	BroadcastsTotal       = "broadcasts_total"
	BroadcastsFailed      = "broadcasts_failed_total"
	BroadcastsRateLimited = "broadcasts_rate_limited_total"
	SendsOK               = "sends_ok_total"
	SendsFailed           = "sends_failed_total"
	QueueDepth            = "broadcast_queue_depth"

	EventsReceived   = "bus_events_received_total"
	EventsDropped    = "bus_events_dropped_total"
	EventsMalformed  = "bus_events_malformed_total"
	EventsUnroutable = "bus_events_unroutable_total"

	BreakerState = "bus_breaker_state"
)

// DropTracker counts drops inside fixed windows and reports whether the
// current window crossed a threshold. The subscriber uses it to escalate
// its log level when the breaker is shedding a meaningful share of events.
type DropTracker struct {
	mu          sync.Mutex
	window      time.Duration
	threshold   int64
	windowStart time.Time
	drops       int64
	now         func() time.Time
}

func NewDropTracker(window time.Duration, threshold int64) *DropTracker {
	return &DropTracker{
		window:    window,
		threshold: threshold,
		now:       time.Now,
	}
}

// Record counts one drop and reports true if the current window has
// accumulated at least the threshold.
func (d *DropTracker) Record() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if d.windowStart.IsZero() || now.Sub(d.windowStart) >= d.window {
		d.windowStart = now
		d.drops = 0
	}
	d.drops++
	return d.drops >= d.threshold
}

// Drops returns the count in the current window.
func (d *DropTracker) Drops() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drops
}
