package resilience

import (
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy produces decorrelated-jitter delays for reconnect loops:
// each delay is drawn uniformly from [base, prev*3], capped at max. Many
// gateway instances reconnecting after a bus outage therefore spread out
// instead of hammering the broker in lockstep.
type RetryPolicy struct {
	base time.Duration
	max  time.Duration

	mu   sync.Mutex
	prev time.Duration
	rand *rand.Rand
}

func NewRetryPolicy(base, max time.Duration) *RetryPolicy {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return &RetryPolicy{
		base: base,
		max:  max,
		prev: base,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextDelay returns the next backoff delay.
func (p *RetryPolicy) NextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	upper := p.prev * 3
	if upper > p.max {
		upper = p.max
	}
	delay := p.base
	if upper > p.base {
		delay = p.base + time.Duration(p.rand.Int63n(int64(upper-p.base)+1))
	}
	p.prev = delay
	return delay
}

// Reset restores the policy to its initial delay after a successful
// reconnect.
func (p *RetryPolicy) Reset() {
	p.mu.Lock()
	p.prev = p.base
	p.mu.Unlock()
}
