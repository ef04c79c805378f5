package resilience

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int32

const (
	StateClosed   BreakerState = iota // normal operation, counting failures
	StateOpen                         // failing fast, dependency presumed down
	StateHalfOpen                     // probing recovery with limited trials
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when the breaker rejects a call outright.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerSettings configures a Breaker.
type BreakerSettings struct {
	// Name identifies the breaker in logs and state-change callbacks.
	Name string

	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker opens.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before the next
	// call is allowed to probe the dependency.
	RecoveryTimeout time.Duration

	// HalfOpenTrials bounds how many probe calls may be admitted while
	// half-open. A single success closes the breaker.
	HalfOpenTrials int

	// OnStateChange, if set, is invoked after every transition.
	OnStateChange func(name string, from, to BreakerState)
}

// Breaker guards the event-bus connection. Failures are recorded from the
// subscriber goroutine and from synchronous reconnect attempts, so every
// state mutation happens under one mutex.
type Breaker struct {
	settings BreakerSettings

	mu          sync.Mutex
	state       BreakerState
	failures    int
	trials      int
	lastFailure time.Time

	now func() time.Time
}

func NewBreaker(settings BreakerSettings) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = 30 * time.Second
	}
	if settings.HalfOpenTrials <= 0 {
		settings.HalfOpenTrials = 3
	}
	return &Breaker{
		settings: settings,
		state:    StateClosed,
		now:      time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state the first
// check after the recovery timeout flips the breaker to half-open and admits
// the call as a trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.settings.RecoveryTimeout {
			b.transition(StateHalfOpen)
			b.trials = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.trials < b.settings.HalfOpenTrials {
			b.trials++
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess clears the failure count. A success while half-open closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.transition(StateClosed)
	}
}

// RecordFailure counts one failure. Reaching the threshold while closed, or
// any failure while half-open, opens the breaker and restarts the recovery
// timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// Execute runs fn through the breaker, returning ErrBreakerOpen if the call
// is rejected without being attempted.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrBreakerOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state without advancing open→half-open; only
// Allow performs that transition.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.trials = 0
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, from, to)
	}
}
