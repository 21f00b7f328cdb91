package provider

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BreakerState is the three-state circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is the per-provider supervisory circuit. Timeouts and 5xx count
// as failures; 4xx (except 429) never do. The classification itself is the
// dispatcher's job: the breaker only sees RecordSuccess/RecordFailure.
type Breaker struct {
	provider         string
	failureThreshold int
	openDuration     time.Duration

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openUntil           time.Time
	probeInFlight       bool

	onTransition func(provider string, state BreakerState)
}

// NewBreaker creates a closed breaker for a provider.
func NewBreaker(provider string, failureThreshold int, openDuration time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if openDuration <= 0 {
		openDuration = 60 * time.Second
	}
	return &Breaker{
		provider:         provider,
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
		state:            BreakerClosed,
	}
}

// OnTransition registers a callback fired (outside the lock) on every
// state change, used for the breaker state gauge.
func (b *Breaker) OnTransition(fn func(provider string, state BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// Allow reports whether a call may proceed. An open breaker whose
// open_until has passed moves to half-open and admits exactly one probe;
// concurrent callers are rejected until the probe completes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()

	switch b.state {
	case BreakerClosed:
		b.mu.Unlock()
		return true
	case BreakerOpen:
		if time.Now().Before(b.openUntil) {
			b.mu.Unlock()
			return false
		}
		b.transitionLocked(BreakerHalfOpen)
		b.probeInFlight = true
		b.mu.Unlock()
		return true
	case BreakerHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			return false
		}
		b.probeInFlight = true
		b.mu.Unlock()
		return true
	}
	b.mu.Unlock()
	return false
}

// RecordSuccess resets the failure count; a successful half-open probe
// closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.probeInFlight = false
	if b.state == BreakerHalfOpen {
		b.transitionLocked(BreakerClosed)
	}
	b.mu.Unlock()
}

// RecordFailure increments the failure count; at the threshold the circuit
// opens. A failed half-open probe re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.consecutiveFailures++
	b.probeInFlight = false

	switch b.state {
	case BreakerClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.openUntil = time.Now().Add(b.openDuration)
			b.transitionLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.openUntil = time.Now().Add(b.openDuration)
		b.transitionLocked(BreakerOpen)
	}
	b.mu.Unlock()
}

// RecordNeutral releases a half-open probe slot without counting the
// outcome either way (4xx responses other than 429).
func (b *Breaker) RecordNeutral() {
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

// State returns the current state, applying the open -> half-open
// transition lazily if open_until has passed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && !time.Now().Before(b.openUntil) {
		// Observed but not yet probed; report half-open without
		// consuming the probe slot.
		return BreakerHalfOpen
	}
	return b.state
}

// ConsecutiveFailures reports the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

func (b *Breaker) transitionLocked(next BreakerState) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next

	log.Info().
		Str("provider", b.provider).
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("breaker state change")

	if b.onTransition != nil {
		cb := b.onTransition
		go cb(b.provider, next)
	}
}
