package provider

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantpulse/cryptogate/internal/config"
)

// Limiter is the per-provider token bucket. Built on x/time/rate with a
// mutex so that Drain and TryAcquire compose atomically.
type Limiter struct {
	mu  sync.Mutex
	lim *rate.Limiter

	totalAcquired int64
	totalRejected int64
}

// NewLimiter builds a full bucket from the provider's rate limit spec.
func NewLimiter(spec config.RateLimitSpec) *Limiter {
	return &Limiter{
		lim: rate.NewLimiter(rate.Limit(spec.RefillPerSecond()), spec.MaxTokens),
	}
}

// TryAcquire attempts to take n tokens without blocking. On exhaustion it
// returns ok=false and the delay after which n tokens will be available.
// The dispatcher treats a non-ok result as "skip this provider now".
func (l *Limiter) TryAcquire(n int) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := l.lim.ReserveN(time.Now(), n)
	if !res.OK() {
		l.totalRejected++
		return false, time.Duration(float64(n)/float64(l.lim.Limit())) * time.Second
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		l.totalRejected++
		return false, delay
	}
	l.totalAcquired++
	return true, 0
}

// Drain force-empties the bucket. Called when the upstream answers 429:
// our local accounting was clearly ahead of the provider's, so stop
// sending until the bucket genuinely refills.
func (l *Limiter) Drain() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if tokens := int(l.lim.TokensAt(now)); tokens > 0 {
		l.lim.AllowN(now, tokens)
	}
}

// Tokens reports the current token count for gauges.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lim.Tokens()
}

// Stats returns cumulative acquire/reject counters.
func (l *Limiter) Stats() (acquired, rejected int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalAcquired, l.totalRejected
}
