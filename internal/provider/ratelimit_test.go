package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/cryptogate/internal/config"
)

func slowRefillSpec(maxTokens int) config.RateLimitSpec {
	// One token per 100 s, so refill contributes nothing inside a test.
	return config.RateLimitSpec{MaxTokens: maxTokens, RefillPerWindow: 1, WindowMS: 100000}
}

func TestLimiterExhaustsBucket(t *testing.T) {
	l := NewLimiter(slowRefillSpec(3))

	for i := 0; i < 3; i++ {
		ok, _ := l.TryAcquire(1)
		require.True(t, ok, "token %d should be available", i)
	}

	ok, retryAfter := l.TryAcquire(1)
	assert.False(t, ok)
	assert.Greater(t, retryAfter.Seconds(), 0.0)
}

func TestLimiterDrainEmptiesBucket(t *testing.T) {
	l := NewLimiter(slowRefillSpec(5))

	ok, _ := l.TryAcquire(1)
	require.True(t, ok)
	assert.Greater(t, l.Tokens(), 3.0)

	l.Drain()
	assert.Less(t, l.Tokens(), 1.0)

	ok, _ = l.TryAcquire(1)
	assert.False(t, ok)
}

func TestLimiterStats(t *testing.T) {
	l := NewLimiter(slowRefillSpec(2))

	l.TryAcquire(1)
	l.TryAcquire(1)
	l.TryAcquire(1) // rejected

	acquired, rejected := l.Stats()
	assert.Equal(t, int64(2), acquired)
	assert.Equal(t, int64(1), rejected)
}

func TestLimiterRetryAfterReflectsRefillRate(t *testing.T) {
	// 1 token per second; an empty bucket reports roughly a second of wait.
	l := NewLimiter(config.RateLimitSpec{MaxTokens: 1, RefillPerWindow: 1, WindowMS: 1000})

	ok, _ := l.TryAcquire(1)
	require.True(t, ok)

	ok, retryAfter := l.TryAcquire(1)
	require.False(t, ok)
	assert.InDelta(t, 1.0, retryAfter.Seconds(), 0.2)
}
