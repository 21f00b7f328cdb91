package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultUpstreamTimeout, cfg.UpstreamTimeout)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultFailureThreshold, cfg.BreakerFailureThreshold)
	assert.Equal(t, DefaultBreakerOpen, cfg.BreakerOpenDuration)
	assert.Equal(t, DefaultCacheMaxEntries, cfg.CacheMaxEntries)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("UPSTREAM_TIMEOUT_MS", "2500")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "7")
	t.Setenv("BREAKER_OPEN_MS", "30000")
	t.Setenv("CACHE_MAX_ENTRIES", "123")
	t.Setenv("EDGE_RPS", "10.5")
	t.Setenv("EDGE_BURST", "20")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 2500*time.Millisecond, cfg.UpstreamTimeout)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 7, cfg.BreakerFailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.BreakerOpenDuration)
	assert.Equal(t, 123, cfg.CacheMaxEntries)
	assert.Equal(t, 10.5, cfg.EdgeRPS)
	assert.Equal(t, 20, cfg.EdgeBurst)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("UPSTREAM_TIMEOUT_MS", "not-a-number")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestValidateRejectsNonPositive(t *testing.T) {
	t.Setenv("MAX_RETRIES", "0")
	_, err := FromEnv()
	assert.Error(t, err, "zero retries would mean no attempt at all")
}
