package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the gateway runtime configuration resolved from the
// environment. Provider declarations live in a separate YAML catalog
// (PROVIDER_CONFIG_PATH); everything here is scalar tuning.
type Config struct {
	ListenAddr string

	UpstreamTimeout time.Duration
	MaxRetries      int

	BreakerFailureThreshold int
	BreakerOpenDuration     time.Duration

	CacheMaxEntries    int
	ProviderConfigPath string

	// Edge rate limit applied per client IP at the HTTP layer.
	EdgeRPS   float64
	EdgeBurst int

	// Optional collaborators. Empty values disable the feature.
	RedisAddr      string
	PredictBaseURL string

	// Secrets for the streaming layer. Never logged.
	JWTSecret     string
	SessionSecret string
}

// Defaults mirrored by the serve command flags.
const (
	DefaultListenAddr       = ":8090"
	DefaultUpstreamTimeout  = 10 * time.Second
	DefaultMaxRetries       = 3
	DefaultFailureThreshold = 5
	DefaultBreakerOpen      = 60 * time.Second
	DefaultCacheMaxEntries  = 10000
	DefaultProviderConfig   = "config/providers.yaml"
	DefaultEdgeRPS          = 25.0
	DefaultEdgeBurst        = 50
)

// FromEnv builds a Config from environment variables, applying defaults
// for anything unset.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:              envString("LISTEN_ADDR", DefaultListenAddr),
		UpstreamTimeout:         DefaultUpstreamTimeout,
		MaxRetries:              DefaultMaxRetries,
		BreakerFailureThreshold: DefaultFailureThreshold,
		BreakerOpenDuration:     DefaultBreakerOpen,
		CacheMaxEntries:         DefaultCacheMaxEntries,
		ProviderConfigPath:      envString("PROVIDER_CONFIG_PATH", DefaultProviderConfig),
		EdgeRPS:                 DefaultEdgeRPS,
		EdgeBurst:               DefaultEdgeBurst,
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		PredictBaseURL:          os.Getenv("PREDICT_BASE_URL"),
		JWTSecret:               os.Getenv("JWT_SECRET"),
		SessionSecret:           os.Getenv("STREAM_SESSION_SECRET"),
	}

	var err error
	if cfg.UpstreamTimeout, err = envDurationMS("UPSTREAM_TIMEOUT_MS", cfg.UpstreamTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = envInt("MAX_RETRIES", cfg.MaxRetries); err != nil {
		return nil, err
	}
	if cfg.BreakerFailureThreshold, err = envInt("BREAKER_FAILURE_THRESHOLD", cfg.BreakerFailureThreshold); err != nil {
		return nil, err
	}
	if cfg.BreakerOpenDuration, err = envDurationMS("BREAKER_OPEN_MS", cfg.BreakerOpenDuration); err != nil {
		return nil, err
	}
	if cfg.CacheMaxEntries, err = envInt("CACHE_MAX_ENTRIES", cfg.CacheMaxEntries); err != nil {
		return nil, err
	}
	if cfg.EdgeRPS, err = envFloat("EDGE_RPS", cfg.EdgeRPS); err != nil {
		return nil, err
	}
	if cfg.EdgeBurst, err = envInt("EDGE_BURST", cfg.EdgeBurst); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects nonsensical tuning values before anything starts.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen addr cannot be empty")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream timeout must be positive, got %v", c.UpstreamTimeout)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1 (the initial attempt), got %d", c.MaxRetries)
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be positive, got %d", c.BreakerFailureThreshold)
	}
	if c.BreakerOpenDuration <= 0 {
		return fmt.Errorf("breaker open duration must be positive, got %v", c.BreakerOpenDuration)
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("cache max entries must be positive, got %d", c.CacheMaxEntries)
	}
	if c.EdgeRPS <= 0 || c.EdgeBurst <= 0 {
		return fmt.Errorf("edge rate limit must be positive, got rps=%f burst=%d", c.EdgeRPS, c.EdgeBurst)
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envDurationMS(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if ms <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
