package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantpulse/cryptogate/internal/model"
)

// ProvidersFile is the authoritative declarative catalog of upstream
// providers. One file, one ordering per category; duplicate declarations
// are a startup error.
type ProvidersFile struct {
	Providers []ProviderSpec `yaml:"providers"`
}

// ProviderSpec declares a single upstream endpoint. Immutable after load.
type ProviderSpec struct {
	ID       string         `yaml:"id"`
	Category model.Category `yaml:"category"`
	BaseURL  string         `yaml:"base_url"`
	Auth     AuthSpec       `yaml:"auth"`
	// Priority orders the fallback chain; lower is preferred.
	Priority  int           `yaml:"priority"`
	TimeoutMS int           `yaml:"timeout_ms"`
	RateLimit RateLimitSpec `yaml:"rate_limit"`
	ParserID  string        `yaml:"parser_id"`
}

// AuthSpec describes how the provider key is injected. Mode "none" needs
// no key; "header" and "query" read the key value from the env var named
// by KeyEnv at load time. Key values are never logged.
type AuthSpec struct {
	Mode   string `yaml:"mode"` // none | header | query
	Name   string `yaml:"name,omitempty"`
	KeyEnv string `yaml:"key_env,omitempty"`
}

// RateLimitSpec parameterizes the provider token bucket.
type RateLimitSpec struct {
	MaxTokens       int `yaml:"max_tokens"`
	RefillPerWindow int `yaml:"refill_per_window"`
	WindowMS        int `yaml:"window_ms"`
}

// Timeout returns the upstream timeout, falling back to the given default.
func (p *ProviderSpec) Timeout(def time.Duration) time.Duration {
	if p.TimeoutMS <= 0 {
		return def
	}
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// RefillPerSecond converts the windowed refill rate to tokens per second.
func (r RateLimitSpec) RefillPerSecond() float64 {
	return float64(r.RefillPerWindow) * 1000 / float64(r.WindowMS)
}

// LoadProviders reads and validates the provider catalog from a YAML file.
func LoadProviders(path string) (*ProvidersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers config: %w", err)
	}
	return ParseProviders(data)
}

// ParseProviders parses and validates a provider catalog.
func ParseProviders(data []byte) (*ProvidersFile, error) {
	var file ProvidersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers config: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("invalid providers config: %w", err)
	}
	return &file, nil
}

// Validate ensures the catalog is consistent: unique ids, unique
// (category, priority) pairs, well-formed auth and rate limit blocks.
func (f *ProvidersFile) Validate() error {
	if len(f.Providers) == 0 {
		return fmt.Errorf("no providers declared")
	}

	ids := make(map[string]bool)
	priorities := make(map[string]bool)

	for i := range f.Providers {
		p := &f.Providers[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %s: %w", p.ID, err)
		}
		if ids[p.ID] {
			return fmt.Errorf("duplicate provider id %s", p.ID)
		}
		ids[p.ID] = true

		key := fmt.Sprintf("%s/%d", p.Category, p.Priority)
		if priorities[key] {
			return fmt.Errorf("providers share priority %d in category %s", p.Priority, p.Category)
		}
		priorities[key] = true
	}
	return nil
}

// Validate ensures a single provider declaration is well formed.
func (p *ProviderSpec) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if !p.Category.Valid() {
		return fmt.Errorf("unknown category %q", p.Category)
	}
	if p.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}
	if p.ParserID == "" {
		return fmt.Errorf("parser_id cannot be empty")
	}
	if p.TimeoutMS < 0 {
		return fmt.Errorf("timeout_ms cannot be negative, got %d", p.TimeoutMS)
	}

	switch p.Auth.Mode {
	case "", "none":
	case "header", "query":
		if p.Auth.Name == "" {
			return fmt.Errorf("auth mode %s requires a name", p.Auth.Mode)
		}
		if p.Auth.KeyEnv == "" {
			return fmt.Errorf("auth mode %s requires key_env", p.Auth.Mode)
		}
	default:
		return fmt.Errorf("unknown auth mode %q", p.Auth.Mode)
	}

	rl := p.RateLimit
	if rl.MaxTokens <= 0 {
		return fmt.Errorf("rate_limit.max_tokens must be positive, got %d", rl.MaxTokens)
	}
	if rl.RefillPerWindow <= 0 {
		return fmt.Errorf("rate_limit.refill_per_window must be positive, got %d", rl.RefillPerWindow)
	}
	if rl.WindowMS <= 0 {
		return fmt.Errorf("rate_limit.window_ms must be positive, got %d", rl.WindowMS)
	}
	return nil
}
