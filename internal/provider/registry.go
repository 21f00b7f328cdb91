package provider

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpulse/cryptogate/internal/config"
	"github.com/quantpulse/cryptogate/internal/model"
)

// Provider pairs an immutable spec with its mutable runtime state
// (token bucket, breaker). Runtime state is only touched under the
// per-provider lock inside Limiter and Breaker.
type Provider struct {
	Spec    config.ProviderSpec
	Key     string // resolved auth key, empty when auth mode is none
	Limiter *Limiter
	Breaker *Breaker
}

// Registry is the loaded provider catalog with per-category fallback
// chains sorted by ascending priority.
type Registry struct {
	byID   map[string]*Provider
	chains map[model.Category][]*Provider
}

// RuntimeOptions tune the runtime state built for every provider.
type RuntimeOptions struct {
	FailureThreshold int
	OpenDuration     time.Duration
}

// NewRegistry builds the registry from a validated catalog. Providers
// whose auth key env var is unset or empty are skipped: attempting them
// would burn quota on guaranteed 401s.
func NewRegistry(file *config.ProvidersFile, opts RuntimeOptions) (*Registry, error) {
	r := &Registry{
		byID:   make(map[string]*Provider),
		chains: make(map[model.Category][]*Provider),
	}

	for _, spec := range file.Providers {
		key := ""
		if spec.Auth.Mode == "header" || spec.Auth.Mode == "query" {
			key = os.Getenv(spec.Auth.KeyEnv)
			if key == "" {
				log.Warn().
					Str("provider", spec.ID).
					Str("key_env", spec.Auth.KeyEnv).
					Msg("skipping provider: auth key not configured")
				continue
			}
		}

		p := &Provider{
			Spec:    spec,
			Key:     key,
			Limiter: NewLimiter(spec.RateLimit),
			Breaker: NewBreaker(spec.ID, opts.FailureThreshold, opts.OpenDuration),
		}
		r.byID[spec.ID] = p
		r.chains[spec.Category] = append(r.chains[spec.Category], p)
	}

	if len(r.byID) == 0 {
		return nil, fmt.Errorf("no usable providers after filtering unconfigured keys")
	}

	for cat, chain := range r.chains {
		sort.Slice(chain, func(i, j int) bool {
			return chain[i].Spec.Priority < chain[j].Spec.Priority
		})
		ids := make([]string, len(chain))
		for i, p := range chain {
			ids[i] = p.Spec.ID
		}
		log.Info().Str("category", string(cat)).Strs("chain", ids).Msg("fallback chain loaded")
	}

	return r, nil
}

// ChainFor returns the priority-ordered fallback chain for a category.
// The returned slice is shared and must not be mutated.
func (r *Registry) ChainFor(cat model.Category) []*Provider {
	return r.chains[cat]
}

// Get looks up a provider by id.
func (r *Registry) Get(id string) (*Provider, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// All returns every loaded provider.
func (r *Registry) All() []*Provider {
	out := make([]*Provider, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.ID < out[j].Spec.ID })
	return out
}
