// Package dispatch executes logical requests across a category's
// fallback chain, composing the cache, rate limiter, breaker, HTTP
// client and normalizers.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpulse/cryptogate/internal/cache"
	"github.com/quantpulse/cryptogate/internal/health"
	"github.com/quantpulse/cryptogate/internal/httpclient"
	"github.com/quantpulse/cryptogate/internal/metrics"
	"github.com/quantpulse/cryptogate/internal/model"
	"github.com/quantpulse/cryptogate/internal/normalize"
	"github.com/quantpulse/cryptogate/internal/provider"
)

// Attempt records one per-provider outcome inside a chain run. The full
// list travels with AllProvidersFailed for diagnosis.
type Attempt struct {
	Provider  string             `json:"provider"`
	Outcome   httpclient.Outcome `json:"outcome"`
	Status    int                `json:"status,omitempty"`
	LatencyMS int64              `json:"latency_ms,omitempty"`
}

// AllProvidersFailed is the terminal error after every provider in a
// chain was skipped or failed.
type AllProvidersFailed struct {
	Category model.Category
	Attempts []Attempt
}

func (e *AllProvidersFailed) Error() string {
	return fmt.Sprintf("all providers failed for category %s (%d attempts)", e.Category, len(e.Attempts))
}

// TTLs are the per-operation cache lifetimes.
var TTLs = map[normalize.Op]time.Duration{
	normalize.OpListings:   10 * time.Second,
	normalize.OpQuotes:     10 * time.Second,
	normalize.OpHistorical: 5 * time.Minute,
	normalize.OpFearGreed:  5 * time.Minute,
	normalize.OpArticles:   5 * time.Minute,
	normalize.OpWhaleTxs:   30 * time.Second,
	normalize.OpGasOracle:  30 * time.Second,
}

// TTLFor returns the cache TTL for an operation.
func TTLFor(op normalize.Op) time.Duration {
	if ttl, ok := TTLs[op]; ok {
		return ttl
	}
	return 5 * time.Minute
}

// CacheKey builds the stable fingerprint of a logical request.
func CacheKey(cat model.Category, req normalize.Request) string {
	return string(cat) + "/" + req.Fingerprint()
}

// OpFromKey recovers the operation from a cache key, for the shared
// cache level's typed decode.
func OpFromKey(key string) normalize.Op {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			rest := key[i+1:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == '&' {
					return normalize.Op(rest[:j])
				}
			}
			return normalize.Op(rest)
		}
	}
	return normalize.Op(key)
}

// Dispatcher is safe for concurrent use. Per-provider state is mutated
// only inside the provider's own limiter and breaker; no lock is held
// across a network call.
type Dispatcher struct {
	registry *provider.Registry
	client   *httpclient.Client
	cache    *cache.Cache
	metrics  *metrics.Registry
	health   *health.Tracker
}

// New wires a dispatcher. The breaker state gauge is hooked up here so
// every loaded provider exports transitions.
func New(reg *provider.Registry, client *httpclient.Client, c *cache.Cache, m *metrics.Registry, h *health.Tracker) *Dispatcher {
	d := &Dispatcher{registry: reg, client: client, cache: c, metrics: m, health: h}
	for _, p := range reg.All() {
		id := p.Spec.ID
		p.Breaker.OnTransition(func(providerID string, state provider.BreakerState) {
			m.SetBreakerState(providerID, int(state))
		})
		m.SetBreakerState(id, int(provider.BreakerClosed))
		m.SetBucketTokens(id, p.Limiter.Tokens())
	}
	return d
}

// Do resolves a logical request to a canonical payload, serving from
// cache when fresh and otherwise running the fallback chain under
// single-flight.
func (d *Dispatcher) Do(ctx context.Context, cat model.Category, req normalize.Request) (cache.Payload, error) {
	key := CacheKey(cat, req)
	return d.cache.GetOrFetch(ctx, key, TTLFor(req.Op), func(ctx context.Context) (cache.Payload, error) {
		return d.runChain(ctx, cat, req)
	})
}

func (d *Dispatcher) runChain(ctx context.Context, cat model.Category, req normalize.Request) (cache.Payload, error) {
	chain := d.registry.ChainFor(cat)
	attempts := make([]Attempt, 0, len(chain))

	// Breakers of providers that answered 429. Whether a 429 counts as
	// a breaker failure depends on whether any other provider serves
	// the request, so resolution is deferred to the end of the run.
	var deferred429 []*provider.Breaker

	resolve429 := func(success bool) {
		for _, b := range deferred429 {
			if success {
				b.RecordNeutral()
			} else {
				b.RecordFailure()
			}
		}
	}

	for _, p := range chain {
		id := p.Spec.ID

		if !p.Breaker.Allow() {
			attempts = append(attempts, Attempt{Provider: id, Outcome: httpclient.OutcomeSkippedOpen})
			d.metrics.ObserveAttempt(id, string(httpclient.OutcomeSkippedOpen), 0)
			continue
		}

		if ok, retryAfter := p.Limiter.TryAcquire(1); !ok {
			p.Breaker.RecordNeutral()
			attempts = append(attempts, Attempt{Provider: id, Outcome: httpclient.OutcomeSkippedRate})
			d.metrics.ObserveAttempt(id, string(httpclient.OutcomeSkippedRate), 0)
			log.Debug().Str("provider", id).Dur("retry_after", retryAfter).Msg("bucket empty, skipping provider")
			continue
		}
		d.metrics.SetBucketTokens(id, p.Limiter.Tokens())

		parser, ok := normalize.Lookup(p.Spec.ParserID)
		if !ok {
			// Startup validates parser ids; this is unreachable unless
			// specs were mutated.
			p.Breaker.RecordNeutral()
			attempts = append(attempts, Attempt{Provider: id, Outcome: httpclient.OutcomeParseErr})
			continue
		}

		path, params, err := parser.Path(req)
		if err != nil {
			p.Breaker.RecordNeutral()
			attempts = append(attempts, Attempt{Provider: id, Outcome: httpclient.OutcomeParseErr})
			d.metrics.ObserveAttempt(id, string(httpclient.OutcomeParseErr), 0)
			continue
		}

		resp, err := d.client.Fetch(ctx, p, path, params)
		if err != nil {
			attempt := d.classifyFailure(p, err)
			attempts = append(attempts, attempt)
			if attempt.Outcome == httpclient.OutcomeHTTP429 {
				deferred429 = append(deferred429, p.Breaker)
			}
			continue
		}

		payload, err := parser.Parse(req, resp.Body)
		if err != nil {
			p.Breaker.RecordFailure()
			d.health.Record(id, false)
			attempts = append(attempts, Attempt{Provider: id, Outcome: httpclient.OutcomeParseErr, Status: resp.Status, LatencyMS: resp.Latency.Milliseconds()})
			d.metrics.ObserveAttempt(id, string(httpclient.OutcomeParseErr), resp.Latency)
			log.Warn().Err(err).Str("provider", id).Str("category", string(cat)).Msg("normalizer rejected upstream payload")
			continue
		}

		p.Breaker.RecordSuccess()
		d.health.Record(id, true)
		d.metrics.ObserveAttempt(id, string(httpclient.OutcomeOK), resp.Latency)
		resolve429(true)

		return cache.Payload{Value: payload, Source: id, FetchedAt: time.Now().UTC()}, nil
	}

	resolve429(false)

	err := &AllProvidersFailed{Category: cat, Attempts: attempts}
	log.Warn().Str("category", string(cat)).Interface("attempts", attempts).Msg("all providers exhausted")
	return cache.Payload{}, err
}

func (d *Dispatcher) classifyFailure(p *provider.Provider, err error) Attempt {
	id := p.Spec.ID
	ferr, ok := err.(*httpclient.FetchError)
	if !ok {
		p.Breaker.RecordFailure()
		d.health.Record(id, false)
		d.metrics.ObserveAttempt(id, string(httpclient.OutcomeNetworkErr), 0)
		return Attempt{Provider: id, Outcome: httpclient.OutcomeNetworkErr}
	}

	attempt := Attempt{Provider: id, Outcome: ferr.Outcome, Status: ferr.Status}

	switch ferr.Outcome {
	case httpclient.OutcomeHTTP429:
		// Our bucket was ahead of the provider's quota; stop sending
		// until it genuinely refills.
		p.Limiter.Drain()
		d.metrics.SetBucketTokens(id, p.Limiter.Tokens())
		d.health.Record(id, false)
	case httpclient.OutcomeHTTP4xx:
		// Permanent request-side problem for this provider; skip
		// without breaker penalty.
		p.Breaker.RecordNeutral()
		d.health.Record(id, false)
	default:
		p.Breaker.RecordFailure()
		d.health.Record(id, false)
	}

	d.metrics.ObserveAttempt(id, string(ferr.Outcome), 0)
	return attempt
}
