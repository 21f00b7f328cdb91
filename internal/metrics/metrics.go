// Package metrics holds the Prometheus registry for the gateway: the
// per-provider dispatch counters consumed for provider ranking, and the
// global cache/fan-out counters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for the gateway.
type Registry struct {
	reg *prometheus.Registry

	// Per-provider dispatch metrics
	RequestsTotal *prometheus.CounterVec
	LatencyMS     *prometheus.HistogramVec
	BreakerState  *prometheus.GaugeVec
	BucketTokens  *prometheus.GaugeVec

	// Cache metrics
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CoalescedCalls prometheus.Counter

	// Streaming metrics
	ActiveSubscriptions prometheus.Gauge
	FanoutMessages      prometheus.Counter
	QueueDrops          *prometheus.CounterVec
}

// New creates a registry with all gateway metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptogate_requests_total",
				Help: "Upstream dispatch attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		LatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cryptogate_latency_ms",
				Help:    "Upstream request latency in milliseconds",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"provider"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cryptogate_breaker_state",
				Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
			},
			[]string{"provider"},
		),

		BucketTokens: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cryptogate_bucket_tokens",
				Help: "Rate limit tokens currently available per provider",
			},
			[]string{"provider"},
		),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptogate_cache_hits_total",
			Help: "Response cache hits",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptogate_cache_misses_total",
			Help: "Response cache misses",
		}),

		CoalescedCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptogate_coalesced_calls_total",
			Help: "Callers that shared an in-flight upstream fetch",
		}),

		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptogate_active_subscriptions",
			Help: "Open stream subscriptions",
		}),

		FanoutMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptogate_fanout_messages_total",
			Help: "Data messages sent to stream subscribers",
		}),

		QueueDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptogate_dropped_msgs_total",
				Help: "Stream messages dropped due to slow consumers",
			},
			[]string{"client"},
		),
	}

	reg.MustRegister(
		r.RequestsTotal, r.LatencyMS, r.BreakerState, r.BucketTokens,
		r.CacheHits, r.CacheMisses, r.CoalescedCalls,
		r.ActiveSubscriptions, r.FanoutMessages, r.QueueDrops,
	)
	return r
}

// ObserveAttempt records one upstream attempt outcome.
func (r *Registry) ObserveAttempt(provider, outcome string, latency time.Duration) {
	r.RequestsTotal.WithLabelValues(provider, outcome).Inc()
	if latency > 0 {
		r.LatencyMS.WithLabelValues(provider).Observe(float64(latency.Milliseconds()))
	}
}

// SetBreakerState exports a breaker transition.
func (r *Registry) SetBreakerState(provider string, state int) {
	r.BreakerState.WithLabelValues(provider).Set(float64(state))
}

// SetBucketTokens exports the current bucket level.
func (r *Registry) SetBucketTokens(provider string, tokens float64) {
	r.BucketTokens.WithLabelValues(provider).Set(tokens)
}

// CacheHit implements cache.StatsSink.
func (r *Registry) CacheHit() { r.CacheHits.Inc() }

// CacheMiss implements cache.StatsSink.
func (r *Registry) CacheMiss() { r.CacheMisses.Inc() }

// CacheCoalesced implements cache.StatsSink.
func (r *Registry) CacheCoalesced() { r.CoalescedCalls.Inc() }

// Handler returns the /metrics scrape handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
