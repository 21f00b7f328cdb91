package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, r *Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestObserveAttempt(t *testing.T) {
	r := New()
	r.ObserveAttempt("coingecko", "ok", 120*time.Millisecond)
	r.ObserveAttempt("coingecko", "ok", 80*time.Millisecond)
	r.ObserveAttempt("coingecko", "http_5xx", 0)

	families := gather(t, r)

	counters := families["cryptogate_requests_total"]
	require.NotNil(t, counters)
	byOutcome := map[string]float64{}
	for _, m := range counters.GetMetric() {
		var outcome string
		for _, l := range m.GetLabel() {
			if l.GetName() == "outcome" {
				outcome = l.GetValue()
			}
		}
		byOutcome[outcome] = m.GetCounter().GetValue()
	}
	assert.Equal(t, 2.0, byOutcome["ok"])
	assert.Equal(t, 1.0, byOutcome["http_5xx"])

	hist := families["cryptogate_latency_ms"]
	require.NotNil(t, hist)
	require.Len(t, hist.GetMetric(), 1)
	assert.Equal(t, uint64(2), hist.GetMetric()[0].GetHistogram().GetSampleCount(),
		"zero-latency skip outcomes are not observed")
}

func TestBreakerAndBucketGauges(t *testing.T) {
	r := New()
	r.SetBreakerState("coingecko", 1)
	r.SetBucketTokens("coingecko", 7.5)

	families := gather(t, r)
	assert.Equal(t, 1.0, families["cryptogate_breaker_state"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 7.5, families["cryptogate_bucket_tokens"].GetMetric()[0].GetGauge().GetValue())
}

func TestCacheSinkCounters(t *testing.T) {
	r := New()
	r.CacheHit()
	r.CacheHit()
	r.CacheMiss()
	r.CacheCoalesced()

	families := gather(t, r)
	assert.Equal(t, 2.0, families["cryptogate_cache_hits_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, families["cryptogate_cache_misses_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, families["cryptogate_coalesced_calls_total"].GetMetric()[0].GetCounter().GetValue())
}
