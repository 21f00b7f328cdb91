package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/cryptogate/internal/cache"
	"github.com/quantpulse/cryptogate/internal/config"
	"github.com/quantpulse/cryptogate/internal/health"
	"github.com/quantpulse/cryptogate/internal/httpclient"
	"github.com/quantpulse/cryptogate/internal/metrics"
	"github.com/quantpulse/cryptogate/internal/model"
	"github.com/quantpulse/cryptogate/internal/normalize"
	"github.com/quantpulse/cryptogate/internal/provider"
)

const listingsBody = `[{"symbol":"btc","name":"Bitcoin","current_price":64000,"price_change_percentage_24h":1.5,"total_volume":1000,"market_cap":2000}]`

func marketSpec(id, baseURL string, priority int) config.ProviderSpec {
	return config.ProviderSpec{
		ID:        id,
		Category:  model.CategoryMarket,
		BaseURL:   baseURL,
		Priority:  priority,
		RateLimit: config.RateLimitSpec{MaxTokens: 100, RefillPerWindow: 100, WindowMS: 1000},
		ParserID:  "coingecko_markets",
	}
}

func newTestDispatcher(t *testing.T, specs ...config.ProviderSpec) (*Dispatcher, *provider.Registry) {
	t.Helper()
	reg, err := provider.NewRegistry(
		&config.ProvidersFile{Providers: specs},
		provider.RuntimeOptions{FailureThreshold: 5, OpenDuration: time.Minute},
	)
	require.NoError(t, err)

	client := httpclient.New(httpclient.Options{MaxRetries: 1, DefaultTimeout: 2 * time.Second})
	d := New(reg, client, cache.New(100), metrics.New(), health.NewTracker(reg))
	return d, reg
}

func listingsRequest() normalize.Request {
	return normalize.Request{Op: normalize.OpListings, Params: map[string]string{"limit": "1"}}
}

func jsonServer(t *testing.T, calls *int32, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDispatchPrimaryServes(t *testing.T) {
	primary := jsonServer(t, nil, http.StatusOK, listingsBody)
	d, _ := newTestDispatcher(t, marketSpec("primary", primary.URL, 1))

	p, err := d.Do(context.Background(), model.CategoryMarket, listingsRequest())
	require.NoError(t, err)
	assert.Equal(t, "primary", p.Source)

	prices := p.Value.([]model.Price)
	require.Len(t, prices, 1)
	assert.Equal(t, "BTC", prices[0].Symbol)
}

func TestDispatchFallsBackOn5xx(t *testing.T) {
	var primaryCalls int32
	primary := jsonServer(t, &primaryCalls, http.StatusInternalServerError, "")
	secondary := jsonServer(t, nil, http.StatusOK, listingsBody)

	d, reg := newTestDispatcher(t,
		marketSpec("primary", primary.URL, 1),
		marketSpec("secondary", secondary.URL, 2),
	)

	p, err := d.Do(context.Background(), model.CategoryMarket, listingsRequest())
	require.NoError(t, err)
	assert.Equal(t, "secondary", p.Source)
	assert.Equal(t, int32(1), atomic.LoadInt32(&primaryCalls))

	pp, _ := reg.Get("primary")
	assert.Equal(t, 1, pp.Breaker.ConsecutiveFailures(), "a 5xx counts against the breaker")
}

func TestDispatchSkipsOpenBreaker(t *testing.T) {
	var primaryCalls int32
	primary := jsonServer(t, &primaryCalls, http.StatusOK, listingsBody)
	secondary := jsonServer(t, nil, http.StatusOK, listingsBody)

	d, reg := newTestDispatcher(t,
		marketSpec("primary", primary.URL, 1),
		marketSpec("secondary", secondary.URL, 2),
	)

	pp, _ := reg.Get("primary")
	for i := 0; i < 5; i++ {
		pp.Breaker.RecordFailure()
	}
	require.Equal(t, provider.BreakerOpen, pp.Breaker.State())

	p, err := d.Do(context.Background(), model.CategoryMarket, listingsRequest())
	require.NoError(t, err)
	assert.Equal(t, "secondary", p.Source)
	assert.Equal(t, int32(0), atomic.LoadInt32(&primaryCalls), "open breaker must not emit traffic")
}

func TestDispatchSkipsEmptyBucket(t *testing.T) {
	var primaryCalls int32
	primary := jsonServer(t, &primaryCalls, http.StatusOK, listingsBody)
	secondary := jsonServer(t, nil, http.StatusOK, listingsBody)

	starved := marketSpec("primary", primary.URL, 1)
	starved.RateLimit = config.RateLimitSpec{MaxTokens: 1, RefillPerWindow: 1, WindowMS: 100000}

	d, reg := newTestDispatcher(t, starved, marketSpec("secondary", secondary.URL, 2))

	pp, _ := reg.Get("primary")
	ok, _ := pp.Limiter.TryAcquire(1)
	require.True(t, ok)

	p, err := d.Do(context.Background(), model.CategoryMarket, listingsRequest())
	require.NoError(t, err)
	assert.Equal(t, "secondary", p.Source)
	assert.Equal(t, int32(0), atomic.LoadInt32(&primaryCalls))
	assert.Equal(t, 0, pp.Breaker.ConsecutiveFailures(), "an empty bucket is not a provider failure")
}

func TestDispatch429DrainsBucketWithoutBreakerPenalty(t *testing.T) {
	primary := jsonServer(t, nil, http.StatusTooManyRequests, "")
	secondary := jsonServer(t, nil, http.StatusOK, listingsBody)

	d, reg := newTestDispatcher(t,
		marketSpec("primary", primary.URL, 1),
		marketSpec("secondary", secondary.URL, 2),
	)

	p, err := d.Do(context.Background(), model.CategoryMarket, listingsRequest())
	require.NoError(t, err)
	assert.Equal(t, "secondary", p.Source)

	pp, _ := reg.Get("primary")
	assert.Less(t, pp.Limiter.Tokens(), 1.0, "429 must drain the local bucket")
	assert.Equal(t, 0, pp.Breaker.ConsecutiveFailures(), "429 is neutral when a fallback served the request")
}

func TestDispatch429CountsWhenChainExhausted(t *testing.T) {
	only := jsonServer(t, nil, http.StatusTooManyRequests, "")
	d, reg := newTestDispatcher(t, marketSpec("only", only.URL, 1))

	_, err := d.Do(context.Background(), model.CategoryMarket, listingsRequest())
	require.Error(t, err)

	pp, _ := reg.Get("only")
	assert.Equal(t, 1, pp.Breaker.ConsecutiveFailures(), "429 counts when no fallback could serve")
}

func TestDispatchParseErrorFailsOver(t *testing.T) {
	primary := jsonServer(t, nil, http.StatusOK, `{"unexpected":"shape"}`)
	secondary := jsonServer(t, nil, http.StatusOK, listingsBody)

	d, reg := newTestDispatcher(t,
		marketSpec("primary", primary.URL, 1),
		marketSpec("secondary", secondary.URL, 2),
	)

	p, err := d.Do(context.Background(), model.CategoryMarket, listingsRequest())
	require.NoError(t, err)
	assert.Equal(t, "secondary", p.Source)

	pp, _ := reg.Get("primary")
	assert.Equal(t, 1, pp.Breaker.ConsecutiveFailures(), "an unusable payload counts against the breaker")
}

func TestDispatchAllProvidersFailed(t *testing.T) {
	primary := jsonServer(t, nil, http.StatusInternalServerError, "")
	secondary := jsonServer(t, nil, http.StatusServiceUnavailable, "")

	d, _ := newTestDispatcher(t,
		marketSpec("primary", primary.URL, 1),
		marketSpec("secondary", secondary.URL, 2),
	)

	_, err := d.Do(context.Background(), model.CategoryMarket, listingsRequest())
	require.Error(t, err)

	var apf *AllProvidersFailed
	require.ErrorAs(t, err, &apf)
	assert.Equal(t, model.CategoryMarket, apf.Category)
	require.Len(t, apf.Attempts, 2)
	assert.Equal(t, "primary", apf.Attempts[0].Provider)
	assert.Equal(t, httpclient.OutcomeHTTP5xx, apf.Attempts[0].Outcome)
	assert.Equal(t, "secondary", apf.Attempts[1].Provider)
}

func TestDispatchServesFromCache(t *testing.T) {
	var calls int32
	primary := jsonServer(t, &calls, http.StatusOK, listingsBody)
	d, _ := newTestDispatcher(t, marketSpec("primary", primary.URL, 1))

	ctx := context.Background()
	_, err := d.Do(ctx, model.CategoryMarket, listingsRequest())
	require.NoError(t, err)
	_, err = d.Do(ctx, model.CategoryMarket, listingsRequest())
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a fresh entry must be served from cache")
}

func TestDispatchErrorIsNotCached(t *testing.T) {
	var calls int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(listingsBody))
	}))
	t.Cleanup(flaky.Close)

	d, _ := newTestDispatcher(t, marketSpec("flaky", flaky.URL, 1))

	ctx := context.Background()
	_, err := d.Do(ctx, model.CategoryMarket, listingsRequest())
	require.Error(t, err)

	p, err := d.Do(ctx, model.CategoryMarket, listingsRequest())
	require.NoError(t, err)
	assert.Equal(t, "flaky", p.Source)
}

func TestCacheKeyAndOpRecovery(t *testing.T) {
	req := normalize.Request{Op: normalize.OpQuotes, Params: map[string]string{"symbols": "BTC,ETH"}}
	key := CacheKey(model.CategoryMarket, req)
	assert.Equal(t, "market/quotes&symbols=BTC%2CETH", key)
	assert.Equal(t, normalize.OpQuotes, OpFromKey(key))

	bare := CacheKey(model.CategorySentiment, normalize.Request{Op: normalize.OpFearGreed})
	assert.Equal(t, normalize.OpFearGreed, OpFromKey(bare))
}

func TestTTLsPerOperation(t *testing.T) {
	assert.Equal(t, 10*time.Second, TTLFor(normalize.OpListings))
	assert.Equal(t, 10*time.Second, TTLFor(normalize.OpQuotes))
	assert.Equal(t, 5*time.Minute, TTLFor(normalize.OpFearGreed))
	assert.Equal(t, 5*time.Minute, TTLFor(normalize.OpArticles))
	assert.Equal(t, 30*time.Second, TTLFor(normalize.OpWhaleTxs))
	assert.Equal(t, 5*time.Minute, TTLFor(normalize.OpHistorical))
}
