package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/cryptogate/internal/aggregate"
	"github.com/quantpulse/cryptogate/internal/cache"
	"github.com/quantpulse/cryptogate/internal/config"
	"github.com/quantpulse/cryptogate/internal/dispatch"
	"github.com/quantpulse/cryptogate/internal/health"
	"github.com/quantpulse/cryptogate/internal/httpclient"
	"github.com/quantpulse/cryptogate/internal/metrics"
	"github.com/quantpulse/cryptogate/internal/model"
	"github.com/quantpulse/cryptogate/internal/provider"
)

const listingsBody = `[{"symbol":"btc","name":"Bitcoin","current_price":64000,"price_change_percentage_24h":1.5,"total_volume":1000,"market_cap":2000}]`

func upstream(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func spec(id string, cat model.Category, baseURL, parserID string) config.ProviderSpec {
	return config.ProviderSpec{
		ID:        id,
		Category:  cat,
		BaseURL:   baseURL,
		Priority:  1,
		RateLimit: config.RateLimitSpec{MaxTokens: 1000, RefillPerWindow: 1000, WindowMS: 1000},
		ParserID:  parserID,
	}
}

// newTestServer stands up the whole stack against stub upstreams.
func newTestServer(t *testing.T, opts Options, specs ...config.ProviderSpec) *Server {
	t.Helper()
	reg, err := provider.NewRegistry(
		&config.ProvidersFile{Providers: specs},
		provider.RuntimeOptions{FailureThreshold: 5, OpenDuration: time.Minute},
	)
	require.NoError(t, err)

	m := metrics.New()
	client := httpclient.New(httpclient.Options{MaxRetries: 1, DefaultTimeout: 2 * time.Second})
	tracker := health.NewTracker(reg)
	d := dispatch.New(reg, client, cache.New(100), m, tracker)
	svc := aggregate.New(d, nil)

	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.EdgeRPS == 0 {
		opts.EdgeRPS = 1000
	}
	if opts.EdgeBurst == 0 {
		opts.EdgeBurst = 1000
	}
	return New(svc, tracker, m, opts)
}

func doGet(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "198.51.100.7:1234"
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestListingsEndpoint(t *testing.T) {
	market := upstream(t, http.StatusOK, listingsBody)
	s := newTestServer(t, Options{}, spec("coingecko", model.CategoryMarket, market.URL, "coingecko_markets"))

	rec, env := doGet(t, s, "/market/listings?limit=5")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.OK)
	assert.Equal(t, "coingecko", env.Source)
	require.NotNil(t, env.FetchedAt)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestQuotesRequiresSymbols(t *testing.T) {
	market := upstream(t, http.StatusOK, listingsBody)
	s := newTestServer(t, Options{}, spec("coingecko", model.CategoryMarket, market.URL, "coingecko_markets"))

	rec, env := doGet(t, s, "/market/quotes")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.OK)
	require.NotNil(t, env.Error)
	assert.Equal(t, "bad_request", env.Error.Code)
}

func TestListingsRejectsOutOfRangeLimit(t *testing.T) {
	market := upstream(t, http.StatusOK, listingsBody)
	s := newTestServer(t, Options{}, spec("coingecko", model.CategoryMarket, market.URL, "coingecko_markets"))

	rec, _ := doGet(t, s, "/market/listings?limit=9999")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doGet(t, s, "/market/listings?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExhaustedChainIsBadGateway(t *testing.T) {
	market := upstream(t, http.StatusInternalServerError, "")
	s := newTestServer(t, Options{}, spec("coingecko", model.CategoryMarket, market.URL, "coingecko_markets"))

	rec, env := doGet(t, s, "/market/listings")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "all_providers_failed", env.Error.Code)
	require.Len(t, env.Error.Attempts, 1)
	assert.Equal(t, "coingecko", env.Error.Attempts[0].Provider)
}

func TestOverviewDegradesOnPartialFailure(t *testing.T) {
	market := upstream(t, http.StatusOK, listingsBody)
	sentiment := upstream(t, http.StatusInternalServerError, "")
	news := upstream(t, http.StatusOK, `{"Data":[{"title":"T","body":"B","url":"https://e.com/1","source":"S","published_on":1724630400}]}`)

	s := newTestServer(t, Options{},
		spec("coingecko", model.CategoryMarket, market.URL, "coingecko_markets"),
		spec("alternativeme", model.CategorySentiment, sentiment.URL, "alternativeme_fng"),
		spec("cryptocompare", model.CategoryNews, news.URL, "cryptocompare_news"),
	)

	rec, env := doGet(t, s, "/overview")
	assert.Equal(t, http.StatusOK, rec.Code, "partial failure still answers 200")
	assert.True(t, env.OK)
	assert.True(t, env.Degraded)

	var ov aggregate.Overview
	raw, _ := json.Marshal(env.Data)
	require.NoError(t, json.Unmarshal(raw, &ov))
	assert.Contains(t, ov.Errors, "fear_greed")
	assert.Equal(t, 50, ov.FearGreed.FearGreedValue, "failed section gets the neutral default")
	require.NotEmpty(t, ov.TopCoins)
	assert.Equal(t, "BTC", ov.TopCoins[0].Symbol)
	assert.Len(t, ov.News, 1)
}

func TestHealthEndpoint(t *testing.T) {
	market := upstream(t, http.StatusOK, listingsBody)
	s := newTestServer(t, Options{}, spec("coingecko", model.CategoryMarket, market.URL, "coingecko_markets"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var snap health.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, health.StatusOK, snap.Status)
	assert.Contains(t, snap.Providers, "coingecko")
}

func TestMetricsEndpoint(t *testing.T) {
	market := upstream(t, http.StatusOK, listingsBody)
	s := newTestServer(t, Options{}, spec("coingecko", model.CategoryMarket, market.URL, "coingecko_markets"))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cryptogate_")
}

func TestEdgeRateLimit(t *testing.T) {
	market := upstream(t, http.StatusOK, listingsBody)
	s := newTestServer(t, Options{EdgeRPS: 0.001, EdgeBurst: 2},
		spec("coingecko", model.CategoryMarket, market.URL, "coingecko_markets"))

	router := s.Router()
	status := func() int {
		req := httptest.NewRequest(http.MethodGet, "/market/listings", nil)
		req.RemoteAddr = "198.51.100.9:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, status())
	assert.Equal(t, http.StatusOK, status())
	assert.Equal(t, http.StatusTooManyRequests, status(), "burst exhausted")
}

func TestPredictUnavailableWithoutEngine(t *testing.T) {
	market := upstream(t, http.StatusOK, listingsBody)
	s := newTestServer(t, Options{}, spec("coingecko", model.CategoryMarket, market.URL, "coingecko_markets"))

	rec, env := doGet(t, s, "/predict?symbol=BTC")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "prediction_unavailable", env.Error.Code)
}

func TestCORSPreflight(t *testing.T) {
	market := upstream(t, http.StatusOK, listingsBody)
	s := newTestServer(t, Options{}, spec("coingecko", model.CategoryMarket, market.URL, "coingecko_markets"))

	req := httptest.NewRequest(http.MethodOptions, "/market/listings", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
