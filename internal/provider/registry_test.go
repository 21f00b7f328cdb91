package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/cryptogate/internal/config"
	"github.com/quantpulse/cryptogate/internal/model"
)

func testSpec(id string, cat model.Category, priority int) config.ProviderSpec {
	return config.ProviderSpec{
		ID:        id,
		Category:  cat,
		BaseURL:   "https://example.com",
		Priority:  priority,
		RateLimit: config.RateLimitSpec{MaxTokens: 10, RefillPerWindow: 10, WindowMS: 60000},
		ParserID:  "coingecko_markets",
	}
}

func TestRegistryOrdersChainsByPriority(t *testing.T) {
	file := &config.ProvidersFile{Providers: []config.ProviderSpec{
		testSpec("secondary", model.CategoryMarket, 2),
		testSpec("primary", model.CategoryMarket, 1),
		testSpec("tertiary", model.CategoryMarket, 3),
	}}

	reg, err := NewRegistry(file, RuntimeOptions{FailureThreshold: 5, OpenDuration: time.Minute})
	require.NoError(t, err)

	chain := reg.ChainFor(model.CategoryMarket)
	require.Len(t, chain, 3)
	assert.Equal(t, "primary", chain[0].Spec.ID)
	assert.Equal(t, "secondary", chain[1].Spec.ID)
	assert.Equal(t, "tertiary", chain[2].Spec.ID)
}

func TestRegistrySkipsProvidersWithoutKeys(t *testing.T) {
	keyed := testSpec("keyed", model.CategoryMarket, 1)
	keyed.Auth = config.AuthSpec{Mode: "header", Name: "X-Key", KeyEnv: "REGISTRY_TEST_UNSET_KEY"}

	file := &config.ProvidersFile{Providers: []config.ProviderSpec{
		keyed,
		testSpec("open", model.CategoryMarket, 2),
	}}

	reg, err := NewRegistry(file, RuntimeOptions{})
	require.NoError(t, err)

	_, ok := reg.Get("keyed")
	assert.False(t, ok, "provider without a key must not load")

	chain := reg.ChainFor(model.CategoryMarket)
	require.Len(t, chain, 1)
	assert.Equal(t, "open", chain[0].Spec.ID)
}

func TestRegistryResolvesKeyFromEnv(t *testing.T) {
	t.Setenv("REGISTRY_TEST_KEY", "sekrit")

	keyed := testSpec("keyed", model.CategoryMarket, 1)
	keyed.Auth = config.AuthSpec{Mode: "query", Name: "api_key", KeyEnv: "REGISTRY_TEST_KEY"}

	reg, err := NewRegistry(&config.ProvidersFile{Providers: []config.ProviderSpec{keyed}}, RuntimeOptions{})
	require.NoError(t, err)

	p, ok := reg.Get("keyed")
	require.True(t, ok)
	assert.Equal(t, "sekrit", p.Key)
}

func TestRegistryRejectsEmptyCatalog(t *testing.T) {
	keyed := testSpec("keyed", model.CategoryMarket, 1)
	keyed.Auth = config.AuthSpec{Mode: "header", Name: "X-Key", KeyEnv: "REGISTRY_TEST_UNSET_KEY"}

	_, err := NewRegistry(&config.ProvidersFile{Providers: []config.ProviderSpec{keyed}}, RuntimeOptions{})
	assert.Error(t, err)
}
