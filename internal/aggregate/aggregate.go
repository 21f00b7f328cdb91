// Package aggregate exposes the gateway's logical operations on top of
// the dispatcher: typed accessors per category plus the fan-out
// overview used by dashboards.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quantpulse/cryptogate/internal/cache"
	"github.com/quantpulse/cryptogate/internal/dispatch"
	"github.com/quantpulse/cryptogate/internal/model"
	"github.com/quantpulse/cryptogate/internal/normalize"
	"github.com/quantpulse/cryptogate/internal/predict"
)

// Meta carries provenance for a served payload.
type Meta struct {
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Service is the facade the HTTP API and the stream hub consume.
type Service struct {
	dispatcher *dispatch.Dispatcher
	predictor  *predict.Client
}

// New builds the service facade. predictor may be nil when no engine is
// configured.
func New(d *dispatch.Dispatcher, p *predict.Client) *Service {
	return &Service{dispatcher: d, predictor: p}
}

func meta(p cache.Payload) Meta {
	return Meta{Source: p.Source, FetchedAt: p.FetchedAt}
}

// FearGreed returns the current fear/greed index.
func (s *Service) FearGreed(ctx context.Context) (model.Sentiment, Meta, error) {
	p, err := s.dispatcher.Do(ctx, model.CategorySentiment, normalize.Request{Op: normalize.OpFearGreed})
	if err != nil {
		return model.Sentiment{}, Meta{}, err
	}
	sent, ok := p.Value.(model.Sentiment)
	if !ok {
		return model.Sentiment{}, Meta{}, fmt.Errorf("unexpected payload type %T for sentiment", p.Value)
	}
	return sent, meta(p), nil
}

// Quotes returns current quotes for the requested symbols. Symbols the
// chain's provider does not know are absent from the map, never zeroed.
func (s *Service) Quotes(ctx context.Context, symbols []string) (map[string]model.Price, Meta, error) {
	cleaned := normalizeSymbols(symbols)
	if len(cleaned) == 0 {
		return nil, Meta{}, fmt.Errorf("quotes: no symbols given")
	}
	req := normalize.Request{
		Op:     normalize.OpQuotes,
		Params: map[string]string{"symbols": strings.Join(cleaned, ",")},
	}
	p, err := s.dispatcher.Do(ctx, model.CategoryMarket, req)
	if err != nil {
		return nil, Meta{}, err
	}
	quotes, ok := p.Value.(map[string]model.Price)
	if !ok {
		return nil, Meta{}, fmt.Errorf("unexpected payload type %T for quotes", p.Value)
	}
	return quotes, meta(p), nil
}

// Listings returns the top markets by capitalization.
func (s *Service) Listings(ctx context.Context, limit int) ([]model.Price, Meta, error) {
	if limit <= 0 {
		limit = 20
	}
	req := normalize.Request{
		Op:     normalize.OpListings,
		Params: map[string]string{"limit": strconv.Itoa(limit)},
	}
	p, err := s.dispatcher.Do(ctx, model.CategoryMarket, req)
	if err != nil {
		return nil, Meta{}, err
	}
	listings, ok := p.Value.([]model.Price)
	if !ok {
		return nil, Meta{}, fmt.Errorf("unexpected payload type %T for listings", p.Value)
	}
	if len(listings) > limit {
		listings = listings[:limit]
	}
	return listings, meta(p), nil
}

// Historical returns daily OHLCV bars for a symbol.
func (s *Service) Historical(ctx context.Context, symbol string, days int) ([]model.Candle, Meta, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, Meta{}, fmt.Errorf("historical: no symbol given")
	}
	if days <= 0 {
		days = 30
	}
	req := normalize.Request{
		Op:     normalize.OpHistorical,
		Params: map[string]string{"symbol": symbol, "days": strconv.Itoa(days)},
	}
	p, err := s.dispatcher.Do(ctx, model.CategoryMarket, req)
	if err != nil {
		return nil, Meta{}, err
	}
	candles, ok := p.Value.([]model.Candle)
	if !ok {
		return nil, Meta{}, fmt.Errorf("unexpected payload type %T for historical", p.Value)
	}
	return candles, meta(p), nil
}

// News returns recent articles, optionally filtered by a search term.
func (s *Service) News(ctx context.Context, query string, limit int) ([]model.NewsArticle, Meta, error) {
	if limit <= 0 {
		limit = 20
	}
	params := map[string]string{"limit": strconv.Itoa(limit)}
	if q := strings.TrimSpace(query); q != "" {
		params["query"] = q
	}
	p, err := s.dispatcher.Do(ctx, model.CategoryNews, normalize.Request{Op: normalize.OpArticles, Params: params})
	if err != nil {
		return nil, Meta{}, err
	}
	articles, ok := p.Value.([]model.NewsArticle)
	if !ok {
		return nil, Meta{}, fmt.Errorf("unexpected payload type %T for news", p.Value)
	}
	if len(articles) > limit {
		articles = articles[:limit]
	}
	return articles, meta(p), nil
}

// Whales returns recent large transactions at or above minUSD.
func (s *Service) Whales(ctx context.Context, minUSD float64, limit int) ([]model.WhaleTx, Meta, error) {
	if minUSD <= 0 {
		minUSD = 500000
	}
	if limit <= 0 {
		limit = 50
	}
	req := normalize.Request{
		Op: normalize.OpWhaleTxs,
		Params: map[string]string{
			"min_value_usd": strconv.FormatFloat(minUSD, 'f', -1, 64),
			"limit":         strconv.Itoa(limit),
		},
	}
	p, err := s.dispatcher.Do(ctx, model.CategoryWhales, req)
	if err != nil {
		return nil, Meta{}, err
	}
	txs, ok := p.Value.([]model.WhaleTx)
	if !ok {
		return nil, Meta{}, fmt.Errorf("unexpected payload type %T for whales", p.Value)
	}
	filtered := txs[:0:0]
	for _, tx := range txs {
		if tx.AmountUSD >= minUSD {
			filtered = append(filtered, tx)
		}
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, meta(p), nil
}

// GasOracle returns current gas price tiers from the explorer chain.
func (s *Service) GasOracle(ctx context.Context) (model.GasOracle, Meta, error) {
	p, err := s.dispatcher.Do(ctx, model.CategoryExplorer, normalize.Request{Op: normalize.OpGasOracle})
	if err != nil {
		return model.GasOracle{}, Meta{}, err
	}
	gas, ok := p.Value.(model.GasOracle)
	if !ok {
		return model.GasOracle{}, Meta{}, fmt.Errorf("unexpected payload type %T for gas oracle", p.Value)
	}
	return gas, meta(p), nil
}

// Prediction proxies the external prediction engine.
func (s *Service) Prediction(ctx context.Context, symbol string) (model.Prediction, error) {
	if s.predictor == nil {
		return model.Prediction{}, predict.ErrUnavailable
	}
	return s.predictor.Get(ctx, strings.ToUpper(strings.TrimSpace(symbol)))
}

// Overview is the combined dashboard payload: the fear/greed index,
// the top coins by capitalization and the latest headlines. Sections
// that failed are filled with neutral defaults and reported in Errors;
// the overview itself fails only when every section does.
type Overview struct {
	FearGreed model.Sentiment     `json:"fear_greed"`
	TopCoins  []model.Price       `json:"top_coins"`
	News      []model.NewsArticle `json:"news"`
	Degraded  bool                `json:"degraded"`
	Errors    map[string]string   `json:"errors,omitempty"`
	Sources   map[string]string   `json:"sources"`
	FetchedAt time.Time           `json:"fetched_at"`
}

const overviewSectionLimit = 10

// Overview fans out to its sections in parallel and assembles a
// best-effort snapshot.
func (s *Service) Overview(ctx context.Context) (Overview, error) {
	ov := Overview{
		FearGreed: model.Sentiment{FearGreedValue: 50, FearGreedLabel: model.FearGreedLabel(50)},
		TopCoins:  []model.Price{},
		News:      []model.NewsArticle{},
		Errors:    map[string]string{},
		Sources:   map[string]string{},
		FetchedAt: time.Now().UTC(),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup

	section := func(name string, fn func(ctx context.Context) (string, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			source, err := fn(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				ov.Errors[name] = err.Error()
				ov.Degraded = true
				return
			}
			ov.Sources[name] = source
		}()
	}

	section("fear_greed", func(ctx context.Context) (string, error) {
		sent, m, err := s.FearGreed(ctx)
		if err != nil {
			return "", err
		}
		mu.Lock()
		ov.FearGreed = sent
		mu.Unlock()
		return m.Source, nil
	})
	section("top_coins", func(ctx context.Context) (string, error) {
		listings, m, err := s.Listings(ctx, overviewSectionLimit)
		if err != nil {
			return "", err
		}
		mu.Lock()
		ov.TopCoins = listings
		mu.Unlock()
		return m.Source, nil
	})
	section("news", func(ctx context.Context) (string, error) {
		articles, m, err := s.News(ctx, "", overviewSectionLimit)
		if err != nil {
			return "", err
		}
		mu.Lock()
		ov.News = articles
		mu.Unlock()
		return m.Source, nil
	})

	wg.Wait()

	if len(ov.Errors) == 3 {
		return Overview{}, fmt.Errorf("overview: all sections failed")
	}
	if len(ov.Errors) == 0 {
		ov.Errors = nil
	}
	return ov, nil
}

func normalizeSymbols(symbols []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
