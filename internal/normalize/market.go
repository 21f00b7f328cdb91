package normalize

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quantpulse/cryptogate/internal/model"
)

func init() {
	register("coingecko_markets", &coinGeckoMarkets{})
	register("coinpaprika_tickers", &coinPaprikaTickers{})
	register("cmc_quotes", &cmcQuotes{})
}

// coinGeckoMarkets adapts the CoinGecko /coins/markets and
// /coins/{id}/ohlc endpoints.
type coinGeckoMarkets struct{}

type coinGeckoRow struct {
	ID             string  `json:"id"`
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	CurrentPrice   number  `json:"current_price"`
	PriceChangePct number  `json:"price_change_percentage_24h"`
	TotalVolume    number  `json:"total_volume"`
	MarketCap      number  `json:"market_cap"`
}

func (c *coinGeckoMarkets) Path(req Request) (string, url.Values, error) {
	switch req.Op {
	case OpListings, OpQuotes:
		q := url.Values{}
		q.Set("vs_currency", "usd")
		q.Set("order", "market_cap_desc")
		if v := req.Params["limit"]; v != "" {
			q.Set("per_page", v)
		}
		if v := req.Params["symbols"]; v != "" {
			q.Set("symbols", strings.ToLower(v))
		}
		return "/coins/markets", q, nil
	case OpHistorical:
		q := url.Values{}
		q.Set("vs_currency", "usd")
		q.Set("days", req.Params["days"])
		id := req.Params["symbol"]
		return fmt.Sprintf("/coins/%s/ohlc", strings.ToLower(id)), q, nil
	default:
		return "", nil, errUnsupported("coingecko_markets", req.Op)
	}
}

func (c *coinGeckoMarkets) Parse(req Request, body []byte) (interface{}, error) {
	switch req.Op {
	case OpListings, OpQuotes:
		var rows []coinGeckoRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("coingecko markets: %w", err)
		}
		prices := make([]model.Price, 0, len(rows))
		for _, r := range rows {
			p := model.Price{
				Symbol:       strings.ToUpper(r.Symbol),
				Name:         r.Name,
				PriceUSD:     float64(r.CurrentPrice),
				Change24hPct: float64(r.PriceChangePct),
				Volume24hUSD: float64(r.TotalVolume),
				MarketCapUSD: float64(r.MarketCap),
				FetchedAt:    time.Now().UTC(),
			}
			if err := p.Validate(); err != nil {
				return nil, fmt.Errorf("coingecko markets: %w", err)
			}
			prices = append(prices, p)
		}
		if req.Op == OpQuotes {
			return pricesByRequestedSymbol(prices, req.Params["symbols"]), nil
		}
		return prices, nil
	case OpHistorical:
		// OHLC arrives as [[ms, o, h, l, c], ...] without volume.
		var rows [][]float64
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("coingecko ohlc: %w", err)
		}
		candles := make([]model.Candle, 0, len(rows))
		for _, r := range rows {
			if len(r) < 5 {
				return nil, fmt.Errorf("coingecko ohlc: short row")
			}
			c := model.Candle{
				T: time.UnixMilli(int64(r[0])).UTC(),
				O: r[1], H: r[2], L: r[3], C: r[4],
			}
			if err := c.Validate(); err != nil {
				return nil, fmt.Errorf("coingecko ohlc: %w", err)
			}
			candles = append(candles, c)
		}
		return candles, nil
	default:
		return nil, errUnsupported("coingecko_markets", req.Op)
	}
}

// coinPaprikaTickers adapts the CoinPaprika /tickers endpoint.
type coinPaprikaTickers struct{}

type coinPaprikaRow struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Quotes struct {
		USD struct {
			Price           number `json:"price"`
			Volume24h       number `json:"volume_24h"`
			MarketCap       number `json:"market_cap"`
			PercentChange24 number `json:"percent_change_24h"`
		} `json:"USD"`
	} `json:"quotes"`
}

func (c *coinPaprikaTickers) Path(req Request) (string, url.Values, error) {
	switch req.Op {
	case OpListings, OpQuotes:
		q := url.Values{}
		q.Set("quotes", "USD")
		if v := req.Params["limit"]; v != "" {
			q.Set("limit", v)
		}
		return "/tickers", q, nil
	case OpHistorical:
		q := url.Values{}
		days, _ := strconv.Atoi(req.Params["days"])
		if days <= 0 {
			days = 1
		}
		q.Set("start", time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339))
		q.Set("interval", "1d")
		return fmt.Sprintf("/coins/%s/ohlcv/historical", strings.ToLower(req.Params["symbol"])), q, nil
	default:
		return "", nil, errUnsupported("coinpaprika_tickers", req.Op)
	}
}

func (c *coinPaprikaTickers) Parse(req Request, body []byte) (interface{}, error) {
	switch req.Op {
	case OpListings, OpQuotes:
		var rows []coinPaprikaRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("coinpaprika tickers: %w", err)
		}
		prices := make([]model.Price, 0, len(rows))
		for _, r := range rows {
			p := model.Price{
				Symbol:       strings.ToUpper(r.Symbol),
				Name:         r.Name,
				PriceUSD:     float64(r.Quotes.USD.Price),
				Change24hPct: float64(r.Quotes.USD.PercentChange24),
				Volume24hUSD: float64(r.Quotes.USD.Volume24h),
				MarketCapUSD: float64(r.Quotes.USD.MarketCap),
				FetchedAt:    time.Now().UTC(),
			}
			if err := p.Validate(); err != nil {
				return nil, fmt.Errorf("coinpaprika tickers: %w", err)
			}
			prices = append(prices, p)
		}
		if req.Op == OpQuotes {
			return pricesByRequestedSymbol(prices, req.Params["symbols"]), nil
		}
		return prices, nil
	case OpHistorical:
		var rows []struct {
			TimeOpen string `json:"time_open"`
			Open     number `json:"open"`
			High     number `json:"high"`
			Low      number `json:"low"`
			Close    number `json:"close"`
			Volume   number `json:"volume"`
		}
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("coinpaprika ohlcv: %w", err)
		}
		candles := make([]model.Candle, 0, len(rows))
		for _, r := range rows {
			t, err := time.Parse(time.RFC3339, r.TimeOpen)
			if err != nil {
				return nil, fmt.Errorf("coinpaprika ohlcv: %w", err)
			}
			cd := model.Candle{
				T: t.UTC(),
				O: float64(r.Open), H: float64(r.High),
				L: float64(r.Low), C: float64(r.Close), V: float64(r.Volume),
			}
			if err := cd.Validate(); err != nil {
				return nil, fmt.Errorf("coinpaprika ohlcv: %w", err)
			}
			candles = append(candles, cd)
		}
		return candles, nil
	default:
		return nil, errUnsupported("coinpaprika_tickers", req.Op)
	}
}

// cmcQuotes adapts the CoinMarketCap v1 listings and quotes endpoints
// (header auth).
type cmcQuotes struct{}

type cmcRow struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Quote  struct {
		USD struct {
			Price            number `json:"price"`
			Volume24h        number `json:"volume_24h"`
			PercentChange24h number `json:"percent_change_24h"`
			MarketCap        number `json:"market_cap"`
		} `json:"USD"`
	} `json:"quote"`
}

func (c *cmcQuotes) Path(req Request) (string, url.Values, error) {
	switch req.Op {
	case OpListings:
		q := url.Values{}
		q.Set("convert", "USD")
		if v := req.Params["limit"]; v != "" {
			q.Set("limit", v)
		}
		return "/v1/cryptocurrency/listings/latest", q, nil
	case OpQuotes:
		q := url.Values{}
		q.Set("convert", "USD")
		q.Set("symbol", strings.ToUpper(req.Params["symbols"]))
		return "/v2/cryptocurrency/quotes/latest", q, nil
	default:
		return "", nil, errUnsupported("cmc_quotes", req.Op)
	}
}

func (c *cmcQuotes) Parse(req Request, body []byte) (interface{}, error) {
	toPrice := func(r cmcRow) (model.Price, error) {
		p := model.Price{
			Symbol:       strings.ToUpper(r.Symbol),
			Name:         r.Name,
			PriceUSD:     float64(r.Quote.USD.Price),
			Change24hPct: float64(r.Quote.USD.PercentChange24h),
			Volume24hUSD: float64(r.Quote.USD.Volume24h),
			MarketCapUSD: float64(r.Quote.USD.MarketCap),
			FetchedAt:    time.Now().UTC(),
		}
		return p, p.Validate()
	}

	switch req.Op {
	case OpListings:
		var envelope struct {
			Data []cmcRow `json:"data"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("cmc listings: %w", err)
		}
		prices := make([]model.Price, 0, len(envelope.Data))
		for _, r := range envelope.Data {
			p, err := toPrice(r)
			if err != nil {
				return nil, fmt.Errorf("cmc listings: %w", err)
			}
			prices = append(prices, p)
		}
		return prices, nil
	case OpQuotes:
		var envelope struct {
			Data map[string][]cmcRow `json:"data"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("cmc quotes: %w", err)
		}
		out := make(map[string]model.Price)
		for sym, rows := range envelope.Data {
			if len(rows) == 0 {
				continue
			}
			p, err := toPrice(rows[0])
			if err != nil {
				return nil, fmt.Errorf("cmc quotes: %w", err)
			}
			out[strings.ToUpper(sym)] = p
		}
		return out, nil
	default:
		return nil, errUnsupported("cmc_quotes", req.Op)
	}
}

// pricesByRequestedSymbol filters a listings-shaped response down to the
// requested symbols. Missing symbols yield absent keys, not errors.
func pricesByRequestedSymbol(prices []model.Price, symbolsCSV string) map[string]model.Price {
	out := make(map[string]model.Price)
	if symbolsCSV == "" {
		for _, p := range prices {
			out[p.Symbol] = p
		}
		return out
	}
	want := make(map[string]bool)
	for _, s := range strings.Split(symbolsCSV, ",") {
		want[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	for _, p := range prices {
		if want[p.Symbol] {
			if _, dup := out[p.Symbol]; !dup {
				out[p.Symbol] = p
			}
		}
	}
	return out
}
