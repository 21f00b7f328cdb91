package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// Category identifies a logical data category served by the gateway.
// Each category has its own fallback chain of providers.
type Category string

const (
	CategoryMarket    Category = "market"
	CategorySentiment Category = "sentiment"
	CategoryNews      Category = "news"
	CategoryWhales    Category = "whales"
	CategoryExplorer  Category = "explorer"
)

// Categories lists all known categories in a stable order.
var Categories = []Category{
	CategoryMarket,
	CategorySentiment,
	CategoryNews,
	CategoryWhales,
	CategoryExplorer,
}

// Valid reports whether the category is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryMarket, CategorySentiment, CategoryNews, CategoryWhales, CategoryExplorer:
		return true
	}
	return false
}

// Price is the canonical market quote shape common to all market providers.
type Price struct {
	Symbol       string    `json:"symbol"`
	Name         string    `json:"name,omitempty"`
	PriceUSD     float64   `json:"price_usd"`
	Change24hPct float64   `json:"change_24h_pct"`
	Volume24hUSD float64   `json:"volume_24h_usd"`
	MarketCapUSD float64   `json:"market_cap_usd"`
	Source       string    `json:"source_provider_id"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Validate rejects non-finite or negative-where-forbidden numerics.
// A provider payload that fails validation is a parse error, never a
// sentinel value passed downstream.
func (p *Price) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("price: empty symbol")
	}
	if err := finite("price_usd", p.PriceUSD); err != nil {
		return err
	}
	if err := finite("change_24h_pct", p.Change24hPct); err != nil {
		return err
	}
	if err := finite("volume_24h_usd", p.Volume24hUSD); err != nil {
		return err
	}
	if err := finite("market_cap_usd", p.MarketCapUSD); err != nil {
		return err
	}
	if p.PriceUSD < 0 || p.Volume24hUSD < 0 || p.MarketCapUSD < 0 {
		return fmt.Errorf("price %s: negative value", p.Symbol)
	}
	return nil
}

// Sentiment is the canonical fear/greed + social sentiment shape.
type Sentiment struct {
	FearGreedValue int       `json:"fear_greed_value"`
	FearGreedLabel string    `json:"fear_greed_label"`
	SocialScore    float64   `json:"social_score"`
	Source         string    `json:"source_provider_id"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// FearGreedLabel derives the display label from a 0-100 index value
// using fixed thresholds.
func FearGreedLabel(value int) string {
	switch {
	case value <= 24:
		return "Extreme Fear"
	case value <= 44:
		return "Fear"
	case value <= 55:
		return "Neutral"
	case value <= 74:
		return "Greed"
	default:
		return "Extreme Greed"
	}
}

// Validate checks index range, label consistency and social score bounds.
func (s *Sentiment) Validate() error {
	if s.FearGreedValue < 0 || s.FearGreedValue > 100 {
		return fmt.Errorf("sentiment: fear_greed_value %d out of range", s.FearGreedValue)
	}
	if err := finite("social_score", s.SocialScore); err != nil {
		return err
	}
	if s.SocialScore < -1 || s.SocialScore > 1 {
		return fmt.Errorf("sentiment: social_score %f out of range", s.SocialScore)
	}
	if s.FearGreedLabel == "" {
		s.FearGreedLabel = FearGreedLabel(s.FearGreedValue)
	}
	return nil
}

// ArticleSentiment classifies the tone of a news article.
type ArticleSentiment string

const (
	SentimentPositive ArticleSentiment = "positive"
	SentimentNeutral  ArticleSentiment = "neutral"
	SentimentNegative ArticleSentiment = "negative"
	SentimentUnknown  ArticleSentiment = ""
)

// NewsArticle is the canonical news shape.
type NewsArticle struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	URL         string           `json:"url"`
	SourceName  string           `json:"source_name"`
	PublishedAt time.Time        `json:"published_at"`
	Sentiment   ArticleSentiment `json:"sentiment,omitempty"`
	Source      string           `json:"source_provider_id"`
}

// ArticleID derives a stable article id from its URL.
func ArticleID(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:16])
}

// Validate checks the required article fields and fills the derived id.
func (a *NewsArticle) Validate() error {
	if a.URL == "" {
		return fmt.Errorf("article: empty url")
	}
	if a.Title == "" {
		return fmt.Errorf("article: empty title")
	}
	if a.ID == "" {
		a.ID = ArticleID(a.URL)
	}
	return nil
}

// Chain names the blockchains whale transactions are reported on.
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainBSC      Chain = "bsc"
	ChainTron     Chain = "tron"
	ChainBitcoin  Chain = "bitcoin"
	ChainPolygon  Chain = "polygon"
)

// WhaleTx is the canonical large-transaction shape. Symbol is empty
// when the upstream feed does not name the moved asset.
type WhaleTx struct {
	TxHash       string    `json:"tx_hash"`
	Symbol       string    `json:"symbol,omitempty"`
	Chain        Chain     `json:"chain"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	AmountNative float64   `json:"amount_native"`
	AmountUSD    float64   `json:"amount_usd"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source_provider_id"`
}

// Validate rejects non-finite amounts and missing identity fields.
func (w *WhaleTx) Validate() error {
	if w.TxHash == "" {
		return fmt.Errorf("whale tx: empty hash")
	}
	if err := finite("amount_native", w.AmountNative); err != nil {
		return err
	}
	if err := finite("amount_usd", w.AmountUSD); err != nil {
		return err
	}
	if w.AmountNative < 0 || w.AmountUSD < 0 {
		return fmt.Errorf("whale tx %s: negative amount", w.TxHash)
	}
	return nil
}

// Candle is a single OHLCV bar.
type Candle struct {
	T time.Time `json:"t"`
	O float64   `json:"o"`
	H float64   `json:"h"`
	L float64   `json:"l"`
	C float64   `json:"c"`
	V float64   `json:"v"`
}

// Validate rejects non-finite bar values.
func (c *Candle) Validate() error {
	for name, v := range map[string]float64{"o": c.O, "h": c.H, "l": c.L, "c": c.C, "v": c.V} {
		if err := finite(name, v); err != nil {
			return err
		}
	}
	return nil
}

// GasOracle is the canonical explorer gas-price shape.
type GasOracle struct {
	SafeGwei    float64   `json:"safe_gwei"`
	ProposeGwei float64   `json:"propose_gwei"`
	FastGwei    float64   `json:"fast_gwei"`
	Source      string    `json:"source_provider_id"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Validate rejects non-finite or negative gas prices.
func (g *GasOracle) Validate() error {
	for name, v := range map[string]float64{"safe_gwei": g.SafeGwei, "propose_gwei": g.ProposeGwei, "fast_gwei": g.FastGwei} {
		if err := finite(name, v); err != nil {
			return err
		}
		if v < 0 {
			return fmt.Errorf("%s: negative value", name)
		}
	}
	return nil
}

// Prediction is the thin shape returned by the external prediction engine.
type Prediction struct {
	Symbol     string    `json:"symbol"`
	Direction  string    `json:"direction"`
	Confidence float64   `json:"confidence"`
	Horizon    string    `json:"horizon,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
}

func finite(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s: non-finite value", field)
	}
	return nil
}
