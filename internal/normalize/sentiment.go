package normalize

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/quantpulse/cryptogate/internal/model"
)

func init() {
	register("alternativeme_fng", &alternativeMeFNG{})
	register("cmc_fng", &cmcFNG{})
}

// alternativeMeFNG adapts the alternative.me /fng/ fear & greed index.
type alternativeMeFNG struct{}

func (a *alternativeMeFNG) Path(req Request) (string, url.Values, error) {
	if req.Op != OpFearGreed {
		return "", nil, errUnsupported("alternativeme_fng", req.Op)
	}
	q := url.Values{}
	q.Set("limit", "1")
	return "/fng/", q, nil
}

func (a *alternativeMeFNG) Parse(req Request, body []byte) (interface{}, error) {
	if req.Op != OpFearGreed {
		return nil, errUnsupported("alternativeme_fng", req.Op)
	}
	var envelope struct {
		Data []struct {
			Value          string `json:"value"`
			Classification string `json:"value_classification"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("alternative.me fng: %w", err)
	}
	if len(envelope.Data) == 0 {
		return nil, fmt.Errorf("alternative.me fng: empty data")
	}
	var value number
	if err := value.UnmarshalJSON([]byte(`"` + envelope.Data[0].Value + `"`)); err != nil {
		return nil, fmt.Errorf("alternative.me fng: %w", err)
	}
	s := model.Sentiment{
		FearGreedValue: int(value),
		FearGreedLabel: model.FearGreedLabel(int(value)),
		FetchedAt:      time.Now().UTC(),
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("alternative.me fng: %w", err)
	}
	return s, nil
}

// cmcFNG adapts the CoinMarketCap /v3/fear-and-greed/latest endpoint.
type cmcFNG struct{}

func (c *cmcFNG) Path(req Request) (string, url.Values, error) {
	if req.Op != OpFearGreed {
		return "", nil, errUnsupported("cmc_fng", req.Op)
	}
	return "/v3/fear-and-greed/latest", url.Values{}, nil
}

func (c *cmcFNG) Parse(req Request, body []byte) (interface{}, error) {
	if req.Op != OpFearGreed {
		return nil, errUnsupported("cmc_fng", req.Op)
	}
	var envelope struct {
		Data struct {
			Value number `json:"value"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("cmc fng: %w", err)
	}
	s := model.Sentiment{
		FearGreedValue: int(envelope.Data.Value),
		FearGreedLabel: model.FearGreedLabel(int(envelope.Data.Value)),
		FetchedAt:      time.Now().UTC(),
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("cmc fng: %w", err)
	}
	return s, nil
}
