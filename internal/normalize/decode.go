package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/quantpulse/cryptogate/internal/model"
)

// DecodeCanonical unmarshals a serialized canonical payload back into its
// typed form for the given operation. Used by the shared cache level,
// which stores payloads as JSON.
func DecodeCanonical(op Op, raw []byte) (interface{}, error) {
	switch op {
	case OpListings:
		var v []model.Price
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case OpQuotes:
		var v map[string]model.Price
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case OpHistorical:
		var v []model.Candle
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case OpFearGreed:
		var v model.Sentiment
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case OpArticles:
		var v []model.NewsArticle
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case OpWhaleTxs:
		var v []model.WhaleTx
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case OpGasOracle:
		var v model.GasOracle
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}
