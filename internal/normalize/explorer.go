package normalize

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/quantpulse/cryptogate/internal/model"
)

func init() {
	register("etherscan_gas", &etherscanGas{})
	register("blockscout_gas", &blockscoutGas{})
}

// etherscanGas adapts the Etherscan gas oracle (query auth).
type etherscanGas struct{}

func (e *etherscanGas) Path(req Request) (string, url.Values, error) {
	if req.Op != OpGasOracle {
		return "", nil, errUnsupported("etherscan_gas", req.Op)
	}
	q := url.Values{}
	q.Set("module", "gastracker")
	q.Set("action", "gasoracle")
	return "/api", q, nil
}

func (e *etherscanGas) Parse(req Request, body []byte) (interface{}, error) {
	if req.Op != OpGasOracle {
		return nil, errUnsupported("etherscan_gas", req.Op)
	}
	var envelope struct {
		Status string `json:"status"`
		Result struct {
			SafeGasPrice    number `json:"SafeGasPrice"`
			ProposeGasPrice number `json:"ProposeGasPrice"`
			FastGasPrice    number `json:"FastGasPrice"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("etherscan gas: %w", err)
	}
	if envelope.Status != "1" {
		return nil, fmt.Errorf("etherscan gas: status %q", envelope.Status)
	}
	g := model.GasOracle{
		SafeGwei:    float64(envelope.Result.SafeGasPrice),
		ProposeGwei: float64(envelope.Result.ProposeGasPrice),
		FastGwei:    float64(envelope.Result.FastGasPrice),
		FetchedAt:   time.Now().UTC(),
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("etherscan gas: %w", err)
	}
	return g, nil
}

// blockscoutGas adapts the Blockscout /api/v1/gas-price-oracle endpoint.
type blockscoutGas struct{}

func (b *blockscoutGas) Path(req Request) (string, url.Values, error) {
	if req.Op != OpGasOracle {
		return "", nil, errUnsupported("blockscout_gas", req.Op)
	}
	return "/api/v1/gas-price-oracle", url.Values{}, nil
}

func (b *blockscoutGas) Parse(req Request, body []byte) (interface{}, error) {
	if req.Op != OpGasOracle {
		return nil, errUnsupported("blockscout_gas", req.Op)
	}
	var result struct {
		Slow    number `json:"slow"`
		Average number `json:"average"`
		Fast    number `json:"fast"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("blockscout gas: %w", err)
	}
	g := model.GasOracle{
		SafeGwei:    float64(result.Slow),
		ProposeGwei: float64(result.Average),
		FastGwei:    float64(result.Fast),
		FetchedAt:   time.Now().UTC(),
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("blockscout gas: %w", err)
	}
	return g, nil
}
