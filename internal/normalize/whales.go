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
	register("whalealert_transactions", &whaleAlertTxs{})
	register("clankapp_events", &clankAppEvents{})
}

var chainAliases = map[string]model.Chain{
	"ethereum":     model.ChainEthereum,
	"eth":          model.ChainEthereum,
	"binancechain": model.ChainBSC,
	"bsc":          model.ChainBSC,
	"tron":         model.ChainTron,
	"trx":          model.ChainTron,
	"bitcoin":      model.ChainBitcoin,
	"btc":          model.ChainBitcoin,
	"polygon":      model.ChainPolygon,
	"matic":        model.ChainPolygon,
}

// whaleAlertTxs adapts the Whale Alert /v1/transactions feed.
type whaleAlertTxs struct{}

func (w *whaleAlertTxs) Path(req Request) (string, url.Values, error) {
	if req.Op != OpWhaleTxs {
		return "", nil, errUnsupported("whalealert_transactions", req.Op)
	}
	q := url.Values{}
	q.Set("start", strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))
	if v := req.Params["min_value_usd"]; v != "" {
		q.Set("min_value", v)
	}
	if v := req.Params["limit"]; v != "" {
		q.Set("limit", v)
	}
	return "/v1/transactions", q, nil
}

func (w *whaleAlertTxs) Parse(req Request, body []byte) (interface{}, error) {
	if req.Op != OpWhaleTxs {
		return nil, errUnsupported("whalealert_transactions", req.Op)
	}
	var envelope struct {
		Result       string `json:"result"`
		Transactions []struct {
			Hash       string `json:"hash"`
			Symbol     string `json:"symbol"`
			Blockchain string `json:"blockchain"`
			From       struct {
				Address string `json:"address"`
			} `json:"from"`
			To struct {
				Address string `json:"address"`
			} `json:"to"`
			Amount    number `json:"amount"`
			AmountUSD number `json:"amount_usd"`
			Timestamp int64  `json:"timestamp"`
		} `json:"transactions"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("whalealert: %w", err)
	}
	if envelope.Result != "success" {
		return nil, fmt.Errorf("whalealert: result %q", envelope.Result)
	}
	txs := make([]model.WhaleTx, 0, len(envelope.Transactions))
	for _, d := range envelope.Transactions {
		chain, ok := chainAliases[d.Blockchain]
		if !ok {
			continue // chains outside the canonical set are dropped
		}
		tx := model.WhaleTx{
			TxHash:       d.Hash,
			Symbol:       strings.ToUpper(d.Symbol),
			Chain:        chain,
			From:         d.From.Address,
			To:           d.To.Address,
			AmountNative: float64(d.Amount),
			AmountUSD:    float64(d.AmountUSD),
			Timestamp:    time.Unix(d.Timestamp, 0).UTC(),
		}
		if err := tx.Validate(); err != nil {
			return nil, fmt.Errorf("whalealert: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// clankAppEvents adapts the ClankApp whale event feed.
type clankAppEvents struct{}

func (c *clankAppEvents) Path(req Request) (string, url.Values, error) {
	if req.Op != OpWhaleTxs {
		return "", nil, errUnsupported("clankapp_events", req.Op)
	}
	q := url.Values{}
	if v := req.Params["limit"]; v != "" {
		q.Set("size", v)
	}
	return "/api/v2/explorer/last_whale_txs", q, nil
}

func (c *clankAppEvents) Parse(req Request, body []byte) (interface{}, error) {
	if req.Op != OpWhaleTxs {
		return nil, errUnsupported("clankapp_events", req.Op)
	}
	var envelope struct {
		Data []struct {
			TxHash    string `json:"tx_hash"`
			Symbol    string `json:"symbol"`
			Network   string `json:"network"`
			FromAddr  string `json:"from_address"`
			ToAddr    string `json:"to_address"`
			Amount    number `json:"amount"`
			AmountUSD number `json:"amount_usd"`
			Date      int64  `json:"date"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("clankapp: %w", err)
	}
	minUSD := 0.0
	if v := req.Params["min_value_usd"]; v != "" {
		minUSD, _ = strconv.ParseFloat(v, 64)
	}
	txs := make([]model.WhaleTx, 0, len(envelope.Data))
	for _, d := range envelope.Data {
		chain, ok := chainAliases[d.Network]
		if !ok {
			continue
		}
		if float64(d.AmountUSD) < minUSD {
			continue
		}
		tx := model.WhaleTx{
			TxHash:       d.TxHash,
			Symbol:       strings.ToUpper(d.Symbol),
			Chain:        chain,
			From:         d.FromAddr,
			To:           d.ToAddr,
			AmountNative: float64(d.Amount),
			AmountUSD:    float64(d.AmountUSD),
			Timestamp:    time.Unix(d.Date, 0).UTC(),
		}
		if err := tx.Validate(); err != nil {
			return nil, fmt.Errorf("clankapp: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}
