package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/cryptogate/internal/model"
)

func TestWhaleAlertTransactions(t *testing.T) {
	p, ok := Lookup("whalealert_transactions")
	require.True(t, ok)

	body := []byte(`{"result":"success","transactions":[
		{"hash":"0xabc","symbol":"eth","blockchain":"ethereum","from":{"address":"0x1"},"to":{"address":"0x2"},"amount":1200,"amount_usd":3900000,"timestamp":1724630400},
		{"hash":"0xdef","symbol":"xrp","blockchain":"ripple","from":{"address":"r1"},"to":{"address":"r2"},"amount":1,"amount_usd":1000000,"timestamp":1724630400}
	]}`)

	v, err := p.Parse(Request{Op: OpWhaleTxs}, body)
	require.NoError(t, err)

	txs := v.([]model.WhaleTx)
	require.Len(t, txs, 1, "chains outside the canonical set are dropped")
	assert.Equal(t, model.ChainEthereum, txs[0].Chain)
	assert.Equal(t, "0xabc", txs[0].TxHash)
	assert.Equal(t, "ETH", txs[0].Symbol)
	assert.Equal(t, 3900000.0, txs[0].AmountUSD)
}

func TestWhaleAlertRejectsFailureResult(t *testing.T) {
	p, _ := Lookup("whalealert_transactions")
	_, err := p.Parse(Request{Op: OpWhaleTxs}, []byte(`{"result":"error","message":"invalid key"}`))
	assert.Error(t, err)
}

func TestClankAppMinValueFilter(t *testing.T) {
	p, ok := Lookup("clankapp_events")
	require.True(t, ok)

	body := []byte(`{"data":[
		{"tx_hash":"0x1","symbol":"eth","network":"eth","from_address":"a","to_address":"b","amount":100,"amount_usd":900000,"date":1724630400},
		{"tx_hash":"0x2","symbol":"eth","network":"eth","from_address":"c","to_address":"d","amount":10,"amount_usd":90000,"date":1724630400}
	]}`)

	req := Request{Op: OpWhaleTxs, Params: map[string]string{"min_value_usd": "500000"}}
	v, err := p.Parse(req, body)
	require.NoError(t, err)

	txs := v.([]model.WhaleTx)
	require.Len(t, txs, 1, "transactions below the floor are filtered client-side")
	assert.Equal(t, "0x1", txs[0].TxHash)
	assert.Equal(t, "ETH", txs[0].Symbol)
}

func TestChainAliasesNormalize(t *testing.T) {
	cases := map[string]model.Chain{
		"eth":          model.ChainEthereum,
		"binancechain": model.ChainBSC,
		"trx":          model.ChainTron,
		"btc":          model.ChainBitcoin,
		"matic":        model.ChainPolygon,
	}
	for alias, want := range cases {
		got, ok := chainAliases[alias]
		require.True(t, ok, alias)
		assert.Equal(t, want, got)
	}
}

func TestEtherscanGasOracle(t *testing.T) {
	p, ok := Lookup("etherscan_gas")
	require.True(t, ok)

	body := []byte(`{"status":"1","result":{"SafeGasPrice":"12","ProposeGasPrice":"14","FastGasPrice":"18"}}`)

	v, err := p.Parse(Request{Op: OpGasOracle}, body)
	require.NoError(t, err)

	g := v.(model.GasOracle)
	assert.Equal(t, 12.0, g.SafeGwei)
	assert.Equal(t, 14.0, g.ProposeGwei)
	assert.Equal(t, 18.0, g.FastGwei)
}

func TestEtherscanGasRejectsErrorStatus(t *testing.T) {
	p, _ := Lookup("etherscan_gas")
	_, err := p.Parse(Request{Op: OpGasOracle}, []byte(`{"status":"0","message":"NOTOK"}`))
	assert.Error(t, err)
}

func TestBlockscoutGasOracle(t *testing.T) {
	p, _ := Lookup("blockscout_gas")

	v, err := p.Parse(Request{Op: OpGasOracle}, []byte(`{"slow":10.5,"average":12.2,"fast":15.9}`))
	require.NoError(t, err)

	g := v.(model.GasOracle)
	assert.Equal(t, 10.5, g.SafeGwei)
	assert.Equal(t, 15.9, g.FastGwei)
}
