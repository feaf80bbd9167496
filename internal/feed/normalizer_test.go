package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForExchange_ClosedSet(t *testing.T) {
	for _, exchange := range []string{ExchangeBinance, ExchangeCoinbase} {
		n, err := ForExchange(exchange)
		require.NoError(t, err)
		assert.Equal(t, exchange, n.Exchange())
	}

	_, err := ForExchange("kraken")
	assert.Error(t, err, "unknown venues are rejected, not reflected")
}

func TestBinanceNormalize(t *testing.T) {
	n, err := ForExchange(ExchangeBinance)
	require.NoError(t, err)

	payload := []byte(`{"e":"aggTrade","E":1700000000100,"s":"BTCUSDT","p":"42000.50","q":"0.5","T":1700000000000}`)
	tick, err := n.Normalize(payload)
	require.NoError(t, err)

	assert.Equal(t, ExchangeBinance, tick.Exchange)
	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.Equal(t, 42000.50, tick.Price)
	assert.Equal(t, int64(1700000000000), tick.TsUnixMillis, "venue trade time is preserved")
}

func TestBinanceNormalize_Malformed(t *testing.T) {
	n, err := ForExchange(ExchangeBinance)
	require.NoError(t, err)

	cases := map[string][]byte{
		"not json":       []byte(`{not-json`),
		"missing symbol": []byte(`{"e":"aggTrade","p":"100","T":1700000000000}`),
		"bad price":      []byte(`{"e":"aggTrade","s":"BTCUSDT","p":"oops","T":1700000000000}`),
		"zero price":     []byte(`{"e":"aggTrade","s":"BTCUSDT","p":"0","T":1700000000000}`),
		"missing time":   []byte(`{"e":"aggTrade","s":"BTCUSDT","p":"100"}`),
	}
	for name, payload := range cases {
		_, err := n.Normalize(payload)
		assert.Error(t, err, name)
	}
}

func TestCoinbaseNormalize(t *testing.T) {
	n, err := ForExchange(ExchangeCoinbase)
	require.NoError(t, err)

	payload := []byte(`{"type":"ticker","product_id":"BTC-USD","price":"42000.5","best_bid":"42000.1","best_ask":"42000.9","volume_24h":"1234.5","time":"2026-08-23T12:00:00.000000Z"}`)
	tick, err := n.Normalize(payload)
	require.NoError(t, err)

	assert.Equal(t, ExchangeCoinbase, tick.Exchange)
	assert.Equal(t, "BTC-USD", tick.Symbol)
	assert.Equal(t, 42000.5, tick.Price)
	assert.Equal(t, 42000.1, tick.BestBid)
	assert.Equal(t, 42000.9, tick.BestAsk)
	assert.Equal(t, 1234.5, tick.Volume24h)
}

func TestCoinbaseNormalize_ControlFramesAreNotTicks(t *testing.T) {
	n, err := ForExchange(ExchangeCoinbase)
	require.NoError(t, err)

	for _, payload := range [][]byte{
		[]byte(`{"type":"subscriptions","channels":[]}`),
		[]byte(`{"type":"heartbeat","sequence":1}`),
	} {
		_, err := n.Normalize(payload)
		assert.ErrorIs(t, err, ErrNotTick)
	}
}

func TestCoinbaseNormalize_Malformed(t *testing.T) {
	n, err := ForExchange(ExchangeCoinbase)
	require.NoError(t, err)

	cases := map[string][]byte{
		"unknown type":  []byte(`{"type":"l2update"}`),
		"bad price":     []byte(`{"type":"ticker","product_id":"BTC-USD","price":"x","time":"2026-08-23T12:00:00Z"}`),
		"bad time":      []byte(`{"type":"ticker","product_id":"BTC-USD","price":"1","time":"noon"}`),
		"missing pair":  []byte(`{"type":"ticker","price":"1","time":"2026-08-23T12:00:00Z"}`),
	}
	for name, payload := range cases {
		_, err := n.Normalize(payload)
		assert.Error(t, err, name)
	}
}

func TestCoinbaseSubscribeFrame(t *testing.T) {
	n, err := ForExchange(ExchangeCoinbase)
	require.NoError(t, err)

	frame, ok := n.SubscribeFrame("BTC-USD")
	require.True(t, ok)
	assert.Contains(t, string(frame), `"BTC-USD"`)
	assert.Contains(t, string(frame), `"ticker"`)

	bn, err := ForExchange(ExchangeBinance)
	require.NoError(t, err)
	_, ok = bn.SubscribeFrame("BTCUSDT")
	assert.False(t, ok, "binance subscription is encoded in the stream URL")
}
