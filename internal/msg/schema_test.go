package msg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTick(t *testing.T) {
	tick := TickMsg{Exchange: "binance", Symbol: "BTCUSDT", Price: 42000.5, TsUnixMillis: 1700000000000}
	raw, err := json.Marshal(tick)
	require.NoError(t, err)

	got, err := DecodeTick(raw)
	require.NoError(t, err)
	assert.Equal(t, tick, got)
}

func TestDecodeTick_Invalid(t *testing.T) {
	cases := map[string][]byte{
		"not json":   []byte(`{nope`),
		"no symbol":  []byte(`{"exchange":"binance","price":1,"ts_unix_millis":1}`),
		"zero price": []byte(`{"exchange":"binance","symbol":"BTCUSDT","price":0,"ts_unix_millis":1}`),
	}
	for name, raw := range cases {
		_, err := DecodeTick(raw)
		assert.Error(t, err, name)
	}
}

func TestDecodeOrderEvent(t *testing.T) {
	ev := OrderEventMsg{
		EventID: "evt-1",
		Kind:    OrderCreated,
		OrderID: "ord-1",
		UserID:  "u1",
		Symbol:  "BTCUSDT",
		Side:    "LONG",
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	got, err := DecodeOrderEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestDecodeOrderEvent_Invalid(t *testing.T) {
	cases := map[string][]byte{
		"not json":    []byte(`{nope`),
		"no kind":     []byte(`{"order_id":"ord-1"}`),
		"no order id": []byte(`{"kind":"order.created"}`),
	}
	for name, raw := range cases {
		_, err := DecodeOrderEvent(raw)
		assert.Error(t, err, name)
	}
}
