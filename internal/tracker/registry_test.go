package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tickmux/exit-engine/internal/msg"
)

func created(orderID, userID, symbol, side string, sl, tp float64) msg.OrderEventMsg {
	return msg.OrderEventMsg{
		EventID:    "evt-created-" + orderID,
		Kind:       msg.OrderCreated,
		OrderID:    orderID,
		UserID:     userID,
		AccountID:  "acct-" + userID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   2,
		StopLoss:   sl,
		TakeProfit: tp,
	}
}

func filled(orderID string, price float64) msg.OrderEventMsg {
	return msg.OrderEventMsg{
		EventID:   "evt-filled-" + orderID,
		Kind:      msg.OrderFilled,
		OrderID:   orderID,
		FillPrice: price,
	}
}

func terminal(orderID, kind string) msg.OrderEventMsg {
	return msg.OrderEventMsg{
		EventID: "evt-term-" + orderID,
		Kind:    kind,
		OrderID: orderID,
	}
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry(0.05, zap.NewNop())

	r.Apply(created("ord-1", "u1", "BTCUSDT", "LONG", 95, 110))
	require.Equal(t, 1, r.Len())

	snap := r.Snapshot("BTCUSDT")
	require.Len(t, snap, 1)
	assert.Equal(t, StatePendingFill, snap[0].State, "no evaluation before fill")

	r.Apply(filled("ord-1", 100))
	snap = r.Snapshot("BTCUSDT")
	require.Len(t, snap, 1)
	assert.Equal(t, StateActive, snap[0].State)
	assert.Equal(t, 100.0, snap[0].EntryPrice)
	assert.Equal(t, 100.0, snap[0].HighWaterMark, "high water mark starts at fill price")

	r.Apply(terminal("ord-1", msg.PositionClosed))
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Snapshot("BTCUSDT"))
}

func TestRegistry_ReplayDeterminism(t *testing.T) {
	events := []msg.OrderEventMsg{
		created("ord-1", "u1", "BTCUSDT", "LONG", 95, 110),
		created("ord-2", "u2", "ETHUSDT", "SHORT", 2100, 1900),
		filled("ord-1", 100),
		filled("ord-2", 2000),
		created("ord-3", "u1", "BTCUSDT", "LONG", 90, 0),
		terminal("ord-2", msg.OrderCancelled),
		filled("ord-3", 99),
		// Anomalies that must be skipped identically on both runs
		filled("ord-missing", 50),
		created("ord-1", "u1", "BTCUSDT", "LONG", 95, 110),
		terminal("ord-gone", msg.PositionClosed),
	}

	a := NewRegistry(0.05, zap.NewNop())
	b := NewRegistry(0.05, zap.NewNop())
	for _, ev := range events {
		a.Apply(ev)
	}
	for _, ev := range events {
		b.Apply(ev)
	}

	assert.Equal(t, a.Dump(), b.Dump(), "same event sequence must rebuild identical state")
	assert.Equal(t, a.Anomalies(), b.Anomalies())
	assert.Equal(t, 2, a.Len())
}

func TestRegistry_AnomaliesAreSkippedNotFatal(t *testing.T) {
	r := NewRegistry(0.05, zap.NewNop())

	r.Apply(filled("ord-unknown", 100))
	assert.Equal(t, int64(1), r.Anomalies(), "fill for a never-created order is an anomaly")
	assert.Equal(t, 0, r.Len())

	r.Apply(terminal("ord-unknown", msg.OrderCancelled))
	assert.Equal(t, int64(2), r.Anomalies())

	r.Apply(created("ord-1", "u1", "BTCUSDT", "LONG", 95, 110))
	r.Apply(created("ord-1", "u1", "BTCUSDT", "LONG", 95, 110))
	assert.Equal(t, int64(3), r.Anomalies(), "duplicate create is skipped")
	assert.Equal(t, 1, r.Len())

	r.Apply(filled("ord-1", 100))
	r.Apply(filled("ord-1", 100))
	assert.Equal(t, int64(4), r.Anomalies(), "double fill is skipped")
	snap := r.Snapshot("BTCUSDT")
	require.Len(t, snap, 1)
	assert.Equal(t, StateActive, snap[0].State)
}

func TestRegistry_DefaultTrailOffsetAppliedOnFill(t *testing.T) {
	r := NewRegistry(0.05, zap.NewNop())

	ev := created("ord-1", "u1", "BTCUSDT", "LONG", 95, 0)
	ev.Trailing = true
	r.Apply(ev)
	r.Apply(filled("ord-1", 100))

	snap := r.Snapshot("BTCUSDT")
	require.Len(t, snap, 1)
	assert.True(t, snap[0].TrailingEnabled)
	assert.InDelta(t, 5.0, snap[0].TrailOffset, 1e-9, "offset defaults to ratio of entry price")
}

func TestRegistry_TriggerProtocol(t *testing.T) {
	r := NewRegistry(0.05, zap.NewNop())
	r.Apply(created("ord-1", "u1", "BTCUSDT", "LONG", 95, 110))

	assert.False(t, r.ArmTrigger("ord-1"), "pending fill cannot trigger")

	r.Apply(filled("ord-1", 100))
	require.True(t, r.ArmTrigger("ord-1"))
	assert.False(t, r.ArmTrigger("ord-1"), "already triggered")

	// Failed acknowledgement re-arms
	require.True(t, r.AbortTrigger("ord-1"))
	snap := r.Snapshot("BTCUSDT")
	require.Len(t, snap, 1)
	assert.Equal(t, StateActive, snap[0].State)

	// Successful acknowledgement closes and removes
	require.True(t, r.ArmTrigger("ord-1"))
	require.True(t, r.CompleteTrigger("ord-1"))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.AbortTrigger("ord-1"))
}

func TestRegistry_ApplyTrailOnlyTightens(t *testing.T) {
	r := NewRegistry(0.05, zap.NewNop())
	r.Apply(func() msg.OrderEventMsg {
		ev := created("ord-1", "u1", "BTCUSDT", "LONG", 95, 0)
		ev.Trailing = true
		ev.TrailOffset = 5
		return ev
	}())
	r.Apply(filled("ord-1", 100))

	assert.True(t, r.ApplyTrail("ord-1", 110, 105))
	assert.False(t, r.ApplyTrail("ord-1", 108, 103), "stop never loosens")

	snap := r.Snapshot("BTCUSDT")
	require.Len(t, snap, 1)
	assert.Equal(t, 105.0, snap[0].StopLoss)
	assert.Equal(t, 110.0, snap[0].HighWaterMark)
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	r := NewRegistry(0.05, zap.NewNop())
	r.Apply(created("ord-1", "u1", "BTCUSDT", "LONG", 95, 110))
	r.Apply(filled("ord-1", 100))

	snap := r.Snapshot("BTCUSDT")
	require.Len(t, snap, 1)
	snap[0].StopLoss = 1

	fresh := r.Snapshot("BTCUSDT")
	assert.Equal(t, 95.0, fresh[0].StopLoss, "mutating a snapshot must not reach the registry")
}
