package msg

import (
	"encoding/json"
	"fmt"
)

// TickMsg is the normalized price tick carried on market.ticks.
// BestBid/BestAsk/Volume24h are optional and zero when the venue does not
// provide them. Ticks carry no identity beyond (symbol, event time);
// duplicates are tolerated by idempotent downstream evaluation.
type TickMsg struct {
	Exchange     string  `json:"exchange"`
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	BestBid      float64 `json:"best_bid,omitempty"`
	BestAsk      float64 `json:"best_ask,omitempty"`
	Volume24h    float64 `json:"volume_24h,omitempty"`
	TsUnixMillis int64   `json:"ts_unix_millis"`
}

// Order lifecycle event kinds
const (
	OrderCreated   = "order.created"
	OrderFilled    = "order.filled"
	OrderCancelled = "order.cancelled"
	PositionClosed = "position.closed"
)

// OrderEventMsg is one order lifecycle event on order.lifecycle.
// Fill-specific fields are only meaningful for order.filled.
type OrderEventMsg struct {
	EventID      string  `json:"event_id"`
	Kind         string  `json:"kind"`
	OrderID      string  `json:"order_id"`
	UserID       string  `json:"user_id"`
	AccountID    string  `json:"account_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"` // "LONG" or "SHORT"
	Quantity     float64 `json:"qty"`
	FillPrice    float64 `json:"fill_price,omitempty"`
	StopLoss     float64 `json:"stop_loss,omitempty"`
	TakeProfit   float64 `json:"take_profit,omitempty"`
	Trailing     bool    `json:"trailing,omitempty"`
	TrailOffset  float64 `json:"trail_offset,omitempty"`
	TsUnixMillis int64   `json:"ts_unix_millis"`
}

// ExitCmdMsg is the reduce-only exit command published on
// order.exit.commands after the execution collaborator acknowledged it.
type ExitCmdMsg struct {
	EventID       string  `json:"event_id"`
	OrderID       string  `json:"order_id"`
	UserID        string  `json:"user_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // inverse of the position side
	Quantity      float64 `json:"qty"`
	ReduceOnly    bool    `json:"reduce_only"`
	TriggerReason string  `json:"trigger_reason"` // "STOP_LOSS" or "TAKE_PROFIT"
	TriggerPrice  float64 `json:"trigger_price"`
	TsUnixMillis  int64   `json:"ts_unix_millis"`
}

// DecodeTick parses a market.ticks record value.
func DecodeTick(value []byte) (TickMsg, error) {
	var tick TickMsg
	if err := json.Unmarshal(value, &tick); err != nil {
		return TickMsg{}, fmt.Errorf("failed to unmarshal tick: %w", err)
	}
	if tick.Symbol == "" || tick.Price <= 0 {
		return TickMsg{}, fmt.Errorf("invalid tick: symbol=%q price=%v", tick.Symbol, tick.Price)
	}
	return tick, nil
}

// DecodeOrderEvent parses an order.lifecycle record value.
func DecodeOrderEvent(value []byte) (OrderEventMsg, error) {
	var ev OrderEventMsg
	if err := json.Unmarshal(value, &ev); err != nil {
		return OrderEventMsg{}, fmt.Errorf("failed to unmarshal order event: %w", err)
	}
	if ev.Kind == "" || ev.OrderID == "" {
		return OrderEventMsg{}, fmt.Errorf("invalid order event: kind=%q order_id=%q", ev.Kind, ev.OrderID)
	}
	return ev, nil
}
