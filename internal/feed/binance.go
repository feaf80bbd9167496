package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tickmux/exit-engine/internal/msg"
)

// ExchangeBinance is the venue tag for Binance spot aggTrade streams.
const ExchangeBinance = "binance"

type binanceAggTrade struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

type binanceNormalizer struct{}

func (binanceNormalizer) Exchange() string {
	return ExchangeBinance
}

func (binanceNormalizer) StreamURL(symbol string) string {
	return fmt.Sprintf("wss://stream.binance.com:9443/ws/%s@aggTrade", strings.ToLower(symbol))
}

func (binanceNormalizer) SubscribeFrame(symbol string) ([]byte, bool) {
	// Stream subscription is encoded in the URL
	return nil, false
}

func (binanceNormalizer) Normalize(payload []byte) (msg.TickMsg, error) {
	var trade binanceAggTrade
	if err := json.Unmarshal(payload, &trade); err != nil {
		return msg.TickMsg{}, fmt.Errorf("binance: invalid payload: %w", err)
	}

	if trade.EventType != "aggTrade" {
		return msg.TickMsg{}, ErrNotTick
	}
	if trade.Symbol == "" {
		return msg.TickMsg{}, fmt.Errorf("binance: missing symbol")
	}

	price, err := strconv.ParseFloat(trade.Price, 64)
	if err != nil {
		return msg.TickMsg{}, fmt.Errorf("binance: invalid price %q: %w", trade.Price, err)
	}
	if price <= 0 {
		return msg.TickMsg{}, fmt.Errorf("binance: non-positive price %v", price)
	}

	ts := trade.TradeTime
	if ts == 0 {
		ts = trade.EventTime
	}
	if ts <= 0 {
		return msg.TickMsg{}, fmt.Errorf("binance: missing trade time")
	}

	return msg.TickMsg{
		Exchange:     ExchangeBinance,
		Symbol:       trade.Symbol,
		Price:        price,
		TsUnixMillis: ts,
	}, nil
}
