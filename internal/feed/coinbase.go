package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tickmux/exit-engine/internal/msg"
)

// ExchangeCoinbase is the venue tag for Coinbase Exchange ticker streams.
const ExchangeCoinbase = "coinbase"

type coinbaseTicker struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Volume24h string `json:"volume_24h"`
	Time      string `json:"time"`
}

type coinbaseNormalizer struct{}

func (coinbaseNormalizer) Exchange() string {
	return ExchangeCoinbase
}

func (coinbaseNormalizer) StreamURL(symbol string) string {
	return "wss://ws-feed.exchange.coinbase.com"
}

func (coinbaseNormalizer) SubscribeFrame(symbol string) ([]byte, bool) {
	frame := fmt.Sprintf(`{"type":"subscribe","product_ids":[%q],"channels":["ticker"]}`, symbol)
	return []byte(frame), true
}

func (coinbaseNormalizer) Normalize(payload []byte) (msg.TickMsg, error) {
	var ticker coinbaseTicker
	if err := json.Unmarshal(payload, &ticker); err != nil {
		return msg.TickMsg{}, fmt.Errorf("coinbase: invalid payload: %w", err)
	}

	switch ticker.Type {
	case "ticker":
	case "subscriptions", "heartbeat":
		return msg.TickMsg{}, ErrNotTick
	default:
		return msg.TickMsg{}, fmt.Errorf("coinbase: unexpected message type %q", ticker.Type)
	}

	if ticker.ProductID == "" {
		return msg.TickMsg{}, fmt.Errorf("coinbase: missing product_id")
	}

	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return msg.TickMsg{}, fmt.Errorf("coinbase: invalid price %q: %w", ticker.Price, err)
	}
	if price <= 0 {
		return msg.TickMsg{}, fmt.Errorf("coinbase: non-positive price %v", price)
	}

	eventTime, err := time.Parse(time.RFC3339Nano, ticker.Time)
	if err != nil {
		return msg.TickMsg{}, fmt.Errorf("coinbase: invalid time %q: %w", ticker.Time, err)
	}

	tick := msg.TickMsg{
		Exchange:     ExchangeCoinbase,
		Symbol:       ticker.ProductID,
		Price:        price,
		TsUnixMillis: eventTime.UnixMilli(),
	}

	// Optional book/volume fields, best effort
	if bid, err := strconv.ParseFloat(ticker.BestBid, 64); err == nil {
		tick.BestBid = bid
	}
	if ask, err := strconv.ParseFloat(ticker.BestAsk, 64); err == nil {
		tick.BestAsk = ask
	}
	if vol, err := strconv.ParseFloat(ticker.Volume24h, 64); err == nil {
		tick.Volume24h = vol
	}

	return tick, nil
}
