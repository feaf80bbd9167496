package feed

import (
	"fmt"

	"github.com/tickmux/exit-engine/internal/msg"
)

// Normalizer maps one venue's raw stream messages into the canonical tick
// shape. The set of venues is closed: adding one is a new implementation
// registered in ForExchange, not runtime reflection.
type Normalizer interface {
	Exchange() string

	// StreamURL returns the websocket endpoint for one symbol.
	StreamURL(symbol string) string

	// SubscribeFrame returns the frame to send after connecting, if the
	// venue requires an explicit subscription message.
	SubscribeFrame(symbol string) ([]byte, bool)

	// Normalize converts a raw payload into a tick. Non-tick control
	// frames return ErrNotTick; malformed payloads return other errors
	// and are dropped and counted by the multiplexer.
	Normalize(payload []byte) (msg.TickMsg, error)
}

// ErrNotTick marks venue control messages (subscription acks, heartbeats)
// that are not price updates. They are skipped silently, not counted as
// normalization failures.
var ErrNotTick = fmt.Errorf("not a tick message")

// ForExchange returns the normalizer for a venue tag.
func ForExchange(exchange string) (Normalizer, error) {
	switch exchange {
	case ExchangeBinance:
		return binanceNormalizer{}, nil
	case ExchangeCoinbase:
		return coinbaseNormalizer{}, nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", exchange)
	}
}
