package feed

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// Key identifies one upstream subscription. The multiplexer guarantees at
// most one live connection per key.
type Key struct {
	Exchange string
	Symbol   string
}

func (k Key) String() string {
	return k.Exchange + ":" + k.Symbol
}

// Conn is one live upstream connection. ReadRaw blocks until the next raw
// venue message arrives or the connection fails.
type Conn interface {
	ReadRaw() ([]byte, error)
	Close() error
}

// Dialer opens upstream connections. The websocket implementation is the
// production path; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, key Key) (Conn, error)
}

// WSDialer dials venue websocket endpoints, sending the venue's subscribe
// frame after connecting when the venue requires one.
type WSDialer struct{}

// NewWSDialer creates a websocket dialer.
func NewWSDialer() *WSDialer {
	return &WSDialer{}
}

// Dial opens a websocket connection for the key's venue stream.
func (d *WSDialer) Dial(ctx context.Context, key Key) (Conn, error) {
	n, err := ForExchange(key.Exchange)
	if err != nil {
		return nil, err
	}

	url := n.StreamURL(key.Symbol)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	if frame, ok := n.SubscribeFrame(key.Symbol); ok {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to send subscribe frame to %s: %w", key.Exchange, err)
		}
	}

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadRaw() ([]byte, error) {
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
