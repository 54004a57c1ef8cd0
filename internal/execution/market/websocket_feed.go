package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wireTick is the message shape read off the wire: a symbol and its
// latest traded price.
type wireTick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// WebSocketFeed is a Feed that dials a single upstream WebSocket endpoint
// and issues text subscribe/unsubscribe control frames per symbol,
// dispatching every incoming tick to the channel returned by Connect.
type WebSocketFeed struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketFeed constructs a WebSocketFeed dialing url on Connect.
func NewWebSocketFeed(url string, logger *zap.Logger) *WebSocketFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketFeed{url: url, logger: logger}
}

// Connect dials the upstream endpoint and returns a channel of ticks read
// off it until the connection drops or ctx is cancelled.
func (f *WebSocketFeed) Connect(ctx context.Context) (<-chan Tick, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("market: dial %s: %w", f.url, err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	ticks := make(chan Tick, 256)
	go f.readLoop(ctx, conn, ticks)
	return ticks, nil
}

func (f *WebSocketFeed) readLoop(ctx context.Context, conn *websocket.Conn, ticks chan<- Tick) {
	defer close(ticks)
	defer conn.Close()

	for {
		if ctx.Err() != nil {
			return
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			f.logger.Warn("market: websocket read error", zap.Error(err))
			return
		}

		var wt wireTick
		if err := json.Unmarshal(payload, &wt); err != nil {
			f.logger.Error("market: malformed tick payload", zap.Error(err))
			continue
		}

		select {
		case ticks <- Tick{Symbol: wt.Symbol, Price: wt.Price, At: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

// Subscribe sends a subscribe control frame for symbol.
func (f *WebSocketFeed) Subscribe(ctx context.Context, symbol string) error {
	return f.writeControl("subscribe", symbol)
}

// Unsubscribe sends an unsubscribe control frame for symbol.
func (f *WebSocketFeed) Unsubscribe(ctx context.Context, symbol string) error {
	return f.writeControl("unsubscribe", symbol)
}

func (f *WebSocketFeed) writeControl(action, symbol string) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("market: not connected")
	}
	frame := fmt.Sprintf(`{"action":%q,"symbol":%q}`, action, strings.ToUpper(symbol))
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}
