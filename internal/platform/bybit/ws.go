// Package bybit implements the Bybit v5 linear-perpetual market-data feed
// and order client.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/perparb/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pingPeriod is the interval between protocol-level ping frames. Bybit
	// drops connections idle for more than 30 seconds.
	pingPeriod = 20 * time.Second

	// readIdleTimeout bounds how long the read loop waits for any frame.
	readIdleTimeout = 40 * time.Second

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second
)

// wsEnvelope wraps every public-stream message.
type wsEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TsMs  int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// tickerMsg is the linear tickers payload. Delta frames omit unchanged
// fields, so every field is optional.
type tickerMsg struct {
	Symbol      string `json:"symbol"`
	Bid1Price   string `json:"bid1Price"`
	Bid1Size    string `json:"bid1Size"`
	Ask1Price   string `json:"ask1Price"`
	Ask1Size    string `json:"ask1Size"`
	FundingRate string `json:"fundingRate"`
}

// WSClient streams the v5 public linear tickers topic for a fixed symbol
// roster. The tickers stream sends one snapshot then deltas, so the client
// keeps the last merged state per symbol and emits the merged update.
type WSClient struct {
	wsURL   string
	symbols map[string]uint32 // venue symbol -> interned symbol id
	conn    *websocket.Conn

	mu     sync.RWMutex
	closed bool

	handlerMu sync.RWMutex
	handlers  []func(*domain.MarketUpdate)

	// state holds the last merged update per symbol id. Touched only by the
	// read loop, so no lock is needed.
	state map[uint32]*domain.MarketUpdate

	// done is closed when the client shuts down.
	done chan struct{}
}

// NewWSClient creates a Bybit feed for the given roster. symbols maps the
// venue's symbol strings (e.g. "BTCUSDT") to interned symbol ids.
func NewWSClient(wsURL string, symbols map[string]uint32) *WSClient {
	return &WSClient{
		wsURL:   wsURL,
		symbols: symbols,
		state:   make(map[uint32]*domain.MarketUpdate, len(symbols)),
		done:    make(chan struct{}),
	}
}

// OnUpdate registers a handler called for every merged market update.
func (w *WSClient) OnUpdate(fn func(*domain.MarketUpdate)) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Connect establishes the connection, subscribes to one tickers topic per
// symbol, and starts the read and ping loops.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("bybit/ws: client is closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("bybit/ws: connect: %w", err)
	}

	w.conn = conn
	w.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))

	if err := w.subscribe(conn); err != nil {
		conn.Close()
		w.conn = nil
		return fmt.Errorf("bybit/ws: subscribe: %w", err)
	}

	go w.readLoop()
	go w.pingLoop()

	return nil
}

// Close shuts down the WebSocket connection.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// subscribe sends the tickers subscription for the full roster.
func (w *WSClient) subscribe(conn *websocket.Conn) error {
	topics := make([]string, 0, len(w.symbols))
	for sym := range w.symbols {
		topics = append(topics, "tickers."+sym)
	}

	sub := map[string]any{
		"op":   "subscribe",
		"args": topics,
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(sub)
}

func (w *WSClient) readLoop() {
	defer func() {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}

			w.reconnect()
			return
		}

		w.handleMessage(message)
	}
}

// pingLoop sends Bybit's application-level ping op. The server answers with
// an op "pong" message on the data stream.
func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				return
			}
		}
	}
}

func (w *WSClient) handleMessage(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	// Subscription acks and pong replies carry no topic.
	if env.Topic == "" {
		return
	}

	var msg tickerMsg
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return
	}

	w.applyTicker(&msg, env.TsMs)
}

// applyTicker merges a snapshot or delta frame into the per-symbol state.
// Empty fields mean "unchanged" and leave the prior value in place.
func (w *WSClient) applyTicker(msg *tickerMsg, tsMs int64) {
	id, ok := w.symbols[msg.Symbol]
	if !ok {
		return
	}

	u := w.row(id)

	if msg.Bid1Price != "" {
		if v, err := strconv.ParseFloat(msg.Bid1Price, 64); err == nil {
			u.Bid = v
		}
	}
	if msg.Ask1Price != "" {
		if v, err := strconv.ParseFloat(msg.Ask1Price, 64); err == nil {
			u.Ask = v
		}
	}
	if msg.Bid1Size != "" {
		if v, err := strconv.ParseFloat(msg.Bid1Size, 64); err == nil {
			u.DepthBid = v
			u.Flags |= domain.FlagDepth
		}
	}
	if msg.Ask1Size != "" {
		if v, err := strconv.ParseFloat(msg.Ask1Size, 64); err == nil {
			u.DepthAsk = v
			u.Flags |= domain.FlagDepth
		}
	}
	if msg.FundingRate != "" {
		if v, err := strconv.ParseFloat(msg.FundingRate, 64); err == nil {
			u.FundingRate = v
			u.Flags |= domain.FlagFunding
		}
	}

	u.TsMicros = tsMs * 1000

	w.emit(u)
}

func (w *WSClient) row(id uint32) *domain.MarketUpdate {
	u, ok := w.state[id]
	if !ok {
		u = &domain.MarketUpdate{SymbolID: id}
		w.state[id] = u
	}
	return u
}

func (w *WSClient) emit(u *domain.MarketUpdate) {
	if !u.Valid() {
		return
	}

	out := *u

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()

	for _, h := range handlers {
		h(&out)
	}
}

// reconnect re-establishes the connection with exponential backoff. The
// tickers stream replays a full snapshot on subscribe, so stale deltas are
// overwritten on the first frame.
func (w *WSClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
