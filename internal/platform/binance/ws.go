// Package binance implements the Binance USD-M perpetual market-data feed
// and order client.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/perparb/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message.
	pongWait = 30 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second
)

// streamEnvelope is the combined-stream wrapper.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// bookTickerMsg is the best bid/ask stream payload.
type bookTickerMsg struct {
	Event    string `json:"e"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
	TxTimeMs int64  `json:"T"`
	EvTimeMs int64  `json:"E"`
}

// markPriceMsg is the mark-price stream payload carrying the funding rate.
type markPriceMsg struct {
	Event       string `json:"e"`
	Symbol      string `json:"s"`
	FundingRate string `json:"r"`
	EvTimeMs    int64  `json:"E"`
}

// WSClient streams bookTicker and markPrice updates for a fixed symbol
// roster over one combined-stream connection. Book and funding events for
// the same symbol are merged so every emitted update carries the latest
// known quote.
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

// NewWSClient creates a Binance feed for the given roster. symbols maps the
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

// Connect establishes the combined-stream connection and starts the read
// and ping loops. The subscription is encoded in the URL, so reconnection
// needs no re-subscribe step.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("binance/ws: client is closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("binance/ws: connect: %w", err)
	}

	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

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

// streamURL builds the combined-stream URL with one bookTicker and one
// markPrice stream per symbol.
func (w *WSClient) streamURL() string {
	streams := make([]string, 0, len(w.symbols)*2)
	for sym := range w.symbols {
		lower := strings.ToLower(sym)
		streams = append(streams, lower+"@bookTicker", lower+"@markPrice@1s")
	}
	return w.wsURL + "?streams=" + strings.Join(streams, "/")
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
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *WSClient) handleMessage(raw []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	switch {
	case strings.HasSuffix(env.Stream, "@bookTicker"):
		var msg bookTickerMsg
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return
		}
		w.applyBook(&msg)
	case strings.Contains(env.Stream, "@markPrice"):
		var msg markPriceMsg
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return
		}
		w.applyFunding(&msg)
	}
}

func (w *WSClient) applyBook(msg *bookTickerMsg) {
	id, ok := w.symbols[msg.Symbol]
	if !ok {
		return
	}

	bid, err1 := strconv.ParseFloat(msg.BidPrice, 64)
	ask, err2 := strconv.ParseFloat(msg.AskPrice, 64)
	if err1 != nil || err2 != nil {
		return
	}
	bidQty, _ := strconv.ParseFloat(msg.BidQty, 64)
	askQty, _ := strconv.ParseFloat(msg.AskQty, 64)

	u := w.row(id)
	u.Bid = bid
	u.Ask = ask
	u.DepthBid = bidQty
	u.DepthAsk = askQty
	u.Flags |= domain.FlagDepth
	u.TsMicros = msg.TxTimeMs * 1000
	if u.TsMicros == 0 {
		u.TsMicros = msg.EvTimeMs * 1000
	}

	w.emit(u)
}

func (w *WSClient) applyFunding(msg *markPriceMsg) {
	id, ok := w.symbols[msg.Symbol]
	if !ok {
		return
	}

	rate, err := strconv.ParseFloat(msg.FundingRate, 64)
	if err != nil {
		return
	}

	u := w.row(id)
	u.FundingRate = rate
	u.Flags |= domain.FlagFunding
	u.TsMicros = msg.EvTimeMs * 1000

	// Funding arrives before the first book tick on a cold start; hold it
	// until a quote exists.
	if u.Valid() {
		w.emit(u)
	}
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

// reconnect re-establishes the connection with exponential backoff.
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
