// Package hyperliquid implements the Hyperliquid perpetual market-data feed
// and the EIP-712 signed order client.
package hyperliquid

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

	// pingPeriod is the interval between application-level ping messages.
	// Hyperliquid closes connections idle for 60 seconds.
	pingPeriod = 30 * time.Second

	// readIdleTimeout bounds how long the read loop waits for any frame.
	readIdleTimeout = 70 * time.Second

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second
)

// wsEnvelope wraps every subscription message.
type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// bboMsg is the best-bid-offer channel payload. Bbo is [bid, ask]; either
// side may be null when the book is empty.
type bboMsg struct {
	Coin string      `json:"coin"`
	TsMs int64       `json:"time"`
	Bbo  [2]*wsLevel `json:"bbo"`
}

type wsLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
}

// assetCtxMsg is the activeAssetCtx channel payload carrying the funding
// rate for one coin.
type assetCtxMsg struct {
	Coin string `json:"coin"`
	Ctx  struct {
		Funding string `json:"funding"`
	} `json:"ctx"`
}

// WSClient streams bbo and activeAssetCtx updates for a fixed coin roster.
// Book and funding events for the same coin are merged so every emitted
// update carries the latest known quote.
type WSClient struct {
	wsURL   string
	symbols map[string]uint32 // coin name -> interned symbol id
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

// NewWSClient creates a Hyperliquid feed for the given roster. symbols maps
// coin names (e.g. "BTC") to interned symbol ids.
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

// Connect establishes the connection, subscribes to the bbo and
// activeAssetCtx channels per coin, and starts the read and ping loops.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("hyperliquid/ws: client is closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("hyperliquid/ws: connect: %w", err)
	}

	w.conn = conn
	w.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))

	if err := w.subscribe(conn); err != nil {
		conn.Close()
		w.conn = nil
		return fmt.Errorf("hyperliquid/ws: subscribe: %w", err)
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

// subscribe sends one bbo and one activeAssetCtx subscription per coin.
func (w *WSClient) subscribe(conn *websocket.Conn) error {
	for coin := range w.symbols {
		for _, typ := range []string{"bbo", "activeAssetCtx"} {
			sub := map[string]any{
				"method": "subscribe",
				"subscription": map[string]string{
					"type": typ,
					"coin": coin,
				},
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(sub); err != nil {
				return err
			}
		}
	}
	return nil
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

// pingLoop sends Hyperliquid's application-level ping message. The server
// answers with a "pong" channel message on the data stream.
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
			if err := conn.WriteJSON(map[string]string{"method": "ping"}); err != nil {
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

	switch env.Channel {
	case "bbo":
		var msg bboMsg
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return
		}
		w.applyBbo(&msg)
	case "activeAssetCtx":
		var msg assetCtxMsg
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return
		}
		w.applyFunding(&msg)
	}
}

func (w *WSClient) applyBbo(msg *bboMsg) {
	id, ok := w.symbols[msg.Coin]
	if !ok {
		return
	}

	bidLvl, askLvl := msg.Bbo[0], msg.Bbo[1]
	if bidLvl == nil || askLvl == nil {
		return
	}

	bid, err1 := strconv.ParseFloat(bidLvl.Px, 64)
	ask, err2 := strconv.ParseFloat(askLvl.Px, 64)
	if err1 != nil || err2 != nil {
		return
	}
	bidQty, _ := strconv.ParseFloat(bidLvl.Sz, 64)
	askQty, _ := strconv.ParseFloat(askLvl.Sz, 64)

	u := w.row(id)
	u.Bid = bid
	u.Ask = ask
	u.DepthBid = bidQty
	u.DepthAsk = askQty
	u.Flags |= domain.FlagDepth
	u.TsMicros = msg.TsMs * 1000

	w.emit(u)
}

func (w *WSClient) applyFunding(msg *assetCtxMsg) {
	id, ok := w.symbols[msg.Coin]
	if !ok {
		return
	}

	rate, err := strconv.ParseFloat(msg.Ctx.Funding, 64)
	if err != nil {
		return
	}

	u := w.row(id)
	// Hyperliquid funding is hourly; normalise to the 8h convention used
	// across venues.
	u.FundingRate = rate * 8
	u.Flags |= domain.FlagFunding
	u.TsMicros = time.Now().UnixMicro()

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
