package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/perparb/internal/crypto"
	"github.com/alanyoungcy/perparb/internal/domain"
)

const (
	// fillPollInterval is how often a resting order is re-checked for fills.
	fillPollInterval = 200 * time.Millisecond
)

// ClientConfig configures the Hyperliquid order client.
type ClientConfig struct {
	// BaseURL is the API root, e.g. "https://api.hyperliquid.xyz".
	BaseURL string

	// Signer produces the EIP-712 agent signatures the exchange verifies.
	Signer *crypto.Signer

	// Mainnet selects the agent source string the exchange expects.
	Mainnet bool

	// Limiter, when set, throttles outbound requests.
	Limiter domain.RateLimiter
}

// Client is the live order backend for Hyperliquid perpetuals. Every
// exchange action is signed as an EIP-712 agent struct whose connection id
// commits to the action payload and nonce.
type Client struct {
	baseURL    string
	signer     *crypto.Signer
	mainnet    bool
	limiter    domain.RateLimiter
	httpClient *http.Client

	nonceMu   sync.Mutex
	lastNonce uint64

	metaMu sync.RWMutex
	assets map[string]assetMeta // coin -> asset id and size precision
}

type assetMeta struct {
	ID         int
	SzDecimals int
}

var _ domain.VenueBackend = (*Client)(nil)

// NewClient creates a Hyperliquid order client.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		signer:  cfg.Signer,
		mainnet: cfg.Mainnet,
		limiter: cfg.Limiter,
		assets:  make(map[string]assetMeta),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// --------------------------------------------------------------------------
// Wire types
// --------------------------------------------------------------------------

// orderAction is the exchange "order" action payload.
type orderAction struct {
	Type     string      `json:"type"`
	Orders   []wireOrder `json:"orders"`
	Grouping string      `json:"grouping"`
}

type wireOrder struct {
	Asset      int       `json:"a"`
	IsBuy      bool      `json:"b"`
	Price      string    `json:"p"`
	Size       string    `json:"s"`
	ReduceOnly bool      `json:"r"`
	Kind       wireOrdTy `json:"t"`
}

type wireOrdTy struct {
	Limit wireLimitTy `json:"limit"`
}

type wireLimitTy struct {
	Tif string `json:"tif"`
}

// cancelAction is the exchange "cancel" action payload.
type cancelAction struct {
	Type    string       `json:"type"`
	Cancels []wireCancel `json:"cancels"`
}

type wireCancel struct {
	Asset int   `json:"a"`
	Oid   int64 `json:"o"`
}

// exchangeRequest is the signed envelope sent to the exchange endpoint.
type exchangeRequest struct {
	Action    json.RawMessage `json:"action"`
	Nonce     uint64          `json:"nonce"`
	Signature wireSignature   `json:"signature"`
}

type wireSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// exchangeResponse is the action result envelope.
type exchangeResponse struct {
	Status   string `json:"status"`
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []orderStatus `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

type orderStatus struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting"`
	Filled *struct {
		Oid     int64  `json:"oid"`
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
	} `json:"filled"`
	Error string `json:"error"`
}

// --------------------------------------------------------------------------
// VenueBackend
// --------------------------------------------------------------------------

// Submit places the order and blocks until it is filled, the deadline
// passes, or the exchange rejects it. Limit orders rest as GTC; market
// orders cross as IOC at the request price.
func (c *Client) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderOutcome, error) {
	meta, err := c.assetFor(req.Symbol)
	if err != nil {
		return domain.OrderOutcome{Status: domain.OrderFailed, Reason: err.Error()},
			fmt.Errorf("hyperliquid: submit %s: %w", req.Symbol, err)
	}

	tif := "Gtc"
	if req.Kind == domain.Market {
		tif = "Ioc"
	}

	action := orderAction{
		Type: "order",
		Orders: []wireOrder{{
			Asset: meta.ID,
			IsBuy: req.Side == domain.Buy,
			Price: strconv.FormatFloat(req.Price, 'f', -1, 64),
			Size:  formatSize(req.Size, meta.SzDecimals),
			Kind:  wireOrdTy{Limit: wireLimitTy{Tif: tif}},
		}},
		Grouping: "na",
	}

	resp, err := c.doAction(ctx, action)
	if err != nil {
		return domain.OrderOutcome{Status: domain.OrderFailed, Reason: err.Error()},
			fmt.Errorf("hyperliquid: submit %s: %w", req.Symbol, err)
	}

	if len(resp.Response.Data.Statuses) == 0 {
		return domain.OrderOutcome{Status: domain.OrderFailed},
			fmt.Errorf("hyperliquid: submit %s: empty status list", req.Symbol)
	}

	st := resp.Response.Data.Statuses[0]
	switch {
	case st.Error != "":
		return domain.OrderOutcome{Status: domain.OrderFailed, Reason: st.Error}, nil

	case st.Filled != nil:
		filled, _ := strconv.ParseFloat(st.Filled.TotalSz, 64)
		avg, _ := strconv.ParseFloat(st.Filled.AvgPx, 64)
		return domain.OrderOutcome{
			Status:       domain.OrderFilled,
			OrderID:      strconv.FormatInt(st.Filled.Oid, 10),
			FillPrice:    avg,
			FilledSize:   filled,
			FillTsMicros: time.Now().UnixMicro(),
		}, nil

	case st.Resting != nil:
		return c.awaitFill(ctx, req, meta, st.Resting.Oid)

	default:
		return domain.OrderOutcome{Status: domain.OrderNotFilled}, nil
	}
}

// Cancel withdraws a resting order. An oid the exchange no longer knows is
// not an error.
func (c *Client) Cancel(ctx context.Context, symbol, orderID string) error {
	meta, err := c.assetFor(symbol)
	if err != nil {
		return fmt.Errorf("hyperliquid: cancel %s/%s: %w", symbol, orderID, err)
	}

	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("hyperliquid: cancel %s/%s: bad order id: %w", symbol, orderID, err)
	}

	action := cancelAction{
		Type:    "cancel",
		Cancels: []wireCancel{{Asset: meta.ID, Oid: oid}},
	}

	resp, err := c.doAction(ctx, action)
	if err != nil {
		return fmt.Errorf("hyperliquid: cancel %s/%s: %w", symbol, orderID, err)
	}

	if len(resp.Response.Data.Statuses) > 0 {
		if e := resp.Response.Data.Statuses[0].Error; e != "" && !strings.Contains(e, "never placed") {
			return fmt.Errorf("hyperliquid: cancel %s/%s: %s", symbol, orderID, e)
		}
	}
	return nil
}

// QuantityStep returns 10^-szDecimals for the coin, or 0 when the universe
// metadata has not been loaded.
func (c *Client) QuantityStep(symbol string) float64 {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()

	meta, ok := c.assets[symbol]
	if !ok {
		return 0
	}
	return math.Pow10(-meta.SzDecimals)
}

// LoadMeta fetches the perp universe and caches each coin's asset index and
// size precision. Call once at startup before trading.
func (c *Client) LoadMeta(ctx context.Context) error {
	body, err := c.doInfo(ctx, map[string]string{"type": "meta"})
	if err != nil {
		return fmt.Errorf("hyperliquid: load meta: %w", err)
	}

	var meta struct {
		Universe []struct {
			Name       string `json:"name"`
			SzDecimals int    `json:"szDecimals"`
		} `json:"universe"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return fmt.Errorf("hyperliquid: decode meta: %w", err)
	}

	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	for i, u := range meta.Universe {
		c.assets[u.Name] = assetMeta{ID: i, SzDecimals: u.SzDecimals}
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// awaitFill polls the order status until it leaves the book or the request
// deadline elapses. On deadline the remainder is cancelled.
func (c *Client) awaitFill(ctx context.Context, req domain.OrderRequest, meta assetMeta, oid int64) (domain.OrderOutcome, error) {
	orderID := strconv.FormatInt(oid, 10)

	deadline := time.NewTimer(req.Deadline)
	defer deadline.Stop()

	ticker := time.NewTicker(fillPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.cancelQuiet(req.Symbol, orderID)
			return domain.OrderOutcome{Status: domain.OrderNotFilled, OrderID: orderID}, ctx.Err()

		case <-deadline.C:
			c.cancelQuiet(req.Symbol, orderID)
			// Re-query once: a fill can race the cancel.
			if out, done, err := c.queryOrder(ctx, req, oid); err == nil && done {
				return out, nil
			}
			return domain.OrderOutcome{Status: domain.OrderNotFilled, OrderID: orderID}, nil

		case <-ticker.C:
			out, done, err := c.queryOrder(ctx, req, oid)
			if err != nil {
				continue
			}
			if done {
				return out, nil
			}
		}
	}
}

// queryOrder fetches the order state. done reports whether the order has
// reached a terminal status.
func (c *Client) queryOrder(ctx context.Context, req domain.OrderRequest, oid int64) (domain.OrderOutcome, bool, error) {
	body, err := c.doInfo(ctx, map[string]any{
		"type": "orderStatus",
		"user": c.signer.Address().Hex(),
		"oid":  oid,
	})
	if err != nil {
		return domain.OrderOutcome{}, false, err
	}

	var resp struct {
		Status string `json:"status"`
		Order  struct {
			Order struct {
				LimitPx string `json:"limitPx"`
				Sz      string `json:"sz"`
				OrigSz  string `json:"origSz"`
			} `json:"order"`
			Status string `json:"status"`
		} `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderOutcome{}, false, fmt.Errorf("decode order status: %w", err)
	}
	if resp.Status != "order" {
		return domain.OrderOutcome{}, false, fmt.Errorf("order %d unknown", oid)
	}

	remaining, _ := strconv.ParseFloat(resp.Order.Order.Sz, 64)
	orig, _ := strconv.ParseFloat(resp.Order.Order.OrigSz, 64)
	px, _ := strconv.ParseFloat(resp.Order.Order.LimitPx, 64)
	filled := orig - remaining

	out := domain.OrderOutcome{
		OrderID:      strconv.FormatInt(oid, 10),
		FillPrice:    px,
		FilledSize:   filled,
		FillTsMicros: time.Now().UnixMicro(),
	}

	switch resp.Order.Status {
	case "filled":
		out.Status = domain.OrderFilled
		return out, true, nil
	case "open":
		return out, false, nil
	default:
		if filled > 0 {
			out.Status = domain.OrderPartiallyFilled
		} else {
			out.Status = domain.OrderNotFilled
		}
		out.Reason = resp.Order.Status
		return out, true, nil
	}
}

// cancelQuiet cancels with a short background context so an expired request
// context cannot strand a resting order.
func (c *Client) cancelQuiet(symbol, orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.Cancel(ctx, symbol, orderID)
}

// doAction signs and posts one exchange action. The connection id commits
// to the serialized action bytes and the nonce; the exchange recovers the
// signer address from the agent signature.
func (c *Client) doAction(ctx context.Context, action any) (*exchangeResponse, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	actionBytes, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}

	nonce := c.nextNonce()
	connID := crypto.ActionHash(actionBytes, nil, nonce)

	sigHex, err := c.signer.SignAction(connID, c.mainnet)
	if err != nil {
		return nil, fmt.Errorf("sign action: %w", err)
	}

	sig, err := splitSignature(sigHex)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(exchangeRequest{
		Action:    actionBytes,
		Nonce:     nonce,
		Signature: sig,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal exchange request: %w", err)
	}

	body, err := c.doPost(ctx, "/exchange", payload)
	if err != nil {
		return nil, err
	}

	var resp exchangeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode exchange response: %w", err)
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("exchange status %q", resp.Status)
	}

	return &resp, nil
}

// doInfo posts a query to the info endpoint.
func (c *Client) doInfo(ctx context.Context, query any) ([]byte, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshal info query: %w", err)
	}

	return c.doPost(ctx, "/info", payload)
}

func (c *Client) doPost(ctx context.Context, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}

	return body, nil
}

// nextNonce returns a strictly increasing millisecond nonce. The exchange
// rejects nonces at or below the highest already seen for the agent.
func (c *Client) nextNonce() uint64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	n := uint64(time.Now().UnixMilli())
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

func (c *Client) assetFor(symbol string) (assetMeta, error) {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()

	meta, ok := c.assets[symbol]
	if !ok {
		return assetMeta{}, fmt.Errorf("unknown coin %q (meta not loaded?)", symbol)
	}
	return meta, nil
}

func (c *Client) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx, "hyperliquid:rest")
}

// splitSignature unpacks a hex r||s||v signature into its wire form.
func splitSignature(sigHex string) (wireSignature, error) {
	hexBody := strings.TrimPrefix(sigHex, "0x")
	if len(hexBody) != 130 {
		return wireSignature{}, fmt.Errorf("signature length %d, want 130 hex chars", len(hexBody))
	}

	v, err := strconv.ParseUint(hexBody[128:], 16, 8)
	if err != nil {
		return wireSignature{}, fmt.Errorf("parse signature v: %w", err)
	}

	return wireSignature{
		R: "0x" + hexBody[:64],
		S: "0x" + hexBody[64:128],
		V: uint8(v),
	}, nil
}

// formatSize renders a base quantity at the coin's size precision.
func formatSize(size float64, szDecimals int) string {
	return strconv.FormatFloat(size, 'f', szDecimals, 64)
}
