package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perparb/internal/crypto"
	"github.com/alanyoungcy/perparb/internal/domain"
)

const (
	// fillPollInterval is how often a resting order is re-checked for fills.
	fillPollInterval = 200 * time.Millisecond

	// defaultRecvWindow is the signed-request validity window in ms.
	defaultRecvWindow = 5000
)

// ClientConfig configures the Bybit v5 order client.
type ClientConfig struct {
	// BaseURL is the REST API root, e.g. "https://api.bybit.com".
	BaseURL string

	// Auth holds the API key and secret used to sign requests.
	Auth crypto.HMACAuth

	// RecvWindowMs overrides the signed-request validity window.
	RecvWindowMs int64

	// Limiter, when set, throttles outbound requests.
	Limiter domain.RateLimiter
}

// Client is the live order backend for Bybit linear perpetuals, implementing
// domain.VenueBackend over the v5 REST API.
type Client struct {
	baseURL    string
	auth       crypto.HMACAuth
	recvWindow int64
	limiter    domain.RateLimiter
	httpClient *http.Client

	stepMu sync.RWMutex
	steps  map[string]float64 // symbol -> qtyStep
}

var _ domain.VenueBackend = (*Client)(nil)

// NewClient creates a Bybit v5 order client.
func NewClient(cfg ClientConfig) *Client {
	recv := cfg.RecvWindowMs
	if recv <= 0 {
		recv = defaultRecvWindow
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		auth:       cfg.Auth,
		recvWindow: recv,
		limiter:    cfg.Limiter,
		steps:      make(map[string]float64),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// apiResponse is the v5 envelope carried by every endpoint.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// orderState is the realtime order payload subset the client reads.
type orderState struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
	AvgPrice    string `json:"avgPrice"`
	CumExecQty  string `json:"cumExecQty"`
	UpdatedTime string `json:"updatedTime"`
}

// Submit places the order and blocks until it is filled, the deadline
// passes, or the venue rejects it. On deadline the resting remainder is
// cancelled and any partial fill is reported as such.
func (c *Client) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderOutcome, error) {
	body := map[string]any{
		"category": "linear",
		"symbol":   req.Symbol,
		"side":     bybitSide(req.Side),
		"qty":      strconv.FormatFloat(req.Size, 'f', -1, 64),
	}

	switch req.Kind {
	case domain.Limit:
		body["orderType"] = "Limit"
		body["timeInForce"] = "GTC"
		body["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	case domain.Market:
		body["orderType"] = "Market"
	}

	result, err := c.doPost(ctx, "/v5/order/create", body)
	if err != nil {
		return domain.OrderOutcome{Status: domain.OrderFailed, Reason: err.Error()},
			fmt.Errorf("bybit: submit %s: %w", req.Symbol, err)
	}

	var placed struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(result, &placed); err != nil {
		return domain.OrderOutcome{Status: domain.OrderFailed},
			fmt.Errorf("bybit: decode create response: %w", err)
	}

	return c.awaitFill(ctx, req, placed.OrderID)
}

// Cancel withdraws a resting order. Bybit reports an already-terminal order
// as retCode 110001 (order not exists or too late); that is not an error.
func (c *Client) Cancel(ctx context.Context, symbol, orderID string) error {
	body := map[string]any{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}

	_, err := c.doPost(ctx, "/v5/order/cancel", body)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Code == 110001 {
			return nil
		}
		return fmt.Errorf("bybit: cancel %s/%s: %w", symbol, orderID, err)
	}
	return nil
}

// QuantityStep returns the lot-size step for the symbol, or 0 when the
// instrument info has not been loaded.
func (c *Client) QuantityStep(symbol string) float64 {
	c.stepMu.RLock()
	defer c.stepMu.RUnlock()
	return c.steps[symbol]
}

// LoadInstrumentInfo fetches the linear instrument filters and caches each
// symbol's quantity step. Call once at startup before trading.
func (c *Client) LoadInstrumentInfo(ctx context.Context) error {
	params := url.Values{}
	params.Set("category", "linear")

	result, err := c.doGet(ctx, "/v5/market/instruments-info", params, false)
	if err != nil {
		return fmt.Errorf("bybit: instruments info: %w", err)
	}

	var info struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				QtyStep string `json:"qtyStep"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return fmt.Errorf("bybit: decode instruments info: %w", err)
	}

	c.stepMu.Lock()
	defer c.stepMu.Unlock()
	for _, s := range info.List {
		step, err := decimal.NewFromString(s.LotSizeFilter.QtyStep)
		if err != nil {
			continue
		}
		c.steps[s.Symbol] = step.InexactFloat64()
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// awaitFill polls the realtime order endpoint until a terminal status or
// the request deadline. On deadline the remainder is cancelled.
func (c *Client) awaitFill(ctx context.Context, req domain.OrderRequest, orderID string) (domain.OrderOutcome, error) {
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
			if ord, err := c.queryOrder(ctx, req.Symbol, orderID); err == nil {
				return outcomeFrom(ord), nil
			}
			return domain.OrderOutcome{Status: domain.OrderNotFilled, OrderID: orderID}, nil

		case <-ticker.C:
			ord, err := c.queryOrder(ctx, req.Symbol, orderID)
			if err != nil {
				continue
			}
			if terminal(ord.OrderStatus) {
				return outcomeFrom(ord), nil
			}
		}
	}
}

func (c *Client) queryOrder(ctx context.Context, symbol, orderID string) (*orderState, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	result, err := c.doGet(ctx, "/v5/order/realtime", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []orderState `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("decode realtime order: %w", err)
	}
	if len(resp.List) == 0 {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	return &resp.List[0], nil
}

// cancelQuiet cancels with a short background context so an expired request
// context cannot strand a resting order.
func (c *Client) cancelQuiet(symbol, orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.Cancel(ctx, symbol, orderID)
}

// terminal reports whether the venue status is final.
func terminal(status string) bool {
	switch status {
	case "Filled", "Cancelled", "Rejected", "Deactivated":
		return true
	}
	return false
}

// outcomeFrom maps a venue order payload to an OrderOutcome.
func outcomeFrom(ord *orderState) domain.OrderOutcome {
	filled, _ := strconv.ParseFloat(ord.CumExecQty, 64)
	avg, _ := strconv.ParseFloat(ord.AvgPrice, 64)
	updatedMs, _ := strconv.ParseInt(ord.UpdatedTime, 10, 64)

	out := domain.OrderOutcome{
		OrderID:      ord.OrderID,
		FillPrice:    avg,
		FilledSize:   filled,
		FillTsMicros: updatedMs * 1000,
	}

	switch {
	case ord.OrderStatus == "Filled":
		out.Status = domain.OrderFilled
	case filled > 0:
		out.Status = domain.OrderPartiallyFilled
		out.Reason = ord.OrderStatus
	case ord.OrderStatus == "Rejected":
		out.Status = domain.OrderFailed
		out.Reason = ord.OrderStatus
	default:
		out.Status = domain.OrderNotFilled
		out.Reason = ord.OrderStatus
	}
	return out
}

// doPost sends a signed JSON POST. The v5 signature covers the raw body.
func (c *Client) doPost(ctx context.Context, path string, body map[string]any) (json.RawMessage, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	for k, v := range c.auth.BybitHeaders(string(payload), c.recvWindow) {
		req.Header.Set(k, v)
	}

	return c.do(req)
}

// doGet sends a GET, signed over the encoded query string when the endpoint
// requires authentication.
func (c *Client) doGet(ctx context.Context, path string, params url.Values, signed bool) (json.RawMessage, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	query := params.Encode()
	fullURL := c.baseURL + path
	if query != "" {
		fullURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if signed {
		for k, v := range c.auth.BybitHeaders(query, c.recvWindow) {
			req.Header.Set(k, v)
		}
	}

	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, raw)
	}

	var env apiResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.RetCode != 0 {
		return nil, &apiError{Code: env.RetCode, Msg: env.RetMsg}
	}

	return env.Result, nil
}

func (c *Client) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx, "bybit:rest")
}

// apiError carries the venue's retCode alongside its message.
type apiError struct {
	Code int
	Msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bybit: retCode %d: %s", e.Code, e.Msg)
}

func bybitSide(s domain.OrderSide) string {
	if s == domain.Buy {
		return "Buy"
	}
	return "Sell"
}
