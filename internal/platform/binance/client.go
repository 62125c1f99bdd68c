package binance

import (
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

// ClientConfig configures the Binance USD-M futures order client.
type ClientConfig struct {
	// BaseURL is the REST API root, e.g. "https://fapi.binance.com".
	BaseURL string

	// Auth holds the API key and secret used to sign requests.
	Auth crypto.HMACAuth

	// RecvWindowMs overrides the signed-request validity window.
	RecvWindowMs int64

	// Limiter, when set, throttles outbound requests.
	Limiter domain.RateLimiter
}

// Client is the live order backend for Binance USD-M perpetual futures. It
// implements domain.VenueBackend: Submit blocks until the order reaches a
// terminal status or the request deadline passes, cancelling the remainder.
type Client struct {
	baseURL    string
	auth       crypto.HMACAuth
	recvWindow int64
	limiter    domain.RateLimiter
	httpClient *http.Client

	stepMu sync.RWMutex
	steps  map[string]float64 // symbol -> LOT_SIZE step
}

var _ domain.VenueBackend = (*Client)(nil)

// NewClient creates a Binance futures order client.
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

// orderResponse is the subset of the order endpoint payload the client reads.
type orderResponse struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	AvgPrice    string `json:"avgPrice"`
	ExecutedQty string `json:"executedQty"`
	UpdateTime  int64  `json:"updateTime"`
}

// errorResponse is the API error payload.
type errorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Submit places the order and blocks until it is filled, the deadline
// passes, or the venue rejects it. On deadline the resting remainder is
// cancelled and any partial fill is reported as such.
func (c *Client) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderOutcome, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", binanceSide(req.Side))
	params.Set("quantity", formatQty(req.Size))

	switch req.Kind {
	case domain.Limit:
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	case domain.Market:
		params.Set("type", "MARKET")
	}

	body, err := c.doSignedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return domain.OrderOutcome{Status: domain.OrderFailed, Reason: err.Error()},
			fmt.Errorf("binance: submit %s: %w", req.Symbol, err)
	}

	var placed orderResponse
	if err := json.Unmarshal(body, &placed); err != nil {
		return domain.OrderOutcome{Status: domain.OrderFailed},
			fmt.Errorf("binance: decode order response: %w", err)
	}

	orderID := strconv.FormatInt(placed.OrderID, 10)

	if terminal(placed.Status) {
		return outcomeFrom(&placed, orderID), nil
	}

	return c.awaitFill(ctx, req, orderID)
}

// Cancel withdraws a resting order. An already-terminal order is not an
// error; Binance reports it as "Unknown order sent" (-2011).
func (c *Client) Cancel(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	_, err := c.doSignedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			return nil
		}
		return fmt.Errorf("binance: cancel %s/%s: %w", symbol, orderID, err)
	}
	return nil
}

// QuantityStep returns the LOT_SIZE step for the symbol, or 0 when the
// exchange info has not been loaded.
func (c *Client) QuantityStep(symbol string) float64 {
	c.stepMu.RLock()
	defer c.stepMu.RUnlock()
	return c.steps[symbol]
}

// LoadExchangeInfo fetches the symbol filters and caches each symbol's
// LOT_SIZE quantity step. Call once at startup before trading.
func (c *Client) LoadExchangeInfo(ctx context.Context) error {
	body, err := c.doPublicRequest(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return fmt.Errorf("binance: exchange info: %w", err)
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("binance: decode exchange info: %w", err)
	}

	c.stepMu.Lock()
	defer c.stepMu.Unlock()
	for _, s := range info.Symbols {
		for _, f := range s.Filters {
			if f.FilterType != "LOT_SIZE" {
				continue
			}
			step, err := decimal.NewFromString(f.StepSize)
			if err != nil {
				continue
			}
			c.steps[s.Symbol] = step.InexactFloat64()
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// awaitFill polls the order until it reaches a terminal status or the
// request deadline elapses. On deadline the remainder is cancelled.
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
				return outcomeFrom(ord, orderID), nil
			}
			return domain.OrderOutcome{Status: domain.OrderNotFilled, OrderID: orderID}, nil

		case <-ticker.C:
			ord, err := c.queryOrder(ctx, req.Symbol, orderID)
			if err != nil {
				continue
			}
			if terminal(ord.Status) {
				return outcomeFrom(ord, orderID), nil
			}
		}
	}
}

func (c *Client) queryOrder(ctx context.Context, symbol, orderID string) (*orderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	body, err := c.doSignedRequest(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}

	var ord orderResponse
	if err := json.Unmarshal(body, &ord); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &ord, nil
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
	case "FILLED", "CANCELED", "EXPIRED", "REJECTED":
		return true
	}
	return false
}

// outcomeFrom maps a venue order payload to an OrderOutcome.
func outcomeFrom(ord *orderResponse, orderID string) domain.OrderOutcome {
	filled, _ := strconv.ParseFloat(ord.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(ord.AvgPrice, 64)

	out := domain.OrderOutcome{
		OrderID:      orderID,
		FillPrice:    avg,
		FilledSize:   filled,
		FillTsMicros: ord.UpdateTime * 1000,
	}

	switch {
	case ord.Status == "FILLED":
		out.Status = domain.OrderFilled
	case filled > 0:
		out.Status = domain.OrderPartiallyFilled
		out.Reason = ord.Status
	case ord.Status == "REJECTED":
		out.Status = domain.OrderFailed
		out.Reason = ord.Status
	default:
		out.Status = domain.OrderNotFilled
		out.Reason = ord.Status
	}
	return out
}

// doSignedRequest signs the query with HMAC-SHA256 and sends it. The
// timestamp, recvWindow, and signature parameters are appended per the
// Binance signed-endpoint scheme.
func (c *Client) doSignedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))

	query := params.Encode()
	query += "&signature=" + c.auth.BinanceSignature(query)

	fullURL := c.baseURL + path + "?" + query

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.auth.Key)
	req.Header.Set("Accept", "application/json")

	return c.do(req)
}

func (c *Client) doPublicRequest(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
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
		var apiErr errorResponse
		_ = json.Unmarshal(body, &apiErr)
		return nil, &apiError{
			HTTPStatus: resp.StatusCode,
			Code:       apiErr.Code,
			Msg:        apiErr.Msg,
		}
	}

	return body, nil
}

func (c *Client) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx, "binance:rest")
}

// apiError carries the venue's error code alongside the HTTP status.
type apiError struct {
	HTTPStatus int
	Code       int
	Msg        string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance: HTTP %d: %s (code %d)", e.HTTPStatus, e.Msg, e.Code)
}

func binanceSide(s domain.OrderSide) string {
	if s == domain.Buy {
		return "BUY"
	}
	return "SELL"
}

func formatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}
