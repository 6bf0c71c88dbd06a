// Package aster implements the REST and WebSocket clients for an
// Aster/Binance-style USD-M perpetual futures exchange.
package aster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quantfall/liqhunter/internal/crypto"
	"github.com/quantfall/liqhunter/internal/domain"
)

// restWeightKey is the rate-limiter bucket shared by all REST calls.
const restWeightKey = "aster:rest"

// Client is the signed REST client for the futures API. It handles order
// placement, batching, cancellation, account queries, and the user-data
// listen key lifecycle.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *crypto.HMACAuth
	limiter    domain.RateLimiter
}

// NewClient creates a REST client for the given API root, e.g.
// "https://fapi.asterdex.com".
func NewClient(baseURL string, auth *crypto.HMACAuth, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		auth:       auth,
	}
}

// WithRateLimiter attaches a limiter that every REST call waits on.
func (c *Client) WithRateLimiter(rl domain.RateLimiter) *Client {
	c.limiter = rl
	return c
}

// OrderRequest describes one order to submit.
type OrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	PositionSide  domain.PositionSide
	Type          domain.OrderType
	Quantity      float64
	Price         float64
	StopPrice     float64
	ReduceOnly    bool
	ClientOrderID string
}

// params renders the request as exchange query parameters.
func (r OrderRequest) params() url.Values {
	p := url.Values{}
	p.Set("symbol", r.Symbol)
	p.Set("side", string(r.Side))
	p.Set("positionSide", string(r.PositionSide))
	p.Set("type", string(r.Type))
	if r.Quantity > 0 {
		p.Set("quantity", formatFloat(r.Quantity))
	}
	if r.Price > 0 {
		p.Set("price", formatFloat(r.Price))
		p.Set("timeInForce", "GTC")
	}
	if r.StopPrice > 0 {
		p.Set("stopPrice", formatFloat(r.StopPrice))
	}
	if r.ReduceOnly {
		p.Set("reduceOnly", "true")
	}
	if r.ClientOrderID != "" {
		p.Set("newClientOrderId", r.ClientOrderID)
	}
	return p
}

// jsonField renders the request as a JSON object for the batch endpoint.
func (r OrderRequest) jsonField() map[string]string {
	m := map[string]string{
		"symbol":       r.Symbol,
		"side":         string(r.Side),
		"positionSide": string(r.PositionSide),
		"type":         string(r.Type),
	}
	if r.Quantity > 0 {
		m["quantity"] = formatFloat(r.Quantity)
	}
	if r.Price > 0 {
		m["price"] = formatFloat(r.Price)
		m["timeInForce"] = "GTC"
	}
	if r.StopPrice > 0 {
		m["stopPrice"] = formatFloat(r.StopPrice)
	}
	if r.ReduceOnly {
		m["reduceOnly"] = "true"
	}
	if r.ClientOrderID != "" {
		m["newClientOrderId"] = r.ClientOrderID
	}
	return m
}

// PlaceOrder submits a single order.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (domain.OrderResult, error) {
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/order", req.params(), true)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("aster: place order %s: %w", req.Symbol, err)
	}

	var apiOrder APIOrder
	if err := json.Unmarshal(body, &apiOrder); err != nil {
		return domain.OrderResult{}, fmt.Errorf("aster: decode order response: %w", err)
	}
	return apiOrder.ToDomainResult(), nil
}

// PlaceBatch submits up to five orders in one request. The result slice is
// positional: failed sub-orders carry Success=false with the exchange
// message, successful ones carry the assigned order id.
func (c *Client) PlaceBatch(ctx context.Context, reqs []OrderRequest) ([]domain.OrderResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if len(reqs) > 5 {
		return nil, fmt.Errorf("aster: batch size %d exceeds exchange maximum of 5", len(reqs))
	}

	fields := make([]map[string]string, 0, len(reqs))
	for _, r := range reqs {
		fields = append(fields, r.jsonField())
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("aster: marshal batch: %w", err)
	}

	params := url.Values{}
	params.Set("batchOrders", string(encoded))

	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/batchOrders", params, true)
	if err != nil {
		return nil, fmt.Errorf("aster: place batch: %w", err)
	}

	// The response is a positional array mixing order objects and error
	// objects.
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("aster: decode batch response: %w", err)
	}

	results := make([]domain.OrderResult, 0, len(raw))
	for _, item := range raw {
		var apiErr APIError
		if err := json.Unmarshal(item, &apiErr); err == nil && apiErr.Code != 0 {
			results = append(results, domain.OrderResult{
				Success:   false,
				Status:    domain.OrderStatusRejected,
				Retryable: apiErr.Code != codeUnknownOrder,
				Message:   apiErr.Msg,
			})
			continue
		}
		var apiOrder APIOrder
		if err := json.Unmarshal(item, &apiOrder); err != nil {
			results = append(results, domain.OrderResult{
				Success: false,
				Status:  domain.OrderStatusRejected,
				Message: "unparseable batch entry",
			})
			continue
		}
		results = append(results, apiOrder.ToDomainResult())
	}
	return results, nil
}

// CancelOrder cancels a single order. A "-2011 unknown order" response is
// returned as domain.ErrUnknownOrder so callers can treat the order as
// already gone.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	_, err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	if err != nil {
		return fmt.Errorf("aster: cancel order %s/%d: %w", symbol, orderID, err)
	}
	return nil
}

// OpenOrders returns all open orders, optionally filtered to one symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]domain.OrderRecord, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, fmt.Errorf("aster: open orders: %w", err)
	}

	var apiOrders []APIOrder
	if err := json.Unmarshal(body, &apiOrders); err != nil {
		return nil, fmt.Errorf("aster: decode open orders: %w", err)
	}

	orders := make([]domain.OrderRecord, 0, len(apiOrders))
	for i := range apiOrders {
		orders = append(orders, apiOrders[i].ToDomainRecord())
	}
	return orders, nil
}

// PositionRisk returns exchange-reported position amounts for all symbols.
func (c *Client) PositionRisk(ctx context.Context) ([]domain.AccountPosition, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, fmt.Errorf("aster: position risk: %w", err)
	}

	var risks []APIPositionRisk
	if err := json.Unmarshal(body, &risks); err != nil {
		return nil, fmt.Errorf("aster: decode position risk: %w", err)
	}

	positions := make([]domain.AccountPosition, 0, len(risks))
	for _, r := range risks {
		side := domain.PositionSide(r.PositionSide)
		if side != domain.PositionLong && side != domain.PositionShort {
			continue
		}
		qty := parseFloat(r.PositionAmt)
		if qty < 0 {
			qty = -qty
		}
		positions = append(positions, domain.AccountPosition{
			Symbol:        r.Symbol,
			PositionSide:  side,
			Quantity:      qty,
			EntryPrice:    parseFloat(r.EntryPrice),
			UnrealizedPnL: parseFloat(r.UnrealizedPnL),
		})
	}
	return positions, nil
}

// ExchangeInfo fetches per-symbol order filters.
func (c *Client) ExchangeInfo(ctx context.Context) (map[string]domain.SymbolSpec, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return nil, fmt.Errorf("aster: exchange info: %w", err)
	}

	var info APIExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("aster: decode exchange info: %w", err)
	}
	return info.ToSpecs(), nil
}

// Depth returns an order book snapshot for entry sizing.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (Depth, error) {
	if limit <= 0 {
		limit = 20
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/depth", params, false)
	if err != nil {
		return Depth{}, fmt.Errorf("aster: depth %s: %w", symbol, err)
	}

	var apiDepth APIDepth
	if err := json.Unmarshal(body, &apiDepth); err != nil {
		return Depth{}, fmt.Errorf("aster: decode depth: %w", err)
	}
	return apiDepth.ToDepth(), nil
}

// CreateListenKey opens a user data stream and returns its listen key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, http.MethodPost, "/fapi/v1/listenKey")
	if err != nil {
		return "", fmt.Errorf("aster: create listen key: %w", err)
	}

	var lk APIListenKey
	if err := json.Unmarshal(body, &lk); err != nil {
		return "", fmt.Errorf("aster: decode listen key: %w", err)
	}
	if lk.ListenKey == "" {
		return "", fmt.Errorf("aster: empty listen key in response")
	}
	return lk.ListenKey, nil
}

// KeepaliveListenKey extends the user data stream validity.
func (c *Client) KeepaliveListenKey(ctx context.Context) error {
	if _, err := c.doKeyed(ctx, http.MethodPut, "/fapi/v1/listenKey"); err != nil {
		return fmt.Errorf("aster: keepalive listen key: %w", err)
	}
	return nil
}

// CloseListenKey closes the user data stream.
func (c *Client) CloseListenKey(ctx context.Context) error {
	if _, err := c.doKeyed(ctx, http.MethodDelete, "/fapi/v1/listenKey"); err != nil {
		return fmt.Errorf("aster: close listen key: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Internal request helpers
// ---------------------------------------------------------------------------

// do executes one REST call. Signed requests get timestamp/recvWindow/
// signature appended to the query string and the API key header attached.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, restWeightKey); err != nil {
			return nil, err
		}
	}

	var query string
	if signed {
		query = c.auth.Sign(params)
	} else if params != nil {
		query = params.Encode()
	}

	reqURL := c.baseURL + path
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if signed {
		for k, v := range c.auth.Headers() {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.mapError(resp.StatusCode, body)
	}
	return body, nil
}

// doKeyed executes a request that needs the API key header but no signature
// (the listen key endpoints).
func (c *Client) doKeyed(ctx context.Context, method, path string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, restWeightKey); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.auth.Headers() {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.mapError(resp.StatusCode, body)
	}
	return body, nil
}

// mapError turns an error response into a typed error where the code is
// recognized, falling back to a generic wrapped error.
func (c *Client) mapError(status int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != 0 {
		switch apiErr.Code {
		case codeUnknownOrder:
			return fmt.Errorf("%s: %w", apiErr.Msg, domain.ErrUnknownOrder)
		case codeRateLimited:
			return fmt.Errorf("%s: %w", apiErr.Msg, domain.ErrRateLimited)
		}
		return &apiErr
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("HTTP %d: %w", status, domain.ErrUnauthorized)
	}
	return fmt.Errorf("HTTP %d: %s", status, string(body))
}

// IsUnknownOrder reports whether err means the order no longer exists on the
// exchange. Cancel paths treat this as success.
func IsUnknownOrder(err error) bool {
	return errors.Is(err, domain.ErrUnknownOrder)
}
