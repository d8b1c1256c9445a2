// Package rest is the exchange REST client for snapshots, history and
// order actions.
package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go_tradedash/dataplane/internal/codec"
	"go_tradedash/dataplane/internal/config"
	"go_tradedash/dataplane/internal/metrics"
	"go_tradedash/dataplane/internal/ratelimit"
	"go_tradedash/dataplane/pkg/types"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrMissingCredentials is returned by signed calls without an API key pair.
var ErrMissingCredentials = errors.New("api key and secret required for signed endpoint")

// Client talks to a Binance-compatible /api/v3 REST API.
type Client struct {
	cfg        *config.RESTConfig
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewClient creates a new REST client.
func NewClient(cfg *config.RESTConfig, limiter *ratelimit.Limiter, logger *zap.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: limiter,
		logger:  logger.With(zap.String("component", "rest")),
		metrics: m,
		now:     time.Now,
	}
}

type tickerResponse struct {
	Symbol             string          `json:"symbol"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	PriceChange        decimal.Decimal `json:"priceChange"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	CloseTime          int64           `json:"closeTime"`
}

// GetTicker fetches the 24h ticker of a symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*types.TickerSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp tickerResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/ticker/24hr", ratelimit.GroupMarket, params, false, &resp); err != nil {
		return nil, err
	}

	ts := c.now()
	if resp.CloseTime > 0 {
		ts = time.UnixMilli(resp.CloseTime)
	}
	return &types.TickerSnapshot{
		Symbol:        types.NormalizeSymbol(resp.Symbol),
		Price:         resp.LastPrice,
		Change:        resp.PriceChange,
		ChangePercent: resp.PriceChangePercent,
		Timestamp:     ts,
	}, nil
}

type depthResponse struct {
	LastUpdateID int64                `json:"lastUpdateId"`
	Bids         [][2]decimal.Decimal `json:"bids"`
	Asks         [][2]decimal.Decimal `json:"asks"`
}

// GetOrderBook fetches a depth snapshot.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, limit int) (*types.OrderBookSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var resp depthResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/depth", ratelimit.GroupMarket, params, false, &resp); err != nil {
		return nil, err
	}

	return &types.OrderBookSnapshot{
		Symbol:       types.NormalizeSymbol(symbol),
		LastUpdateID: resp.LastUpdateID,
		Timestamp:    c.now(),
		Bids:         codec.Levels(resp.Bids, true),
		Asks:         codec.Levels(resp.Asks, false),
	}, nil
}

// GetKlines fetches candles. endTime in milliseconds, zero for the latest.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int, endTime int64) ([]types.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if endTime > 0 {
		params.Set("endTime", strconv.FormatInt(endTime, 10))
	}

	var rows [][]jsoniter.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/v3/klines", ratelimit.GroupMarket, params, false, &rows); err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := parseKlineRow(row)
		if err != nil {
			return nil, errors.Wrapf(err, "kline row %d", i)
		}
		candles = append(candles, candle)
	}
	return types.SortCandles(candles), nil
}

// parseKlineRow reads [openTime, open, high, low, close, volume, closeTime, ...].
func parseKlineRow(row []jsoniter.RawMessage) (types.Candle, error) {
	var k types.Candle
	if len(row) < 7 {
		return k, errors.Errorf("expected at least 7 fields, got %d", len(row))
	}
	if err := codec.Unmarshal(row[0], &k.OpenTime); err != nil {
		return k, errors.Wrap(err, "open time")
	}
	for i, dst := range []*decimal.Decimal{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
		if err := codec.Unmarshal(row[i+1], dst); err != nil {
			return k, errors.Wrapf(err, "field %d", i+1)
		}
	}
	if err := codec.Unmarshal(row[6], &k.CloseTime); err != nil {
		return k, errors.Wrap(err, "close time")
	}
	k.Closed = k.CloseTime < time.Now().UnixMilli()
	return k, nil
}

// GetOpenOrders lists open orders of a symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	return c.orders(ctx, "/api/v3/openOrders", params)
}

// GetOrderHistory lists recent orders of a symbol, all statuses.
func (c *Client) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]types.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	return c.orders(ctx, "/api/v3/allOrders", params)
}

func (c *Client) orders(ctx context.Context, path string, params url.Values) ([]types.Order, error) {
	var frames []codec.OrderFrame
	if err := c.do(ctx, http.MethodGet, path, ratelimit.GroupOrder, params, true, &frames); err != nil {
		return nil, err
	}
	out := make([]types.Order, 0, len(frames))
	for i := range frames {
		out = append(out, frames[i].ToOrder())
	}
	return out, nil
}

// PlaceOrderRequest is a new order.
type PlaceOrderRequest struct {
	Symbol        string
	Side          types.OrderSide
	Type          types.OrderType
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ClientOrderID string
}

// PlaceOrder creates an order and returns the exchange's record of it.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (types.Order, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())
	if req.Type == types.OrderTypeLimit {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	params.Set("newOrderRespType", "RESULT")

	var frame codec.OrderFrame
	if err := c.do(ctx, http.MethodPost, "/api/v3/order", ratelimit.GroupOrder, params, true, &frame); err != nil {
		return types.Order{}, err
	}
	return frame.ToOrder(), nil
}

// CancelOrder cancels by client order id, or by order id when given.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string, orderID int64) (types.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if orderID > 0 {
		params.Set("orderId", strconv.FormatInt(orderID, 10))
	} else {
		params.Set("origClientOrderId", clientOrderID)
	}

	var frame codec.OrderFrame
	if err := c.do(ctx, http.MethodDelete, "/api/v3/order", ratelimit.GroupOrder, params, true, &frame); err != nil {
		return types.Order{}, err
	}
	order := frame.ToOrder()
	if order.UpdateTime == 0 {
		order.UpdateTime = c.now().UnixMilli()
	}
	return order, nil
}

// do executes a request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path, group string, params url.Values, signed bool, out interface{}) error {
	if err := c.limiter.Wait(ctx, group); err != nil {
		return err
	}

	query, err := c.encodeParams(params, signed)
	if err != nil {
		return err
	}
	target := c.cfg.BaseURL + path
	if query != "" {
		target += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordRequest(path, "transport_error", time.Since(start).Seconds())
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.metrics.RecordRequest(path, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
	if err != nil {
		return errors.Wrapf(err, "read %s %s response", method, path)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if codec.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(body)
		}
		c.logger.Debug("Exchange request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Int("code", apiErr.Code))
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := codec.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "decode %s %s response", method, path)
	}
	return nil
}

func (c *Client) encodeParams(params url.Values, signed bool) (string, error) {
	if !signed {
		return params.Encode(), nil
	}
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return "", ErrMissingCredentials
	}

	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	if c.cfg.RecvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	}
	query := params.Encode()
	return query + "&signature=" + Sign(c.cfg.APISecret, query), nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
