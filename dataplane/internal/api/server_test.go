package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go_tradedash/dataplane/internal/cache"
	"go_tradedash/dataplane/internal/chart"
	"go_tradedash/dataplane/internal/codec"
	"go_tradedash/dataplane/internal/config"
	"go_tradedash/dataplane/internal/marketdata"
	"go_tradedash/dataplane/internal/orders"
	"go_tradedash/dataplane/internal/ratelimit"
	"go_tradedash/dataplane/internal/rest"
	"go_tradedash/dataplane/internal/upstream"
	"go_tradedash/dataplane/internal/upstream/upstreamtest"
	"go_tradedash/dataplane/pkg/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeExchange struct {
	mu        sync.Mutex
	tickerErr error
}

func (f *fakeExchange) GetTicker(ctx context.Context, symbol string) (*types.TickerSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tickerErr != nil {
		return nil, f.tickerErr
	}
	return &types.TickerSnapshot{Symbol: symbol, Price: decimal.RequireFromString("65000.5"), Timestamp: time.Now()}, nil
}

func (f *fakeExchange) GetOrderBook(ctx context.Context, symbol string, limit int) (*types.OrderBookSnapshot, error) {
	return &types.OrderBookSnapshot{Symbol: symbol, Timestamp: time.Now()}, nil
}

func (f *fakeExchange) GetKlines(ctx context.Context, symbol, interval string, limit int, endTime int64) ([]types.Candle, error) {
	return []types.Candle{{OpenTime: 60_000}, {OpenTime: 120_000}}, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req rest.PlaceOrderRequest) (types.Order, error) {
	<-ctx.Done()
	return types.Order{}, ctx.Err()
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string, orderID int64) (types.Order, error) {
	<-ctx.Done()
	return types.Order{}, ctx.Err()
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	return nil, nil
}

func (f *fakeExchange) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]types.Order, error) {
	return nil, nil
}

type testEnv struct {
	server   *Server
	ws       *WSHandler
	gateway  *upstreamtest.Gateway
	push     *upstream.Manager
	exchange *fakeExchange
}

func newTestEnv(t *testing.T, maxStreams int) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)

	push, gw := upstreamtest.NewManager(t)
	rc, err := cache.NewRequestCache(&config.CacheConfig{MaxEntries: 100, FetchTimeout: time.Second, WorkerPoolSize: 2}, log, nil)
	require.NoError(t, err)
	t.Cleanup(rc.Close)

	exchange := &fakeExchange{}
	market := marketdata.NewService(&config.MarketConfig{
		TickerTTL:            time.Second,
		OrderBookTTL:         time.Second,
		SubscriberBufferSize: 16,
	}, push, exchange, rc, log, nil)
	charts := chart.NewService(&config.ChartConfig{MaxCandles: 100, HistoricalLimit: 10}, market, push, log, nil)
	t.Cleanup(charts.Close)
	ledger := orders.NewReconciler(&config.OrdersConfig{
		PlaceRollbackDelay:  time.Second,
		CancelRollbackDelay: time.Second,
	}, exchange, push, log, nil)
	t.Cleanup(ledger.Close)
	limiter := ratelimit.NewLimiter(&config.RateConfig{})

	serverCfg := &config.ServerConfig{MaxStreamsPerClient: maxStreams}
	return &testEnv{
		server:   NewServer(serverCfg, market, charts, ledger, push, rc, limiter, log),
		ws:       NewWSHandler(serverCfg, market, charts, ledger, limiter, log),
		gateway:  gw,
		push:     push,
		exchange: exchange,
	}
}

func (e *testEnv) do(t *testing.T, method, target, body string) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.server.app.Test(req, 2000)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(data) > 0 {
		require.NoError(t, codec.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 0)

	status, body := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "CONNECTED", body["connection"])
}

func TestGetTicker(t *testing.T) {
	env := newTestEnv(t, 0)

	status, body := env.do(t, http.MethodGet, "/v1/ticker?symbol=btcusdt", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "BTCUSDT", body["symbol"])
	assert.Equal(t, "65000.5", body["price"])

	status, body = env.do(t, http.MethodGet, "/v1/ticker", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
}

func TestExchangeErrorsMapped(t *testing.T) {
	env := newTestEnv(t, 0)

	env.exchange.mu.Lock()
	env.exchange.tickerErr = &rest.APIError{StatusCode: http.StatusBadRequest, Code: -1121, Message: "Invalid symbol."}
	env.exchange.mu.Unlock()
	status, body := env.do(t, http.MethodGet, "/v1/ticker?symbol=NOPE", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "EXCHANGE_REJECTED", body["code"])

	env.exchange.mu.Lock()
	env.exchange.tickerErr = &rest.APIError{StatusCode: http.StatusServiceUnavailable, Message: "maintenance"}
	env.exchange.mu.Unlock()
	status, body = env.do(t, http.MethodGet, "/v1/ticker?symbol=ETHUSDT", "")
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "UPSTREAM_ERROR", body["code"])
}

func TestGetKlines(t *testing.T) {
	env := newTestEnv(t, 0)

	status, body := env.do(t, http.MethodGet, "/v1/klines?symbol=btcusdt&interval=5m", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "5m", body["interval"])
	assert.Len(t, body["candles"], 2)

	status, _ = env.do(t, http.MethodGet, "/v1/klines?symbol=btcusdt&interval=7x", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestOrderEndpoints(t *testing.T) {
	env := newTestEnv(t, 0)

	status, body := env.do(t, http.MethodPost, "/v1/orders",
		`{"symbol":"btcusdt","side":"buy","type":"limit","price":"100.5","quantity":"0.01","client_order_id":"web-1"}`)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "web-1", body["client_order_id"])
	assert.Equal(t, true, body["optimistic"])

	status, body = env.do(t, http.MethodGet, "/v1/orders?symbol=BTCUSDT", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["orders"], 1)

	status, body = env.do(t, http.MethodPost, "/v1/orders",
		`{"symbol":"btcusdt","side":"buy","type":"limit","price":"100.5","quantity":"0.01","client_order_id":"web-1"}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ORDER_CONFLICT", body["code"])

	status, _ = env.do(t, http.MethodPost, "/v1/orders", `{"symbol":"btcusdt","side":"buy","quantity":"0"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = env.do(t, http.MethodDelete, "/v1/orders/unknown", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "ORDER_NOT_FOUND", body["code"])

	status, _ = env.do(t, http.MethodDelete, "/v1/orders/web-1", "")
	assert.Equal(t, http.StatusConflict, status, "pending orders cannot be canceled yet")
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, 0)

	status, body := env.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, status)
	for _, key := range []string{"upstream", "market", "chart", "orders", "cache", "ratelimit"} {
		assert.Contains(t, body, key)
	}
}

func TestClassify(t *testing.T) {
	status, code := classify(cache.ErrFetchTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, "UPSTREAM_TIMEOUT", code)

	status, _ = classify(orders.ErrOrderNotCancelable)
	assert.Equal(t, http.StatusConflict, status)
}
