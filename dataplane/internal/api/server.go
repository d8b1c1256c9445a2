// Package api provides the HTTP API using Fiber and the streaming
// WebSocket endpoint.
package api

import (
	"fmt"
	"strings"
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
	"go_tradedash/dataplane/pkg/types"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultKlineLimit = 500
	maxKlineLimit     = 1000
)

// Server is the HTTP API server.
type Server struct {
	app      *fiber.App
	cfg      *config.ServerConfig
	market   *marketdata.Service
	charts   *chart.Service
	orders   *orders.Reconciler
	upstream *upstream.Manager
	cache    *cache.RequestCache
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

// NewServer creates a new API server.
func NewServer(
	cfg *config.ServerConfig,
	market *marketdata.Service,
	charts *chart.Service,
	ledger *orders.Reconciler,
	upstreamMgr *upstream.Manager,
	requestCache *cache.RequestCache,
	limiter *ratelimit.Limiter,
	logger *zap.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Tradedash Data Plane",
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           120 * time.Second,
		JSONEncoder:           codec.Marshal,
		JSONDecoder:           codec.Unmarshal,
		DisableStartupMessage: true,
	})

	s := &Server{
		app:      app,
		cfg:      cfg,
		market:   market,
		charts:   charts,
		orders:   ledger,
		upstream: upstreamMgr,
		cache:    requestCache,
		limiter:  limiter,
		logger:   logger.With(zap.String("component", "api")),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware sets up middleware.
func (s *Server) setupMiddleware() {
	s.app.Use(recover.New())
	s.app.Use(cors.New())
	s.app.Use(s.requestLogger)
}

// setupRoutes sets up routes.
func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)

	v1 := s.app.Group("/v1")

	// Market data endpoints
	v1.Get("/ticker", s.handleGetTicker)
	v1.Get("/orderbook", s.handleGetOrderbook)
	v1.Get("/klines", s.handleGetKlines)
	v1.Get("/symbols", s.handleGetSymbols)

	// Order endpoints
	v1.Get("/orders", s.handleListOrders)
	v1.Post("/orders", s.handlePlaceOrder)
	v1.Delete("/orders/:clientOrderId", s.handleCancelOrder)

	// Stats endpoint (internal)
	s.app.Get("/stats", s.handleStats)
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("Request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("latency", time.Since(start)))
	return err
}

// fail writes an error response with a status derived from err.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	status, code := classify(err)
	if status >= fiber.StatusInternalServerError {
		s.logger.Warn("Request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
		"code":  code,
	})
}

func classify(err error) (int, string) {
	var apiErr *rest.APIError
	switch {
	case errors.Is(err, marketdata.ErrEmptySymbol),
		errors.Is(err, chart.ErrUnknownInterval),
		errors.Is(err, orders.ErrInvalidOrder):
		return fiber.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, orders.ErrOrderNotFound):
		return fiber.StatusNotFound, "ORDER_NOT_FOUND"
	case errors.Is(err, orders.ErrDuplicateOrder),
		errors.Is(err, orders.ErrOrderNotCancelable):
		return fiber.StatusConflict, "ORDER_CONFLICT"
	case errors.Is(err, cache.ErrFetchTimeout):
		return fiber.StatusGatewayTimeout, "UPSTREAM_TIMEOUT"
	case errors.As(err, &apiErr) && apiErr.IsTerminal():
		return fiber.StatusBadRequest, "EXCHANGE_REJECTED"
	default:
		return fiber.StatusBadGateway, "UPSTREAM_ERROR"
	}
}

// handleHealth returns health status.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":     "ok",
		"connection": s.upstream.State().String(),
		"time":       time.Now().UTC(),
	})
}

// handleGetTicker returns the ticker of a symbol.
func (s *Server) handleGetTicker(c *fiber.Ctx) error {
	ticker, err := s.market.GetTicker(c.UserContext(), c.Query("symbol"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(ticker)
}

// handleGetOrderbook returns orderbook snapshot.
func (s *Server) handleGetOrderbook(c *fiber.Ctx) error {
	book, err := s.market.GetOrderBook(c.UserContext(), c.Query("symbol"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(book)
}

// handleGetKlines returns the latest candles of a symbol and interval.
func (s *Server) handleGetKlines(c *fiber.Ctx) error {
	interval := c.Query("interval", "1m")
	if _, ok := types.IntervalDuration(interval); !ok {
		return s.fail(c, errors.Wrapf(chart.ErrUnknownInterval, "%q", interval))
	}
	limit := c.QueryInt("limit", defaultKlineLimit)
	if limit <= 0 || limit > maxKlineLimit {
		limit = defaultKlineLimit
	}

	candles, err := s.market.GetKlines(c.UserContext(), c.Query("symbol"), interval, limit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"symbol":   types.NormalizeSymbol(c.Query("symbol")),
		"interval": interval,
		"candles":  candles,
	})
}

// handleGetSymbols returns symbols with live consumers.
func (s *Server) handleGetSymbols(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"symbols": s.market.ActiveSymbols(),
	})
}

// handleListOrders returns the order ledger.
func (s *Server) handleListOrders(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"orders": s.orders.Orders(c.Query("symbol")),
	})
}

type placeOrderBody struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	ClientOrderID string          `json:"client_order_id"`
}

// handlePlaceOrder records the order optimistically and returns the
// pending record; the outcome arrives through the order stream.
func (s *Server) handlePlaceOrder(c *fiber.Ctx) error {
	var body placeOrderBody
	if err := c.BodyParser(&body); err != nil {
		return s.fail(c, errors.Wrap(orders.ErrInvalidOrder, err.Error()))
	}

	order, err := s.orders.Place(orders.PlaceRequest{
		Symbol:        body.Symbol,
		Side:          types.OrderSide(strings.ToUpper(body.Side)),
		Type:          types.OrderType(strings.ToUpper(body.Type)),
		Price:         body.Price,
		Quantity:      body.Quantity,
		ClientOrderID: body.ClientOrderID,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(order)
}

// handleCancelOrder marks the order canceled and returns the record.
func (s *Server) handleCancelOrder(c *fiber.Ctx) error {
	order, err := s.orders.Cancel(c.Params("clientOrderId"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(order)
}

// handleStats returns service statistics.
func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"upstream":  s.upstream.GetStats(),
		"market":    s.market.GetStats(),
		"chart":     s.charts.GetStats(),
		"orders":    s.orders.GetStats(),
		"cache":     s.cache.GetStats(),
		"ratelimit": s.limiter.GetStats(),
	})
}

// Start starts the server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.HTTPPort)
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
