package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go_tradedash/dataplane/internal/chart"
	"go_tradedash/dataplane/internal/config"
	"go_tradedash/dataplane/internal/marketdata"
	"go_tradedash/dataplane/internal/orders"
	"go_tradedash/dataplane/internal/ratelimit"
	"go_tradedash/dataplane/pkg/types"

	"github.com/olebedev/emitter"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	outboundBuffer = 256
	writeTimeout   = 10 * time.Second
)

// WSMessage is a client control frame. Control frames are always JSON.
type WSMessage struct {
	Op       string   `json:"op"`
	Symbol   string   `json:"symbol,omitempty"`
	Channels []string `json:"channels,omitempty"`
	Interval string   `json:"interval,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	From     int      `json:"from,omitempty"`
	To       int      `json:"to,omitempty"`
}

// Frame is a server frame, encoded as JSON or msgpack.
type Frame struct {
	Op       string      `json:"op" msgpack:"op"`
	Symbol   string      `json:"symbol,omitempty" msgpack:"symbol,omitempty"`
	Interval string      `json:"interval,omitempty" msgpack:"interval,omitempty"`
	Data     interface{} `json:"data,omitempty" msgpack:"data,omitempty"`
	Error    string      `json:"error,omitempty" msgpack:"error,omitempty"`
}

// BackfillData is the payload of a backfill frame.
type BackfillData struct {
	Candles []types.Candle `json:"candles" msgpack:"candles"`
	Added   int            `json:"added" msgpack:"added"`
}

// WSHandler handles WebSocket connections.
type WSHandler struct {
	cfg     *config.ServerConfig
	market  *marketdata.Service
	charts  *chart.Service
	orders  *orders.Reconciler
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(
	cfg *config.ServerConfig,
	market *marketdata.Service,
	charts *chart.Service,
	ledger *orders.Reconciler,
	limiter *ratelimit.Limiter,
	logger *zap.Logger,
) *WSHandler {
	return &WSHandler{
		cfg:     cfg,
		market:  market,
		charts:  charts,
		orders:  ledger,
		limiter: limiter,
		logger:  logger.With(zap.String("component", "ws")),
	}
}

// NewMux serves the stream endpoint and Prometheus metrics.
func NewMux(ws *WSHandler, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	return mux
}

// ServeHTTP upgrades the request and runs the session until either side
// closes. Each remote address may hold a bounded number of streams.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientKey := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientKey = host
	}
	if !h.limiter.AcquireStream(clientKey, h.cfg.MaxStreamsPerClient) {
		http.Error(w, "maximum concurrent streams exceeded", http.StatusTooManyRequests)
		return
	}
	defer h.limiter.ReleaseStream(clientKey)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Debug("Upgrade failed", zap.Error(err))
		return
	}

	sess := &session{
		h:      h,
		conn:   conn,
		binary: r.URL.Query().Get("encoding") == "msgpack",
		out:    make(chan Frame, outboundBuffer),
		charts: make(map[string]string),
		logger: h.logger.With(zap.String("client", clientKey)),
	}
	err = sess.run(r.Context())

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		if err != nil && !errors.Is(err, context.Canceled) {
			sess.logger.Debug("Session ended", zap.Error(err))
		}
		conn.Close(websocket.StatusInternalError, "session ended")
	}
}

// session is one client connection. The read loop owns the subscription
// state; every write goes through out and the single writer goroutine.
type session struct {
	h      *WSHandler
	conn   *websocket.Conn
	binary bool
	out    chan Frame
	logger *zap.Logger

	marketID string
	symbols  map[string]struct{}
	charts   map[string]string // series key -> chart subscription id
	orderCh  <-chan emitter.Event

	wg sync.WaitGroup
}

func (s *session) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- s.writeLoop(ctx)
		cancel()
	}()

	err := s.readLoop(ctx)
	cancel()
	s.teardown()
	s.wg.Wait()

	if werr := <-writeErr; err == nil {
		err = werr
	}
	return err
}

func (s *session) readLoop(ctx context.Context) error {
	for {
		var msg WSMessage
		if err := wsjson.Read(ctx, s.conn, &msg); err != nil {
			return err
		}

		switch msg.Op {
		case "subscribe":
			s.subscribe(ctx, msg)
		case "unsubscribe":
			s.unsubscribe(msg)
		case "chart_subscribe":
			s.chartSubscribe(ctx, msg)
		case "chart_unsubscribe":
			s.chartUnsubscribe(msg)
		case "viewport":
			s.viewport(msg)
		case "orders":
			s.subscribeOrders(ctx)
		case "ping":
			s.send(Frame{Op: "pong"})
		default:
			s.send(Frame{Op: "error", Error: "unknown op " + msg.Op})
		}
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-s.out:
			if err := s.write(ctx, frame); err != nil {
				return err
			}
		}
	}
}

func (s *session) write(ctx context.Context, frame Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if !s.binary {
		return wsjson.Write(ctx, s.conn, frame)
	}
	data, err := msgpack.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "encode msgpack frame")
	}
	return s.conn.Write(ctx, websocket.MessageBinary, data)
}

// send queues a frame, dropping it when the client is not keeping up.
func (s *session) send(frame Frame) {
	select {
	case s.out <- frame:
	default:
		s.logger.Warn("Outbound buffer full, dropping frame", zap.String("op", frame.Op))
	}
}

func (s *session) subscribe(ctx context.Context, msg WSMessage) {
	cfg := marketdata.SubscribeConfig{SubscriptionID: s.marketID, Symbol: msg.Symbol}
	for _, ch := range msg.Channels {
		switch types.MessageKind(ch) {
		case types.KindTicker:
			cfg.IncludeTicker = true
		case types.KindOrderBook:
			cfg.IncludeOrderbook = true
		case types.KindKline:
			cfg.IncludeKlines = true
		}
	}

	sub, err := s.h.market.Subscribe(cfg)
	if errors.Is(err, marketdata.ErrUnknownSubscription) {
		// evicted or fully unsubscribed; start over
		s.marketID, s.symbols = "", nil
		cfg.SubscriptionID = ""
		sub, err = s.h.market.Subscribe(cfg)
	}
	if err != nil {
		s.send(Frame{Op: "error", Symbol: msg.Symbol, Error: err.Error()})
		return
	}

	symbol := types.NormalizeSymbol(msg.Symbol)
	if s.marketID == "" {
		s.marketID = sub.ID
		s.symbols = make(map[string]struct{})
		s.wg.Add(1)
		go s.pumpMarket(ctx, sub.Events)
	}
	s.symbols[symbol] = struct{}{}

	// last known values first, without waiting for the next push
	ticker, book := s.h.market.Latest(symbol)
	if ticker != nil && (len(msg.Channels) == 0 || cfg.IncludeTicker) {
		s.send(Frame{Op: "market", Symbol: symbol, Data: &types.MarketEvent{Type: types.KindTicker, Symbol: symbol, Timestamp: ticker.Timestamp, Ticker: ticker}})
	}
	if book != nil && (len(msg.Channels) == 0 || cfg.IncludeOrderbook) {
		s.send(Frame{Op: "market", Symbol: symbol, Data: &types.MarketEvent{Type: types.KindOrderBook, Symbol: symbol, Timestamp: book.Timestamp, OrderBook: book}})
	}
	s.send(Frame{Op: "subscribed", Symbol: symbol})
}

func (s *session) unsubscribe(msg WSMessage) {
	symbol := types.NormalizeSymbol(msg.Symbol)
	if s.marketID != "" {
		s.h.market.Unsubscribe(s.marketID, symbol)
		delete(s.symbols, symbol)
		if len(s.symbols) == 0 {
			s.marketID, s.symbols = "", nil
		}
	}
	s.send(Frame{Op: "unsubscribed", Symbol: symbol})
}

func (s *session) pumpMarket(ctx context.Context, events <-chan *types.MarketEvent) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.send(Frame{Op: "market", Symbol: ev.Symbol, Interval: ev.Interval, Data: ev})
		}
	}
}

func chartKey(symbol, interval string) string {
	return types.NormalizeSymbol(symbol) + ":" + interval
}

func (s *session) chartSubscribe(ctx context.Context, msg WSMessage) {
	key := chartKey(msg.Symbol, msg.Interval)
	if _, ok := s.charts[key]; ok {
		s.send(Frame{Op: "chart_subscribed", Symbol: msg.Symbol, Interval: msg.Interval})
		return
	}

	id, err := s.h.charts.Subscribe(ctx, chart.SubscribeConfig{
		Symbol:          msg.Symbol,
		Interval:        msg.Interval,
		HistoricalLimit: msg.Limit,
		EnableRealTime:  true,
	}, s.chartConsumer())
	if err != nil {
		s.send(Frame{Op: "error", Symbol: msg.Symbol, Interval: msg.Interval, Error: err.Error()})
		return
	}
	s.charts[key] = id
	s.send(Frame{Op: "chart_subscribed", Symbol: types.NormalizeSymbol(msg.Symbol), Interval: msg.Interval})
}

func (s *session) chartConsumer() chart.Consumer {
	return chart.ConsumerFuncs{
		Historical: func(symbol, interval string, candles []types.Candle) {
			s.send(Frame{Op: "history", Symbol: symbol, Interval: interval, Data: candles})
		},
		Candle: func(symbol, interval string, candle types.Candle) {
			s.send(Frame{Op: "candle", Symbol: symbol, Interval: interval, Data: candle})
		},
		Backfill: func(symbol, interval string, candles []types.Candle, added int) {
			s.send(Frame{Op: "backfill", Symbol: symbol, Interval: interval, Data: BackfillData{Candles: candles, Added: added}})
		},
		Error: func(symbol, interval string, err error) {
			s.send(Frame{Op: "error", Symbol: symbol, Interval: interval, Error: err.Error()})
		},
	}
}

func (s *session) chartUnsubscribe(msg WSMessage) {
	key := chartKey(msg.Symbol, msg.Interval)
	if id, ok := s.charts[key]; ok {
		s.h.charts.Unsubscribe(id)
		delete(s.charts, key)
	}
	s.send(Frame{Op: "chart_unsubscribed", Symbol: types.NormalizeSymbol(msg.Symbol), Interval: msg.Interval})
}

func (s *session) viewport(msg WSMessage) {
	id, ok := s.charts[chartKey(msg.Symbol, msg.Interval)]
	if !ok {
		s.send(Frame{Op: "error", Symbol: msg.Symbol, Interval: msg.Interval, Error: chart.ErrUnknownSubscription.Error()})
		return
	}
	if _, err := s.h.charts.UpdateViewport(id, msg.From, msg.To); err != nil {
		s.send(Frame{Op: "error", Symbol: msg.Symbol, Interval: msg.Interval, Error: err.Error()})
	}
}

func (s *session) subscribeOrders(ctx context.Context) {
	if s.orderCh == nil {
		s.orderCh = s.h.orders.On("order.*")
		s.wg.Add(1)
		go s.pumpOrders(ctx, s.orderCh)
	}
	s.send(Frame{Op: "orders_subscribed", Data: s.h.orders.Orders("")})
}

func (s *session) pumpOrders(ctx context.Context, events <-chan emitter.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n, _ := ev.Args[0].(orders.Notification)
			frame := Frame{Op: ev.OriginalTopic, Symbol: n.Order.Symbol, Data: n.Order}
			if n.Err != nil {
				frame.Error = n.Err.Error()
			}
			s.send(frame)
		}
	}
}

func (s *session) teardown() {
	if s.marketID != "" {
		s.h.market.UnsubscribeAll(s.marketID)
	}
	for _, id := range s.charts {
		s.h.charts.Unsubscribe(id)
	}
	if s.orderCh != nil {
		s.h.orders.Off("order.*", s.orderCh)
	}
}
