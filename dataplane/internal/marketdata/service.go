// Package marketdata serves tickers, orderbooks and klines to consumers,
// sharing one push subscription per symbol.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go_tradedash/dataplane/internal/cache"
	"go_tradedash/dataplane/internal/config"
	"go_tradedash/dataplane/internal/fanout"
	"go_tradedash/dataplane/internal/metrics"
	"go_tradedash/dataplane/internal/upstream"
	"go_tradedash/dataplane/pkg/types"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrEmptySymbol          = errors.New("symbol required")
	ErrUnknownSubscription  = errors.New("unknown subscription")
	ErrSubscriptionConflict = errors.New("subscription already attached to symbol")
)

// PushSource is the refcounted push subscription surface.
type PushSource interface {
	Subscribe(topic string, h upstream.Handlers) *upstream.Handle
	Unsubscribe(h *upstream.Handle)
}

// SnapshotFetcher loads market data on demand.
type SnapshotFetcher interface {
	GetTicker(ctx context.Context, symbol string) (*types.TickerSnapshot, error)
	GetOrderBook(ctx context.Context, symbol string, limit int) (*types.OrderBookSnapshot, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int, endTime int64) ([]types.Candle, error)
}

// SubscribeConfig selects a symbol and the event kinds a consumer receives.
// With no Include flag set every kind is delivered. A non-empty
// SubscriptionID attaches the symbol to an existing subscription.
type SubscribeConfig struct {
	SubscriptionID   string
	Symbol           string
	IncludeTicker    bool
	IncludeOrderbook bool
	IncludeKlines    bool
}

// Subscription is a consumer's handle on the service.
type Subscription struct {
	ID     string
	Events <-chan *types.MarketEvent
}

// symbolStream is the shared push subscription of a symbol. handle is nil
// while its creator is still subscribing.
type symbolStream struct {
	handle    *upstream.Handle
	consumers map[string]struct{}
}

// Service is the market data service.
type Service struct {
	cfg     *config.MarketConfig
	push    PushSource
	rest    SnapshotFetcher
	cache   *cache.RequestCache
	layer   *cache.Layer
	hub     *fanout.Hub
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	streams map[string]*symbolStream
	subs    map[string]*fanout.Subscriber
}

// NewService creates a market data service.
func NewService(
	cfg *config.MarketConfig,
	push PushSource,
	rest SnapshotFetcher,
	requestCache *cache.RequestCache,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Service {
	s := &Service{
		cfg:     cfg,
		push:    push,
		rest:    rest,
		cache:   requestCache,
		layer:   cache.NewLayer(cfg.OrderBookDepth),
		hub:     fanout.NewHub(cfg.SubscriberBufferSize, cfg.SlowConsumerThreshold, cfg.ConsumerStallTimeout, m),
		logger:  logger.With(zap.String("component", "marketdata")),
		metrics: m,
		streams: make(map[string]*symbolStream),
		subs:    make(map[string]*fanout.Subscriber),
	}
	s.hub.OnEvict(s.evicted)
	return s
}

// TickerKey is the request cache key of a symbol's ticker.
func TickerKey(symbol string) string { return "ticker:" + symbol }

// OrderBookKey is the request cache key of a symbol's orderbook.
func OrderBookKey(symbol string) string { return "orderbook:" + symbol }

// KlinesKey is the request cache key of the latest candles.
func KlinesKey(symbol, interval string, limit int) string {
	return fmt.Sprintf("klines:%s:%s:%d", symbol, interval, limit)
}

// KlinesBeforeKey is the request cache key of a backfill page.
func KlinesBeforeKey(symbol, interval string, endTime int64, limit int) string {
	return fmt.Sprintf("klines:%s:%s:%d:before:%d", symbol, interval, limit, endTime)
}

// Subscribe registers a consumer for a symbol. The push subscription of the
// symbol is opened by its first consumer and shared by the rest.
func (s *Service) Subscribe(cfg SubscribeConfig) (*Subscription, error) {
	symbol := types.NormalizeSymbol(cfg.Symbol)
	if symbol == "" {
		return nil, ErrEmptySymbol
	}

	s.mu.Lock()
	var sub *fanout.Subscriber
	if cfg.SubscriptionID != "" {
		existing, ok := s.subs[cfg.SubscriptionID]
		if !ok {
			s.mu.Unlock()
			return nil, errors.Wrapf(ErrUnknownSubscription, "id %s", cfg.SubscriptionID)
		}
		sub = existing
	} else {
		sub = s.hub.CreateSubscriber(uuid.NewString(), kinds(cfg)...)
		s.subs[sub.ID] = sub
	}

	if !s.hub.Subscribe(symbol, sub) {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrSubscriptionConflict, "%s on %s", sub.ID, symbol)
	}

	st, ok := s.streams[symbol]
	if !ok {
		st = &symbolStream{consumers: make(map[string]struct{})}
		s.streams[symbol] = st
	}
	st.consumers[sub.ID] = struct{}{}
	s.mu.Unlock()

	if !ok {
		s.openStream(symbol, st)
	}
	return &Subscription{ID: sub.ID, Events: sub.SendChan}, nil
}

// openStream subscribes the push topic of a new stream outside the lock. If
// the stream lost its last consumer meanwhile the handle is released again.
func (s *Service) openStream(symbol string, st *symbolStream) {
	h := s.push.Subscribe(types.MarketTopic(symbol), upstream.Handlers{
		OnMessage: s.onMessage(symbol),
		OnError:   s.onError(symbol),
	})

	s.mu.Lock()
	current := s.streams[symbol] == st
	if current {
		st.handle = h
	}
	s.mu.Unlock()

	if !current {
		s.push.Unsubscribe(h)
		return
	}
	s.logger.Info("Opened market stream", zap.String("symbol", symbol))
}

func kinds(cfg SubscribeConfig) []types.MessageKind {
	var out []types.MessageKind
	if cfg.IncludeTicker {
		out = append(out, types.KindTicker)
	}
	if cfg.IncludeOrderbook {
		out = append(out, types.KindOrderBook)
	}
	if cfg.IncludeKlines {
		out = append(out, types.KindKline)
	}
	return out
}

// Unsubscribe detaches a consumer from a symbol. The last consumer of a
// symbol releases its push subscription.
func (s *Service) Unsubscribe(subscriptionID, symbol string) {
	symbol = types.NormalizeSymbol(symbol)
	if s.hub.Unsubscribe(symbol, subscriptionID) {
		s.release(subscriptionID, []string{symbol})
	}
}

// UnsubscribeAll detaches a consumer from every symbol.
func (s *Service) UnsubscribeAll(subscriptionID string) {
	s.release(subscriptionID, s.hub.RemoveSubscriber(subscriptionID))
}

func (s *Service) evicted(subID string, symbols []string) {
	s.logger.Warn("Evicted slow consumer", zap.String("subscription", subID), zap.Strings("symbols", symbols))
	s.release(subID, symbols)
}

func (s *Service) release(subID string, symbols []string) {
	var closing []*upstream.Handle

	s.mu.Lock()
	for _, symbol := range symbols {
		st, ok := s.streams[symbol]
		if !ok {
			continue
		}
		delete(st.consumers, subID)
		if len(st.consumers) == 0 {
			if st.handle != nil {
				closing = append(closing, st.handle)
			}
			delete(s.streams, symbol)
		}
	}
	if sub, ok := s.subs[subID]; ok && len(sub.Symbols()) == 0 {
		delete(s.subs, subID)
	}
	s.mu.Unlock()

	for _, h := range closing {
		s.push.Unsubscribe(h)
		s.logger.Info("Closed market stream", zap.String("topic", h.Topic()))
	}
}

// onMessage returns the push handler of one symbol. Frames for any other
// symbol are dropped without touching state.
func (s *Service) onMessage(symbol string) func(*types.PushMessage) {
	return func(msg *types.PushMessage) {
		if msg.Symbol != symbol {
			s.logger.Debug("Dropping push frame for foreign symbol",
				zap.String("expected", symbol),
				zap.String("got", msg.Symbol))
			return
		}

		switch msg.Kind {
		case types.KindTicker:
			if msg.Ticker == nil {
				return
			}
			s.layer.UpdateTicker(msg.Ticker)
			s.cache.Set(TickerKey(symbol), msg.Ticker, s.cfg.TickerTTL)
		case types.KindOrderBook:
			if msg.OrderBook == nil {
				return
			}
			s.layer.UpdateOrderbook(msg.OrderBook)
			if book, ok := s.layer.GetOrderbook(symbol); ok {
				s.cache.Set(OrderBookKey(symbol), book, s.cfg.OrderBookTTL)
			}
		case types.KindKline:
			if msg.Kline == nil {
				return
			}
		default:
			return
		}

		s.hub.Publish(symbol, types.EventFromPush(msg))
	}
}

func (s *Service) onError(symbol string) func(error) {
	return func(err error) {
		s.logger.Warn("Market stream error", zap.String("symbol", symbol), zap.Error(err))
	}
}

// GetTicker returns the ticker of a symbol, from the cache when fresh.
func (s *Service) GetTicker(ctx context.Context, symbol string) (*types.TickerSnapshot, error) {
	symbol = types.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, ErrEmptySymbol
	}
	return cache.Fetch(ctx, s.cache, TickerKey(symbol), s.cfg.TickerTTL, func(ctx context.Context) (*types.TickerSnapshot, error) {
		return s.rest.GetTicker(ctx, symbol)
	})
}

// GetOrderBook returns the orderbook of a symbol, from the cache when fresh.
func (s *Service) GetOrderBook(ctx context.Context, symbol string) (*types.OrderBookSnapshot, error) {
	symbol = types.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, ErrEmptySymbol
	}
	return cache.Fetch(ctx, s.cache, OrderBookKey(symbol), s.cfg.OrderBookTTL, func(ctx context.Context) (*types.OrderBookSnapshot, error) {
		return s.rest.GetOrderBook(ctx, symbol, s.cfg.OrderBookDepth)
	})
}

// GetKlines returns the latest limit candles, cached per interval with a
// ttl scaled to the candle duration.
func (s *Service) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	symbol = types.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, ErrEmptySymbol
	}
	return cache.Fetch(ctx, s.cache, KlinesKey(symbol, interval, limit), types.IntervalTTL(interval), func(ctx context.Context) ([]types.Candle, error) {
		return s.rest.GetKlines(ctx, symbol, interval, limit, 0)
	})
}

// GetKlinesBefore returns up to limit candles opening before endTime (ms).
func (s *Service) GetKlinesBefore(ctx context.Context, symbol, interval string, endTime int64, limit int) ([]types.Candle, error) {
	symbol = types.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, ErrEmptySymbol
	}
	return cache.Fetch(ctx, s.cache, KlinesBeforeKey(symbol, interval, endTime, limit), types.IntervalTTL(interval), func(ctx context.Context) ([]types.Candle, error) {
		return s.rest.GetKlines(ctx, symbol, interval, limit, endTime-1)
	})
}

// RefreshKlines bypasses the cache for the latest candles.
func (s *Service) RefreshKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	symbol = types.NormalizeSymbol(symbol)
	key := KlinesKey(symbol, interval, limit)
	v, err := s.cache.Refresh(ctx, key, func(ctx context.Context) (interface{}, error) {
		return s.rest.GetKlines(ctx, symbol, interval, limit, 0)
	}, types.IntervalTTL(interval))
	if err != nil {
		return nil, err
	}
	candles, ok := v.([]types.Candle)
	if !ok {
		return nil, errors.Wrapf(cache.ErrTypeMismatch, "key %s holds %T", key, v)
	}
	return candles, nil
}

// Latest returns the last pushed ticker and orderbook without any request.
func (s *Service) Latest(symbol string) (*types.TickerSnapshot, *types.OrderBookSnapshot) {
	symbol = types.NormalizeSymbol(symbol)
	ticker, _ := s.layer.GetTicker(symbol)
	book, _ := s.layer.GetOrderbook(symbol)
	return ticker, book
}

// ActiveSymbols returns the symbols with at least one consumer.
func (s *Service) ActiveSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.streams))
	for symbol := range s.streams {
		out = append(out, symbol)
	}
	return out
}

// Stats returns market data service statistics.
type Stats struct {
	Symbols       int              `json:"symbols"`
	Subscriptions int              `json:"subscriptions"`
	Hub           fanout.Stats     `json:"hub"`
	Snapshots     cache.LayerStats `json:"snapshots"`
}

// GetStats returns current statistics.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	symbols, subs := len(s.streams), len(s.subs)
	s.mu.Unlock()

	return Stats{
		Symbols:       symbols,
		Subscriptions: subs,
		Hub:           s.hub.GetStats(),
		Snapshots:     s.layer.GetStats(),
	}
}

// Run evicts stuck consumers and drops snapshots of idle symbols until ctx ends.
func (s *Service) Run(ctx context.Context) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			zombies := s.hub.CleanupZombies()
			removed := 0
			if s.cfg.SnapshotStaleAfter > 0 {
				removed = s.layer.Cleanup(s.cfg.SnapshotStaleAfter)
			}
			if zombies > 0 || removed > 0 {
				s.logger.Debug("Market data cleanup", zap.Int("zombies", zombies), zap.Int("snapshots", removed))
			}
		}
	}
}
