// Package chart keeps candle history per (symbol, interval), merges live
// candles into it and backfills older history as the viewport scrolls left.
package chart

import (
	"context"
	"sync"
	"time"

	"go_tradedash/dataplane/internal/config"
	"go_tradedash/dataplane/internal/metrics"
	"go_tradedash/dataplane/internal/upstream"
	"go_tradedash/dataplane/pkg/types"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrEmptySymbol         = errors.New("symbol required")
	ErrUnknownInterval     = errors.New("unknown interval")
	ErrUnknownSubscription = errors.New("unknown chart subscription")
	ErrUnknownSeries       = errors.New("unknown chart series")
	ErrClosed              = errors.New("chart service closed")
)

// KlineSource loads candle history. marketdata.Service implements it.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
	GetKlinesBefore(ctx context.Context, symbol, interval string, endTime int64, limit int) ([]types.Candle, error)
	RefreshKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
}

// PushSource is the refcounted push subscription surface.
type PushSource interface {
	Subscribe(topic string, h upstream.Handlers) *upstream.Handle
	Unsubscribe(h *upstream.Handle)
}

// SubscribeConfig describes one chart consumer.
type SubscribeConfig struct {
	Symbol           string
	Interval         string
	HistoricalLimit  int
	EnableRealTime   bool
	PreloadIntervals []string
}

type subscription struct {
	id       string
	key      string
	consumer Consumer
	realtime bool
	viewFrom int
	viewTo   int
}

// series is the retained state of one (symbol, interval) key. candles is
// replaced on every change and never modified in place, so a slice handed
// out under the lock stays valid.
type series struct {
	key      string
	symbol   string
	interval string
	limit    int

	candles       []types.Candle
	loaded        bool
	pendingSetup  bool
	backfilling   bool
	noMoreHistory bool

	subs        map[string]*subscription
	realtime    int
	handle      *upstream.Handle
	streamTimer *time.Timer
	opening     bool
	streamGen   uint64 // bumped on teardown; an open begun earlier gives up
	lastUsed    time.Time
}

// Service is the chart data service.
type Service struct {
	cfg     *config.ChartConfig
	klines  KlineSource
	push    PushSource
	logger  *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	series map[string]*series
	subs   map[string]*subscription
	closed bool
}

// NewService creates a chart data service.
func NewService(cfg *config.ChartConfig, klines KlineSource, push PushSource, logger *zap.Logger, m *metrics.Metrics) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:     cfg,
		klines:  klines,
		push:    push,
		logger:  logger.With(zap.String("component", "chart")),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		series:  make(map[string]*series),
		subs:    make(map[string]*subscription),
	}
}

func seriesKey(symbol, interval string) string {
	return symbol + ":" + interval
}

// Subscribe registers a consumer for a (symbol, interval) key and returns the
// subscription id. The first subscriber loads history; consumers joining
// while that load is pending receive the same history when it lands, and
// consumers joining later receive the retained series immediately.
func (s *Service) Subscribe(ctx context.Context, cfg SubscribeConfig, consumer Consumer) (string, error) {
	symbol := types.NormalizeSymbol(cfg.Symbol)
	if symbol == "" {
		return "", ErrEmptySymbol
	}
	if _, ok := types.IntervalDuration(cfg.Interval); !ok {
		return "", errors.Wrapf(ErrUnknownInterval, "%q", cfg.Interval)
	}
	limit := cfg.HistoricalLimit
	if limit <= 0 {
		limit = s.cfg.HistoricalLimit
	}

	key := seriesKey(symbol, cfg.Interval)
	sub := &subscription{
		id:       uuid.NewString(),
		key:      key,
		consumer: consumer,
		realtime: cfg.EnableRealTime,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	sr, ok := s.series[key]
	if !ok {
		sr = &series{
			key:      key,
			symbol:   symbol,
			interval: cfg.Interval,
			limit:    limit,
			subs:     make(map[string]*subscription),
		}
		s.series[key] = sr
	}
	sr.subs[sub.id] = sub
	s.subs[sub.id] = sub
	var openGen uint64
	openNow := false
	if sub.realtime {
		sr.realtime++
		openGen, openNow = s.scheduleStreamLocked(sr)
	}

	setup := !sr.loaded && !sr.pendingSetup
	if setup {
		sr.pendingSetup = true
	}
	loaded := sr.loaded
	history := sr.candles
	if loaded {
		sub.viewFrom, sub.viewTo = viewAll(history)
	}
	s.mu.Unlock()

	if openNow {
		s.openStream(sr, openGen)
	}
	s.preload(symbol, cfg.Interval, cfg.PreloadIntervals, limit)

	if loaded {
		consumer.OnHistoricalData(symbol, cfg.Interval, history)
		return sub.id, nil
	}
	if !setup {
		return sub.id, nil
	}

	if err := s.load(ctx, sr); err != nil {
		s.Unsubscribe(sub.id)
		return "", err
	}
	return sub.id, nil
}

// load fetches the initial history of a series and hands it to every
// consumer registered so far. Only the subscriber that set pendingSetup
// calls it.
func (s *Service) load(ctx context.Context, sr *series) error {
	candles, err := s.klines.GetKlines(ctx, sr.symbol, sr.interval, sr.limit)

	s.mu.Lock()
	sr.pendingSetup = false
	if err != nil {
		subs := consumersLocked(sr)
		s.mu.Unlock()

		s.logger.Warn("Failed to load chart history",
			zap.String("symbol", sr.symbol),
			zap.String("interval", sr.interval),
			zap.Error(err))
		err = errors.Wrapf(err, "load %s", sr.key)
		for _, sub := range subs {
			sub.consumer.OnError(sr.symbol, sr.interval, err)
		}
		return err
	}

	// Candles pushed while the request was in flight are newer than the
	// snapshot and win on equal open time.
	sr.candles = s.capped(types.MergeCandles(candles, sr.candles))
	sr.loaded = true
	for _, sub := range sr.subs {
		sub.viewFrom, sub.viewTo = viewAll(sr.candles)
	}
	history := sr.candles
	subs := consumersLocked(sr)
	s.mu.Unlock()

	s.logger.Debug("Loaded chart history",
		zap.String("symbol", sr.symbol),
		zap.String("interval", sr.interval),
		zap.Int("candles", len(history)))
	for _, sub := range subs {
		sub.consumer.OnHistoricalData(sr.symbol, sr.interval, history)
	}
	return nil
}

// preload warms the request cache for other intervals of the symbol.
func (s *Service) preload(symbol, current string, intervals []string, limit int) {
	for _, interval := range intervals {
		if interval == current {
			continue
		}
		if _, ok := types.IntervalDuration(interval); !ok {
			continue
		}
		s.wg.Add(1)
		go func(interval string) {
			defer s.wg.Done()
			if _, err := s.klines.GetKlines(s.ctx, symbol, interval, limit); err != nil {
				s.logger.Debug("Preload failed",
					zap.String("symbol", symbol),
					zap.String("interval", interval),
					zap.Error(err))
			}
		}(interval)
	}
}

// scheduleStreamLocked arms the debounce timer that opens the dedicated
// stream of a series. With no debounce it reports that the caller must open
// the stream itself, after releasing the lock. A consumer that leaves before
// the delay elapses cancels it.
func (s *Service) scheduleStreamLocked(sr *series) (uint64, bool) {
	if sr.handle != nil || sr.streamTimer != nil || sr.opening {
		return 0, false
	}
	if s.cfg.StreamDebounce <= 0 {
		sr.opening = true
		return sr.streamGen, true
	}

	var timer *time.Timer
	timer = time.AfterFunc(s.cfg.StreamDebounce, func() {
		s.mu.Lock()
		// A timer stopped after it fired may find a newer one armed.
		if s.closed || s.series[sr.key] != sr || sr.streamTimer != timer {
			s.mu.Unlock()
			return
		}
		sr.streamTimer = nil
		open := sr.realtime > 0
		if open {
			sr.opening = true
		}
		gen := sr.streamGen
		s.mu.Unlock()

		if open {
			s.openStream(sr, gen)
		}
	})
	sr.streamTimer = timer
	return 0, false
}

// openStream subscribes the kline topic of a series. It must be called
// without the lock; the handle is dropped again if the stream was torn down
// meanwhile.
func (s *Service) openStream(sr *series, gen uint64) {
	h := s.push.Subscribe(types.KlineTopic(sr.symbol, sr.interval), upstream.Handlers{
		OnMessage: s.onCandle(sr),
		OnError: func(err error) {
			s.logger.Warn("Chart stream error", zap.String("series", sr.key), zap.Error(err))
		},
	})

	s.mu.Lock()
	if s.closed || s.series[sr.key] != sr || sr.streamGen != gen {
		s.mu.Unlock()
		s.push.Unsubscribe(h)
		return
	}
	sr.opening = false
	sr.handle = h
	s.mu.Unlock()

	s.logger.Info("Opened chart stream", zap.String("series", sr.key))
}

// teardownStreamLocked cancels a pending stream open and returns the handle
// to release, if any.
func teardownStreamLocked(sr *series) *upstream.Handle {
	sr.streamGen++
	sr.opening = false
	if sr.streamTimer != nil {
		sr.streamTimer.Stop()
		sr.streamTimer = nil
	}
	h := sr.handle
	sr.handle = nil
	return h
}

func (s *Service) onCandle(sr *series) func(*types.PushMessage) {
	return func(msg *types.PushMessage) {
		if msg.Kind != types.KindKline || msg.Kline == nil {
			return
		}
		if msg.Symbol != sr.symbol || msg.Interval != sr.interval {
			return
		}
		s.ApplyCandle(sr.symbol, sr.interval, *msg.Kline)
	}
}

// ApplyCandle upserts a live candle into a retained series and notifies its
// consumers. Candles for unknown series are ignored.
func (s *Service) ApplyCandle(symbol, interval string, candle types.Candle) {
	symbol = types.NormalizeSymbol(symbol)

	s.mu.Lock()
	sr, ok := s.series[seriesKey(symbol, interval)]
	if !ok {
		s.mu.Unlock()
		return
	}
	next, trimmed := upsert(sr.candles, candle, s.cfg.MaxCandles)
	sr.candles = next
	if trimmed > 0 {
		for _, sub := range sr.subs {
			sub.viewFrom = max(sub.viewFrom-trimmed, 0)
			sub.viewTo = max(sub.viewTo-trimmed, 0)
		}
	}
	subs := consumersLocked(sr)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.consumer.OnCandle(symbol, interval, candle)
	}
}

// upsert returns a new series with candle replacing the one of equal open
// time, or inserted in order. The front is trimmed to maxCandles; the
// number of trimmed candles is returned.
func upsert(candles []types.Candle, candle types.Candle, maxCandles int) ([]types.Candle, int) {
	for i := len(candles) - 1; i >= 0; i-- {
		if candles[i].OpenTime == candle.OpenTime {
			next := append([]types.Candle(nil), candles...)
			next[i] = candle
			return next, 0
		}
		if candles[i].OpenTime < candle.OpenTime {
			break
		}
	}

	var next []types.Candle
	if n := len(candles); n == 0 || candles[n-1].OpenTime < candle.OpenTime {
		next = make([]types.Candle, n, n+1)
		copy(next, candles)
		next = append(next, candle)
	} else {
		next = types.MergeCandles(candles, []types.Candle{candle})
	}

	trimmed := 0
	if maxCandles > 0 && len(next) > maxCandles {
		trimmed = len(next) - maxCandles
		next = next[trimmed:]
	}
	return next, trimmed
}

func (s *Service) capped(candles []types.Candle) []types.Candle {
	if s.cfg.MaxCandles > 0 && len(candles) > s.cfg.MaxCandles {
		return candles[len(candles)-s.cfg.MaxCandles:]
	}
	return candles
}

// UpdateViewport records the visible bar range [from, to) of a subscription.
// When fewer than the backfill threshold bars remain left of the window an
// asynchronous fetch of older candles starts, unless one is already running
// or the series has no more history. It reports whether a backfill started.
func (s *Service) UpdateViewport(subscriptionID string, from, to int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[subscriptionID]
	if !ok {
		return false, errors.Wrapf(ErrUnknownSubscription, "id %s", subscriptionID)
	}
	sub.viewFrom, sub.viewTo = from, to

	sr := s.series[sub.key]
	if sr == nil || s.closed || !sr.loaded || len(sr.candles) == 0 {
		return false, nil
	}
	if from >= s.cfg.BackfillThreshold || sr.backfilling || sr.noMoreHistory {
		return false, nil
	}

	sr.backfilling = true
	endTime := sr.candles[0].OpenTime
	s.wg.Add(1)
	go s.backfill(sr, endTime)
	return true, nil
}

// Viewport returns the current bar range of a subscription, shifted by any
// backfill that landed since it was set.
func (s *Service) Viewport(subscriptionID string) (from, to int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[subscriptionID]
	if !ok {
		return 0, 0, false
	}
	return sub.viewFrom, sub.viewTo, true
}

func (s *Service) backfill(sr *series, endTime int64) {
	defer s.wg.Done()

	limit := s.cfg.BackfillLimit
	if limit <= 0 {
		limit = sr.limit
	}
	older, err := s.klines.GetKlinesBefore(s.ctx, sr.symbol, sr.interval, endTime, limit)

	s.mu.Lock()
	sr.backfilling = false
	if err != nil {
		subs := consumersLocked(sr)
		s.mu.Unlock()

		s.metrics.RecordBackfill("error")
		s.logger.Warn("Backfill failed", zap.String("series", sr.key), zap.Error(err))
		err = errors.Wrapf(err, "backfill %s", sr.key)
		for _, sub := range subs {
			sub.consumer.OnError(sr.symbol, sr.interval, err)
		}
		return
	}

	// Backfilled history is kept even past MaxCandles; only live appends trim.
	merged := types.MergeCandles(older, sr.candles)
	added := len(merged) - len(sr.candles)
	sr.candles = merged
	if added == 0 {
		sr.noMoreHistory = true
	}
	for _, sub := range sr.subs {
		sub.viewFrom += added
		sub.viewTo += added
	}
	subs := consumersLocked(sr)
	s.mu.Unlock()

	if added == 0 {
		s.metrics.RecordBackfill("exhausted")
		s.logger.Debug("No more history", zap.String("series", sr.key))
		return
	}
	s.metrics.RecordBackfill("ok")
	for _, sub := range subs {
		sub.consumer.OnBackfill(sr.symbol, sr.interval, merged, added)
	}
}

// RefreshData reloads the history of a series bypassing the request cache
// and redelivers it to every consumer.
func (s *Service) RefreshData(ctx context.Context, symbol, interval string) error {
	symbol = types.NormalizeSymbol(symbol)
	key := seriesKey(symbol, interval)

	s.mu.Lock()
	sr, ok := s.series[key]
	s.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownSeries, "%s", key)
	}

	candles, err := s.klines.RefreshKlines(ctx, symbol, interval, sr.limit)
	if err != nil {
		return errors.Wrapf(err, "refresh %s", key)
	}

	s.mu.Lock()
	sr.candles = s.capped(types.SortCandles(append([]types.Candle(nil), candles...)))
	sr.loaded = true
	sr.noMoreHistory = false
	for _, sub := range sr.subs {
		sub.viewFrom, sub.viewTo = viewAll(sr.candles)
	}
	history := sr.candles
	subs := consumersLocked(sr)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.consumer.OnHistoricalData(symbol, interval, history)
	}
	return nil
}

// Unsubscribe removes a consumer. The last real-time consumer of a series
// tears down its stream; the candles stay until Sweep drops them.
func (s *Service) Unsubscribe(subscriptionID string) {
	s.mu.Lock()
	sub, ok := s.subs[subscriptionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, subscriptionID)

	var release *upstream.Handle
	if sr, ok := s.series[sub.key]; ok {
		delete(sr.subs, subscriptionID)
		if sub.realtime {
			sr.realtime--
			if sr.realtime == 0 {
				release = teardownStreamLocked(sr)
			}
		}
		if len(sr.subs) == 0 {
			sr.lastUsed = time.Now()
		}
	}
	s.mu.Unlock()

	if release != nil {
		s.push.Unsubscribe(release)
		s.logger.Info("Closed chart stream", zap.String("topic", release.Topic()))
	}
}

// Series returns a copy of the retained candles of a key.
func (s *Service) Series(symbol, interval string) ([]types.Candle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.series[seriesKey(types.NormalizeSymbol(symbol), interval)]
	if !ok || !sr.loaded {
		return nil, false
	}
	return append([]types.Candle(nil), sr.candles...), true
}

// Sweep drops series without consumers that have been idle for twice their
// interval ttl.
func (s *Service) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, sr := range s.series {
		if len(sr.subs) > 0 || sr.pendingSetup || sr.backfilling {
			continue
		}
		if now.Sub(sr.lastUsed) > 2*types.IntervalTTL(sr.interval) {
			delete(s.series, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle series until ctx ends.
func (s *Service) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval
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
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("Swept chart series", zap.Int("removed", n))
			}
		}
	}
}

// Close tears down every stream and waits for background fetches.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var handles []*upstream.Handle
	for _, sr := range s.series {
		if h := teardownStreamLocked(sr); h != nil {
			handles = append(handles, h)
		}
	}
	s.mu.Unlock()

	s.cancel()
	for _, h := range handles {
		s.push.Unsubscribe(h)
	}
	s.wg.Wait()
}

// Stats returns chart service statistics.
type Stats struct {
	Series        int `json:"series"`
	Subscriptions int `json:"subscriptions"`
	Streams       int `json:"streams"`
	Backfilling   int `json:"backfilling"`
}

// GetStats returns current statistics.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Series: len(s.series), Subscriptions: len(s.subs)}
	for _, sr := range s.series {
		if sr.handle != nil {
			st.Streams++
		}
		if sr.backfilling {
			st.Backfilling++
		}
	}
	return st
}

func consumersLocked(sr *series) []*subscription {
	out := make([]*subscription, 0, len(sr.subs))
	for _, sub := range sr.subs {
		out = append(out, sub)
	}
	return out
}

func viewAll(candles []types.Candle) (int, int) {
	return 0, len(candles)
}
