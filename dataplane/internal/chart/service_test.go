package chart

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go_tradedash/dataplane/internal/config"
	"go_tradedash/dataplane/internal/upstream"
	"go_tradedash/dataplane/internal/upstream/upstreamtest"
	"go_tradedash/dataplane/pkg/types"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const minute = int64(60_000)

func bars(from, n int) []types.Candle {
	out := make([]types.Candle, 0, n)
	for i := 0; i < n; i++ {
		open := int64(from+i) * minute
		out = append(out, types.Candle{OpenTime: open, CloseTime: open + minute - 1, Close: decimal.NewFromInt(int64(from + i))})
	}
	return out
}

type fakeKlines struct {
	mu        sync.Mutex
	history   map[string][]types.Candle
	pages     [][]types.Candle
	calls     map[string]int
	before    []int64
	refreshes int
	gate      chan struct{}
	pageGate  chan struct{}
	err       error
}

func newFakeKlines() *fakeKlines {
	return &fakeKlines{history: make(map[string][]types.Candle), calls: make(map[string]int)}
}

func (f *fakeKlines) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	f.mu.Lock()
	f.calls[interval]++
	gate, err := f.gate, f.err
	out := append([]types.Candle(nil), f.history[interval]...)
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return out, err
}

func (f *fakeKlines) GetKlinesBefore(ctx context.Context, symbol, interval string, endTime int64, limit int) ([]types.Candle, error) {
	f.mu.Lock()
	f.before = append(f.before, endTime)
	gate := f.pageGate
	var page []types.Candle
	if len(f.pages) > 0 {
		page, f.pages = f.pages[0], f.pages[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return page, nil
}

func (f *fakeKlines) RefreshKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return append([]types.Candle(nil), f.history[interval]...), nil
}

func (f *fakeKlines) callCount(interval string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[interval]
}

type recorder struct {
	mu         sync.Mutex
	historical [][]types.Candle
	candles    []types.Candle
	backfills  []int
	errs       []error
}

func (r *recorder) consumer() ConsumerFuncs {
	return ConsumerFuncs{
		Historical: func(_, _ string, c []types.Candle) {
			r.mu.Lock()
			r.historical = append(r.historical, c)
			r.mu.Unlock()
		},
		Candle: func(_, _ string, c types.Candle) {
			r.mu.Lock()
			r.candles = append(r.candles, c)
			r.mu.Unlock()
		},
		Backfill: func(_, _ string, _ []types.Candle, added int) {
			r.mu.Lock()
			r.backfills = append(r.backfills, added)
			r.mu.Unlock()
		},
		Error: func(_, _ string, err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) historyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.historical)
}

func (r *recorder) backfillCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backfills)
}

func newTestService(t *testing.T, cfg *config.ChartConfig) (*Service, *fakeKlines, *upstreamtest.Gateway) {
	t.Helper()

	if cfg == nil {
		cfg = &config.ChartConfig{
			MaxCandles:        100,
			HistoricalLimit:   500,
			BackfillThreshold: 2,
			BackfillLimit:     5,
		}
	}
	push, gw := upstreamtest.NewManager(t)
	klines := newFakeKlines()
	svc := NewService(cfg, klines, push, zaptest.NewLogger(t), nil)
	t.Cleanup(svc.Close)
	return svc, klines, gw
}

func klineFrame(symbol, interval string, openTime int64, closePrice string) string {
	return fmt.Sprintf(`{"e":"kline","s":%q,"k":{"t":%d,"T":%d,"i":%q,"o":"1","h":"1","l":"1","c":%q,"v":"1","x":false}}`,
		symbol, openTime, openTime+minute-1, interval, closePrice)
}

func TestHistoryLoadedOncePerKey(t *testing.T) {
	svc, klines, _ := newTestService(t, nil)
	klines.history["1m"] = bars(10, 5)

	var a, b recorder
	_, err := svc.Subscribe(context.Background(), SubscribeConfig{Symbol: "btcusdt", Interval: "1m"}, a.consumer())
	require.NoError(t, err)
	_, err = svc.Subscribe(context.Background(), SubscribeConfig{Symbol: "BTCUSDT", Interval: "1m"}, b.consumer())
	require.NoError(t, err)

	assert.Equal(t, 1, klines.callCount("1m"))
	require.Equal(t, 1, a.historyCount())
	require.Equal(t, 1, b.historyCount())
	assert.Len(t, b.historical[0], 5)

	series, ok := svc.Series("BTCUSDT", "1m")
	require.True(t, ok)
	series[0].OpenTime = -1
	again, _ := svc.Series("BTCUSDT", "1m")
	assert.Equal(t, 10*minute, again[0].OpenTime)
}

func TestPendingSetupGuard(t *testing.T) {
	svc, klines, _ := newTestService(t, nil)
	klines.history["1m"] = bars(10, 5)
	klines.gate = make(chan struct{})

	var a, b recorder
	done := make(chan error, 1)
	go func() {
		_, err := svc.Subscribe(context.Background(), SubscribeConfig{Symbol: "BTCUSDT", Interval: "1m"}, a.consumer())
		done <- err
	}()
	require.Eventually(t, func() bool { return klines.callCount("1m") == 1 }, time.Second, 5*time.Millisecond)

	_, err := svc.Subscribe(context.Background(), SubscribeConfig{Symbol: "BTCUSDT", Interval: "1m"}, b.consumer())
	require.NoError(t, err)
	assert.Equal(t, 0, b.historyCount())

	close(klines.gate)
	require.NoError(t, <-done)

	assert.Equal(t, 1, klines.callCount("1m"))
	assert.Equal(t, 1, a.historyCount())
	assert.Equal(t, 1, b.historyCount())
}

func TestLoadFailureNotifiesAndAllowsRetry(t *testing.T) {
	svc, klines, _ := newTestService(t, nil)
	klines.err = errors.New("upstream 503")

	var a recorder
	_, err := svc.Subscribe(context.Background(), SubscribeConfig{Symbol: "BTCUSDT", Interval: "1m"}, a.consumer())
	require.Error(t, err)
	assert.Equal(t, 0, svc.GetStats().Subscriptions)

	klines.mu.Lock()
	klines.err = nil
	klines.history["1m"] = bars(1, 3)
	klines.mu.Unlock()

	_, err = svc.Subscribe(context.Background(), SubscribeConfig{Symbol: "BTCUSDT", Interval: "1m"}, a.consumer())
	require.NoError(t, err)
	assert.Equal(t, 2, klines.callCount("1m"))
	assert.Equal(t, 1, a.historyCount())
}

func TestLiveCandleUpsertAndCap(t *testing.T) {
	svc, klines, gw := newTestService(t, &config.ChartConfig{
		MaxCandles:     5,
		StreamDebounce: 10 * time.Millisecond,
	})
	klines.history["1m"] = bars(10, 5)

	var rec recorder
	_, err := svc.Subscribe(context.Background(), SubscribeConfig{Symbol: "BTCUSDT", Interval: "1m", EnableRealTime: true}, rec.consumer())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return gw.Latest().Subscribed()["kline:BTCUSDT:1m"]
	}, time.Second, 5*time.Millisecond)

	gw.Emit(klineFrame("BTCUSDT", "1m", 14*minute, "99"))
	require.Eventually(t, func() bool {
		s, _ := svc.Series("BTCUSDT", "1m")
		return s[4].Close.String() == "99"
	}, time.Second, 5*time.Millisecond)
	s, _ := svc.Series("BTCUSDT", "1m")
	assert.Len(t, s, 5)

	gw.Emit(klineFrame("BTCUSDT", "1m", 15*minute, "100"))
	require.Eventually(t, func() bool {
		s, _ := svc.Series("BTCUSDT", "1m")
		return s[len(s)-1].OpenTime == 15*minute
	}, time.Second, 5*time.Millisecond)
	s, _ = svc.Series("BTCUSDT", "1m")
	assert.Len(t, s, 5)
	assert.Equal(t, 11*minute, s[0].OpenTime)

	// other intervals of the symbol never reach this series
	svc.ApplyCandle("BTCUSDT", "5m", bars(20, 1)[0])
	s, _ = svc.Series("BTCUSDT", "1m")
	assert.Equal(t, 15*minute, s[len(s)-1].OpenTime)
}

func TestUpsertOutOfOrderCandle(t *testing.T) {
	existing := []types.Candle{bars(1, 1)[0], bars(3, 1)[0]}
	next, trimmed := upsert(existing, bars(2, 1)[0], 0)

	assert.Zero(t, trimmed)
	require.Len(t, next, 3)
	assert.Equal(t, 2*minute, next[1].OpenTime)
	assert.Len(t, existing, 2)
}

func TestStreamDebounceSkipsTransientKeys(t *testing.T) {
	svc, klines, gw := newTestService(t, &config.ChartConfig{StreamDebounce: 50 * time.Millisecond})
	klines.history["1m"] = bars(1, 2)
	klines.history["5m"] = bars(1, 2)

	var rec recorder
	first, err := svc.Subscribe(context.Background(), SubscribeConfig{Symbol: "BTCUSDT", Interval: "1m", EnableRealTime: true}, rec.consumer())
	require.NoError(t, err)
	svc.Unsubscribe(first)
	_, err = svc.Subscribe(context.Background(), SubscribeConfig{Symbol: "BTCUSDT", Interval: "5m", EnableRealTime: true}, rec.consumer())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return gw.Latest().Subscribed()["kline:BTCUSDT:5m"]
	}, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	for _, ctl := range gw.Latest().Controls() {
		assert.NotEqual(t, "kline:BTCUSDT:1m", ctl.Topic)
	}
	assert.Equal(t, 1, svc.GetStats().Streams)
}

func TestStaleDebounceTimerDoesNotOpenEarly(t *testing.T) {
	svc, klines, gw := newTestService(t, &config.ChartConfig{StreamDebounce: 40 * time.Millisecond})
	klines.history["1m"] = bars(1, 2)

	var rec recorder
	_, err := svc.Subscribe(context.Background(), SubscribeConfig{Symbol: "BTCUSDT", Interval: "1m", EnableRealTime: true}, rec.consumer())
	require.NoError(t, err)

	// Let the first timer fire while the lock is held, then re-arm a new one
	// in its place before the stale callback gets the lock.
	svc.mu.Lock()
	time.Sleep(60 * time.Millisecond)
	sr := svc.series[seriesKey("BTCUSDT", "1m")]
	teardownStreamLocked(sr)
	_, now := svc.scheduleStreamLocked(sr)
	svc.mu.Unlock()
	require.False(t, now)

	time.Sleep(15 * time.Millisecond)
	assert.False(t, gw.Latest().Subscribed()["kline:BTCUSDT:1m"])

	require.Eventually(t, func() bool {
		return gw.Latest().Subscribed()["kline:BTCUSDT:1m"]
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, svc.GetStats().Streams)
}

// lockCheckingPush notes whether the service lock was held when a topic was
// subscribed.
type lockCheckingPush struct {
	PushSource
	mu     *sync.Mutex
	locked atomic.Bool
	calls  atomic.Int32
}

func (p *lockCheckingPush) Subscribe(topic string, h upstream.Handlers) *upstream.Handle {
	p.calls.Add(1)
	if p.mu.TryLock() {
		p.mu.Unlock()
	} else {
		p.locked.Store(true)
	}
	return p.PushSource.Subscribe(topic, h)
}

func TestStreamSubscribedWithoutServiceLock(t *testing.T) {
	for name, debounce := range map[string]time.Duration{
		"immediate": 0,
		"debounced": 30 * time.Millisecond,
	} {
		t.Run(name, func(t *testing.T) {
			push, gw := upstreamtest.NewManager(t)
			checking := &lockCheckingPush{PushSource: push}
			klines := newFakeKlines()
			klines.history["1m"] = bars(1, 2)
			svc := NewService(&config.ChartConfig{
				MaxCandles:      100,
				HistoricalLimit: 500,
				StreamDebounce:  debounce,
			}, klines, checking, zaptest.NewLogger(t), nil)
			t.Cleanup(svc.Close)
			checking.mu = &svc.mu

			var rec recorder
			id, err := svc.Subscribe(context.Background(), SubscribeConfig{Symbol: "BTCUSDT", Interval: "1m", EnableRealTime: true}, rec.consumer())
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				return gw.Latest().Subscribed()["kline:BTCUSDT:1m"]
			}, time.Second, 5*time.Millisecond)
			assert.EqualValues(t, 1, checking.calls.Load())
			assert.False(t, checking.locked.Load())

			svc.Unsubscribe(id)
			assert.False(t, gw.Latest().Subscribed()["kline:BTCUSDT:1m"])
		})
	}
}

func TestLastConsumerClosesStreamKeepsCandles(t *testing.T) {
	svc, klines, gw := newTestService(t, nil)
	klines.history["1m"] = bars(1, 3)

	var rec recorder
	id, err := svc.Subscribe(context.Background(), SubscribeConfig{Symbol: "BTCUSDT", Interval: "1m", EnableRealTime: true}, rec.consumer())
	require.NoError(t, err)
	assert.True(t, gw.Latest().Subscribed()["kline:BTCUSDT:1m"])

	svc.Unsubscribe(id)
	assert.False(t, gw.Latest().Subscribed()["kline:BTCUSDT:1m"])

	s, ok := svc.Series("BTCUSDT", "1m")
	require.True(t, ok)
	assert.Len(t, s, 3)

	assert.Zero(t, svc.Sweep())
	svc.mu.Lock()
	svc.series["BTCUSDT:1m"].lastUsed = time.Now().Add(-3 * time.Minute)
	svc.mu.Unlock()
	assert.Equal(t, 1, svc.Sweep())
	_, ok = svc.Series("BTCUSDT", "1m")
	assert.False(t, ok)
}

func TestBackfillSingleFlightAndViewportShift(t *testing.T) {
	svc, klines, _ := newTestService(t, nil)
	klines.history["1m"] = bars(10, 5)
	klines.pages = [][]types.Candle{bars(6, 5)}
	klines.pageGate = make(chan struct{})

	var rec recorder
	id, err := svc.Subscribe(context.Background(), SubscribeConfig{Symbol: "BTCUSDT", Interval: "1m"}, rec.consumer())
	require.NoError(t, err)

	started, err := svc.UpdateViewport(id, 3, 5)
	require.NoError(t, err)
	assert.False(t, started, "far from the left edge")

	started, err = svc.UpdateViewport(id, 1, 4)
	require.NoError(t, err)
	assert.True(t, started)

	started, err = svc.UpdateViewport(id, 0, 3)
	require.NoError(t, err)
	assert.False(t, started, "backfill already in flight")

	close(klines.pageGate)
	require.Eventually(t, func() bool { return rec.backfillCount() == 1 }, time.Second, 5*time.Millisecond)

	// bars 6..10 overlap the loaded 10 at one point, so four are new
	assert.Equal(t, []int{4}, rec.backfills)
	from, to, ok := svc.Viewport(id)
	require.True(t, ok)
	assert.Equal(t, 4, from)
	assert.Equal(t, 7, to)

	s, _ := svc.Series("BTCUSDT", "1m")
	require.Len(t, s, 9)
	for i := 1; i < len(s); i++ {
		assert.Less(t, s[i-1].OpenTime, s[i].OpenTime)
	}
	assert.Equal(t, []int64{10 * minute}, klines.before)
}

func TestEmptyBackfillStopsFurtherAttempts(t *testing.T) {
	svc, klines, _ := newTestService(t, nil)
	klines.history["1m"] = bars(10, 5)

	var rec recorder
	id, err := svc.Subscribe(context.Background(), SubscribeConfig{Symbol: "BTCUSDT", Interval: "1m"}, rec.consumer())
	require.NoError(t, err)

	started, err := svc.UpdateViewport(id, 0, 3)
	require.NoError(t, err)
	require.True(t, started)
	require.Eventually(t, func() bool { return svc.GetStats().Backfilling == 0 }, time.Second, 5*time.Millisecond)

	started, err = svc.UpdateViewport(id, 0, 3)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Zero(t, rec.backfillCount())

	_, err = svc.UpdateViewport("missing", 0, 1)
	assert.ErrorIs(t, err, ErrUnknownSubscription)
}

func TestRefreshDataBypassesCache(t *testing.T) {
	svc, klines, _ := newTestService(t, nil)
	klines.history["1m"] = bars(10, 3)

	var rec recorder
	_, err := svc.Subscribe(context.Background(), SubscribeConfig{Symbol: "BTCUSDT", Interval: "1m"}, rec.consumer())
	require.NoError(t, err)

	klines.mu.Lock()
	klines.history["1m"] = bars(10, 4)
	klines.mu.Unlock()

	require.NoError(t, svc.RefreshData(context.Background(), "BTCUSDT", "1m"))
	assert.Equal(t, 1, klines.refreshes)
	require.Equal(t, 2, rec.historyCount())
	assert.Len(t, rec.historical[1], 4)

	err = svc.RefreshData(context.Background(), "ETHUSDT", "1m")
	assert.ErrorIs(t, err, ErrUnknownSeries)
}

func TestPreloadIntervals(t *testing.T) {
	svc, klines, _ := newTestService(t, nil)
	klines.history["1m"] = bars(1, 2)

	var rec recorder
	_, err := svc.Subscribe(context.Background(), SubscribeConfig{
		Symbol:           "BTCUSDT",
		Interval:         "1m",
		PreloadIntervals: []string{"1m", "5m", "1h", "7x"},
	}, rec.consumer())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return klines.callCount("5m") == 1 && klines.callCount("1h") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, klines.callCount("1m"))
	assert.Zero(t, klines.callCount("7x"))
}

func TestSubscribeValidation(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	var rec recorder

	_, err := svc.Subscribe(context.Background(), SubscribeConfig{Interval: "1m"}, rec.consumer())
	assert.ErrorIs(t, err, ErrEmptySymbol)
	_, err = svc.Subscribe(context.Background(), SubscribeConfig{Symbol: "BTCUSDT", Interval: "7x"}, rec.consumer())
	assert.ErrorIs(t, err, ErrUnknownInterval)
}
