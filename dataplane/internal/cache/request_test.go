package cache

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go_tradedash/dataplane/internal/config"
	"go_tradedash/dataplane/internal/metrics"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestCache(t *testing.T, mutate func(*config.CacheConfig)) (*RequestCache, *metrics.Metrics) {
	t.Helper()
	cfg := &config.CacheConfig{
		MaxEntries:           100,
		FetchTimeout:         time.Second,
		InflightSafetyWindow: time.Minute,
		StaleWhileRevalidate: true,
		WorkerPoolSize:       8,
	}
	if mutate != nil {
		mutate(cfg)
	}
	m := metrics.New(prometheus.NewRegistry())
	c, err := NewRequestCache(cfg, zaptest.NewLogger(t), m)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, m
}

func constFetcher(calls *atomic.Int32, value interface{}) Fetcher {
	return func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return value, nil
	}
}

func TestConcurrentGetsShareOneFetch(t *testing.T) {
	c, _ := newTestCache(t, nil)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		<-release
		return "ticker", nil
	}

	var wg sync.WaitGroup
	results := make([]interface{}, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), "ticker:BTCUSDT", fetch, time.Minute)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	require.Eventually(t, func() bool { return c.GetStats().InFlight == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "ticker", v)
	}

	v, err := c.Get(context.Background(), "ticker:BTCUSDT", fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "ticker", v)
	assert.Equal(t, int32(1), calls.Load())
	assert.GreaterOrEqual(t, c.GetStats().Hits, int64(1))
}

func TestStaleWhileRevalidate(t *testing.T) {
	c, m := newTestCache(t, nil)

	c.Set("k", "old", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	var calls atomic.Int32
	v, err := c.Get(context.Background(), "k", constFetcher(&calls, "new"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "old", v)

	require.Eventually(t, func() bool {
		v, fresh, ok := c.Peek("k")
		return ok && fresh && v == "new"
	}, time.Second, 5*time.Millisecond)

	v, err = c.Get(context.Background(), "k", constFetcher(&calls, "newer"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "new", v)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheStaleServes))
}

func TestExpiredWithoutRevalidateFetches(t *testing.T) {
	c, _ := newTestCache(t, func(cfg *config.CacheConfig) { cfg.StaleWhileRevalidate = false })

	c.Set("k", "old", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	var calls atomic.Int32
	v, err := c.Get(context.Background(), "k", constFetcher(&calls, "new"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "new", v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchTimeoutFailsEveryWaiter(t *testing.T) {
	c, m := newTestCache(t, func(cfg *config.CacheConfig) { cfg.FetchTimeout = 30 * time.Millisecond })

	block := make(chan struct{})
	defer close(block)
	fetch := func(ctx context.Context) (interface{}, error) {
		<-block
		return "late", nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Get(context.Background(), "slow", fetch, time.Minute)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.True(t, errors.Is(err, ErrFetchTimeout), "got %v", err)
	}
	_, _, ok := c.Peek("slow")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.FetchFailures.WithLabelValues("timeout")), float64(1))
}

func TestCallerCancelDoesNotFailOtherWaiters(t *testing.T) {
	c, _ := newTestCache(t, nil)

	release := make(chan struct{})
	fetch := func(ctx context.Context) (interface{}, error) {
		<-release
		return 42, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "k", fetch, time.Minute)
		first <- err
	}()
	require.Eventually(t, func() bool { return c.GetStats().InFlight == 1 }, time.Second, time.Millisecond)

	second := make(chan interface{}, 1)
	go func() {
		v, _ := c.Get(context.Background(), "k", fetch, time.Minute)
		second <- v
	}()

	cancel()
	assert.True(t, errors.Is(<-first, context.Canceled))

	close(release)
	assert.Equal(t, 42, <-second)
}

func TestFetchErrorIsNotCached(t *testing.T) {
	c, _ := newTestCache(t, nil)

	boom := errors.New("boom")
	_, err := c.Get(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		return nil, boom
	}, time.Minute)
	assert.Equal(t, boom, err)

	var calls atomic.Int32
	v, err := c.Get(context.Background(), "k", constFetcher(&calls, "ok"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestTypedFetch(t *testing.T) {
	c, _ := newTestCache(t, nil)

	v, err := Fetch(context.Background(), c, "n", time.Minute, func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = Fetch(context.Background(), c, "n", time.Minute, func(ctx context.Context) (string, error) {
		return "unused", nil
	})
	assert.True(t, errors.Is(err, ErrTypeMismatch))
}

func TestGetBatchResolvesIndependently(t *testing.T) {
	c, _ := newTestCache(t, nil)

	var calls atomic.Int32
	results := c.GetBatch(context.Background(), []BatchRequest{
		{Key: "a", Fetch: constFetcher(&calls, "A"), TTL: time.Minute},
		{Key: "b", Fetch: func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("b failed")
		}, TTL: time.Minute},
		{Key: "c", Fetch: constFetcher(&calls, "C"), TTL: time.Minute},
	})

	require.Len(t, results, 3)
	assert.Equal(t, "A", results[0].Value)
	assert.NoError(t, results[0].Err)
	assert.EqualError(t, results[1].Err, "b failed")
	assert.Equal(t, "C", results[2].Value)
	assert.Equal(t, "b", results[1].Key)
}

func TestInvalidation(t *testing.T) {
	c, _ := newTestCache(t, nil)

	c.Set("klines:BTCUSDT:1m:500", 1, time.Minute)
	c.Set("klines:BTCUSDT:1h:500", 2, time.Minute)
	c.Set("klines:ETHUSDT:1m:500", 3, time.Minute)
	c.Set("ticker:BTCUSDT", 4, time.Minute)

	removed := c.InvalidatePattern(regexp.MustCompile(`^klines:BTCUSDT:`))
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, c.GetStats().Entries)

	c.Invalidate("ticker:BTCUSDT")
	_, _, ok := c.Peek("ticker:BTCUSDT")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.GetStats().Entries)
}

func TestInvalidateDuringFetchSkipsStore(t *testing.T) {
	c, _ := newTestCache(t, nil)

	release := make(chan struct{})
	done := make(chan interface{}, 1)
	go func() {
		v, _ := c.Get(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
			<-release
			return "stale", nil
		}, time.Minute)
		done <- v
	}()
	require.Eventually(t, func() bool { return c.GetStats().InFlight == 1 }, time.Second, time.Millisecond)

	c.Invalidate("k")
	close(release)

	assert.Equal(t, "stale", <-done)
	_, _, ok := c.Peek("k")
	assert.False(t, ok)
}

func TestRefreshSupersedesInflightFetch(t *testing.T) {
	c, _ := newTestCache(t, nil)

	release := make(chan struct{})
	done := make(chan interface{}, 1)
	go func() {
		v, _ := c.Get(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
			<-release
			return "old", nil
		}, time.Minute)
		done <- v
	}()
	require.Eventually(t, func() bool { return c.GetStats().InFlight == 1 }, time.Second, time.Millisecond)

	var calls atomic.Int32
	v, err := c.Refresh(context.Background(), "k", constFetcher(&calls, "new"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "new", v)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	assert.Equal(t, "old", <-done)

	cached, fresh, ok := c.Peek("k")
	require.True(t, ok)
	assert.True(t, fresh)
	assert.Equal(t, "new", cached)
}

func TestEvictsOldestInsertion(t *testing.T) {
	c, _ := newTestCache(t, func(cfg *config.CacheConfig) { cfg.MaxEntries = 2 })

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	c.Set("c", 3, time.Minute)

	_, _, ok := c.Peek("a")
	assert.False(t, ok)
	_, _, ok = c.Peek("c")
	assert.True(t, ok)
}

func TestSweepRemovesEntriesPastTwiceTTL(t *testing.T) {
	c, _ := newTestCache(t, nil)

	c.Set("short", 1, 5*time.Millisecond)
	c.Set("long", 2, time.Minute)
	time.Sleep(15 * time.Millisecond)

	c.Sweep()
	_, _, ok := c.Peek("short")
	assert.False(t, ok)
	_, fresh, ok := c.Peek("long")
	assert.True(t, ok)
	assert.True(t, fresh)
}

func TestSweepForgetsAbandonedFetch(t *testing.T) {
	c, _ := newTestCache(t, func(cfg *config.CacheConfig) {
		cfg.InflightSafetyWindow = time.Millisecond
		cfg.FetchTimeout = time.Minute
	})

	block := make(chan struct{})
	defer close(block)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Get(ctx, "k", func(ctx context.Context) (interface{}, error) {
		<-block
		return nil, nil
	}, time.Minute)
	require.Eventually(t, func() bool { return c.GetStats().InFlight == 1 }, time.Second, time.Millisecond)
	cancel()

	time.Sleep(5 * time.Millisecond)
	c.Sweep()
	assert.Equal(t, 0, c.GetStats().InFlight)

	var calls atomic.Int32
	v, err := c.Get(context.Background(), "k", constFetcher(&calls, "fresh"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}
