package cache

import (
	"container/list"
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go_tradedash/dataplane/internal/config"
	"go_tradedash/dataplane/internal/metrics"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrFetchTimeout = errors.New("fetch timed out")
	ErrTypeMismatch = errors.New("cached value has unexpected type")
	ErrClosed       = errors.New("request cache closed")
)

// Fetcher loads the value of a key.
type Fetcher func(ctx context.Context) (interface{}, error)

type entry struct {
	key      string
	value    interface{}
	storedAt time.Time
	ttl      time.Duration
	elem     *list.Element
}

func (e *entry) stale(now time.Time) bool {
	return now.Sub(e.storedAt) >= e.ttl
}

// RequestCache is a keyed TTL cache with single-flight fetches,
// stale-while-revalidate reads and insertion-ordered eviction.
type RequestCache struct {
	cfg     *config.CacheConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
	pool    *ants.Pool

	mu       sync.Mutex
	entries  map[string]*entry
	order    *list.List // front is the oldest insertion
	inflight map[string]time.Time
	keyGen   map[string]uint64
	epoch    uint64

	hits        atomic.Int64
	misses      atomic.Int64
	staleServes atomic.Int64
	dedups      atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRequestCache creates a request cache and starts its sweep loop.
func NewRequestCache(cfg *config.CacheConfig, logger *zap.Logger, m *metrics.Metrics) (*RequestCache, error) {
	size := cfg.WorkerPoolSize
	if size <= 0 {
		size = 32
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create worker pool")
	}

	c := &RequestCache{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "request_cache")),
		metrics:  m,
		pool:     pool,
		entries:  make(map[string]*entry),
		order:    list.New(),
		inflight: make(map[string]time.Time),
		keyGen:   make(map[string]uint64),
		stop:     make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go c.sweepLoop(cfg.SweepInterval)
	}
	return c, nil
}

// Close stops the sweep loop and releases the worker pool.
func (c *RequestCache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.pool.Release()
	})
}

// Get returns the cached value for key if fresh. Otherwise it joins or starts
// the single fetch for key. An expired entry is served as is when
// stale-while-revalidate is enabled, and refreshed in the background.
func (c *RequestCache) Get(ctx context.Context, key string, fetch Fetcher, ttl time.Duration) (interface{}, error) {
	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !e.stale(now) {
		value := e.value
		c.mu.Unlock()
		c.hits.Add(1)
		c.metrics.RecordCacheHit()
		return value, nil
	}
	if ok && c.cfg.StaleWhileRevalidate {
		value := e.value
		c.mu.Unlock()
		c.staleServes.Add(1)
		c.metrics.RecordStaleServe()
		c.revalidate(key, fetch, ttl)
		return value, nil
	}
	_, joining := c.inflight[key]
	c.mu.Unlock()

	if joining {
		c.dedups.Add(1)
		c.metrics.RecordDedup()
	} else {
		c.misses.Add(1)
		c.metrics.RecordCacheMiss()
	}
	return c.await(ctx, key, fetch, ttl)
}

// Fetch is the typed form of Get.
func Fetch[T any](ctx context.Context, c *RequestCache, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.Get(ctx, key, func(ctx context.Context) (interface{}, error) {
		return fetch(ctx)
	}, ttl)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.Wrapf(ErrTypeMismatch, "key %s holds %T", key, v)
	}
	return t, nil
}

// Refresh bypasses the cached value and waits for a fresh fetch. A fetch
// already in flight for key still answers its waiters but no longer stores.
func (c *RequestCache) Refresh(ctx context.Context, key string, fetch Fetcher, ttl time.Duration) (interface{}, error) {
	c.mu.Lock()
	c.keyGen[key]++
	c.group.Forget(key)
	c.mu.Unlock()
	c.misses.Add(1)
	c.metrics.RecordCacheMiss()
	return c.await(ctx, key, fetch, ttl)
}

// Set stores value under key.
func (c *RequestCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	c.setLocked(key, value, ttl)
	c.mu.Unlock()
}

// Peek returns the cached value without fetching. fresh is false for
// expired entries.
func (c *RequestCache) Peek(key string) (value interface{}, fresh bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}
	return e.value, !e.stale(time.Now()), true
}

// Invalidate removes key. A fetch still in flight for key completes for its
// waiters but is not stored.
func (c *RequestCache) Invalidate(key string) {
	c.mu.Lock()
	c.invalidateLocked(key)
	c.metrics.SetCacheSize(len(c.entries))
	c.mu.Unlock()
}

// InvalidatePattern removes every key matching re and returns the count.
func (c *RequestCache) InvalidatePattern(re *regexp.Regexp) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if re.MatchString(key) {
			c.invalidateLocked(key)
			removed++
		}
	}
	for key := range c.inflight {
		if re.MatchString(key) {
			c.keyGen[key]++
			c.group.Forget(key)
		}
	}
	c.metrics.SetCacheSize(len(c.entries))
	return removed
}

// Clear removes every entry.
func (c *RequestCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.inflight {
		c.group.Forget(key)
	}
	c.entries = make(map[string]*entry)
	c.order.Init()
	c.keyGen = make(map[string]uint64)
	c.epoch++
	c.metrics.SetCacheSize(0)
}

// BatchRequest is one keyed fetch of GetBatch.
type BatchRequest struct {
	Key   string
	Fetch Fetcher
	TTL   time.Duration
}

// BatchResult is the outcome of one BatchRequest.
type BatchResult struct {
	Key   string
	Value interface{}
	Err   error
}

// GetBatch resolves every request concurrently. Each result succeeds or fails
// on its own.
func (c *RequestCache) GetBatch(ctx context.Context, reqs []BatchRequest) []BatchResult {
	results := make([]BatchResult, len(reqs))
	var wg sync.WaitGroup

	for i, req := range reqs {
		i, req := i, req
		results[i].Key = req.Key
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i].Value, results[i].Err = c.Get(ctx, req.Key, req.Fetch, req.TTL)
		}
		if err := c.pool.Submit(task); err != nil {
			go task()
		}
	}

	wg.Wait()
	return results
}

// Stats returns request cache statistics.
type Stats struct {
	Entries     int   `json:"entries"`
	InFlight    int   `json:"in_flight"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	StaleServes int64 `json:"stale_serves"`
	Dedups      int64 `json:"dedups"`
}

// GetStats returns current statistics.
func (c *RequestCache) GetStats() Stats {
	c.mu.Lock()
	entries, inflight := len(c.entries), len(c.inflight)
	c.mu.Unlock()

	return Stats{
		Entries:     entries,
		InFlight:    inflight,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		StaleServes: c.staleServes.Load(),
		Dedups:      c.dedups.Load(),
	}
}

// Sweep drops entries older than twice their ttl and forgets in-flight
// trackers older than the safety window.
func (c *RequestCache) Sweep() {
	now := time.Now()
	window := c.cfg.InflightSafetyWindow
	if window <= 0 {
		window = 2 * time.Minute
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for key, e := range c.entries {
		if now.Sub(e.storedAt) > 2*e.ttl {
			c.removeLocked(key)
			expired++
		}
	}
	abandoned := 0
	for key, started := range c.inflight {
		if now.Sub(started) > window {
			delete(c.inflight, key)
			c.group.Forget(key)
			abandoned++
		}
	}
	c.metrics.SetCacheSize(len(c.entries))

	if expired > 0 || abandoned > 0 {
		c.logger.Debug("Cache sweep",
			zap.Int("expired", expired),
			zap.Int("abandoned_fetches", abandoned),
			zap.Int("entries", len(c.entries)))
	}
}

func (c *RequestCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// await joins the single-flight fetch of key. The caller stops waiting when
// ctx ends; the fetch itself keeps running for the other waiters.
func (c *RequestCache) await(ctx context.Context, key string, fetch Fetcher, ttl time.Duration) (interface{}, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.fetch(detached, key, fetch, ttl)
	})

	select {
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for %s", key)
	case res := <-ch:
		return res.Val, res.Err
	}
}

type fetchResult struct {
	value interface{}
	err   error
}

func (c *RequestCache) fetch(ctx context.Context, key string, fetch Fetcher, ttl time.Duration) (interface{}, error) {
	started := time.Now()

	c.mu.Lock()
	c.inflight[key] = started
	gen, epoch := c.keyGen[key], c.epoch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.inflight[key].Equal(started) {
			delete(c.inflight, key)
		}
		c.mu.Unlock()
	}()

	timeout := c.cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetchResult{err: errors.Errorf("fetch %s panicked: %v", key, r)}
			}
		}()
		v, err := fetch(fetchCtx)
		done <- fetchResult{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			c.metrics.RecordFetchFailure("error")
			return nil, res.err
		}
		c.mu.Lock()
		if c.keyGen[key] == gen && c.epoch == epoch {
			c.setLocked(key, res.value, ttl)
		}
		c.mu.Unlock()
		return res.value, nil

	case <-fetchCtx.Done():
		c.metrics.RecordFetchFailure("timeout")
		c.logger.Warn("Fetch timed out", zap.String("key", key), zap.Duration("timeout", timeout))
		return nil, errors.Wrapf(ErrFetchTimeout, "key %s after %s", key, timeout)
	}
}

func (c *RequestCache) revalidate(key string, fetch Fetcher, ttl time.Duration) {
	task := func() {
		if _, err := c.await(context.Background(), key, fetch, ttl); err != nil {
			c.logger.Debug("Background revalidation failed", zap.String("key", key), zap.Error(err))
		}
	}
	if err := c.pool.Submit(task); err != nil {
		c.logger.Debug("Revalidation not scheduled", zap.String("key", key), zap.Error(err))
	}
}

func (c *RequestCache) setLocked(key string, value interface{}, ttl time.Duration) {
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.storedAt = time.Now()
		e.ttl = ttl
		c.order.MoveToBack(e.elem)
	} else {
		e := &entry{key: key, value: value, storedAt: time.Now(), ttl: ttl}
		e.elem = c.order.PushBack(e)
		c.entries[key] = e
	}

	if max := c.cfg.MaxEntries; max > 0 {
		for len(c.entries) > max {
			oldest := c.order.Front()
			if oldest == nil {
				break
			}
			c.removeLocked(oldest.Value.(*entry).key)
		}
	}
	c.metrics.SetCacheSize(len(c.entries))
}

func (c *RequestCache) invalidateLocked(key string) {
	c.removeLocked(key)
	c.keyGen[key]++
	c.group.Forget(key)
}

func (c *RequestCache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.order.Remove(e.elem)
	delete(c.entries, key)
}
