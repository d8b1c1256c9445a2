// Package ratelimit provides rate limiting using token bucket algorithm.
package ratelimit

import (
	"context"
	"sync"

	"go_tradedash/dataplane/internal/config"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Endpoint groups sharing one request budget.
const (
	GroupMarket = "market"
	GroupOrder  = "order"
)

// Limiter provides per-group request limiting and per-client stream slots.
type Limiter struct {
	groups          map[string]*rate.Limiter
	streams         map[string]*StreamLimiter
	mu              sync.RWMutex
	defaultRPS      int
	burstMultiplier float64
}

// StreamLimiter limits concurrent streams per client.
type StreamLimiter struct {
	maxStreams    int
	activeStreams int
	mu            sync.Mutex
}

// NewStreamLimiter creates a new stream limiter.
func NewStreamLimiter(maxStreams int) *StreamLimiter {
	return &StreamLimiter{
		maxStreams: maxStreams,
	}
}

// Acquire tries to acquire a stream slot.
func (sl *StreamLimiter) Acquire() bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.activeStreams >= sl.maxStreams {
		return false
	}
	sl.activeStreams++
	return true
}

// Release releases a stream slot and reports the remaining count.
func (sl *StreamLimiter) Release() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.activeStreams > 0 {
		sl.activeStreams--
	}
	return sl.activeStreams
}

// ActiveCount returns the number of active streams.
func (sl *StreamLimiter) ActiveCount() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.activeStreams
}

// NewLimiter creates a limiter with the market and order groups configured.
func NewLimiter(cfg *config.RateConfig) *Limiter {
	mult := cfg.BurstMultiplier
	if mult < 1 {
		mult = 2.0
	}

	l := &Limiter{
		groups:          make(map[string]*rate.Limiter),
		streams:         make(map[string]*StreamLimiter),
		defaultRPS:      cfg.MarketRPS,
		burstMultiplier: mult,
	}
	l.SetLimit(GroupMarket, cfg.MarketRPS)
	l.SetLimit(GroupOrder, cfg.OrderRPS)
	return l
}

// Allow checks if a request is allowed for the given group.
func (l *Limiter) Allow(group string) bool {
	return l.getOrCreate(group).Allow()
}

// Wait blocks until a request of the group is allowed or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, group string) error {
	if err := l.getOrCreate(group).Wait(ctx); err != nil {
		return errors.Wrapf(err, "rate limit %s", group)
	}
	return nil
}

// SetLimit sets the requests per second of a group. Zero or less disables
// limiting for it.
func (l *Limiter) SetLimit(group string, rps int) {
	limit, burst := rate.Inf, 0
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(float64(rps) * l.burstMultiplier)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if limiter, ok := l.groups[group]; ok {
		limiter.SetLimit(limit)
		limiter.SetBurst(burst)
		return
	}
	l.groups[group] = rate.NewLimiter(limit, burst)
}

// AcquireStream tries to acquire a stream slot for the given client key.
func (l *Limiter) AcquireStream(key string, maxStreams int) bool {
	if maxStreams <= 0 {
		return true
	}

	l.mu.Lock()
	sl, ok := l.streams[key]
	if !ok {
		sl = NewStreamLimiter(maxStreams)
		l.streams[key] = sl
	}
	l.mu.Unlock()

	return sl.Acquire()
}

// ReleaseStream releases a stream slot for the given client key.
func (l *Limiter) ReleaseStream(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sl, ok := l.streams[key]; ok && sl.Release() == 0 {
		delete(l.streams, key)
	}
}

// GroupStats describes one endpoint group.
type GroupStats struct {
	RPS   float64 `json:"rps"`
	Burst int     `json:"burst"`
}

// GetGroupStats returns statistics for a specific group.
func (l *Limiter) GetGroupStats(group string) (GroupStats, bool) {
	l.mu.RLock()
	limiter, ok := l.groups[group]
	l.mu.RUnlock()

	if !ok {
		return GroupStats{}, false
	}
	return GroupStats{
		RPS:   float64(limiter.Limit()),
		Burst: limiter.Burst(),
	}, true
}

// getOrCreate gets or creates a limiter for a group.
func (l *Limiter) getOrCreate(group string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.groups[group]
	l.mu.RUnlock()

	if ok {
		return limiter
	}

	l.SetLimit(group, l.defaultRPS)

	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.groups[group]
}

// Stats returns overall rate limiter statistics.
type Stats struct {
	Groups       int `json:"groups"`
	StreamKeys   int `json:"stream_keys"`
	TotalStreams int `json:"total_streams"`
}

// GetStats returns overall statistics.
func (l *Limiter) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	totalStreams := 0
	for _, sl := range l.streams {
		totalStreams += sl.ActiveCount()
	}

	return Stats{
		Groups:       len(l.groups),
		StreamKeys:   len(l.streams),
		TotalStreams: totalStreams,
	}
}
