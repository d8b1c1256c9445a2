// Package cache provides in-memory caching for market data: the snapshot
// Layer for pushed values and the RequestCache for fetched ones.
package cache

import (
	"sync"
	"time"

	"go_tradedash/dataplane/pkg/types"
)

// Layer keeps the last-known-good ticker and orderbook per symbol.
// Snapshots are replaced wholesale and copied on read.
type Layer struct {
	tickers    map[string]*types.TickerSnapshot
	orderbooks map[string]*types.OrderBookSnapshot
	mu         sync.RWMutex
	maxDepth   int
}

// NewLayer creates a new cache layer.
func NewLayer(maxDepth int) *Layer {
	return &Layer{
		tickers:    make(map[string]*types.TickerSnapshot),
		orderbooks: make(map[string]*types.OrderBookSnapshot),
		maxDepth:   maxDepth,
	}
}

// UpdateTicker replaces the cached ticker for a symbol.
func (l *Layer) UpdateTicker(snapshot *types.TickerSnapshot) {
	cp := *snapshot

	l.mu.Lock()
	l.tickers[snapshot.Symbol] = &cp
	l.mu.Unlock()
}

// GetTicker retrieves the cached ticker for a symbol.
func (l *Layer) GetTicker(symbol string) (*types.TickerSnapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snapshot, ok := l.tickers[symbol]
	if !ok {
		return nil, false
	}
	cp := *snapshot
	return &cp, true
}

// UpdateOrderbook replaces the cached orderbook for a symbol, trimmed to max depth.
func (l *Layer) UpdateOrderbook(snapshot *types.OrderBookSnapshot) {
	cp := snapshot.Clone()
	if l.maxDepth > 0 {
		if len(cp.Asks) > l.maxDepth {
			cp.Asks = cp.Asks[:l.maxDepth]
		}
		if len(cp.Bids) > l.maxDepth {
			cp.Bids = cp.Bids[:l.maxDepth]
		}
	}

	l.mu.Lock()
	l.orderbooks[cp.Symbol] = cp
	l.mu.Unlock()
}

// GetOrderbook retrieves the cached orderbook for a symbol.
func (l *Layer) GetOrderbook(symbol string) (*types.OrderBookSnapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snapshot, ok := l.orderbooks[symbol]
	if !ok {
		return nil, false
	}
	return snapshot.Clone(), true
}

// Remove drops both snapshots of a symbol.
func (l *Layer) Remove(symbol string) {
	l.mu.Lock()
	delete(l.tickers, symbol)
	delete(l.orderbooks, symbol)
	l.mu.Unlock()
}

// GetSymbols returns all cached symbols.
func (l *Layer) GetSymbols() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]struct{}, len(l.tickers)+len(l.orderbooks))
	symbols := make([]string, 0, len(l.tickers)+len(l.orderbooks))
	for s := range l.tickers {
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	for s := range l.orderbooks {
		if _, ok := seen[s]; !ok {
			symbols = append(symbols, s)
		}
	}
	return symbols
}

// Cleanup removes snapshots older than the given duration.
func (l *Layer) Cleanup(staleThreshold time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for symbol, snapshot := range l.tickers {
		if now.Sub(snapshot.Timestamp) > staleThreshold {
			delete(l.tickers, symbol)
			removed++
		}
	}
	for symbol, snapshot := range l.orderbooks {
		if now.Sub(snapshot.Timestamp) > staleThreshold {
			delete(l.orderbooks, symbol)
			removed++
		}
	}
	return removed
}

// LayerStats returns snapshot layer statistics.
type LayerStats struct {
	TickerCount    int `json:"ticker_count"`
	OrderbookCount int `json:"orderbook_count"`
}

// GetStats returns current snapshot layer statistics.
func (l *Layer) GetStats() LayerStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return LayerStats{
		TickerCount:    len(l.tickers),
		OrderbookCount: len(l.orderbooks),
	}
}
