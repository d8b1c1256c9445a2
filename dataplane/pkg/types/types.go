// Package types defines the core types shared across the dashboard data plane.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionState represents the state of the push connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// PriceLevel represents a single price level in the orderbook.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price" msgpack:"price"`
	Quantity decimal.Decimal `json:"quantity" msgpack:"quantity"`
}

// TickerSnapshot is the last-known-good ticker of a symbol.
type TickerSnapshot struct {
	Symbol        string          `json:"symbol" msgpack:"symbol"`
	Price         decimal.Decimal `json:"price" msgpack:"price"`
	Change        decimal.Decimal `json:"change" msgpack:"change"`
	ChangePercent decimal.Decimal `json:"change_percent" msgpack:"change_percent"`
	Timestamp     time.Time       `json:"timestamp" msgpack:"timestamp"`
}

// OrderBookSnapshot is a point-in-time snapshot of the orderbook.
type OrderBookSnapshot struct {
	Symbol       string       `json:"symbol" msgpack:"symbol"`
	LastUpdateID int64        `json:"last_update_id,omitempty" msgpack:"last_update_id"`
	Timestamp    time.Time    `json:"timestamp" msgpack:"timestamp"`
	Bids         []PriceLevel `json:"bids" msgpack:"bids"` // Sorted by price descending
	Asks         []PriceLevel `json:"asks" msgpack:"asks"` // Sorted by price ascending
}

// Clone returns a deep copy of the snapshot.
func (s *OrderBookSnapshot) Clone() *OrderBookSnapshot {
	if s == nil {
		return nil
	}
	dst := *s
	dst.Bids = append([]PriceLevel(nil), s.Bids...)
	dst.Asks = append([]PriceLevel(nil), s.Asks...)
	return &dst
}

// Candle is one OHLCV bar keyed by its open time in milliseconds.
type Candle struct {
	OpenTime  int64           `json:"open_time" msgpack:"open_time"`
	CloseTime int64           `json:"close_time" msgpack:"close_time"`
	Open      decimal.Decimal `json:"open" msgpack:"open"`
	High      decimal.Decimal `json:"high" msgpack:"high"`
	Low       decimal.Decimal `json:"low" msgpack:"low"`
	Close     decimal.Decimal `json:"close" msgpack:"close"`
	Volume    decimal.Decimal `json:"volume" msgpack:"volume"`
	Closed    bool            `json:"closed" msgpack:"closed"`
}

// NormalizeSymbol upper-cases and trims a trading pair symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
