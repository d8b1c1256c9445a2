package types

import (
	"time"
)

// MessageKind identifies the payload carried by a push message.
type MessageKind string

const (
	KindTicker     MessageKind = "ticker"
	KindOrderBook  MessageKind = "orderbook"
	KindKline      MessageKind = "kline"
	KindOrderBatch MessageKind = "order_store_batch"
)

// OrdersTopic carries order store batches for the session.
const OrdersTopic = "orders"

// MarketTopic returns the push topic carrying ticker, orderbook and kline frames of a symbol.
func MarketTopic(symbol string) string {
	return "market:" + NormalizeSymbol(symbol)
}

// KlineTopic returns the dedicated candle topic of a symbol and interval.
func KlineTopic(symbol, interval string) string {
	return "kline:" + NormalizeSymbol(symbol) + ":" + interval
}

// PushMessage is a decoded push-channel frame.
type PushMessage struct {
	Kind       MessageKind
	Symbol     string
	Interval   string
	Ticker     *TickerSnapshot
	OrderBook  *OrderBookSnapshot
	Kline      *Candle
	Orders     *OrderBatch
	ReceivedAt time.Time
}

// MarketEvent is what MarketDataService fans out to its consumers.
type MarketEvent struct {
	Type      MessageKind        `json:"type" msgpack:"type"`
	Symbol    string             `json:"symbol" msgpack:"symbol"`
	Interval  string             `json:"interval,omitempty" msgpack:"interval,omitempty"`
	Timestamp time.Time          `json:"timestamp" msgpack:"timestamp"`
	Ticker    *TickerSnapshot    `json:"ticker,omitempty" msgpack:"ticker,omitempty"`
	OrderBook *OrderBookSnapshot `json:"orderbook,omitempty" msgpack:"orderbook,omitempty"`
	Kline     *Candle            `json:"kline,omitempty" msgpack:"kline,omitempty"`
}

// EventFromPush converts a market push message into a fan-out event.
func EventFromPush(msg *PushMessage) *MarketEvent {
	return &MarketEvent{
		Type:      msg.Kind,
		Symbol:    msg.Symbol,
		Interval:  msg.Interval,
		Timestamp: msg.ReceivedAt,
		Ticker:    msg.Ticker,
		OrderBook: msg.OrderBook,
		Kline:     msg.Kline,
	}
}
