package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the display status of an order.
type OrderStatus string

const (
	// OrderStatusPending is shown for optimistic records not yet acknowledged.
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transitions are expected.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderSide is BUY or SELL.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// Order is a client-visible order record.
type Order struct {
	OrderID       int64           `json:"order_id" msgpack:"order_id"`
	ClientOrderID string          `json:"client_order_id" msgpack:"client_order_id"`
	Symbol        string          `json:"symbol" msgpack:"symbol"`
	Side          OrderSide       `json:"side" msgpack:"side"`
	Type          OrderType       `json:"type" msgpack:"type"`
	Status        OrderStatus     `json:"status" msgpack:"status"`
	Price         decimal.Decimal `json:"price" msgpack:"price"`
	OrigQty       decimal.Decimal `json:"orig_qty" msgpack:"orig_qty"`
	ExecutedQty   decimal.Decimal `json:"executed_qty" msgpack:"executed_qty"`
	CreateTime    int64           `json:"create_time,omitempty" msgpack:"create_time"`
	UpdateTime    int64           `json:"update_time" msgpack:"update_time"` // Unix milliseconds
	Optimistic    bool            `json:"optimistic" msgpack:"optimistic"`
}

// UpdatedAt returns UpdateTime as a time.Time.
func (o Order) UpdatedAt() time.Time {
	return time.UnixMilli(o.UpdateTime)
}

// OrderBatch is one order_store_batch push message.
type OrderBatch struct {
	SchemaVersion int     `json:"schema_version"`
	Orders        []Order `json:"orders"`
	BatchSize     int     `json:"batch_size"`
	Timestamp     int64   `json:"ts"`
}
