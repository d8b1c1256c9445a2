// Package codec decodes push-channel frames and encodes control frames.
package codec

import (
	"io"
	"sort"
	"time"

	"go_tradedash/dataplane/pkg/types"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SupportedSchemaVersion is the order_store_batch schema this codec understands.
const SupportedSchemaVersion = 1

var (
	ErrUnknownMessage     = errors.New("unknown push message")
	ErrMissingSymbol      = errors.New("push message without symbol")
	ErrUnsupportedVersion = errors.New("unsupported order batch schema version")
)

type envelope struct {
	Type  string `json:"type"`
	Event string `json:"e"`
}

type tickerFrame struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
}

type orderBookFrame struct {
	Symbol string               `json:"symbol"`
	Bids   [][2]decimal.Decimal `json:"bids"`
	Asks   [][2]decimal.Decimal `json:"asks"`
}

type klineFrame struct {
	Symbol string `json:"s"`
	K      struct {
		OpenTime  int64           `json:"t"`
		CloseTime int64           `json:"T"`
		Interval  string          `json:"i"`
		Open      decimal.Decimal `json:"o"`
		High      decimal.Decimal `json:"h"`
		Low       decimal.Decimal `json:"l"`
		Close     decimal.Decimal `json:"c"`
		Volume    decimal.Decimal `json:"v"`
		Closed    bool            `json:"x"`
	} `json:"k"`
}

// OrderFrame is the wire shape of an order in push events and REST responses.
type OrderFrame struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	Time          int64           `json:"time,omitempty"`
	TransactTime  int64           `json:"transactTime,omitempty"`
	UpdateTime    int64           `json:"updateTime"`
}

// ToOrder converts the wire shape into an authoritative order record.
func (f *OrderFrame) ToOrder() types.Order {
	updated := f.UpdateTime
	if updated == 0 {
		updated = f.TransactTime
	}
	created := f.Time
	if created == 0 {
		created = f.TransactTime
	}
	return types.Order{
		OrderID:       f.OrderID,
		ClientOrderID: f.ClientOrderID,
		Symbol:        types.NormalizeSymbol(f.Symbol),
		Side:          types.OrderSide(f.Side),
		Type:          types.OrderType(f.Type),
		Status:        types.OrderStatus(f.Status),
		Price:         f.Price,
		OrigQty:       f.OrigQty,
		ExecutedQty:   f.ExecutedQty,
		CreateTime:    created,
		UpdateTime:    updated,
	}
}

type orderBatchFrame struct {
	SchemaVersion int `json:"schemaVersion"`
	Events        []struct {
		Type  string     `json:"type"`
		Order OrderFrame `json:"order"`
	} `json:"events"`
	BatchSize int   `json:"batchSize"`
	TS        int64 `json:"ts"`
}

// Decode parses a raw push frame.
func Decode(data []byte) (*types.PushMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}

	msg := &types.PushMessage{ReceivedAt: time.Now()}

	switch {
	case env.Type == string(types.KindTicker):
		var f tickerFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, errors.Wrap(err, "decode ticker")
		}
		msg.Kind = types.KindTicker
		msg.Symbol = types.NormalizeSymbol(f.Symbol)
		msg.Ticker = &types.TickerSnapshot{
			Symbol:        msg.Symbol,
			Price:         f.Price,
			Change:        f.Change,
			ChangePercent: f.ChangePercent,
			Timestamp:     msg.ReceivedAt,
		}

	case env.Type == string(types.KindOrderBook):
		var f orderBookFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, errors.Wrap(err, "decode orderbook")
		}
		msg.Kind = types.KindOrderBook
		msg.Symbol = types.NormalizeSymbol(f.Symbol)
		msg.OrderBook = &types.OrderBookSnapshot{
			Symbol:    msg.Symbol,
			Timestamp: msg.ReceivedAt,
			Bids:      Levels(f.Bids, true),
			Asks:      Levels(f.Asks, false),
		}

	case env.Event == string(types.KindKline):
		var f klineFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, errors.Wrap(err, "decode kline")
		}
		msg.Kind = types.KindKline
		msg.Symbol = types.NormalizeSymbol(f.Symbol)
		msg.Interval = f.K.Interval
		msg.Kline = &types.Candle{
			OpenTime:  f.K.OpenTime,
			CloseTime: f.K.CloseTime,
			Open:      f.K.Open,
			High:      f.K.High,
			Low:       f.K.Low,
			Close:     f.K.Close,
			Volume:    f.K.Volume,
			Closed:    f.K.Closed,
		}

	case env.Type == string(types.KindOrderBatch):
		var f orderBatchFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, errors.Wrap(err, "decode order batch")
		}
		if f.SchemaVersion != SupportedSchemaVersion {
			return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d", f.SchemaVersion)
		}
		batch := &types.OrderBatch{
			SchemaVersion: f.SchemaVersion,
			BatchSize:     f.BatchSize,
			Timestamp:     f.TS,
		}
		for _, ev := range f.Events {
			if ev.Type != "order_delta" {
				continue
			}
			batch.Orders = append(batch.Orders, ev.Order.ToOrder())
		}
		msg.Kind = types.KindOrderBatch
		msg.Orders = batch
		return msg, nil

	default:
		return nil, ErrUnknownMessage
	}

	if msg.Symbol == "" {
		return nil, ErrMissingSymbol
	}
	return msg, nil
}

// Levels converts wire price levels, sorting bids descending and asks ascending.
func Levels(raw [][2]decimal.Decimal, bids bool) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, l := range raw {
		levels = append(levels, types.PriceLevel{Price: l[0], Quantity: l[1]})
	}
	sort.SliceStable(levels, func(i, j int) bool {
		if bids {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}

// Topics returns the push topics a decoded message is routed to.
func Topics(msg *types.PushMessage) []string {
	switch msg.Kind {
	case types.KindTicker, types.KindOrderBook:
		return []string{types.MarketTopic(msg.Symbol)}
	case types.KindKline:
		return []string{types.MarketTopic(msg.Symbol), types.KlineTopic(msg.Symbol, msg.Interval)}
	case types.KindOrderBatch:
		return []string{types.OrdersTopic}
	}
	return nil
}

// Control is a subscribe/unsubscribe control frame.
type Control struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
	ID    uint64 `json:"id"`
}

// Control operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Marshal encodes v with the codec's JSON configuration.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// NewEncoder returns a streaming encoder writing into w.
func NewEncoder(w io.Writer) *jsoniter.Encoder {
	return json.NewEncoder(w)
}

// Unmarshal decodes data with the codec's JSON configuration.
func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
