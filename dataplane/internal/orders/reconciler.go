// Package orders keeps the client's order ledger. Place and cancel take
// effect locally at once and are reconciled against exchange responses and
// pushed order batches; failed actions are rolled back after a delay.
package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"go_tradedash/dataplane/internal/config"
	"go_tradedash/dataplane/internal/metrics"
	"go_tradedash/dataplane/internal/rest"
	"go_tradedash/dataplane/internal/upstream"
	"go_tradedash/dataplane/pkg/types"

	"github.com/google/uuid"
	"github.com/olebedev/emitter"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Lifecycle event topics.
const (
	EventPlaced          = "order.placed"
	EventConfirmed       = "order.confirmed"
	EventUpdated         = "order.updated"
	EventFailed          = "order.failed"
	EventCancelRequested = "order.cancel_requested"
	EventCancelReverted  = "order.cancel_reverted"
)

var (
	ErrInvalidOrder       = errors.New("invalid order")
	ErrDuplicateOrder     = errors.New("client order id already in ledger")
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderNotCancelable = errors.New("order not cancelable")
	ErrClosed             = errors.New("order reconciler closed")
)

// OrderAPI is the exchange surface the reconciler needs. rest.Client
// implements it.
type OrderAPI interface {
	PlaceOrder(ctx context.Context, req rest.PlaceOrderRequest) (types.Order, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string, orderID int64) (types.Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
	GetOrderHistory(ctx context.Context, symbol string, limit int) ([]types.Order, error)
}

// PushSource is the refcounted push subscription surface.
type PushSource interface {
	Subscribe(topic string, h upstream.Handlers) *upstream.Handle
	Unsubscribe(h *upstream.Handle)
}

// PlaceRequest is a user order submission. ClientOrderID is generated when
// empty.
type PlaceRequest struct {
	Symbol        string
	Side          types.OrderSide
	Type          types.OrderType
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ClientOrderID string
}

// Notification is the payload of every lifecycle event (Args[0]).
type Notification struct {
	Order types.Order
	Err   error
}

// record is one ledger entry. order is what consumers see; confirmed is the
// last authoritative version, if any. gen is bumped whenever a pending
// rollback must no longer fire.
type record struct {
	order     types.Order
	confirmed *types.Order
	gen       uint64
	timer     *time.Timer
}

// Reconciler is the optimistic order ledger.
type Reconciler struct {
	cfg     *config.OrdersConfig
	api     OrderAPI
	push    PushSource
	events  *emitter.Emitter
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	orders map[string]*record
	byID   map[int64]string
	handle *upstream.Handle
	closed bool
}

// NewReconciler creates the ledger and subscribes it to pushed order batches.
func NewReconciler(cfg *config.OrdersConfig, api OrderAPI, push PushSource, logger *zap.Logger, m *metrics.Metrics) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	events := emitter.New(64)
	events.Use("*", emitter.Sync, emitter.Skip)

	r := &Reconciler{
		cfg:     cfg,
		api:     api,
		push:    push,
		events:  events,
		logger:  logger.With(zap.String("component", "orders")),
		metrics: m,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		orders:  make(map[string]*record),
		byID:    make(map[int64]string),
	}
	if push != nil {
		r.handle = push.Subscribe(types.OrdersTopic, upstream.Handlers{
			OnMessage: r.onBatch,
			OnError: func(err error) {
				r.logger.Warn("Order stream error", zap.Error(err))
			},
		})
	}
	return r
}

// On returns a channel of lifecycle events matching pattern, e.g. "order.*".
// Events are dropped for a listener whose channel is full.
func (r *Reconciler) On(pattern string) <-chan emitter.Event {
	return r.events.On(pattern)
}

// Off detaches a listener returned by On.
func (r *Reconciler) Off(pattern string, ch <-chan emitter.Event) {
	r.events.Off(pattern, ch)
}

func (r *Reconciler) emit(topic string, order types.Order, err error) {
	r.events.Emit(topic, Notification{Order: order, Err: err})
}

// Place inserts a PENDING record and submits the order in the background.
// The returned record is already visible through Orders and Get.
func (r *Reconciler) Place(req PlaceRequest) (types.Order, error) {
	symbol := types.NormalizeSymbol(req.Symbol)
	if req.Type == "" {
		req.Type = types.OrderTypeLimit
	}
	switch {
	case symbol == "":
		return types.Order{}, errors.Wrap(ErrInvalidOrder, "symbol required")
	case req.Side != types.SideBuy && req.Side != types.SideSell:
		return types.Order{}, errors.Wrapf(ErrInvalidOrder, "side %q", req.Side)
	case req.Type != types.OrderTypeLimit && req.Type != types.OrderTypeMarket:
		return types.Order{}, errors.Wrapf(ErrInvalidOrder, "type %q", req.Type)
	case !req.Quantity.IsPositive():
		return types.Order{}, errors.Wrap(ErrInvalidOrder, "quantity must be positive")
	case req.Type == types.OrderTypeLimit && !req.Price.IsPositive():
		return types.Order{}, errors.Wrap(ErrInvalidOrder, "limit price must be positive")
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	now := r.now().UnixMilli()
	order := types.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        types.OrderStatusPending,
		Price:         req.Price,
		OrigQty:       req.Quantity,
		ExecutedQty:   decimal.Zero,
		CreateTime:    now,
		UpdateTime:    now,
		Optimistic:    true,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return types.Order{}, ErrClosed
	}
	if _, exists := r.orders[order.ClientOrderID]; exists {
		r.mu.Unlock()
		return types.Order{}, errors.Wrapf(ErrDuplicateOrder, "%s", order.ClientOrderID)
	}
	r.orders[order.ClientOrderID] = &record{order: order}
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.RecordOptimistic("place")
	r.emit(EventPlaced, order, nil)

	go r.submit(rest.PlaceOrderRequest{
		Symbol:        symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		ClientOrderID: req.ClientOrderID,
	})
	return order, nil
}

func (r *Reconciler) submit(req rest.PlaceOrderRequest) {
	defer r.wg.Done()

	resp, err := r.api.PlaceOrder(r.ctx, req)
	if err == nil {
		if resp.ClientOrderID == "" {
			resp.ClientOrderID = req.ClientOrderID
		}
		r.Apply(resp)
		return
	}

	r.logger.Warn("Order placement failed",
		zap.String("client_order_id", req.ClientOrderID),
		zap.String("symbol", req.Symbol),
		zap.Bool("terminal", rest.IsTerminal(err)),
		zap.Error(err))

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.orders[req.ClientOrderID]
	if !ok || rec.confirmed != nil || r.closed {
		return
	}
	r.scheduleLocked(req.ClientOrderID, rec, r.cfg.PlaceRollbackDelay, func(rec *record) {
		delete(r.orders, req.ClientOrderID)
		r.metrics.RecordRollback("place")
		r.logger.Info("Removed failed order", zap.String("client_order_id", req.ClientOrderID))
		r.emitLater(EventFailed, rec.order, err)
	})
}

// Cancel marks an order CANCELED at once and sends the cancel request in
// the background. If the request fails and nothing authoritative arrives
// within the cancel rollback delay, the previous status is restored.
func (r *Reconciler) Cancel(clientOrderID string) (types.Order, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return types.Order{}, ErrClosed
	}
	rec, ok := r.orders[clientOrderID]
	if !ok {
		r.mu.Unlock()
		return types.Order{}, errors.Wrapf(ErrOrderNotFound, "%s", clientOrderID)
	}
	if rec.confirmed == nil || rec.order.Optimistic || rec.order.Status.IsTerminal() {
		status := rec.order.Status
		r.mu.Unlock()
		return types.Order{}, errors.Wrapf(ErrOrderNotCancelable, "%s is %s", clientOrderID, status)
	}

	r.stopLocked(rec)
	rec.order.Status = types.OrderStatusCanceled
	rec.order.Optimistic = true
	order := rec.order
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.RecordOptimistic("cancel")
	r.emit(EventCancelRequested, order, nil)

	go r.sendCancel(order)
	return order, nil
}

func (r *Reconciler) sendCancel(order types.Order) {
	defer r.wg.Done()

	resp, err := r.api.CancelOrder(r.ctx, order.Symbol, order.ClientOrderID, order.OrderID)
	if err == nil {
		// The cancel response carries the id of the cancel request, not of
		// the order.
		resp.ClientOrderID = order.ClientOrderID
		r.Apply(resp)
		return
	}

	r.logger.Warn("Order cancel failed",
		zap.String("client_order_id", order.ClientOrderID),
		zap.Bool("terminal", rest.IsTerminal(err)),
		zap.Error(err))

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.orders[order.ClientOrderID]
	if !ok || !rec.order.Optimistic || r.closed {
		return
	}
	r.scheduleLocked(order.ClientOrderID, rec, r.cfg.CancelRollbackDelay, func(rec *record) {
		rec.order = *rec.confirmed
		r.metrics.RecordRollback("cancel")
		r.logger.Info("Reverted failed cancel",
			zap.String("client_order_id", order.ClientOrderID),
			zap.String("status", string(rec.order.Status)))
		r.emitLater(EventCancelReverted, rec.order, err)
	})
}

// scheduleLocked arms a rollback for rec. fn runs under the lock, and only
// if the record is still in the ledger, still optimistic and no newer
// generation superseded it.
func (r *Reconciler) scheduleLocked(key string, rec *record, delay time.Duration, fn func(rec *record)) {
	r.stopLocked(rec)
	gen := rec.gen
	rec.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.closed || r.orders[key] != rec || rec.gen != gen || !rec.order.Optimistic {
			return
		}
		rec.timer = nil
		fn(rec)
	})
}

// stopLocked cancels any pending rollback of rec.
func (r *Reconciler) stopLocked(rec *record) {
	rec.gen++
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
}

// emitLater emits from a timer callback without holding the ledger lock.
func (r *Reconciler) emitLater(topic string, order types.Order, err error) {
	go r.emit(topic, order, err)
}

// Apply merges an authoritative order record. A pending placement is always
// overwritten; once a record has an authoritative version the later
// UpdateTime wins, whether or not a cancel is in flight.
func (r *Reconciler) Apply(order types.Order) {
	topic, merged, ok := r.apply(order)
	if ok {
		r.emit(topic, merged, nil)
	}
}

func (r *Reconciler) apply(order types.Order) (string, types.Order, bool) {
	order.Optimistic = false

	r.mu.Lock()
	defer r.mu.Unlock()

	key := order.ClientOrderID
	if key == "" || r.orders[key] == nil {
		if mapped, ok := r.byID[order.OrderID]; ok && order.OrderID != 0 {
			key = mapped
		}
	}
	if key == "" {
		r.logger.Debug("Dropping order without identifiers")
		return "", types.Order{}, false
	}

	rec, ok := r.orders[key]
	if !ok {
		order.ClientOrderID = key
		confirmed := order
		r.orders[key] = &record{order: order, confirmed: &confirmed}
		r.indexLocked(order)
		return EventUpdated, order, true
	}

	// Older than the last authoritative version: a redelivery, even while a
	// cancel is optimistic. Only a record never confirmed takes anything.
	if rec.confirmed != nil && order.UpdateTime < rec.confirmed.UpdateTime {
		return "", types.Order{}, false
	}
	wasOptimistic := rec.order.Optimistic

	order.ClientOrderID = key
	if order.Symbol == "" {
		order.Symbol = rec.order.Symbol
	}
	if order.CreateTime == 0 {
		order.CreateTime = rec.order.CreateTime
	}
	r.stopLocked(rec)
	rec.order = order
	confirmed := order
	rec.confirmed = &confirmed
	r.indexLocked(order)

	if wasOptimistic {
		return EventConfirmed, order, true
	}
	return EventUpdated, order, true
}

func (r *Reconciler) indexLocked(order types.Order) {
	if order.OrderID != 0 {
		r.byID[order.OrderID] = order.ClientOrderID
	}
}

func (r *Reconciler) onBatch(msg *types.PushMessage) {
	if msg.Kind != types.KindOrderBatch || msg.Orders == nil {
		return
	}
	for _, order := range msg.Orders.Orders {
		r.Apply(order)
	}
}

// Sync loads recent history and open orders of a symbol as authoritative
// records and returns how many were applied.
func (r *Reconciler) Sync(ctx context.Context, symbol string) (int, error) {
	symbol = types.NormalizeSymbol(symbol)

	history, err := r.api.GetOrderHistory(ctx, symbol, r.cfg.HistoryLimit)
	if err != nil {
		return 0, errors.Wrapf(err, "order history %s", symbol)
	}
	open, err := r.api.GetOpenOrders(ctx, symbol)
	if err != nil {
		return 0, errors.Wrapf(err, "open orders %s", symbol)
	}

	applied := 0
	for _, order := range append(history, open...) {
		if _, _, ok := r.apply(order); ok {
			applied++
		}
	}
	r.logger.Info("Synced orders",
		zap.String("symbol", symbol),
		zap.Int("history", len(history)),
		zap.Int("open", len(open)),
		zap.Int("applied", applied))
	return applied, nil
}

// Get returns the displayed record of a client order id.
func (r *Reconciler) Get(clientOrderID string) (types.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.orders[clientOrderID]
	if !ok {
		return types.Order{}, false
	}
	return rec.order, true
}

// Orders returns the displayed records, newest first. An empty symbol
// selects every symbol.
func (r *Reconciler) Orders(symbol string) []types.Order {
	symbol = types.NormalizeSymbol(symbol)

	r.mu.Lock()
	out := make([]types.Order, 0, len(r.orders))
	for _, rec := range r.orders {
		if symbol == "" || rec.order.Symbol == symbol {
			out = append(out, rec.order)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreateTime != out[j].CreateTime {
			return out[i].CreateTime > out[j].CreateTime
		}
		return out[i].ClientOrderID < out[j].ClientOrderID
	})
	return out
}

// Stats returns ledger statistics.
type Stats struct {
	Orders     int `json:"orders"`
	Optimistic int `json:"optimistic"`
	Pending    int `json:"pending_rollbacks"`
}

// GetStats returns current ledger statistics.
func (r *Reconciler) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{Orders: len(r.orders)}
	for _, rec := range r.orders {
		if rec.order.Optimistic {
			st.Optimistic++
		}
		if rec.timer != nil {
			st.Pending++
		}
	}
	return st
}

// Close cancels every pending rollback, stops listening for order batches
// and waits for in-flight requests.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, rec := range r.orders {
		r.stopLocked(rec)
	}
	handle := r.handle
	r.handle = nil
	r.mu.Unlock()

	if handle != nil {
		r.push.Unsubscribe(handle)
	}
	r.cancel()
	r.wg.Wait()
	r.events.Off("*")
}
