// Package fanout provides a pub/sub fanout hub for distributing market data.
package fanout

import (
	"sync"
	"sync/atomic"
	"time"

	"go_tradedash/dataplane/internal/metrics"
	"go_tradedash/dataplane/pkg/types"
)

// Hub manages per-symbol topics and the consumers attached to them.
type Hub struct {
	topics            map[string]*Topic
	subscribers       map[string]*Subscriber
	mu                sync.RWMutex
	bufferSize        int
	slowThreshold     int
	zombieTimeout     time.Duration
	metrics           *metrics.Metrics
	onEvict           func(subID string, symbols []string)
	activeSubscribers atomic.Int64
	droppedMessages   atomic.Int64
}

// Topic represents a single symbol's subscriber list.
type Topic struct {
	symbol      string
	subscribers map[string]*Subscriber
	mu          sync.RWMutex
	lastUpdate  time.Time
}

// Subscriber represents a downstream consumer. One subscriber may be attached
// to several symbols; its channel closes when it leaves the last one.
type Subscriber struct {
	ID          string
	SendChan    chan *types.MarketEvent
	ConnectTime time.Time
	Dropped     atomic.Int64

	kinds     map[types.MessageKind]bool
	mu        sync.Mutex
	symbols   map[string]struct{}
	closed    bool
	lastSend  time.Time
	fullSince time.Time
}

// NewHub creates a new fanout hub.
func NewHub(bufferSize, slowThreshold int, zombieTimeout time.Duration, m *metrics.Metrics) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{
		topics:        make(map[string]*Topic),
		subscribers:   make(map[string]*Subscriber),
		bufferSize:    bufferSize,
		slowThreshold: slowThreshold,
		zombieTimeout: zombieTimeout,
		metrics:       m,
	}
}

// OnEvict registers the callback run after a subscriber is removed for being
// too slow. It receives the symbols the subscriber was detached from.
func (h *Hub) OnEvict(fn func(subID string, symbols []string)) {
	h.mu.Lock()
	h.onEvict = fn
	h.mu.Unlock()
}

// CreateSubscriber creates a subscriber receiving the given kinds, or every
// kind when none are given.
func (h *Hub) CreateSubscriber(id string, kinds ...types.MessageKind) *Subscriber {
	sub := &Subscriber{
		ID:          id,
		SendChan:    make(chan *types.MarketEvent, h.bufferSize),
		ConnectTime: time.Now(),
		symbols:     make(map[string]struct{}),
		lastSend:    time.Now(),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[types.MessageKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	return sub
}

// Wants reports whether the subscriber receives events of kind.
func (s *Subscriber) Wants(kind types.MessageKind) bool {
	return s.kinds == nil || s.kinds[kind]
}

// Symbols returns the symbols the subscriber is attached to.
func (s *Subscriber) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	return out
}

// Subscribe attaches a subscriber to a symbol topic. It returns false if the
// subscriber was already attached or has been closed.
func (h *Hub) Subscribe(symbol string, sub *Subscriber) bool {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return false
	}
	if _, ok := sub.symbols[symbol]; ok {
		sub.mu.Unlock()
		return false
	}
	sub.symbols[symbol] = struct{}{}
	sub.mu.Unlock()

	h.mu.Lock()
	topic, ok := h.topics[symbol]
	if !ok {
		topic = &Topic{
			symbol:      symbol,
			subscribers: make(map[string]*Subscriber),
		}
		h.topics[symbol] = topic
	}
	if _, known := h.subscribers[sub.ID]; !known {
		h.subscribers[sub.ID] = sub
		h.activeSubscribers.Add(1)
		h.metrics.AddConsumers(1)
	}
	topic.mu.Lock()
	topic.subscribers[sub.ID] = sub
	topic.mu.Unlock()
	h.mu.Unlock()

	return true
}

// Unsubscribe detaches a subscriber from a symbol topic. It returns false if
// the subscriber was not attached.
func (h *Hub) Unsubscribe(symbol, subID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detachLocked(symbol, subID)
}

// RemoveSubscriber detaches a subscriber from every topic and returns the
// symbols it left.
func (h *Hub) RemoveSubscriber(subID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(subID)
}

func (h *Hub) removeLocked(subID string) []string {
	sub, ok := h.subscribers[subID]
	if !ok {
		return nil
	}
	symbols := sub.Symbols()
	for _, symbol := range symbols {
		h.detachLocked(symbol, subID)
	}
	return symbols
}

func (h *Hub) detachLocked(symbol, subID string) bool {
	topic, ok := h.topics[symbol]
	if !ok {
		return false
	}

	topic.mu.Lock()
	sub, exists := topic.subscribers[subID]
	if exists {
		delete(topic.subscribers, subID)
	}
	empty := len(topic.subscribers) == 0
	topic.mu.Unlock()

	if empty {
		delete(h.topics, symbol)
	}
	if !exists {
		return false
	}

	sub.mu.Lock()
	delete(sub.symbols, symbol)
	last := len(sub.symbols) == 0
	if last && !sub.closed {
		sub.closed = true
		close(sub.SendChan)
	}
	sub.mu.Unlock()

	if last {
		delete(h.subscribers, subID)
		h.activeSubscribers.Add(-1)
		h.metrics.AddConsumers(-1)
	}
	return true
}

// Publish delivers an event to every subscriber of exactly this symbol that
// wants its kind. Delivery never blocks; a full buffer drops the event.
func (h *Hub) Publish(symbol string, event *types.MarketEvent) {
	h.mu.RLock()
	topic, ok := h.topics[symbol]
	h.mu.RUnlock()

	if !ok {
		return
	}

	topic.mu.Lock()
	topic.lastUpdate = time.Now()
	subscribers := make([]*Subscriber, 0, len(topic.subscribers))
	for _, sub := range topic.subscribers {
		subscribers = append(subscribers, sub)
	}
	topic.mu.Unlock()

	var slow []string
	for _, sub := range subscribers {
		if !sub.Wants(event.Type) {
			continue
		}
		if !h.deliver(sub, event) {
			if h.slowThreshold > 0 && sub.Dropped.Load() > int64(h.slowThreshold) {
				slow = append(slow, sub.ID)
			}
		}
	}

	for _, id := range slow {
		h.evict(id)
	}
}

func (h *Hub) deliver(sub *Subscriber, event *types.MarketEvent) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return true
	}
	select {
	case sub.SendChan <- event:
		sub.lastSend = time.Now()
		sub.fullSince = time.Time{}
		h.metrics.RecordMessageSent(string(event.Type))
		return true
	default:
		// Buffer full, drop message
		if sub.fullSince.IsZero() {
			sub.fullSince = time.Now()
		}
		sub.Dropped.Add(1)
		h.droppedMessages.Add(1)
		h.metrics.RecordDroppedMessage(string(event.Type))
		return false
	}
}

func (h *Hub) evict(subID string) {
	h.mu.Lock()
	symbols := h.removeLocked(subID)
	onEvict := h.onEvict
	h.mu.Unlock()

	if len(symbols) > 0 && onEvict != nil {
		onEvict(subID, symbols)
	}
}

// GetTopicStats returns statistics for a topic.
func (h *Hub) GetTopicStats(symbol string) (subscriberCount int, lastUpdate time.Time) {
	h.mu.RLock()
	topic, ok := h.topics[symbol]
	h.mu.RUnlock()

	if !ok {
		return 0, time.Time{}
	}

	topic.mu.RLock()
	defer topic.mu.RUnlock()

	return len(topic.subscribers), topic.lastUpdate
}

// GetActiveSymbols returns all symbols with active subscribers.
func (h *Hub) GetActiveSymbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	symbols := make([]string, 0, len(h.topics))
	for symbol := range h.topics {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// CleanupZombies evicts subscribers whose buffer has stayed full for longer
// than the zombie timeout, i.e. consumers that stopped reading.
func (h *Hub) CleanupZombies() int {
	if h.zombieTimeout <= 0 {
		return 0
	}

	h.mu.RLock()
	candidates := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		candidates = append(candidates, sub)
	}
	h.mu.RUnlock()

	now := time.Now()
	evicted := 0
	for _, sub := range candidates {
		sub.mu.Lock()
		zombie := !sub.fullSince.IsZero() && now.Sub(sub.fullSince) > h.zombieTimeout
		sub.mu.Unlock()
		if zombie {
			h.evict(sub.ID)
			evicted++
		}
	}
	return evicted
}

// Stats returns hub statistics.
type Stats struct {
	ActiveTopics      int   `json:"active_topics"`
	ActiveSubscribers int64 `json:"active_subscribers"`
	DroppedMessages   int64 `json:"dropped_messages"`
}

// GetStats returns current hub statistics.
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	topicCount := len(h.topics)
	h.mu.RUnlock()

	return Stats{
		ActiveTopics:      topicCount,
		ActiveSubscribers: h.activeSubscribers.Load(),
		DroppedMessages:   h.droppedMessages.Load(),
	}
}
