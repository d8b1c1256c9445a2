// Package upstream manages the push connection to the exchange gateway.
package upstream

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go_tradedash/dataplane/internal/codec"
	"go_tradedash/dataplane/internal/config"
	"go_tradedash/dataplane/internal/metrics"
	"go_tradedash/dataplane/pkg/types"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
)

var (
	ErrNotConnected       = errors.New("push connection not established")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrHeartbeatTimeout   = errors.New("heartbeat pong not received")
	ErrClosed             = errors.New("connection manager closed")
)

// Handlers receive the frames routed to a topic.
type Handlers struct {
	OnMessage func(msg *types.PushMessage)
	OnError   func(err error)
}

// Handle identifies one subscription returned by Subscribe.
type Handle struct {
	id    uint64
	topic string
}

// Topic returns the subscribed topic.
func (h *Handle) Topic() string { return h.topic }

type subscriber struct {
	id       uint64
	handlers Handlers
}

// topic is a refcounted push subscription.
type topic struct {
	name        string
	subscribers []*subscriber
}

// session is one live transport connection.
type session struct {
	id     uint64
	conn   Conn
	cancel context.CancelFunc
	pong   chan struct{}
}

// Manager owns the single push connection, its topic refcounts and
// the outbound send queue.
type Manager struct {
	cfg     *config.UpstreamConfig
	dialer  Dialer
	logger  *zap.Logger
	metrics *metrics.Metrics

	// writeMu serializes every write on the transport and is always
	// acquired before mu.
	writeMu sync.Mutex

	mu        sync.RWMutex
	state     types.ConnectionState
	url       string
	sess      *session
	runCtx    context.Context
	runCancel context.CancelFunc
	topics    map[string]*topic
	queue     [][]byte
	observers []func(old, new types.ConnectionState)
	closed    bool

	nextID       atomic.Uint64
	reconnects   atomic.Int64
	droppedSends atomic.Int64
}

// NewManager creates a new connection manager. Nothing is dialed until Connect.
func NewManager(cfg *config.UpstreamConfig, dialer Dialer, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if dialer == nil {
		dialer = NewGorillaDialer(cfg.DialTimeout)
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		logger:  logger.With(zap.String("component", "upstream")),
		metrics: m,
		url:     cfg.URL,
		topics:  make(map[string]*topic),
	}
}

// State returns the current connection state.
func (m *Manager) State() types.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnStateChange registers an observer for state transitions. Observers run
// synchronously while the transition is applied and must not call back into
// the Manager.
func (m *Manager) OnStateChange(fn func(old, new types.ConnectionState)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Connect dials url (or the configured url when empty). It is a no-op while
// connecting or connected. A failed dial hands over to the reconnect loop and
// the dial error is returned.
func (m *Manager) Connect(ctx context.Context, url string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state {
	case types.StateConnecting, types.StateConnected, types.StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	if url != "" {
		m.url = url
	}
	if m.runCancel != nil {
		m.runCancel()
	}
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	runCtx := m.runCtx
	m.setStateLocked(types.StateConnecting)
	m.mu.Unlock()

	conn, err := m.dial(ctx)
	if err == nil {
		m.established(runCtx, conn)
		return nil
	}

	m.logger.Warn("Initial dial failed, reconnecting", zap.String("url", m.url), zap.Error(err))
	m.mu.Lock()
	if runCtx.Err() == nil && m.state == types.StateConnecting {
		m.setStateLocked(types.StateReconnecting)
		go m.reconnectLoop(runCtx, false)
	}
	m.mu.Unlock()
	return errors.Wrap(err, "dial push endpoint")
}

// Reconnect is the manual recovery path: it leaves ERROR or DISCONNECTED by
// dialing again, and forces a fresh cycle when connected.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.RLock()
	state, sess := m.state, m.sess
	m.mu.RUnlock()

	switch state {
	case types.StateConnected:
		m.drop(sess, errors.New("manual reconnect"), true)
		return nil
	case types.StateError, types.StateDisconnected:
		return m.Connect(ctx, "")
	default:
		return nil
	}
}

// Disconnect closes the connection without reconnecting. Topic refcounts and
// the send queue survive, so a later Connect resubscribes.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	if m.runCancel != nil {
		m.runCancel()
	}
	if sess != nil {
		sess.cancel()
	}
	m.setStateLocked(types.StateDisconnected)
	m.mu.Unlock()

	if sess != nil {
		sess.conn.Close()
	}
}

// Close disconnects and rejects further Connect calls.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Subscribe registers handlers on topic. The first subscriber of a topic sends
// the subscribe control frame, immediately when connected or on connect.
func (m *Manager) Subscribe(topicName string, h Handlers) *Handle {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	handle := &Handle{id: m.nextID.Add(1), topic: topicName}

	m.mu.Lock()
	t, ok := m.topics[topicName]
	if !ok {
		t = &topic{name: topicName}
		m.topics[topicName] = t
	}
	t.subscribers = append(t.subscribers, &subscriber{id: handle.id, handlers: h})
	first := len(t.subscribers) == 1
	sess := m.connectedSessionLocked()
	m.metrics.SetActiveTopics(len(m.topics))
	m.mu.Unlock()

	if first && sess != nil {
		m.writeControl(sess, codec.OpSubscribe, topicName)
	}
	return handle
}

// Unsubscribe releases a handle. The last release of a topic sends the
// unsubscribe control frame. Releasing the same handle twice is a no-op.
func (m *Manager) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	t, ok := m.topics[h.topic]
	if !ok {
		m.mu.Unlock()
		return
	}
	idx := -1
	for i, s := range t.subscribers {
		if s.id == h.id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(t.subscribers)-1)
	subs = append(subs, t.subscribers[:idx]...)
	t.subscribers = append(subs, t.subscribers[idx+1:]...)

	last := len(t.subscribers) == 0
	if last {
		delete(m.topics, h.topic)
	}
	sess := m.connectedSessionLocked()
	m.metrics.SetActiveTopics(len(m.topics))
	m.mu.Unlock()

	if last && sess != nil {
		m.writeControl(sess, codec.OpUnsubscribe, h.topic)
	}
}

// Send writes v as a JSON frame, or queues it until the next connect.
// Past capacity the oldest queued frame is dropped.
func (m *Manager) Send(v interface{}) error {
	data, err := encode(v)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	sess := m.connectedSessionLocked()
	if sess == nil {
		m.enqueueLocked(data)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := sess.conn.WriteMessage(data); err != nil {
		go m.drop(sess, err, false)
		return errors.Wrap(err, "write push frame")
	}
	return nil
}

// ActiveTopics returns the topics with a nonzero refcount.
func (m *Manager) ActiveTopics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.topics))
	for name := range m.topics {
		out = append(out, name)
	}
	return out
}

// Stats returns connection manager statistics.
type Stats struct {
	State        string `json:"state"`
	URL          string `json:"url"`
	Topics       int    `json:"topics"`
	QueueLength  int    `json:"queue_length"`
	Reconnects   int64  `json:"reconnects"`
	DroppedSends int64  `json:"dropped_sends"`
}

// GetStats returns current statistics.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		State:        m.state.String(),
		URL:          m.url,
		Topics:       len(m.topics),
		QueueLength:  len(m.queue),
		Reconnects:   m.reconnects.Load(),
		DroppedSends: m.droppedSends.Load(),
	}
}

func (m *Manager) dial(ctx context.Context) (Conn, error) {
	timeout := m.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.dialer.Dial(dialCtx, m.url)
}

// established promotes a fresh transport to CONNECTED, then resubscribes all
// referenced topics and flushes the send queue in FIFO order.
func (m *Manager) established(runCtx context.Context, conn Conn) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if runCtx.Err() != nil || m.closed {
		m.mu.Unlock()
		conn.Close()
		return false
	}
	sessCtx, cancel := context.WithCancel(runCtx)
	sess := &session{
		id:     m.nextID.Add(1),
		conn:   conn,
		cancel: cancel,
		pong:   make(chan struct{}, 1),
	}
	m.sess = sess
	m.setStateLocked(types.StateConnected)

	topics := make([]string, 0, len(m.topics))
	for name := range m.topics {
		topics = append(topics, name)
	}
	queued := m.queue
	m.queue = nil
	m.mu.Unlock()

	conn.SetPongHandler(func() {
		select {
		case sess.pong <- struct{}{}:
		default:
		}
	})
	go m.readLoop(sess)
	go m.heartbeat(sessCtx, sess)

	m.logger.Info("Push connection established",
		zap.String("url", m.url),
		zap.Int("topics", len(topics)),
		zap.Int("queued", len(queued)))

	for _, name := range topics {
		if !m.writeControl(sess, codec.OpSubscribe, name) {
			return false
		}
	}
	for _, data := range queued {
		if err := conn.WriteMessage(data); err != nil {
			go m.drop(sess, err, false)
			return false
		}
	}
	return true
}

// drop tears down sess after a transport failure and starts reconnecting.
// Only the first call for a session has any effect.
func (m *Manager) drop(sess *session, cause error, immediate bool) {
	m.mu.Lock()
	if sess == nil || m.sess != sess {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	sess.cancel()
	runCtx := m.runCtx
	m.setStateLocked(types.StateReconnecting)
	m.mu.Unlock()

	sess.conn.Close()
	m.logger.Warn("Push connection lost", zap.Error(cause), zap.Bool("immediate", immediate))
	go m.reconnectLoop(runCtx, immediate)
}

func (m *Manager) reconnectLoop(runCtx context.Context, immediate bool) {
	maxAttempts := m.cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delay := m.calculateBackoff(attempt)
		if immediate && attempt == 1 {
			delay = 0
		}
		timer := time.NewTimer(delay)
		select {
		case <-runCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := m.dial(runCtx)
		if err != nil {
			m.logger.Warn("Reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			continue
		}
		if m.established(runCtx, conn) {
			m.reconnects.Add(1)
			m.metrics.RecordReconnect()
		}
		return
	}

	m.mu.Lock()
	if runCtx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(types.StateError)
	handlers := m.allHandlersLocked()
	m.mu.Unlock()

	m.logger.Error("Reconnect attempts exhausted", zap.Int("attempts", maxAttempts))
	for _, h := range handlers {
		m.notifyError(h, ErrReconnectExhausted)
	}
}

func (m *Manager) readLoop(sess *session) {
	for {
		data, err := sess.conn.ReadMessage()
		if err != nil {
			m.drop(sess, err, false)
			return
		}

		msg, err := codec.Decode(data)
		if err != nil {
			m.metrics.RecordDecodeError(decodeReason(err))
			m.logger.Warn("Dropping malformed push frame", zap.Int("size", len(data)), zap.Error(err))
			continue
		}
		m.dispatch(msg)
	}
}

func (m *Manager) dispatch(msg *types.PushMessage) {
	for _, name := range codec.Topics(msg) {
		m.mu.RLock()
		t := m.topics[name]
		var subs []*subscriber
		if t != nil {
			subs = t.subscribers
		}
		m.mu.RUnlock()

		for _, s := range subs {
			m.deliver(s.handlers, msg)
		}
	}
}

func (m *Manager) deliver(h Handlers, msg *types.PushMessage) {
	if h.OnMessage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Push handler panicked", zap.Any("panic", r), zap.String("kind", string(msg.Kind)))
		}
	}()
	h.OnMessage(msg)
}

func (m *Manager) notifyError(h Handlers, err error) {
	if h.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Error handler panicked", zap.Any("panic", r))
		}
	}()
	h.OnError(err)
}

// heartbeat pings on a fixed interval and forces a reconnect when a pong
// does not arrive within the pong timeout.
func (m *Manager) heartbeat(ctx context.Context, sess *session) {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	pongTimeout := m.cfg.PongTimeout
	if pongTimeout <= 0 {
		pongTimeout = interval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		deadline *time.Timer
		expired  <-chan time.Time
	)
	defer func() {
		if deadline != nil {
			deadline.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.pong:
			if deadline != nil {
				deadline.Stop()
				deadline, expired = nil, nil
			}
		case <-ticker.C:
			if expired != nil {
				continue
			}
			if err := sess.conn.Ping(); err != nil {
				m.drop(sess, errors.Wrap(err, "send ping"), false)
				return
			}
			deadline = time.NewTimer(pongTimeout)
			expired = deadline.C
		case <-expired:
			m.drop(sess, ErrHeartbeatTimeout, true)
			return
		}
	}
}

func (m *Manager) writeControl(sess *session, op, topicName string) bool {
	data, err := encode(codec.Control{Op: op, Topic: topicName, ID: m.nextID.Add(1)})
	if err != nil {
		m.logger.Error("Failed to encode control frame", zap.String("op", op), zap.Error(err))
		return true
	}
	if err := sess.conn.WriteMessage(data); err != nil {
		go m.drop(sess, err, false)
		return false
	}
	m.logger.Debug("Control frame sent", zap.String("op", op), zap.String("topic", topicName))
	return true
}

func (m *Manager) enqueueLocked(data []byte) {
	size := m.cfg.SendQueueSize
	if size <= 0 {
		size = 256
	}
	if len(m.queue) >= size {
		m.queue = m.queue[1:]
		m.droppedSends.Add(1)
		m.metrics.RecordDroppedSend()
		m.logger.Warn("Send queue full, dropping oldest frame", zap.Int("capacity", size))
	}
	m.queue = append(m.queue, data)
}

func (m *Manager) connectedSessionLocked() *session {
	if m.state != types.StateConnected {
		return nil
	}
	return m.sess
}

func (m *Manager) allHandlersLocked() []Handlers {
	var out []Handlers
	for _, t := range m.topics {
		for _, s := range t.subscribers {
			out = append(out, s.handlers)
		}
	}
	return out
}

func (m *Manager) setStateLocked(next types.ConnectionState) {
	prev := m.state
	if prev == next {
		return
	}
	m.state = next
	m.metrics.SetConnectionState(int(next))
	m.logger.Debug("Connection state changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", next))
	for _, fn := range m.observers {
		fn(prev, next)
	}
}

// calculateBackoff calculates exponential backoff with jitter.
func (m *Manager) calculateBackoff(attempt int) time.Duration {
	base := m.cfg.ReconnectBaseDelay
	if base == 0 {
		base = 100 * time.Millisecond
	}

	max := m.cfg.ReconnectMaxDelay
	if max == 0 {
		max = 30 * time.Second
	}

	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		attempt = 31
	}

	// Exponential backoff: base * 2^(attempt-1)
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max || delay <= 0 {
		delay = max
	}

	// Add jitter (±10%)
	jitter := time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1))
	return delay + jitter
}

func encode(v interface{}) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := codec.NewEncoder(buf).Encode(v); err != nil {
		return nil, errors.Wrap(err, "encode push frame")
	}
	b := buf.B
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	return append([]byte(nil), b...), nil
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, codec.ErrUnknownMessage):
		return "unknown"
	case errors.Is(err, codec.ErrMissingSymbol):
		return "missing_symbol"
	case errors.Is(err, codec.ErrUnsupportedVersion):
		return "schema_version"
	default:
		return "malformed"
	}
}
