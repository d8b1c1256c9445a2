// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Connection metrics
	ConnectionState prometheus.Gauge
	Reconnects      prometheus.Counter
	ActiveTopics    prometheus.Gauge
	DroppedSends    prometheus.Counter
	DecodeErrors    *prometheus.CounterVec

	// Cache metrics
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheStaleServes prometheus.Counter
	CacheDedups      prometheus.Counter
	CacheSize        prometheus.Gauge
	FetchFailures    *prometheus.CounterVec

	// Fan-out metrics
	MessagesSent    *prometheus.CounterVec
	DroppedMessages *prometheus.CounterVec
	ActiveConsumers prometheus.Gauge

	// Chart metrics
	Backfills *prometheus.CounterVec

	// Order metrics
	OptimisticActions *prometheus.CounterVec
	Rollbacks         *prometheus.CounterVec

	// REST metrics
	RequestDuration *prometheus.HistogramVec
}

// namespace is the metrics namespace.
const namespace = "tradedash"

// New creates a new Metrics instance registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Push connection state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=error)",
			},
		),
		Reconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_total",
				Help:      "Total number of successful push reconnections",
			},
		),
		ActiveTopics: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_topics",
				Help:      "Current number of push topics with a nonzero reference count",
			},
		),
		DroppedSends: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_sends_total",
				Help:      "Queued outbound messages dropped because the send queue was full",
			},
		),
		DecodeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Push frames dropped because they could not be decoded",
			},
			[]string{"reason"},
		),

		CacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of fresh cache hits",
			},
		),
		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of cache misses",
			},
		),
		CacheStaleServes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_stale_serves_total",
				Help:      "Stale values served while revalidating",
			},
		),
		CacheDedups: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_dedup_total",
				Help:      "Reads that joined an in-flight fetch instead of issuing one",
			},
		),
		CacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_size",
				Help:      "Current number of items in the request cache",
			},
		),
		FetchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_failures_total",
				Help:      "Failed cache fetches",
			},
			[]string{"reason"}, // reason: error, timeout
		),

		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of events delivered to consumers",
			},
			[]string{"type"},
		),
		DroppedMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_messages_total",
				Help:      "Total number of dropped events due to slow consumers",
			},
			[]string{"type"},
		),
		ActiveConsumers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_consumers",
				Help:      "Current number of market data consumers",
			},
		),

		Backfills: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chart_backfills_total",
				Help:      "Chart history backfills by result",
			},
			[]string{"result"}, // result: merged, exhausted, error
		),

		OptimisticActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "optimistic_actions_total",
				Help:      "Optimistic order mutations applied",
			},
			[]string{"action"}, // action: place, cancel
		),
		Rollbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "optimistic_rollbacks_total",
				Help:      "Optimistic order mutations rolled back",
			},
			[]string{"action"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rest_request_duration_seconds",
				Help:      "REST request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"endpoint", "status"},
		),
	}
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SetConnectionState records the push connection state.
func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

// RecordReconnect records a push reconnection.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// SetActiveTopics sets the number of referenced push topics.
func (m *Metrics) SetActiveTopics(n int) {
	if m == nil {
		return
	}
	m.ActiveTopics.Set(float64(n))
}

// RecordDroppedSend records a dropped queued send.
func (m *Metrics) RecordDroppedSend() {
	if m == nil {
		return
	}
	m.DroppedSends.Inc()
}

// RecordDecodeError records an undecodable push frame.
func (m *Metrics) RecordDecodeError(reason string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(reason).Inc()
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// RecordStaleServe records a stale-while-revalidate read.
func (m *Metrics) RecordStaleServe() {
	if m == nil {
		return
	}
	m.CacheStaleServes.Inc()
}

// RecordDedup records a read that joined an in-flight fetch.
func (m *Metrics) RecordDedup() {
	if m == nil {
		return
	}
	m.CacheDedups.Inc()
}

// SetCacheSize sets the current cache size.
func (m *Metrics) SetCacheSize(size int) {
	if m == nil {
		return
	}
	m.CacheSize.Set(float64(size))
}

// RecordFetchFailure records a failed fetch.
func (m *Metrics) RecordFetchFailure(reason string) {
	if m == nil {
		return
	}
	m.FetchFailures.WithLabelValues(reason).Inc()
}

// RecordMessageSent records an event delivered to a consumer.
func (m *Metrics) RecordMessageSent(msgType string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(msgType).Inc()
}

// RecordDroppedMessage records an event dropped for a slow consumer.
func (m *Metrics) RecordDroppedMessage(msgType string) {
	if m == nil {
		return
	}
	m.DroppedMessages.WithLabelValues(msgType).Inc()
}

// AddConsumers adjusts the consumer gauge.
func (m *Metrics) AddConsumers(delta int) {
	if m == nil {
		return
	}
	m.ActiveConsumers.Add(float64(delta))
}

// RecordBackfill records a chart backfill result.
func (m *Metrics) RecordBackfill(result string) {
	if m == nil {
		return
	}
	m.Backfills.WithLabelValues(result).Inc()
}

// RecordOptimistic records an optimistic order mutation.
func (m *Metrics) RecordOptimistic(action string) {
	if m == nil {
		return
	}
	m.OptimisticActions.WithLabelValues(action).Inc()
}

// RecordRollback records a rolled back optimistic mutation.
func (m *Metrics) RecordRollback(action string) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(action).Inc()
}

// RecordRequest records a REST call or a served gRPC call.
func (m *Metrics) RecordRequest(endpoint, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(endpoint, status).Observe(seconds)
}
