package fanout

import (
	"testing"
	"time"

	"go_tradedash/dataplane/internal/metrics"
	"go_tradedash/dataplane/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tickerEvent(symbol string) *types.MarketEvent {
	return &types.MarketEvent{Type: types.KindTicker, Symbol: symbol, Timestamp: time.Now()}
}

func TestPublishFiltersBySymbolAndKind(t *testing.T) {
	h := NewHub(8, 0, 0, nil)

	btc := h.CreateSubscriber("btc")
	books := h.CreateSubscriber("books", types.KindOrderBook)
	require.True(t, h.Subscribe("BTCUSDT", btc))
	require.True(t, h.Subscribe("BTCUSDT", books))
	assert.False(t, h.Subscribe("BTCUSDT", btc))

	h.Publish("ETHUSDT", tickerEvent("ETHUSDT"))
	h.Publish("BTCUSDT", tickerEvent("BTCUSDT"))

	require.Len(t, btc.SendChan, 1)
	assert.Equal(t, "BTCUSDT", (<-btc.SendChan).Symbol)
	assert.Len(t, books.SendChan, 0)

	h.Publish("BTCUSDT", &types.MarketEvent{Type: types.KindOrderBook, Symbol: "BTCUSDT"})
	assert.Len(t, books.SendChan, 1)
}

func TestChannelClosesAfterLastSymbol(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := NewHub(8, 0, 0, m)

	sub := h.CreateSubscriber("multi")
	h.Subscribe("BTCUSDT", sub)
	h.Subscribe("ETHUSDT", sub)
	assert.Equal(t, int64(1), h.GetStats().ActiveSubscribers)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveConsumers))

	assert.True(t, h.Unsubscribe("BTCUSDT", "multi"))
	assert.False(t, h.Unsubscribe("BTCUSDT", "multi"))

	h.Publish("ETHUSDT", tickerEvent("ETHUSDT"))
	<-sub.SendChan

	assert.Equal(t, []string{"ETHUSDT"}, h.RemoveSubscriber("multi"))
	_, open := <-sub.SendChan
	assert.False(t, open)
	assert.Equal(t, Stats{}, h.GetStats())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveConsumers))

	// publishing after close must not panic
	h.Publish("ETHUSDT", tickerEvent("ETHUSDT"))
}

func TestSlowConsumerEvicted(t *testing.T) {
	h := NewHub(1, 2, 0, nil)

	var evicted []string
	h.OnEvict(func(subID string, symbols []string) {
		evicted = append(evicted, subID)
		assert.Equal(t, []string{"BTCUSDT"}, symbols)
	})

	slow := h.CreateSubscriber("slow")
	fast := h.CreateSubscriber("fast")
	h.Subscribe("BTCUSDT", slow)
	h.Subscribe("BTCUSDT", fast)

	for i := 0; i < 5; i++ {
		h.Publish("BTCUSDT", tickerEvent("BTCUSDT"))
		<-fast.SendChan
	}

	assert.Equal(t, []string{"slow"}, evicted)
	assert.Equal(t, int64(3), slow.Dropped.Load())
	count, _ := h.GetTopicStats("BTCUSDT")
	assert.Equal(t, 1, count)
}

func TestCleanupZombies(t *testing.T) {
	h := NewHub(1, 0, 10*time.Millisecond, nil)

	stuck := h.CreateSubscriber("stuck")
	h.Subscribe("BTCUSDT", stuck)
	h.Publish("BTCUSDT", tickerEvent("BTCUSDT"))
	h.Publish("BTCUSDT", tickerEvent("BTCUSDT"))

	assert.Equal(t, 0, h.CleanupZombies())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.CleanupZombies())
	assert.Empty(t, h.GetActiveSymbols())
}
