package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFromDir(t, "")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Market.TickerTTL)
	assert.Equal(t, 2*time.Second, cfg.Market.OrderBookTTL)
	assert.Equal(t, 30*time.Second, cfg.Cache.FetchTimeout)
	assert.Equal(t, 5*time.Second, cfg.Orders.PlaceRollbackDelay)
	assert.Equal(t, 10*time.Second, cfg.Orders.CancelRollbackDelay)
	assert.True(t, cfg.Cache.StaleWhileRevalidate)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	cfg, err := loadFromDir(t, `
upstream:
  url: wss://example.test/ws
  max_reconnect_attempts: 3
orders:
  cancel_rollback_delay: 15s
  sync_symbols: [BTCUSDT, ETHUSDT]
logger:
  debug: true
`)
	require.NoError(t, err)

	assert.Equal(t, "wss://example.test/ws", cfg.Upstream.URL)
	assert.Equal(t, 3, cfg.Upstream.MaxReconnectAttempts)
	assert.Equal(t, 15*time.Second, cfg.Orders.CancelRollbackDelay)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Orders.SyncSymbols)
	assert.True(t, cfg.Logger.Debug)
	// untouched keys keep defaults
	assert.Equal(t, 5*time.Second, cfg.Orders.PlaceRollbackDelay)
}

func loadFromDir(t *testing.T, body string) (*Config, error) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return Load(path)
}
