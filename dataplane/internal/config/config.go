// Package config provides configuration management using viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	REST     RESTConfig     `mapstructure:"rest"`
	Rate     RateConfig     `mapstructure:"rate"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Market   MarketConfig   `mapstructure:"market"`
	Chart    ChartConfig    `mapstructure:"chart"`
	Orders   OrdersConfig   `mapstructure:"orders"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig holds server settings.
type ServerConfig struct {
	HTTPPort            int    `mapstructure:"http_port"`
	WSPort              int    `mapstructure:"ws_port"`
	GRPCPort            int    `mapstructure:"grpc_port"`
	Host                string `mapstructure:"host"`
	MaxStreamsPerClient int    `mapstructure:"max_streams_per_client"` // Concurrent websocket streams per remote address
}

// UpstreamConfig holds push connection settings.
type UpstreamConfig struct {
	URL                  string        `mapstructure:"url"`
	DialTimeout          time.Duration `mapstructure:"dial_timeout"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	PongTimeout          time.Duration `mapstructure:"pong_timeout"`
	SendQueueSize        int           `mapstructure:"send_queue_size"`
}

// RESTConfig holds exchange REST settings.
type RESTConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	APISecret  string        `mapstructure:"api_secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RecvWindow int64         `mapstructure:"recv_window"`
}

// RateConfig holds REST rate limiter settings.
type RateConfig struct {
	MarketRPS       int     `mapstructure:"market_rps"`
	OrderRPS        int     `mapstructure:"order_rps"`
	BurstMultiplier float64 `mapstructure:"burst_multiplier"`
}

// CacheConfig holds request cache settings.
type CacheConfig struct {
	MaxEntries           int           `mapstructure:"max_entries"`
	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	InflightSafetyWindow time.Duration `mapstructure:"inflight_safety_window"`
	StaleWhileRevalidate bool          `mapstructure:"stale_while_revalidate"`
	WorkerPoolSize       int           `mapstructure:"worker_pool_size"`
}

// MarketConfig holds market data service settings.
type MarketConfig struct {
	TickerTTL             time.Duration `mapstructure:"ticker_ttl"`
	OrderBookTTL          time.Duration `mapstructure:"orderbook_ttl"`
	OrderBookDepth        int           `mapstructure:"orderbook_depth"`
	SubscriberBufferSize  int           `mapstructure:"subscriber_buffer_size"`
	SlowConsumerThreshold int           `mapstructure:"slow_consumer_threshold"`
	ConsumerStallTimeout  time.Duration `mapstructure:"consumer_stall_timeout"`
	SnapshotStaleAfter    time.Duration `mapstructure:"snapshot_stale_after"`
	CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`
}

// ChartConfig holds chart data service settings.
type ChartConfig struct {
	MaxCandles        int           `mapstructure:"max_candles"`
	HistoricalLimit   int           `mapstructure:"historical_limit"`
	BackfillThreshold int           `mapstructure:"backfill_threshold"`
	BackfillLimit     int           `mapstructure:"backfill_limit"`
	StreamDebounce    time.Duration `mapstructure:"stream_debounce"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

// OrdersConfig holds order reconciler settings.
type OrdersConfig struct {
	PlaceRollbackDelay  time.Duration `mapstructure:"place_rollback_delay"`
	CancelRollbackDelay time.Duration `mapstructure:"cancel_rollback_delay"`
	SyncSymbols         []string      `mapstructure:"sync_symbols"`
	HistoryLimit        int           `mapstructure:"history_limit"`
}

// LoggerConfig holds logger settings.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tradedash")
	}

	// Read environment variables
	v.SetEnvPrefix("TRADEDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.ws_port", 8081)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.max_streams_per_client", 8)

	// Upstream defaults
	v.SetDefault("upstream.url", "wss://stream.testnet.binance.vision/ws")
	v.SetDefault("upstream.dial_timeout", "10s")
	v.SetDefault("upstream.reconnect_base_delay", "1s")
	v.SetDefault("upstream.reconnect_max_delay", "30s")
	v.SetDefault("upstream.max_reconnect_attempts", 10)
	v.SetDefault("upstream.heartbeat_interval", "30s")
	v.SetDefault("upstream.pong_timeout", "10s")
	v.SetDefault("upstream.send_queue_size", 256)

	// REST defaults
	v.SetDefault("rest.base_url", "https://testnet.binance.vision")
	v.SetDefault("rest.timeout", "30s")
	v.SetDefault("rest.recv_window", 5000)

	// Rate limiter defaults
	v.SetDefault("rate.market_rps", 20)
	v.SetDefault("rate.order_rps", 5)
	v.SetDefault("rate.burst_multiplier", 2.0)

	// Cache defaults
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.fetch_timeout", "30s")
	v.SetDefault("cache.sweep_interval", "1m")
	v.SetDefault("cache.inflight_safety_window", "2m")
	v.SetDefault("cache.stale_while_revalidate", true)
	v.SetDefault("cache.worker_pool_size", 32)

	// Market defaults
	v.SetDefault("market.ticker_ttl", "5s")
	v.SetDefault("market.orderbook_ttl", "2s")
	v.SetDefault("market.orderbook_depth", 20)
	v.SetDefault("market.subscriber_buffer_size", 256)
	v.SetDefault("market.slow_consumer_threshold", 1000)
	v.SetDefault("market.consumer_stall_timeout", "30s")
	v.SetDefault("market.snapshot_stale_after", "5m")
	v.SetDefault("market.cleanup_interval", "1m")

	// Chart defaults
	v.SetDefault("chart.max_candles", 1000)
	v.SetDefault("chart.historical_limit", 500)
	v.SetDefault("chart.backfill_threshold", 10)
	v.SetDefault("chart.backfill_limit", 500)
	v.SetDefault("chart.stream_debounce", "300ms")
	v.SetDefault("chart.sweep_interval", "5m")

	// Order defaults
	v.SetDefault("orders.place_rollback_delay", "5s")
	v.SetDefault("orders.cancel_rollback_delay", "10s")
	v.SetDefault("orders.history_limit", 50)

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.development", false)
	v.SetDefault("logger.encoding", "json")
	v.SetDefault("logger.debug", false)
}
