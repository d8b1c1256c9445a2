// Package main is the entry point for the Tradedash data plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go_tradedash/dataplane/internal/api"
	"go_tradedash/dataplane/internal/cache"
	"go_tradedash/dataplane/internal/chart"
	"go_tradedash/dataplane/internal/config"
	"go_tradedash/dataplane/internal/grpc"
	"go_tradedash/dataplane/internal/logger"
	"go_tradedash/dataplane/internal/marketdata"
	"go_tradedash/dataplane/internal/metrics"
	"go_tradedash/dataplane/internal/orders"
	"go_tradedash/dataplane/internal/ratelimit"
	"go_tradedash/dataplane/internal/rest"
	"go_tradedash/dataplane/internal/upstream"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Init(&logger.Config{
		Level:       cfg.Logger.Level,
		Development: cfg.Logger.Development,
		Encoding:    cfg.Logger.Encoding,
		Debug:       cfg.Logger.Debug,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.Log
	log.Info("Starting Tradedash data plane",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("ws_port", cfg.Server.WSPort),
		zap.Int("grpc_port", cfg.Server.GRPCPort))

	m := metrics.New(prometheus.DefaultRegisterer)

	// Initialize components
	rateLimiter := ratelimit.NewLimiter(&cfg.Rate)

	requestCache, err := cache.NewRequestCache(&cfg.Cache, log, m)
	if err != nil {
		log.Fatal("Failed to create request cache", zap.Error(err))
	}
	defer requestCache.Close()

	restClient := rest.NewClient(&cfg.REST, rateLimiter, log, m)

	upstreamMgr := upstream.NewManager(&cfg.Upstream, upstream.NewGorillaDialer(cfg.Upstream.DialTimeout), log, m)
	defer upstreamMgr.Close()

	market := marketdata.NewService(&cfg.Market, upstreamMgr, restClient, requestCache, log, m)
	charts := chart.NewService(&cfg.Chart, market, upstreamMgr, log, m)
	defer charts.Close()
	ledger := orders.NewReconciler(&cfg.Orders, restClient, upstreamMgr, log, m)
	defer ledger.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// A failed first dial is retried by the reconnect loop.
	if err := upstreamMgr.Connect(ctx, ""); err != nil {
		log.Warn("Initial upstream connect failed", zap.Error(err))
	}

	go market.Run(ctx)
	go charts.Run(ctx)
	go syncOrders(ctx, ledger, cfg.Orders.SyncSymbols, logger.Named("sync"))

	// Initialize servers
	server := api.NewServer(&cfg.Server, market, charts, ledger, upstreamMgr, requestCache, rateLimiter, log)
	wsHandler := api.NewWSHandler(&cfg.Server, market, charts, ledger, rateLimiter, log)
	wsServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.WSPort),
		Handler:           api.NewMux(wsHandler, metrics.Handler(prometheus.DefaultGatherer)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer := grpc.NewServer(&grpc.Config{
		Host:                cfg.Server.Host,
		Port:                cfg.Server.GRPCPort,
		MaxStreamsPerClient: cfg.Server.MaxStreamsPerClient,
	}, upstreamMgr, rateLimiter, m, log)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()
	go func() {
		log.Info("Starting WebSocket server", zap.String("addr", wsServer.Addr))
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("WebSocket server failed", zap.Error(err))
		}
	}()
	go func() {
		if err := grpcServer.Start(); err != nil {
			log.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stop()
	grpcServer.Stop()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("WebSocket server shutdown error", zap.Error(err))
	}
	if err := server.Shutdown(); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	select {
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timed out")
	default:
		log.Info("Shutdown complete")
	}
}

// syncOrders seeds the order ledger from REST for the configured symbols.
func syncOrders(ctx context.Context, ledger *orders.Reconciler, symbols []string, log *zap.Logger) {
	for _, symbol := range symbols {
		n, err := ledger.Sync(ctx, symbol)
		if err != nil {
			log.Warn("Order sync failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		log.Info("Order ledger synced", zap.String("symbol", symbol), zap.Int("orders", n))
	}
}
