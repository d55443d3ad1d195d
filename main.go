package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"scalping-engine/config"
	"scalping-engine/internal/api"
	"scalping-engine/internal/broker"
	"scalping-engine/internal/broker/binance"
	"scalping-engine/internal/broker/mt4"
	"scalping-engine/internal/broker/okx"
	"scalping-engine/internal/clock"
	"scalping-engine/internal/events"
	"scalping-engine/internal/executor"
	"scalping-engine/internal/kvstore"
	"scalping-engine/internal/logging"
	"scalping-engine/internal/marketdrop"
	"scalping-engine/internal/metrics"
	"scalping-engine/internal/notify"
	"scalping-engine/internal/position"
	"scalping-engine/internal/pricefeed"
	"scalping-engine/internal/queue"
	"scalping-engine/internal/risk"
	"scalping-engine/internal/signals"
	"scalping-engine/internal/store"
	"scalping-engine/internal/vault"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Msg("scalping engine starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store.
	db, err := store.NewDB(cfg.DatabaseConfig, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	repo := store.NewRepository(db)

	// KV store. Queueing, reversal records, and the drop detector all sit
	// on it, so a dead KV at boot is fatal; transient outages later are
	// absorbed by the circuit breaker.
	kv, err := kvstore.New(cfg.RedisConfig, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("kv store connection failed")
	}
	defer kv.Close()

	// Broker credentials.
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("vault client init failed")
	}

	clk := clock.New()
	bus := events.NewEventBus()
	m := metrics.New()

	// Venue adapters. A venue with no credentials is skipped, not fatal;
	// the filter and router simply never see it.
	router := broker.NewRouter()

	mt4Token := os.Getenv("MT4_BRIDGE_TOKEN")
	if creds, err := vaultClient.Get(ctx, "mt4", false); err == nil && creds.APIKey != "" {
		mt4Token = creds.APIKey
	}
	if cfg.MT4Config.BridgeURL != "" {
		router.Register(mt4.New(cfg.MT4Config, mt4Token, logger))
	}

	if creds, err := vaultClient.Get(ctx, "okx", cfg.OKXConfig.Simulated); err == nil {
		router.Register(okx.New(cfg.OKXConfig, creds, logger))
	} else {
		logger.Warn().Err(err).Msg("okx credentials unavailable, venue disabled")
	}

	if creds, err := vaultClient.Get(ctx, "binance", cfg.BinanceConfig.TestNet); err == nil {
		router.Register(binance.New(cfg.BinanceConfig, creds, kv, logger))
	} else {
		logger.Warn().Err(err).Msg("binance credentials unavailable, venue disabled")
	}

	if len(router.All()) == 0 {
		logger.Fatal().Msg("no broker adapters registered")
	}

	filter := broker.NewFilter(router)
	for symbol := range cfg.MT4Config.Symbols {
		filter.AllowSymbols(store.BrokerMT4, symbol)
	}
	for symbol := range cfg.OKXConfig.Instruments {
		filter.AllowSymbols(store.BrokerOKX, symbol)
	}

	authority := risk.NewAuthority(cfg.RiskConfig, repo, risk.RouterPositions{Router: router}, clk, logger)

	pqueue := queue.New(kv, logger)
	validator := signals.NewValidator(cfg.ValidatorConfig,
		signals.RouterPrices{Router: router, Cache: kv}, filter, pqueue, kv, clk, logger)

	exec := executor.New(cfg.ExecutorConfig, cfg.QueueConfig, cfg.ValidatorConfig, cfg.RiskConfig,
		repo, authority, pqueue, router, filter, bus, m, clk, logger)

	notifier := notify.NewLogNotifier(logger)
	manager := position.NewManager(cfg.MonitorConfig, cfg.ExitConfig,
		repo, authority, router, kv, kv, bus, notifier, m, clk, logger)

	detector := marketdrop.NewDetector(cfg.DropConfig, kv, bus, clk, logger)

	server := api.NewServer(cfg.ServerConfig, cfg.AuthConfig,
		repo, kv, authority, validator, pqueue, manager, m, logger)

	go exec.Run(ctx)
	go manager.Run(ctx)
	go detector.Run(ctx)

	if cfg.FeedConfig.Enabled {
		feed := pricefeed.New(cfg.FeedConfig, kv, detector, logger)
		go feed.Run(ctx)
	} else {
		logger.Warn().Msg("price feed disabled, drop detector runs on stale data")
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("api server failed")
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api shutdown failed")
	}
	logger.Info().Msg("scalping engine stopped")
}
