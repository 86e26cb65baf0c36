package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfabric/oms/internal/config"
	"github.com/quantfabric/oms/internal/oms/broker"
	"github.com/quantfabric/oms/internal/oms/broker/gateway"
	"github.com/quantfabric/oms/internal/oms/broker/paper"
	"github.com/quantfabric/oms/internal/oms/events"
	"github.com/quantfabric/oms/internal/oms/metrics"
	"github.com/quantfabric/oms/internal/oms/reactor"
	"github.com/quantfabric/oms/internal/oms/repository"
	"github.com/quantfabric/oms/internal/oms/risk"
	"github.com/quantfabric/oms/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Encoding)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Fatal("engine exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	// Persistence store
	var store *repository.GormStore
	var err error
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		store, err = repository.OpenPostgres(cfg.Database.DSN, zapLogger)
	default:
		store, err = repository.OpenSQLite(cfg.Database.DSN, zapLogger)
	}
	if err != nil {
		return err
	}
	defer store.Close()
	if cfg.Database.RedisAddr != "" {
		store = store.WithCache(cfg.Database.RedisAddr)
	}

	// Risk gate
	limits, err := riskLimits(cfg.Risk)
	if err != nil {
		return err
	}
	gate := risk.NewManager(limits, zapLogger)

	// Metrics
	registry := prometheus.NewRegistry()
	engineMetrics := metrics.New(registry)

	// Reactor
	engineCfg := reactor.Config{
		QueueSize:        cfg.Engine.QueueSize,
		AckTimeout:       cfg.Engine.AckTimeout,
		ReconcileTimeout: cfg.Engine.ReconcileTimeout,
		SweepInterval:    cfg.Engine.SweepInterval,
		SnapshotInterval: cfg.Engine.SnapshotInterval,
		Accounts:         cfg.Engine.Accounts,
	}
	opts := []reactor.Option{reactor.WithMetrics(engineMetrics)}
	if cfg.Firehose.Enabled {
		fhCfg := events.DefaultKafkaPublisherConfig()
		fhCfg.Brokers = cfg.Firehose.Brokers
		fhCfg.Topic = cfg.Firehose.Topic
		opts = append(opts, reactor.WithFirehose(events.NewKafkaPublisher(fhCfg, zapLogger)))
	}
	engine := reactor.New(engineCfg, store, gate, zapLogger, opts...)

	// Broker adapter; the engine is the adapter's event sink.
	var adapter broker.Adapter
	switch cfg.Broker.Mode {
	case config.BrokerModeGateway:
		adapter = gateway.New(gateway.Config{
			URL:         cfg.Broker.Gateway.URL,
			Token:       cfg.Broker.Gateway.Token,
			BackoffMin:  cfg.Broker.Gateway.BackoffMin,
			BackoffMax:  cfg.Broker.Gateway.BackoffMax,
			DialTimeout: cfg.Broker.Gateway.DialTimeout,
			Breaker: gateway.BreakerConfig{
				FailureThreshold: cfg.Broker.Gateway.BreakerThreshold,
				Cooldown:         cfg.Broker.Gateway.BreakerCooldown,
			},
			OnBreakerOpen: func(reason string) {
				// A known-dead link halts new exposure; flattens still work.
				for _, account := range cfg.Engine.Accounts {
					gate.HaltTrading(account, reason)
				}
			},
		}, engine, zapLogger)
	default:
		adapter = paper.New(paper.Config{
			AutoFill:          cfg.Broker.Paper.AutoFill,
			HeartbeatInterval: cfg.Broker.Paper.HeartbeatInterval,
		}, engine, zapLogger)
	}
	engine.AttachAdapter(adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		return err
	}
	zapLogger.Info("order management engine started",
		zap.String("environment", cfg.Environment),
		zap.String("broker_mode", cfg.Broker.Mode),
		zap.String("database", cfg.Database.Driver),
		zap.Strings("accounts", cfg.Engine.Accounts))

	// Operational HTTP endpoint
	var httpServer *http.Server
	if cfg.Server.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			if !engine.Healthy() {
				http.Error(w, "broker link unhealthy", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		httpServer = &http.Server{Addr: cfg.Server.Addr, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zapLogger.Error("http server failed", zap.Error(err))
			}
		}()
		zapLogger.Info("operational endpoint listening", zap.String("addr", cfg.Server.Addr))
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	zapLogger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			zapLogger.Warn("http shutdown failed", zap.Error(err))
		}
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		return err
	}
	zapLogger.Info("engine stopped cleanly")
	return nil
}

// riskLimits converts the decimal-string configuration into gate limits.
func riskLimits(rc config.RiskConfig) (risk.Limits, error) {
	limits := risk.Limits{
		SymbolPositionLimits: make(map[string]decimal.Decimal),
		ExemptAccounts:       make(map[string]struct{}),
	}
	var err error
	if rc.MaxOrderNotional != "" {
		if limits.MaxOrderNotional, err = decimal.NewFromString(rc.MaxOrderNotional); err != nil {
			return limits, err
		}
	}
	if rc.MaxDailyLoss != "" {
		if limits.MaxDailyLoss, err = decimal.NewFromString(rc.MaxDailyLoss); err != nil {
			return limits, err
		}
	}
	for symbol, raw := range rc.SymbolPositionLimits {
		if limits.SymbolPositionLimits[symbol], err = decimal.NewFromString(raw); err != nil {
			return limits, err
		}
	}
	for _, account := range rc.ExemptAccounts {
		limits.ExemptAccounts[account] = struct{}{}
	}
	return limits, nil
}
