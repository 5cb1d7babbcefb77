// Command tradeforge runs the trading engine: durable store, exchange
// client (live or paper), idempotent executor, risk engine, reconciler
// and the strategy runner, with Prometheus metrics on the side.
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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/tradeforge/internal/config"
	"github.com/tradeforge/tradeforge/internal/database"
	"github.com/tradeforge/tradeforge/internal/exchange"
	"github.com/tradeforge/tradeforge/internal/execution"
	"github.com/tradeforge/tradeforge/internal/reconcile"
	"github.com/tradeforge/tradeforge/internal/risk"
	"github.com/tradeforge/tradeforge/internal/runner"
	"github.com/tradeforge/tradeforge/internal/store"
	"github.com/tradeforge/tradeforge/internal/strategy"
	"github.com/tradeforge/tradeforge/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	var st store.Store = store.NewGormStore(db, log)
	if cfg.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Address, err)
		}
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL, log)
		log.Info("strategy cache enabled", zap.String("address", cfg.Redis.Address))
	}

	live := exchange.NewLiveClient(exchange.LiveConfig{
		BaseURL:    cfg.Exchange.BaseURL,
		APIKey:     cfg.Exchange.APIKey,
		APISecret:  cfg.Exchange.APISecret,
		RecvWindow: cfg.Exchange.RecvWindow,
		Timeout:    cfg.Exchange.Timeout,
	}, log)

	var client exchange.Client = live
	if cfg.Exchange.Mode == "paper" {
		// Paper mode prices fills off the live market-data endpoints, which
		// need no API key.
		client = exchange.NewPaperClient(exchange.PaperConfig{
			Account:        "paper",
			InitialBalance: decimal.NewFromFloat(cfg.Exchange.PaperBalance),
			SpreadBps:      cfg.Exchange.PaperSpreadBps,
			FeeBps:         cfg.Exchange.PaperFeeBps,
		}, live, st, log)
	}
	log.Info("exchange client ready", zap.String("mode", cfg.Exchange.Mode))

	exec := execution.NewExecutor(client, st, execution.Config{
		IdempotencyTTL: cfg.Execution.IdempotencyTTL,
		MaxAttempts:    cfg.Execution.MaxAttempts,
		VerifyAttempts: cfg.Execution.VerifyAttempts,
		BackoffBase:    cfg.Execution.BackoffBase,
	}, log)

	riskEng := risk.NewEngine(st, client, log)
	rec := reconcile.New(st, client, log)

	sched := runner.New(st, client, riskEng, rec, exec, strategy.NewEvaluator(), cfg.Runner, log)
	riskEng.SetStopController(sched)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("engine started")
	sched.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown failed", zap.Error(err))
	}
	log.Info("engine stopped")
	return nil
}
