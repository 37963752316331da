package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/marcus20232023/a2a-shib-payments/config"
	"github.com/marcus20232023/a2a-shib-payments/gateway"
	"github.com/marcus20232023/a2a-shib-payments/gateway/middleware"
	"github.com/marcus20232023/a2a-shib-payments/native/escrow"
	"github.com/marcus20232023/a2a-shib-payments/native/negotiation"
	"github.com/marcus20232023/a2a-shib-payments/native/tipping"
	"github.com/marcus20232023/a2a-shib-payments/observability/logging"
	"github.com/marcus20232023/a2a-shib-payments/storage/snapshot"
	"github.com/marcus20232023/a2a-shib-payments/webhooks"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "payments.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.Setup("a2a-shib-payments", cfg.Environment, logging.Options{File: cfg.LogFile})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "error", err)
		os.Exit(1)
	}

	hooks := webhooks.NewEngine(webhooks.Options{
		MaxAttempts:        cfg.MaxRetries,
		InitialDelay:       cfg.InitialDelay(),
		MaxDelay:           cfg.MaxDelay(),
		BackoffMultiplier:  cfg.BackoffMultiplier,
		RequestTimeout:     cfg.RequestTimeout(),
		FanOut:             cfg.DeliveryFanOut,
		WorkerTick:         cfg.WorkerTick(),
		CheckpointInterval: cfg.CheckpointInterval(),
		MaxLogEntries:      cfg.MaxLogEntries,
	})
	hooks.SetLogger(logger)
	if err := hooks.SetStores(
		snapshot.New(filepath.Join(cfg.DataDir, "subscriptions.json")),
		snapshot.New(filepath.Join(cfg.DataDir, "delivery-queue.json")),
	); err != nil {
		logger.Error("load webhook state", "error", err)
		os.Exit(1)
	}
	eventLog, err := webhooks.NewEventLog(snapshot.New(filepath.Join(cfg.DataDir, "event-log.json")), cfg.MaxLogEntries)
	if err != nil {
		logger.Error("load event log", "error", err)
		os.Exit(1)
	}
	hooks.SetEventLog(eventLog)

	escrows := escrow.NewEngine()
	escrows.SetEmitter(hooks.Emitter())
	if err := escrows.SetStore(snapshot.New(filepath.Join(cfg.DataDir, "escrows.json"))); err != nil {
		logger.Error("load escrows", "error", err)
		os.Exit(1)
	}

	quotes := negotiation.NewEngine(escrows)
	if err := quotes.SetStore(snapshot.New(filepath.Join(cfg.DataDir, "quotes.json"))); err != nil {
		logger.Error("load quotes", "error", err)
		os.Exit(1)
	}

	tips := tipping.NewEngine()
	tips.SetEmitter(hooks.Emitter())
	if err := tips.SetStore(snapshot.New(filepath.Join(cfg.DataDir, "tips.json"))); err != nil {
		logger.Error("load tips", "error", err)
		os.Exit(1)
	}

	store, err := gateway.NewSQLiteStore(filepath.Join(cfg.DataDir, "gateway.db"))
	if err != nil {
		logger.Error("open gateway store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var scopePolicy *middleware.ScopePolicy
	if cfg.ScopePolicyFile != "" {
		scopePolicy, err = middleware.LoadScopePolicy(cfg.ScopePolicyFile)
		if err != nil {
			logger.Error("load scope policy", "error", err)
			os.Exit(1)
		}
	}

	server := gateway.NewServer(gateway.Config{
		Auth: middleware.AuthConfig{
			Enabled:    os.Getenv("PAYMENTS_AUTH_SECRET") != "",
			HMACSecret: os.Getenv("PAYMENTS_AUTH_SECRET"),
			Policy:     scopePolicy,
		},
		RatePerSecond: cfg.RateLimitPerSecond,
		RateBurst:     cfg.RateLimitBurst,
		IntentSecret:  os.Getenv("PAYMENTS_INTENT_SECRET"),
	}, gateway.Deps{
		Escrows:  escrows,
		Quotes:   quotes,
		Tips:     tips,
		Hooks:    hooks,
		EventLog: eventLog,
		Store:    store,
		Logger:   logger,
	})

	hooks.Start()

	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	go runSweeper(sweepCtx, logger, cfg.SweepInterval(), escrows, quotes)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("payments service listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	stopSweeps()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := hooks.Shutdown(ctx); err != nil {
		logger.Error("webhook shutdown failed", "error", err)
	}
}

// runSweeper drives the escrow timeout and quote expiration sweeps on a fixed
// cadence.
func runSweeper(ctx context.Context, logger *slog.Logger, interval time.Duration, escrows *escrow.Engine, quotes *negotiation.Engine) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids, err := escrows.ProcessTimeouts(); err != nil {
				logger.Warn("timeout sweep failed", "error", err)
			} else if len(ids) > 0 {
				logger.Info("escrows timed out", "count", len(ids))
			}
			if ids, err := quotes.ProcessExpirations(); err != nil {
				logger.Warn("expiration sweep failed", "error", err)
			} else if len(ids) > 0 {
				logger.Info("quotes expired", "count", len(ids))
			}
		}
	}
}
