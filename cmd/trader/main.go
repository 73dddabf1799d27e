package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Kimssss/kis-autotrader/internal/broker"
	"github.com/Kimssss/kis-autotrader/internal/config"
	"github.com/Kimssss/kis-autotrader/internal/ledger"
	"github.com/Kimssss/kis-autotrader/internal/observ"
	"github.com/Kimssss/kis-autotrader/internal/scheduler"
	"github.com/Kimssss/kis-autotrader/internal/strategy"
	"github.com/Kimssss/kis-autotrader/internal/tradelog"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	once := flag.Bool("once", false, "run a single trade cycle and exit")
	flag.Parse()

	if err := run(*configPath, *once); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(configPath string, once bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := observ.NewLogger(cfg.App.LogLevel)
	log.Info().
		Str("mode", cfg.Mode).
		Str("strategy", cfg.Strategy.Name).
		Msg("starting trader")

	cred, err := config.Credentials(cfg.Mode)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	tokens := broker.NewTokenManager(cred, broker.TokenManagerConfig{
		RetryCount:     cfg.API.TokenRetryCount,
		RateLimitPause: time.Duration(cfg.API.TokenCooldownSec) * time.Second,
		CacheDir:       cfg.API.TokenCacheDir,
	}, log)
	limiter := broker.NewRateLimiter(time.Duration(cfg.API.RateLimitMs) * time.Millisecond)
	client := broker.NewClient(cred, broker.ClientConfig{
		MaxRetries: cfg.API.MaxRetries,
		Timeout:    time.Duration(cfg.API.TimeoutMs) * time.Millisecond,
	}, limiter, tokens, log)

	session, err := broker.NewSession(cred, client, log)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	led := ledger.New(cfg.LedgerPath)
	if err := led.Load(); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	trades := tradelog.New(cfg.TradeLogPath)
	defer trades.Close()

	variant, err := strategy.New(cfg.Strategy, session)
	if err != nil {
		return err
	}
	engine := strategy.NewEngine(session, variant, led, cfg.Strategy, trades, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if once {
		return engine.Cycle(ctx)
	}

	metricsSrv := observ.ServeMetrics(cfg.App.MetricsAddr)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	runner := scheduler.NewRunner(engine, cfg.Runner, log)
	if err := runner.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case <-runner.Done():
		log.Warn().Msg("runner stopped on its own, shutting down")
	}

	runner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	log.Info().Msg("trader stopped")
	return nil
}
