package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"autotrader/internal/api"
	"autotrader/internal/credentials"
	"autotrader/internal/events"
	"autotrader/internal/gateway"
	"autotrader/internal/monitor"
	"autotrader/internal/scheduler"
	"autotrader/internal/settings"
	"autotrader/internal/subscription"
	"autotrader/internal/trade"
	"autotrader/pkg/config"
	"autotrader/pkg/crypto"
	"autotrader/pkg/exchanges/binance"
	"autotrader/pkg/exchanges/bybit"
	"autotrader/pkg/exchanges/kucoin"
	"autotrader/pkg/exchanges/mexc"
	"autotrader/pkg/exchanges/okx"
	"autotrader/pkg/logger"
	"autotrader/pkg/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zl, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer zl.Sync()
	slog := zl.Sugar()
	slog.Infow("starting auto trader", "port", cfg.Port, "db", cfg.DBPath)

	defaults, err := config.LoadTradingDefaults(cfg.TradingDefaultsPath)
	if err != nil {
		slog.Warnw("trading defaults not loaded, using builtins", "error", err)
	}

	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	encKey := cfg.EncryptionKey
	if encKey == "" {
		// Dev fallback; a real deployment sets ENCRYPTION_KEY.
		encKey = cfg.JWTSecret
		slog.Warnw("ENCRYPTION_KEY not set, deriving from JWT_SECRET")
	}
	enc, err := crypto.NewEncryptorFromString(encKey)
	if err != nil {
		return fmt.Errorf("init encryptor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	gw := gateway.New(slog)
	gw.Register(binance.New(slog))
	gw.Register(bybit.New(slog))
	gw.Register(okx.New(slog))
	gw.Register(kucoin.New(slog))
	gw.Register(mexc.New(slog))
	slog.Infow("exchange gateway ready", "exchanges", gw.Exchanges())

	trades := trade.NewManager(gw, st, slog)
	settingsRepo := settings.NewRepo(st, defaults, slog)
	vault := credentials.NewVault(st, enc, slog)
	subs := subscription.NewStoreChecker(st, defaults)
	registry := monitor.NewRegistry(bus, slog)

	factory := func(key monitor.Key) func(ctx context.Context) {
		d := monitor.NewDetector(monitor.Config{
			Key:           key,
			CheckInterval: cfg.SignalCheckInterval,
			Settings:      settingsRepo,
			Trades:        trades,
			Credentials:   vault,
			Market:        gw,
			Store:         st,
			Bus:           bus,
			Log:           slog,
		})
		return d.Run
	}

	sched := scheduler.New(settingsRepo, registry, subs, factory, cfg.ReconcileInterval, slog)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	server := api.NewServer(api.Deps{
		Bus:       bus,
		Store:     st,
		Settings:  settingsRepo,
		Trades:    trades,
		Vault:     vault,
		Gateway:   gw,
		Subs:      subs,
		Registry:  registry,
		JWTSecret: cfg.JWTSecret,
		Log:       slog,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(":" + cfg.Port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Infow("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}
