package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trade-ledger-go/internal/api"
	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/database"
	"trade-ledger-go/internal/funding"
	"trade-ledger-go/internal/gateway"
	"trade-ledger-go/internal/ledger"
	"trade-ledger-go/internal/logger"
	"trade-ledger-go/internal/trader"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := database.NewStore(ctx, &cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open ledger store", zap.Error(err))
	}
	defer closeStore()

	var gw gateway.ClientInterface
	if cfg.Gateway.Enabled() {
		client, err := gateway.NewRestClient(&cfg.Gateway, log)
		if err != nil {
			log.Fatal("Failed to create gateway client", zap.Error(err))
		}
		defer client.Close()
		gw = client
		log.Info("Payment gateway enabled", zap.String("base_url", cfg.Gateway.BaseURL))
	} else {
		log.Info("Payment gateway credentials not set, checkout deposits are disabled")
	}

	bots, err := trader.NewBots(cfg.Trading.Bots)
	if err != nil {
		log.Fatal("Invalid bot configuration", zap.Error(err))
	}

	registry := ledger.NewRegistry(store, decimal.NewFromFloat(cfg.Ledger.InitialBalance), log,
		ledger.WithRecoverAfter(cfg.Ledger.RecoverAfter))
	limits := trader.Limits{
		MaxPayoutPercent: cfg.Trading.MaxPayoutPercent,
		MinDuration:      time.Duration(cfg.Trading.MinDurationSeconds) * time.Second,
		MaxDuration:      time.Duration(cfg.Trading.MaxDurationSeconds) * time.Second,
	}
	hub := api.NewHub(log)
	sim := trader.NewSimulator(log,
		trader.NewRandomOutcome(cfg.Trading.WinProbability, cfg.Trading.Seed),
		trader.WithNotifier(hub))

	server := api.NewServer(ctx, &api.Config{
		Port:      cfg.Server.Port,
		Currency:  cfg.Ledger.Currency,
		Logger:    log,
		Registry:  registry,
		Simulator: sim,
		Bots:      bots,
		Limits:    limits,
		Funding:   funding.NewService(gw, registry, cfg.Gateway, cfg.Ledger.Currency, log),
		Hub:       hub,
	})
	server.Start()

	<-ctx.Done()
	log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}

	log.Info("Server has been shut down.")
}
