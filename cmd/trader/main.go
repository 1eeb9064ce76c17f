package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/database"
	"trade-ledger-go/internal/ledger"
	"trade-ledger-go/internal/logger"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configDir string
	userID    string
)

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "Run trading bots and manage a ledger from the command line",
	Long: `Trader drives the balance ledger without the web API.

It can fund or drain an account, run a bot for a number of rounds and
print the account history. The ledger store is the one configured in
configs/config.yml.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "configs", "c", "./configs", "directory holding config.yml")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "id of the account to act on (required)")
	rootCmd.MarkPersistentFlagRequired("user")
}

// app is the shared setup of every command.
type app struct {
	cfg    config.Config
	log    *zap.Logger
	ledger *ledger.Ledger
	close  func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store, closeStore, err := database.NewStore(ctx, &cfg.Database, log)
	if err != nil {
		return nil, err
	}

	l, err := ledger.Open(ctx, store, userID, decimal.NewFromFloat(cfg.Ledger.InitialBalance), log,
		ledger.WithRecoverAfter(cfg.Ledger.RecoverAfter))
	if err != nil {
		closeStore()
		return nil, err
	}

	return &app{cfg: cfg, log: log, ledger: l, close: func() error {
		_ = log.Sync()
		return closeStore()
	}}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
