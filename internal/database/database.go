package database

import (
	"context"
	"fmt"

	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/ledger"
	"trade-ledger-go/internal/models"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(cfg *config.Database) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or updates the ledger tables. Existing rows are kept.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Profile{}, &models.Transaction{}, &models.Trade{}, &models.Settlement{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

// NewStore opens the ledger store selected by cfg.Driver. The returned
// function releases the underlying connection.
func NewStore(ctx context.Context, cfg *config.Database, logger *zap.Logger) (ledger.Store, func() error, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("Using in-memory store, balances are lost on exit")
		return ledger.NewMemoryStore(), func() error { return nil }, nil
	case "postgres":
		store, err := NewPostgresStore(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "sqlite":
		db, err := NewDatabase(cfg)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get database handle: %w", err)
		}
		logger.Info("Database connection successful and schema migrated", zap.String("dsn", cfg.DSN))
		return NewGormStore(db), sqlDB.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
