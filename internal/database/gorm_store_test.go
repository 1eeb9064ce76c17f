package database

import (
	"bytes"
	"context"
	"log"
	"testing"

	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/ledger"
	"trade-ledger-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory sqlite database for testing.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	// Every pooled connection would open its own empty memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, AutoMigrate(db))
	return db
}

func TestGormStore_LoadMissingAccount(t *testing.T) {
	store := NewGormStore(setupTestDB(t))

	_, err := store.Load(context.Background(), "nobody")

	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestGormStore_MissingRowsAreNotLoggedAsErrors(t *testing.T) {
	var buf bytes.Buffer
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.New(log.New(&buf, "", 0), gormlogger.Config{LogLevel: gormlogger.Error}),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrate(db))
	store := NewGormStore(db)

	_, err = store.Load(context.Background(), "nobody")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	_, err = store.TransactionByReference(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	assert.Empty(t, buf.String())
}

func TestGormStore_LedgerRoundTrip(t *testing.T) {
	// Arrange
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewGormStore(db)

	l, err := ledger.Open(ctx, store, "trader-1", decimal.NewFromInt(1000), zap.NewNop())
	require.NoError(t, err)

	// Act
	_, err = l.Deposit(ctx, 50.255, "card")
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, 25, "")
	require.NoError(t, err)
	_, err = l.RecordTrade(ctx, ledger.TradeInput{
		Wager:   ledger.Wager{Instrument: "SOL/USD", Market: ledger.MarketRiseFall, BotType: ledger.BotStandard},
		Stake:   100,
		Payout:  100,
		Outcome: ledger.OutcomeWin,
	})
	require.NoError(t, err)
	pending, err := l.AddPending(ctx, ledger.KindDeposit, 10, "checkout", "ref-1", "trk-1")
	require.NoError(t, err)

	// Assert
	reloaded, err := ledger.Open(ctx, store, "trader-1", decimal.Zero, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "1125.26", reloaded.Balance().StringFixed(2))

	txs := reloaded.Transactions()
	require.Len(t, txs, 3)
	assert.Equal(t, pending.ID, txs[0].ID, "newest first")
	assert.Equal(t, ledger.StatusPending, txs[0].Status)
	assert.Equal(t, "ref-1", txs[0].Reference)
	assert.Equal(t, "trk-1", txs[0].TrackingID)
	assert.Equal(t, "50.26", txs[2].Amount.StringFixed(2))

	trades := reloaded.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, ledger.OutcomeWin, trades[0].Outcome)
	assert.Equal(t, "SOL/USD", trades[0].Instrument)
	assert.Equal(t, "100.00", trades[0].Payout.StringFixed(2))

	var count int64
	require.NoError(t, db.Model(&models.Profile{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGormStore_ResolveAndLookupByReference(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(setupTestDB(t))
	registry := ledger.NewRegistry(store, decimal.NewFromInt(100), zap.NewNop())

	l, err := registry.Get(ctx, "trader-1")
	require.NoError(t, err)
	pending, err := l.AddPending(ctx, ledger.KindDeposit, 40, "checkout", "ref-9", "trk-9")
	require.NoError(t, err)

	found, err := store.TransactionByReference(ctx, "ref-9")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, found.ID)
	assert.Equal(t, "trader-1", found.UserID)

	_, err = store.TransactionByReference(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	_, err = l.Resolve(ctx, pending.ID, ledger.StatusCompleted)
	require.NoError(t, err)

	reloaded, err := ledger.Open(ctx, store, "trader-1", decimal.Zero, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "140.00", reloaded.Balance().StringFixed(2))
	assert.Equal(t, ledger.StatusCompleted, reloaded.Transactions()[0].Status)
}

func TestGormStore_UpdateUnknownRows(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(setupTestDB(t))

	_, err := store.Commit(ctx, ledger.Change{
		UserID:      "trader-1",
		Balance:     decimal.NewFromInt(10),
		Transaction: &ledger.Transaction{ID: "missing", Status: ledger.StatusCompleted},
	})
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	// The failed commit rolled back the balance write too.
	_, err = store.Load(ctx, "trader-1")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	_, err = store.Commit(ctx, ledger.Change{
		UserID:     "trader-1",
		Balance:    decimal.NewFromInt(10),
		Settlement: &ledger.Settlement{ID: "missing", State: ledger.SettlementRefunded},
	})
	assert.ErrorIs(t, err, ledger.ErrSettlementNotFound)
}

func TestGormStore_RecoversDebitedStake(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(setupTestDB(t))

	l, err := ledger.Open(ctx, store, "trader-1", decimal.NewFromInt(100), zap.NewNop())
	require.NoError(t, err)
	st, err := l.Debit(ctx, 30, ledger.Wager{Instrument: "BTC/USD", Market: ledger.MarketEvenOdd, BotType: ledger.BotMaster})
	require.NoError(t, err)

	acct, err := store.Load(ctx, "trader-1")
	require.NoError(t, err)
	require.Len(t, acct.Open, 1)
	assert.Equal(t, st.ID, acct.Open[0].ID)
	assert.Equal(t, "70.00", acct.Balance.StringFixed(2))

	// A stake younger than the recovery age is left to its owner.
	young, err := ledger.Open(ctx, store, "trader-1", decimal.Zero, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "70.00", young.Balance().StringFixed(2))
	assert.Len(t, young.OpenSettlements(), 1)

	// A new process refunds the stake once it is old enough.
	reopened, err := ledger.Open(ctx, store, "trader-1", decimal.Zero, zap.NewNop(), ledger.WithRecoverAfter(0))
	require.NoError(t, err)
	assert.Equal(t, "100.00", reopened.Balance().StringFixed(2))
	assert.Empty(t, reopened.OpenSettlements())

	acct, err = store.Load(ctx, "trader-1")
	require.NoError(t, err)
	assert.Empty(t, acct.Open)
}

func TestGormStore_ConcurrentLedgersKeepEveryWrite(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(setupTestDB(t))

	a, err := ledger.Open(ctx, store, "trader-1", decimal.NewFromInt(100), zap.NewNop())
	require.NoError(t, err)
	b, err := ledger.Open(ctx, store, "trader-1", decimal.NewFromInt(100), zap.NewNop())
	require.NoError(t, err)

	_, err = a.Deposit(ctx, 50, "first process")
	require.NoError(t, err)
	// b still holds balance 100 at the old version; it must reload, not overwrite.
	_, err = b.Deposit(ctx, 10, "second process")
	require.NoError(t, err)

	assert.Equal(t, "160.00", b.Balance().StringFixed(2))
	assert.Len(t, b.Transactions(), 2)

	acct, err := store.Load(ctx, "trader-1")
	require.NoError(t, err)
	assert.Equal(t, "160.00", acct.Balance.StringFixed(2))
	assert.Len(t, acct.Transactions, 2)

	// a still believes the balance is 150; its withdrawal is replanned on 160.
	_, err = a.Withdraw(ctx, 150, "")
	require.NoError(t, err)
	assert.Equal(t, "10.00", a.Balance().StringFixed(2))
	acct, err = store.Load(ctx, "trader-1")
	require.NoError(t, err)
	assert.Equal(t, "10.00", acct.Balance.StringFixed(2))
	assert.Len(t, acct.Transactions, 3)
}

func TestGormStore_SettleAfterForeignRefundFails(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(setupTestDB(t))

	server, err := ledger.Open(ctx, store, "trader-1", decimal.NewFromInt(100), zap.NewNop())
	require.NoError(t, err)
	st, err := server.Debit(ctx, 40, ledger.Wager{Instrument: "BTC/USD", Market: ledger.MarketRiseFall, BotType: ledger.BotStandard})
	require.NoError(t, err)

	// A second process treats the stake as abandoned and refunds it.
	other, err := ledger.Open(ctx, store, "trader-1", decimal.Zero, zap.NewNop(), ledger.WithRecoverAfter(0))
	require.NoError(t, err)
	assert.Equal(t, "100.00", other.Balance().StringFixed(2))

	_, err = server.Settle(ctx, st.ID, ledger.OutcomeWin, decimal.NewFromInt(40))
	assert.ErrorIs(t, err, ledger.ErrSettlementNotFound)

	// The server reloaded instead of crediting the stake a second time.
	assert.Equal(t, "100.00", server.Balance().StringFixed(2))
	assert.Empty(t, server.OpenSettlements())

	acct, err := store.Load(ctx, "trader-1")
	require.NoError(t, err)
	assert.Equal(t, "100.00", acct.Balance.StringFixed(2))
	assert.Empty(t, acct.Trades)
}

func TestGormStore_GuardsResolvedRows(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(setupTestDB(t))

	l, err := ledger.Open(ctx, store, "trader-1", decimal.NewFromInt(100), zap.NewNop())
	require.NoError(t, err)
	st, err := l.Debit(ctx, 30, ledger.Wager{Instrument: "ETH/USD"})
	require.NoError(t, err)
	_, err = l.Refund(ctx, st.ID, "interrupted")
	require.NoError(t, err)
	tx, err := l.AddPending(ctx, ledger.KindDeposit, 25, "checkout", "ref-2", "")
	require.NoError(t, err)
	_, err = l.Resolve(ctx, tx.ID, ledger.StatusFailed)
	require.NoError(t, err)

	acct, err := store.Load(ctx, "trader-1")
	require.NoError(t, err)

	_, err = store.Commit(ctx, ledger.Change{
		UserID:     "trader-1",
		Balance:    acct.Balance.Add(decimal.NewFromInt(60)),
		Version:    acct.Version,
		Settlement: &ledger.Settlement{ID: st.ID, State: ledger.SettlementSettled},
		Trade:      &ledger.TradeRecord{Stake: decimal.NewFromInt(30), Payout: decimal.NewFromInt(30), Outcome: ledger.OutcomeWin},
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	_, err = store.Commit(ctx, ledger.Change{
		UserID:      "trader-1",
		Balance:     acct.Balance.Add(decimal.NewFromInt(25)),
		Version:     acct.Version,
		Transaction: &ledger.Transaction{ID: tx.ID, Status: ledger.StatusCompleted},
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	after, err := store.Load(ctx, "trader-1")
	require.NoError(t, err)
	assert.Equal(t, acct.Balance.String(), after.Balance.String())
	assert.Equal(t, acct.Version, after.Version)
	assert.Empty(t, after.Trades)
}

func TestGormStore_AttachTracking(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(setupTestDB(t))

	l, err := ledger.Open(ctx, store, "trader-1", decimal.NewFromInt(100), zap.NewNop())
	require.NoError(t, err)
	tx, err := l.AddPending(ctx, ledger.KindDeposit, 25, "checkout", "ref-3", "")
	require.NoError(t, err)

	tracked, err := l.AttachTracking(ctx, tx.ID, "trk-3")
	require.NoError(t, err)
	assert.Equal(t, "trk-3", tracked.TrackingID)
	assert.Equal(t, ledger.StatusPending, tracked.Status)

	found, err := store.TransactionByReference(ctx, "ref-3")
	require.NoError(t, err)
	assert.Equal(t, "trk-3", found.TrackingID)
	assert.Equal(t, ledger.StatusPending, found.Status)
}

func TestGormStore_SettleLinksTrade(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(setupTestDB(t))

	l, err := ledger.Open(ctx, store, "trader-1", decimal.NewFromInt(100), zap.NewNop())
	require.NoError(t, err)
	st, err := l.Debit(ctx, 20, ledger.Wager{Instrument: "ETH/USD", Market: ledger.MarketEvenOdd, BotType: ledger.BotPro})
	require.NoError(t, err)
	rec, err := l.Settle(ctx, st.ID, ledger.OutcomeWin, decimal.NewFromInt(40))
	require.NoError(t, err)
	assert.Equal(t, st.ID, rec.SettlementID)

	acct, err := store.Load(ctx, "trader-1")
	require.NoError(t, err)
	assert.Equal(t, "140.00", acct.Balance.StringFixed(2))
	require.Len(t, acct.Trades, 1)
	assert.Equal(t, st.ID, acct.Trades[0].SettlementID)
	assert.Empty(t, acct.Open)
}

func TestNewStore(t *testing.T) {
	logger := zap.NewNop()

	store, closeFn, err := NewStore(context.Background(), &config.Database{Driver: "memory"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &ledger.MemoryStore{}, store)
	assert.NoError(t, closeFn())

	store, closeFn, err = NewStore(context.Background(), &config.Database{Driver: "sqlite", DSN: "file::memory:"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &GormStore{}, store)
	assert.NoError(t, closeFn())

	_, _, err = NewStore(context.Background(), &config.Database{Driver: "mysql"}, logger)
	assert.Error(t, err)
}
