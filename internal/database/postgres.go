package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trade-ledger-go/internal/ledger"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Schema creates the ledger tables on PostgreSQL.
const Schema = `
CREATE TABLE IF NOT EXISTS profiles (
	user_id    VARCHAR(64) PRIMARY KEY,
	balance    NUMERIC(20,2) NOT NULL,
	version    BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
ALTER TABLE profiles ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 1;
CREATE TABLE IF NOT EXISTS transactions (
	id          UUID PRIMARY KEY,
	user_id     VARCHAR(64) NOT NULL REFERENCES profiles(user_id),
	amount      NUMERIC(20,2) NOT NULL,
	type        VARCHAR(16) NOT NULL,
	status      VARCHAR(16) NOT NULL,
	details     TEXT NOT NULL DEFAULT '',
	reference   VARCHAR(64) NOT NULL DEFAULT '',
	tracking_id VARCHAR(64) NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_reference ON transactions (reference) WHERE reference <> '';
CREATE TABLE IF NOT EXISTS settlements (
	id         UUID PRIMARY KEY,
	user_id    VARCHAR(64) NOT NULL REFERENCES profiles(user_id),
	stake      NUMERIC(20,2) NOT NULL,
	state      VARCHAR(16) NOT NULL,
	pair       VARCHAR(32) NOT NULL DEFAULT '',
	market     VARCHAR(16) NOT NULL DEFAULT '',
	bot_type   VARCHAR(16) NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settlements_user_state ON settlements (user_id, state);
CREATE TABLE IF NOT EXISTS trades (
	id            UUID PRIMARY KEY,
	user_id       VARCHAR(64) NOT NULL REFERENCES profiles(user_id),
	settlement_id UUID REFERENCES settlements(id),
	pair          VARCHAR(32) NOT NULL,
	market        VARCHAR(16) NOT NULL,
	stake         NUMERIC(20,2) NOT NULL,
	profit        NUMERIC(20,2) NOT NULL,
	result        VARCHAR(8) NOT NULL,
	bot_type      VARCHAR(16) NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_user_created ON trades (user_id, created_at DESC);
`

const (
	insertProfile = `INSERT INTO profiles (user_id, balance, version, created_at, updated_at) VALUES ($1, $2, 1, $3, $3)
ON CONFLICT (user_id) DO NOTHING`

	updateProfile = `UPDATE profiles SET balance = $1, version = version + 1, updated_at = $2 WHERE user_id = $3 AND version = $4`

	insertTransaction = `INSERT INTO transactions (id, user_id, amount, type, status, details, reference, tracking_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`

	updateTransaction = `UPDATE transactions SET status = $1, tracking_id = COALESCE(NULLIF($2, ''), tracking_id), updated_at = $3
WHERE id = $4 AND user_id = $5 AND status = 'PENDING'
RETURNING amount, type, details, reference, tracking_id, created_at`

	selectTransactionStatus = `SELECT status FROM transactions WHERE id = $1 AND user_id = $2`

	insertSettlement = `INSERT INTO settlements (id, user_id, stake, state, pair, market, bot_type, reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`

	updateSettlement = `UPDATE settlements SET state = $1, reason = $2, updated_at = $3
WHERE id = $4 AND user_id = $5 AND state = 'DEBITED'
RETURNING stake, pair, market, bot_type, created_at`

	selectSettlementState = `SELECT state FROM settlements WHERE id = $1 AND user_id = $2`

	insertTrade = `INSERT INTO trades (id, user_id, settlement_id, pair, market, stake, profit, result, bot_type, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	selectProfile      = `SELECT balance, version FROM profiles WHERE user_id = $1`
	selectTransactions = `SELECT id, amount, type, status, details, reference, tracking_id, created_at
FROM transactions WHERE user_id = $1 ORDER BY created_at DESC`
	selectTrades = `SELECT id, COALESCE(settlement_id::text, ''), pair, market, stake, profit, result, bot_type, created_at
FROM trades WHERE user_id = $1 ORDER BY created_at DESC`
	selectOpenSettlements = `SELECT id, stake, pair, market, bot_type, reason, created_at, updated_at
FROM settlements WHERE user_id = $1 AND state = $2 ORDER BY created_at`
	selectByReference = `SELECT id, user_id, amount, type, status, details, reference, tracking_id, created_at
FROM transactions WHERE reference = $1 LIMIT 1`
)

// PostgresStore persists ledgers in PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ ledger.Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and creates the schema.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info("Connected to postgres")
	return &PostgresStore{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// Load reads the balance, history and open settlements of a user.
func (p *PostgresStore) Load(ctx context.Context, userID string) (*ledger.Account, error) {
	acct := &ledger.Account{UserID: userID}
	if err := p.db.QueryRowContext(ctx, selectProfile, userID).Scan(&acct.Balance, &acct.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, selectTransactions, userID)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	for rows.Next() {
		tx := ledger.Transaction{UserID: userID}
		if err := rows.Scan(&tx.ID, &tx.Amount, &tx.Kind, &tx.Status, &tx.Details, &tx.Reference, &tx.TrackingID, &tx.Timestamp); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		acct.Transactions = append(acct.Transactions, tx)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}

	rows, err = p.db.QueryContext(ctx, selectTrades, userID)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	for rows.Next() {
		tr := ledger.TradeRecord{UserID: userID}
		if err := rows.Scan(&tr.ID, &tr.SettlementID, &tr.Instrument, &tr.Market, &tr.Stake, &tr.Payout, &tr.Outcome, &tr.BotType, &tr.Timestamp); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		acct.Trades = append(acct.Trades, tr)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}

	rows, err = p.db.QueryContext(ctx, selectOpenSettlements, userID, string(ledger.SettlementDebited))
	if err != nil {
		return nil, fmt.Errorf("load settlements: %w", err)
	}
	for rows.Next() {
		st := ledger.Settlement{UserID: userID, State: ledger.SettlementDebited}
		if err := rows.Scan(&st.ID, &st.Stake, &st.Instrument, &st.Market, &st.BotType, &st.Reason, &st.CreatedAt, &st.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		acct.Open = append(acct.Open, st)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load settlements: %w", err)
	}

	return acct, nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}

// Commit writes c in one database transaction. The profile is only written
// at the version c was computed from.
func (p *PostgresStore) Commit(ctx context.Context, c ledger.Change) (ledger.Change, error) {
	now := p.now().UTC()
	out := ledger.Change{UserID: c.UserID, Balance: c.Balance}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Change{}, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				p.logger.Error("Rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if out.Version, err = p.saveProfile(ctx, tx, c, now); err != nil {
		return ledger.Change{}, err
	}

	if c.Transaction != nil {
		var entry ledger.Transaction
		if entry, err = p.saveTransaction(ctx, tx, c.UserID, *c.Transaction, now); err != nil {
			return ledger.Change{}, err
		}
		out.Transaction = &entry
	}

	if c.Settlement != nil {
		var st ledger.Settlement
		if st, err = p.saveSettlement(ctx, tx, c.UserID, *c.Settlement, now); err != nil {
			return ledger.Change{}, err
		}
		out.Settlement = &st
	}

	if c.Trade != nil {
		tr := *c.Trade
		tr.ID = uuid.NewString()
		tr.UserID = c.UserID
		tr.Timestamp = now
		var settlementID sql.NullString
		if out.Settlement != nil {
			tr.SettlementID = out.Settlement.ID
			settlementID = sql.NullString{String: tr.SettlementID, Valid: true}
		}
		if _, err = tx.ExecContext(ctx, insertTrade, tr.ID, tr.UserID, settlementID, tr.Instrument,
			string(tr.Market), tr.Stake, tr.Payout, string(tr.Outcome), string(tr.BotType), now); err != nil {
			return ledger.Change{}, fmt.Errorf("save trade: %w", err)
		}
		out.Trade = &tr
	}

	if err = tx.Commit(); err != nil {
		return ledger.Change{}, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) saveProfile(ctx context.Context, tx *sql.Tx, c ledger.Change, now time.Time) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if c.Version == 0 {
		res, err = tx.ExecContext(ctx, insertProfile, c.UserID, c.Balance, now)
	} else {
		res, err = tx.ExecContext(ctx, updateProfile, c.Balance, now, c.UserID, c.Version)
	}
	if err != nil {
		return 0, fmt.Errorf("save balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("save balance: %w", err)
	}
	if n == 0 {
		return 0, ledger.ErrStaleLedger
	}
	return c.Version + 1, nil
}

// notOpen explains a guarded update that matched no row by reading the
// current state of the row.
func notOpen(ctx context.Context, tx *sql.Tx, query, id, userID string, notFound error) error {
	var state string
	err := tx.QueryRowContext(ctx, query, id, userID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("check %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s is %s", ledger.ErrInvalidTransition, id, state)
}

func (p *PostgresStore) saveTransaction(ctx context.Context, tx *sql.Tx, userID string, t ledger.Transaction, now time.Time) (ledger.Transaction, error) {
	t.UserID = userID
	if t.ID == "" {
		t.ID = uuid.NewString()
		t.Timestamp = now
		if _, err := tx.ExecContext(ctx, insertTransaction, t.ID, userID, t.Amount, string(t.Kind),
			string(t.Status), t.Details, t.Reference, t.TrackingID, now); err != nil {
			return ledger.Transaction{}, fmt.Errorf("save transaction: %w", err)
		}
		return t, nil
	}

	err := tx.QueryRowContext(ctx, updateTransaction, string(t.Status), t.TrackingID, now, t.ID, userID).
		Scan(&t.Amount, &t.Kind, &t.Details, &t.Reference, &t.TrackingID, &t.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, notOpen(ctx, tx, selectTransactionStatus, t.ID, userID, ledger.ErrTransactionNotFound)
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("update transaction: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) saveSettlement(ctx context.Context, tx *sql.Tx, userID string, st ledger.Settlement, now time.Time) (ledger.Settlement, error) {
	st.UserID = userID
	st.UpdatedAt = now
	if st.ID == "" {
		st.ID = uuid.NewString()
		st.CreatedAt = now
		if _, err := tx.ExecContext(ctx, insertSettlement, st.ID, userID, st.Stake, string(st.State),
			st.Instrument, string(st.Market), string(st.BotType), st.Reason, now); err != nil {
			return ledger.Settlement{}, fmt.Errorf("save settlement: %w", err)
		}
		return st, nil
	}

	err := tx.QueryRowContext(ctx, updateSettlement, string(st.State), st.Reason, now, st.ID, userID).
		Scan(&st.Stake, &st.Instrument, &st.Market, &st.BotType, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Settlement{}, notOpen(ctx, tx, selectSettlementState, st.ID, userID, ledger.ErrSettlementNotFound)
	}
	if err != nil {
		return ledger.Settlement{}, fmt.Errorf("update settlement: %w", err)
	}
	return st, nil
}

// TransactionByReference finds a transaction by merchant reference.
func (p *PostgresStore) TransactionByReference(ctx context.Context, reference string) (ledger.Transaction, error) {
	if reference == "" {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	var t ledger.Transaction
	err := p.db.QueryRowContext(ctx, selectByReference, reference).
		Scan(&t.ID, &t.UserID, &t.Amount, &t.Kind, &t.Status, &t.Details, &t.Reference, &t.TrackingID, &t.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("find transaction: %w", err)
	}
	return t, nil
}
