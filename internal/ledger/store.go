package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Change is one atomic write against the backing store. The balance is always
// written; the optional rows are inserted when their ID is empty and updated
// otherwise.
//
// Version is the account version the change was computed from. Zero creates
// the account. A store rejects the change with ErrStaleLedger when the stored
// version differs, and returns the new version on success.
type Change struct {
	UserID      string
	Balance     decimal.Decimal
	Version     int64
	Transaction *Transaction
	Trade       *TradeRecord
	Settlement  *Settlement
}

// Store is the persistence port of a Ledger.
type Store interface {
	// Load returns the account of a user or ErrAccountNotFound.
	Load(ctx context.Context, userID string) (*Account, error)

	// Commit persists a Change atomically and returns it with assigned
	// ids, timestamps and the new version. A transaction update applies only
	// while the row is PENDING and sets its status, plus its tracking id when
	// one is given. A settlement update applies only while the row is DEBITED.
	// Otherwise the commit fails with ErrInvalidTransition, or with
	// ErrTransactionNotFound / ErrSettlementNotFound for unknown rows.
	Commit(ctx context.Context, c Change) (Change, error)

	// TransactionByReference looks up a transaction by merchant reference
	// across all users, or returns ErrTransactionNotFound.
	TransactionByReference(ctx context.Context, reference string) (Transaction, error)
}
