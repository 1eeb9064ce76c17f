package ledger

import "errors"

var (
	// ErrInvalidAmount is returned for non-positive, non-finite or sub-cent amounts.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInsufficientFunds is returned when a withdrawal or stake exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrTrade is returned when a started trade could not be settled and was refunded.
	ErrTrade = errors.New("trade error")
	// ErrPersistence wraps failures of the backing store.
	ErrPersistence = errors.New("persistence error")

	ErrUnauthenticated     = errors.New("user not authenticated")
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrSettlementNotFound  = errors.New("settlement not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	// ErrStaleLedger is returned by a Store when the account was changed by
	// another writer since the ledger last read it.
	ErrStaleLedger = errors.New("account changed by another writer")
)

// IsUserError reports whether err can be fixed by the user re-entering input,
// as opposed to a failure of the infrastructure behind the ledger.
func IsUserError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidTransition)
}
