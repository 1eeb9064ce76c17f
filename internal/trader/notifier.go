package trader

import "trade-ledger-go/internal/ledger"

// Notifier receives trade lifecycle events.
type Notifier interface {
	TradeStarted(userID string, s ledger.Settlement)
	TradeSettled(userID string, t ledger.TradeRecord)
	TradeRefunded(userID string, s ledger.Settlement, cause error)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) TradeStarted(string, ledger.Settlement)         {}
func (NopNotifier) TradeSettled(string, ledger.TradeRecord)        {}
func (NopNotifier) TradeRefunded(string, ledger.Settlement, error) {}
