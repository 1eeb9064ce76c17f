package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the kind of a ledger movement.
type Kind string

const (
	KindDeposit    Kind = "DEPOSIT"
	KindWithdrawal Kind = "WITHDRAWAL"
	// KindStake is only used for validation; stakes are recorded as settlements.
	KindStake Kind = "STAKE"
)

// Debits reports whether the kind takes funds out of the balance.
func (k Kind) Debits() bool {
	return k == KindWithdrawal || k == KindStake
}

// Status is the lifecycle state of a Transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// CanTransition reports whether a transaction may move from s to next.
// PENDING is the only non-terminal state.
func (s Status) CanTransition(next Status) bool {
	return s == StatusPending && (next == StatusCompleted || next == StatusFailed)
}

// Outcome is the result of a settled trade.
type Outcome string

const (
	OutcomeWin  Outcome = "WIN"
	OutcomeLoss Outcome = "LOSS"
)

// Market is the contract type a trade is placed on.
type Market string

const (
	MarketRiseFall Market = "RISE_FALL"
	MarketEvenOdd  Market = "EVEN_ODD"
)

// BotType identifies the bot that placed a trade.
type BotType string

const (
	BotStandard BotType = "STANDARD"
	BotMaster   BotType = "MASTER"
	BotPro      BotType = "PRO"
	BotCustom   BotType = "CUSTOM"
)

// SettlementState tracks a stake between debit and resolution.
type SettlementState string

const (
	SettlementDebited  SettlementState = "DEBITED"
	SettlementSettled  SettlementState = "SETTLED"
	SettlementRefunded SettlementState = "REFUNDED"
)

// Transaction is a deposit or withdrawal entry.
type Transaction struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Amount     decimal.Decimal `json:"amount"`
	Kind       Kind            `json:"type"`
	Status     Status          `json:"status"`
	Details    string          `json:"details,omitempty"`
	Reference  string          `json:"reference,omitempty"`
	TrackingID string          `json:"tracking_id,omitempty"`
}

// TradeRecord is an immutable settled trade.
type TradeRecord struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	SettlementID string          `json:"settlement_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Instrument   string          `json:"pair"`
	Market       Market          `json:"market"`
	Stake        decimal.Decimal `json:"stake"`
	Payout       decimal.Decimal `json:"profit"`
	Outcome      Outcome         `json:"result"`
	BotType      BotType         `json:"type"`
}

// Credit is the amount returned to the balance when the trade settled.
func (t TradeRecord) Credit() decimal.Decimal {
	if t.Outcome == OutcomeWin {
		return t.Stake.Add(t.Payout)
	}
	return decimal.Zero
}

// Net is the realised profit or loss of the trade.
func (t TradeRecord) Net() decimal.Decimal {
	return t.Credit().Sub(t.Stake)
}

// Settlement links a debited stake to its trade record or refund.
type Settlement struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Stake      decimal.Decimal `json:"stake"`
	State      SettlementState `json:"state"`
	Instrument string          `json:"pair"`
	Market     Market          `json:"market"`
	BotType    BotType         `json:"type"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Account is everything a Store holds for one user.
// Transactions and Trades are newest first.
type Account struct {
	UserID       string
	Balance      decimal.Decimal
	Version      int64
	Transactions []Transaction
	Trades       []TradeRecord
	Open         []Settlement
}
