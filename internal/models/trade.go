package models

import (
	"time"

	"trade-ledger-go/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Trade represents a settled trade record in the database.
type Trade struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	UserID       string          `gorm:"size:64;not null;index:idx_trades_user_created" json:"user_id"`
	SettlementID string          `gorm:"size:36;index" json:"settlement_id"`
	Pair         string          `gorm:"size:32;not null" json:"pair"`
	Market       string          `gorm:"size:16;not null" json:"market"`
	Stake        decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"stake"`
	Profit       decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"profit"`
	Result       string          `gorm:"size:8;not null" json:"result"` // "WIN" or "LOSS"
	BotType      string          `gorm:"size:16;not null" json:"type"`
	CreatedAt    time.Time       `gorm:"index:idx_trades_user_created" json:"created_at"`
}

// BeforeCreate assigns a uuid primary key.
func (t *Trade) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// NewTrade converts a ledger trade record into its row.
func NewTrade(r ledger.TradeRecord) Trade {
	return Trade{
		ID:           r.ID,
		UserID:       r.UserID,
		SettlementID: r.SettlementID,
		Pair:         r.Instrument,
		Market:       string(r.Market),
		Stake:        r.Stake,
		Profit:       r.Payout,
		Result:       string(r.Outcome),
		BotType:      string(r.BotType),
		CreatedAt:    r.Timestamp,
	}
}

// Record converts the row back into a ledger trade record.
func (t Trade) Record() ledger.TradeRecord {
	return ledger.TradeRecord{
		ID:           t.ID,
		UserID:       t.UserID,
		SettlementID: t.SettlementID,
		Timestamp:    t.CreatedAt,
		Instrument:   t.Pair,
		Market:       ledger.Market(t.Market),
		Stake:        t.Stake,
		Payout:       t.Profit,
		Outcome:      ledger.Outcome(t.Result),
		BotType:      ledger.BotType(t.BotType),
	}
}
