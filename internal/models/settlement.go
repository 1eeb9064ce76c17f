package models

import (
	"time"

	"trade-ledger-go/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Settlement tracks a debited stake until it is settled or refunded.
type Settlement struct {
	ID        string          `gorm:"primaryKey;size:36" json:"id"`
	UserID    string          `gorm:"size:64;not null;index:idx_settlements_user_state" json:"user_id"`
	Stake     decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"stake"`
	State     string          `gorm:"size:16;not null;index:idx_settlements_user_state" json:"state"`
	Pair      string          `gorm:"size:32" json:"pair"`
	Market    string          `gorm:"size:16" json:"market"`
	BotType   string          `gorm:"size:16" json:"type"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BeforeCreate assigns a uuid primary key.
func (s *Settlement) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// NewSettlement converts a ledger settlement into its row.
func NewSettlement(s ledger.Settlement) Settlement {
	return Settlement{
		ID:        s.ID,
		UserID:    s.UserID,
		Stake:     s.Stake,
		State:     string(s.State),
		Pair:      s.Instrument,
		Market:    string(s.Market),
		BotType:   string(s.BotType),
		Reason:    s.Reason,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// Open converts the row back into a ledger settlement.
func (s Settlement) Open() ledger.Settlement {
	return ledger.Settlement{
		ID:         s.ID,
		UserID:     s.UserID,
		Stake:      s.Stake,
		State:      ledger.SettlementState(s.State),
		Instrument: s.Pair,
		Market:     ledger.Market(s.Market),
		BotType:    ledger.BotType(s.BotType),
		Reason:     s.Reason,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}
