package models

import (
	"time"

	"trade-ledger-go/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Transaction represents a deposit or withdrawal in the database.
type Transaction struct {
	ID         string          `gorm:"primaryKey;size:36" json:"id"`
	UserID     string          `gorm:"size:64;not null;index:idx_transactions_user_created" json:"user_id"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Type       string          `gorm:"size:16;not null" json:"type"`
	Status     string          `gorm:"size:16;not null;index" json:"status"`
	Details    string          `json:"details"`
	Reference  string          `gorm:"size:64;index" json:"reference"`
	TrackingID string          `gorm:"size:64" json:"tracking_id"`
	CreatedAt  time.Time       `gorm:"index:idx_transactions_user_created" json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// BeforeCreate assigns a uuid primary key.
func (t *Transaction) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// NewTransaction converts a ledger transaction into its row.
func NewTransaction(tx ledger.Transaction) Transaction {
	return Transaction{
		ID:         tx.ID,
		UserID:     tx.UserID,
		Amount:     tx.Amount,
		Type:       string(tx.Kind),
		Status:     string(tx.Status),
		Details:    tx.Details,
		Reference:  tx.Reference,
		TrackingID: tx.TrackingID,
		CreatedAt:  tx.Timestamp,
	}
}

// Entry converts the row back into a ledger transaction.
func (t Transaction) Entry() ledger.Transaction {
	return ledger.Transaction{
		ID:         t.ID,
		UserID:     t.UserID,
		Timestamp:  t.CreatedAt,
		Amount:     t.Amount,
		Kind:       ledger.Kind(t.Type),
		Status:     ledger.Status(t.Status),
		Details:    t.Details,
		Reference:  t.Reference,
		TrackingID: t.TrackingID,
	}
}
