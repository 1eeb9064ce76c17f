package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Profile holds the balance of one user.
type Profile struct {
	UserID    string          `gorm:"primaryKey;size:64" json:"user_id"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"balance"`
	Version   int64           `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
