package database

import (
	"context"
	"fmt"
	"time"

	"trade-ledger-go/internal/ledger"
	"trade-ledger-go/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists ledgers through gorm.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ ledger.Store = (*GormStore)(nil)

// NewGormStore creates a store on a migrated database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

// Load reads the profile, history and open settlements of a user.
func (s *GormStore) Load(ctx context.Context, userID string) (*ledger.Account, error) {
	db := s.db.WithContext(ctx)

	var profile models.Profile
	res := db.Where("user_id = ?", userID).Limit(1).Find(&profile)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to load profile: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ledger.ErrAccountNotFound
	}

	var txs []models.Transaction
	if err := db.Where("user_id = ?", userID).Order("created_at desc").Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}

	var trades []models.Trade
	if err := db.Where("user_id = ?", userID).Order("created_at desc").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to load trades: %w", err)
	}

	var open []models.Settlement
	if err := db.Where("user_id = ? AND state = ?", userID, ledger.SettlementDebited).
		Order("created_at asc").Find(&open).Error; err != nil {
		return nil, fmt.Errorf("failed to load settlements: %w", err)
	}

	acct := &ledger.Account{UserID: profile.UserID, Balance: profile.Balance, Version: profile.Version}
	for _, t := range txs {
		acct.Transactions = append(acct.Transactions, t.Entry())
	}
	for _, t := range trades {
		acct.Trades = append(acct.Trades, t.Record())
	}
	for _, st := range open {
		acct.Open = append(acct.Open, st.Open())
	}
	return acct, nil
}

// Commit writes c in one database transaction. The profile is only written
// at the version c was computed from.
func (s *GormStore) Commit(ctx context.Context, c ledger.Change) (ledger.Change, error) {
	now := s.now().UTC()
	out := ledger.Change{UserID: c.UserID, Balance: c.Balance}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		version, err := saveProfile(tx, c, now)
		if err != nil {
			return err
		}
		out.Version = version

		if c.Transaction != nil {
			entry, err := saveTransaction(tx, c.UserID, *c.Transaction, now)
			if err != nil {
				return err
			}
			out.Transaction = &entry
		}

		if c.Settlement != nil {
			st, err := saveSettlement(tx, c.UserID, *c.Settlement, now)
			if err != nil {
				return err
			}
			out.Settlement = &st
		}

		if c.Trade != nil {
			row := models.NewTrade(*c.Trade)
			row.ID = ""
			row.UserID = c.UserID
			row.CreatedAt = now
			if out.Settlement != nil {
				row.SettlementID = out.Settlement.ID
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to save trade: %w", err)
			}
			rec := row.Record()
			out.Trade = &rec
		}
		return nil
	})
	if err != nil {
		return ledger.Change{}, err
	}
	return out, nil
}

func saveProfile(tx *gorm.DB, c ledger.Change, now time.Time) (int64, error) {
	if c.Version == 0 {
		profile := models.Profile{UserID: c.UserID, Balance: c.Balance, Version: 1, CreatedAt: now, UpdatedAt: now}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&profile)
		if res.Error != nil {
			return 0, fmt.Errorf("failed to create profile: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return 0, ledger.ErrStaleLedger
		}
		return 1, nil
	}

	res := tx.Model(&models.Profile{}).
		Where("user_id = ? AND version = ?", c.UserID, c.Version).
		Updates(map[string]any{
			"balance":    c.Balance,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to save balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, ledger.ErrStaleLedger
	}
	return c.Version + 1, nil
}

func saveTransaction(tx *gorm.DB, userID string, t ledger.Transaction, now time.Time) (ledger.Transaction, error) {
	if t.ID == "" {
		row := models.NewTransaction(t)
		row.UserID = userID
		row.CreatedAt = now
		row.UpdatedAt = now
		if err := tx.Create(&row).Error; err != nil {
			return ledger.Transaction{}, fmt.Errorf("failed to save transaction: %w", err)
		}
		return row.Entry(), nil
	}

	fields := map[string]any{"status": string(t.Status), "updated_at": now}
	if t.TrackingID != "" {
		fields["tracking_id"] = t.TrackingID
	}
	res := tx.Model(&models.Transaction{}).
		Where("id = ? AND user_id = ? AND status = ?", t.ID, userID, ledger.StatusPending).
		Updates(fields)
	if res.Error != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to update transaction: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ledger.Transaction{}, missingOrSettled(tx, &models.Transaction{}, t.ID, userID, ledger.ErrTransactionNotFound)
	}

	var row models.Transaction
	if err := tx.First(&row, "id = ?", t.ID).Error; err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to reload transaction: %w", err)
	}
	return row.Entry(), nil
}

func saveSettlement(tx *gorm.DB, userID string, st ledger.Settlement, now time.Time) (ledger.Settlement, error) {
	if st.ID == "" {
		row := models.NewSettlement(st)
		row.UserID = userID
		row.CreatedAt = now
		row.UpdatedAt = now
		if err := tx.Create(&row).Error; err != nil {
			return ledger.Settlement{}, fmt.Errorf("failed to save settlement: %w", err)
		}
		return row.Open(), nil
	}

	res := tx.Model(&models.Settlement{}).
		Where("id = ? AND user_id = ? AND state = ?", st.ID, userID, ledger.SettlementDebited).
		Updates(map[string]any{"state": string(st.State), "reason": st.Reason, "updated_at": now})
	if res.Error != nil {
		return ledger.Settlement{}, fmt.Errorf("failed to update settlement: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ledger.Settlement{}, missingOrSettled(tx, &models.Settlement{}, st.ID, userID, ledger.ErrSettlementNotFound)
	}

	var row models.Settlement
	if err := tx.First(&row, "id = ?", st.ID).Error; err != nil {
		return ledger.Settlement{}, fmt.Errorf("failed to reload settlement: %w", err)
	}
	return row.Open(), nil
}

// missingOrSettled explains a guarded update that matched no row: either the
// row does not exist or it already left its open state.
func missingOrSettled(tx *gorm.DB, model any, id, userID string, notFound error) error {
	var n int64
	if err := tx.Model(model).Where("id = ? AND user_id = ?", id, userID).Count(&n).Error; err != nil {
		return fmt.Errorf("failed to check row %s: %w", id, err)
	}
	if n == 0 {
		return notFound
	}
	return fmt.Errorf("%w: row %s is no longer open", ledger.ErrInvalidTransition, id)
}

// TransactionByReference finds a transaction by merchant reference.
func (s *GormStore) TransactionByReference(ctx context.Context, reference string) (ledger.Transaction, error) {
	if reference == "" {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	var row models.Transaction
	res := s.db.WithContext(ctx).Where("reference = ?", reference).Limit(1).Find(&row)
	if res.Error != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to find transaction: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return row.Entry(), nil
}
