package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Registry hands out one Ledger per authenticated user.
type Registry struct {
	store   Store
	initial decimal.Decimal
	logger  *zap.Logger
	opts    []Option

	mu      sync.Mutex
	ledgers map[string]*Ledger
}

// NewRegistry creates a registry whose new accounts start at initial. The
// options are passed to every ledger it opens.
func NewRegistry(store Store, initial decimal.Decimal, logger *zap.Logger, opts ...Option) *Registry {
	return &Registry{
		store:   store,
		initial: Round(initial),
		logger:  logger.Named("ledger"),
		opts:    opts,
		ledgers: make(map[string]*Ledger),
	}
}

// Get returns the ledger of userID, opening it on first use.
func (r *Registry) Get(ctx context.Context, userID string) (*Ledger, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.ledgers[userID]; ok {
		return l, nil
	}

	l, err := Open(ctx, r.store, userID, r.initial, r.logger, r.opts...)
	if err != nil {
		return nil, err
	}
	r.ledgers[userID] = l
	OpenLedgers.Inc()
	return l, nil
}

// ByReference finds the ledger and transaction carrying a merchant reference.
func (r *Registry) ByReference(ctx context.Context, reference string) (*Ledger, Transaction, error) {
	if reference == "" {
		return nil, Transaction{}, ErrTransactionNotFound
	}

	stored, err := r.store.TransactionByReference(ctx, reference)
	if err != nil {
		return nil, Transaction{}, fmt.Errorf("lookup reference %s: %w", reference, err)
	}

	l, err := r.Get(ctx, stored.UserID)
	if err != nil {
		return nil, Transaction{}, err
	}

	tx, err := l.TransactionByReference(reference)
	if errors.Is(err, ErrTransactionNotFound) {
		// Written by another process after this ledger was loaded.
		if err = l.Refresh(ctx); err == nil {
			tx, err = l.TransactionByReference(reference)
		}
	}
	if err != nil {
		return nil, Transaction{}, err
	}
	return l, tx, nil
}
