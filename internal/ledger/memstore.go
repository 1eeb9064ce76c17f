package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps accounts in process memory. It backs demo sessions
// and tests.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		now:      time.Now,
	}
}

// Load returns a copy of the stored account.
func (m *MemoryStore) Load(_ context.Context, userID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}

	cp := &Account{
		UserID:       acct.UserID,
		Balance:      acct.Balance,
		Version:      acct.Version,
		Transactions: append([]Transaction(nil), acct.Transactions...),
		Trades:       append([]TradeRecord(nil), acct.Trades...),
	}
	for _, s := range acct.Open {
		if s.State == SettlementDebited {
			cp.Open = append(cp.Open, s)
		}
	}
	return cp, nil
}

// Commit applies c under the store lock.
func (m *MemoryStore) Commit(_ context.Context, c Change) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[c.UserID]
	switch {
	case !ok && c.Version != 0:
		return Change{}, ErrAccountNotFound
	case !ok:
		acct = &Account{UserID: c.UserID}
	case acct.Version != c.Version:
		return Change{}, ErrStaleLedger
	}
	now := m.now().UTC()

	// Validate updates before touching anything so the commit stays atomic.
	txIdx, stIdx := -1, -1
	if c.Transaction != nil && c.Transaction.ID != "" {
		if txIdx = indexTransaction(acct.Transactions, c.Transaction.ID); txIdx < 0 {
			return Change{}, ErrTransactionNotFound
		}
		if cur := acct.Transactions[txIdx].Status; cur != StatusPending {
			return Change{}, fmt.Errorf("%w: transaction is %s", ErrInvalidTransition, cur)
		}
	}
	if c.Settlement != nil && c.Settlement.ID != "" {
		if stIdx = indexSettlement(acct.Open, c.Settlement.ID); stIdx < 0 {
			return Change{}, ErrSettlementNotFound
		}
		if cur := acct.Open[stIdx].State; cur != SettlementDebited {
			return Change{}, fmt.Errorf("%w: settlement is %s", ErrInvalidTransition, cur)
		}
	}

	out := Change{UserID: c.UserID, Balance: c.Balance}

	if c.Transaction != nil {
		tx := *c.Transaction
		tx.UserID = c.UserID
		if txIdx < 0 {
			tx.ID = uuid.NewString()
			tx.Timestamp = now
			acct.Transactions = append([]Transaction{tx}, acct.Transactions...)
		} else {
			acct.Transactions[txIdx].Status = tx.Status
			if tx.TrackingID != "" {
				acct.Transactions[txIdx].TrackingID = tx.TrackingID
			}
			tx = acct.Transactions[txIdx]
		}
		out.Transaction = &tx
	}

	if c.Settlement != nil {
		st := *c.Settlement
		st.UserID = c.UserID
		st.UpdatedAt = now
		if stIdx < 0 {
			st.ID = uuid.NewString()
			st.CreatedAt = now
			acct.Open = append(acct.Open, st)
		} else {
			acct.Open[stIdx].State = st.State
			acct.Open[stIdx].Reason = st.Reason
			acct.Open[stIdx].UpdatedAt = now
			st = acct.Open[stIdx]
		}
		out.Settlement = &st
	}

	if c.Trade != nil {
		tr := *c.Trade
		tr.ID = uuid.NewString()
		tr.UserID = c.UserID
		tr.Timestamp = now
		if out.Settlement != nil {
			tr.SettlementID = out.Settlement.ID
		}
		acct.Trades = append([]TradeRecord{tr}, acct.Trades...)
		out.Trade = &tr
	}

	acct.Balance = c.Balance
	acct.Version++
	m.accounts[c.UserID] = acct
	out.Version = acct.Version
	return out, nil
}

// TransactionByReference scans every account for the merchant reference.
func (m *MemoryStore) TransactionByReference(_ context.Context, reference string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acct := range m.accounts {
		for _, tx := range acct.Transactions {
			if reference != "" && tx.Reference == reference {
				return tx, nil
			}
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func indexTransaction(txs []Transaction, id string) int {
	for i := range txs {
		if txs[i].ID == id {
			return i
		}
	}
	return -1
}

func indexSettlement(sts []Settlement, id string) int {
	for i := range sts {
		if sts[i].ID == id {
			return i
		}
	}
	return -1
}
