package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Wager describes what a stake is placed on.
type Wager struct {
	Instrument string
	Market     Market
	BotType    BotType
}

// TradeInput is a fully resolved trade applied in one step by RecordTrade.
type TradeInput struct {
	Wager
	Stake   float64
	Payout  float64
	Outcome Outcome
}

// DefaultRecoverAfter is how long a stake may stay debited before Open
// treats it as abandoned by the process that placed it.
const DefaultRecoverAfter = 10 * time.Minute

const maxCommitAttempts = 3

// Ledger holds the balance and history of one user. Every mutation is
// validated, committed to the Store, and only then applied in memory, all
// under a single mutex.
type Ledger struct {
	mu           sync.Mutex
	userID       string
	balance      decimal.Decimal
	version      int64
	transactions []Transaction
	trades       []TradeRecord
	open         map[string]Settlement

	store        Store
	logger       *zap.Logger
	recoverAfter time.Duration
	now          func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRecoverAfter sets the age after which Open refunds a debited stake.
func WithRecoverAfter(d time.Duration) Option {
	return func(l *Ledger) { l.recoverAfter = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Open loads the ledger of userID from store, creating the account with the
// initial balance if it does not exist yet. Stakes left debited for longer
// than the recovery age are refunded.
func Open(ctx context.Context, store Store, userID string, initial decimal.Decimal, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if initial.IsNegative() {
		return nil, fmt.Errorf("%w: negative initial balance %s", ErrInvalidAmount, initial)
	}

	l := &Ledger{
		userID:       userID,
		open:         make(map[string]Settlement),
		store:        store,
		logger:       logger.With(zap.String("user_id", userID)),
		recoverAfter: DefaultRecoverAfter,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	acct, err := store.Load(ctx, userID)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		l.balance = Round(initial)
		out, err := l.commit(ctx, "create_account", Change{Balance: l.balance})
		switch {
		case err == nil:
			l.balance = out.Balance
			l.logger.Info("Created account", zap.String("balance", l.balance.StringFixed(Places)))
		case errors.Is(err, ErrStaleLedger):
			// Created concurrently by another process; commit reloaded it.
		default:
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("load account: %w: %w", ErrPersistence, err)
	default:
		l.load(acct)
	}

	if err := l.RecoverOpen(ctx); err != nil {
		l.logger.Warn("Could not refund all open settlements", zap.Error(err))
	}
	return l, nil
}

func (l *Ledger) load(acct *Account) {
	l.balance = acct.Balance
	l.version = acct.Version
	l.transactions = acct.Transactions
	l.trades = acct.Trades
	l.open = make(map[string]Settlement, len(acct.Open))
	for _, s := range acct.Open {
		l.open[s.ID] = s
	}
}

// reload replaces the in-memory state with the stored account.
func (l *Ledger) reload(ctx context.Context) error {
	acct, err := l.store.Load(ctx, l.userID)
	if err != nil {
		return err
	}
	l.load(acct)
	return nil
}

// Refresh reloads the ledger from its store.
func (l *Ledger) Refresh(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reload(ctx)
}

// UserID returns the owner of the ledger.
func (l *Ledger) UserID() string { return l.userID }

// Balance returns the current balance.
func (l *Ledger) Balance() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Transactions returns a copy of the transaction log, newest first.
func (l *Ledger) Transactions() []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transaction(nil), l.transactions...)
}

// Trades returns a copy of the trade history, newest first.
func (l *Ledger) Trades() []TradeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TradeRecord(nil), l.trades...)
}

// OpenSettlements returns the stakes that are debited but not yet resolved.
func (l *Ledger) OpenSettlements() []Settlement {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Settlement, 0, len(l.open))
	for _, s := range l.open {
		out = append(out, s)
	}
	return out
}

// Transaction returns the transaction with the given id.
func (l *Ledger) Transaction(id string) (Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := indexTransaction(l.transactions, id); i >= 0 {
		return l.transactions[i], nil
	}
	return Transaction{}, ErrTransactionNotFound
}

// TransactionByReference returns the transaction carrying a merchant reference.
func (l *Ledger) TransactionByReference(reference string) (Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tx := range l.transactions {
		if reference != "" && tx.Reference == reference {
			return tx, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

// Deposit credits a completed deposit.
func (l *Ledger) Deposit(ctx context.Context, amount float64, details string) (Transaction, error) {
	return l.post(ctx, KindDeposit, amount, details)
}

// Withdraw debits a completed withdrawal.
func (l *Ledger) Withdraw(ctx context.Context, amount float64, details string) (Transaction, error) {
	return l.post(ctx, KindWithdrawal, amount, details)
}

func (l *Ledger) post(ctx context.Context, kind Kind, amount float64, details string) (Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var tx Transaction
	err := l.mutate(ctx, string(kind), func() (Change, error) {
		amt, err := Validate(amount, kind, l.balance)
		if err != nil {
			OperationsTotal.WithLabelValues(string(kind), "rejected").Inc()
			return Change{}, err
		}
		return Change{
			Balance: applyKind(l.balance, kind, amt),
			Transaction: &Transaction{
				Amount:  amt,
				Kind:    kind,
				Status:  StatusCompleted,
				Details: details,
			},
		}, nil
	}, func(out Change) {
		tx = *out.Transaction
		l.transactions = append([]Transaction{tx}, l.transactions...)
	})
	if err != nil {
		return Transaction{}, err
	}

	OperationsTotal.WithLabelValues(string(kind), "completed").Inc()
	l.logger.Info("Transaction completed",
		zap.String("kind", string(kind)),
		zap.String("amount", tx.Amount.StringFixed(Places)),
		zap.String("balance", l.balance.StringFixed(Places)))
	return tx, nil
}

// AddPending records a PENDING transaction without touching the balance.
// Withdrawals are still checked against the current balance.
func (l *Ledger) AddPending(ctx context.Context, kind Kind, amount float64, details, reference, trackingID string) (Transaction, error) {
	if kind != KindDeposit && kind != KindWithdrawal {
		return Transaction{}, fmt.Errorf("%w: unsupported kind %q", ErrInvalidAmount, kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var tx Transaction
	err := l.mutate(ctx, "pending_"+string(kind), func() (Change, error) {
		amt, err := Validate(amount, kind, l.balance)
		if err != nil {
			OperationsTotal.WithLabelValues(string(kind), "rejected").Inc()
			return Change{}, err
		}
		return Change{
			Balance: l.balance,
			Transaction: &Transaction{
				Amount:     amt,
				Kind:       kind,
				Status:     StatusPending,
				Details:    details,
				Reference:  reference,
				TrackingID: trackingID,
			},
		}, nil
	}, func(out Change) {
		tx = *out.Transaction
		l.transactions = append([]Transaction{tx}, l.transactions...)
	})
	if err != nil {
		return Transaction{}, err
	}

	OperationsTotal.WithLabelValues(string(kind), "pending").Inc()
	return tx, nil
}

// AttachTracking stores the gateway tracking id of a PENDING transaction.
func (l *Ledger) AttachTracking(ctx context.Context, id, trackingID string) (Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var tx Transaction
	err := l.mutate(ctx, "attach_tracking", func() (Change, error) {
		i := indexTransaction(l.transactions, id)
		if i < 0 {
			return Change{}, ErrTransactionNotFound
		}
		if l.transactions[i].Status != StatusPending {
			return Change{}, fmt.Errorf("%w: %s transaction cannot change tracking id",
				ErrInvalidTransition, l.transactions[i].Status)
		}
		return Change{
			Balance:     l.balance,
			Transaction: &Transaction{ID: id, Status: StatusPending, TrackingID: trackingID},
		}, nil
	}, func(out Change) {
		tx = l.replaceTransaction(*out.Transaction)
	})
	if err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// Resolve moves a PENDING transaction to COMPLETED or FAILED. Completing a
// deposit credits the balance; completing a withdrawal debits it.
func (l *Ledger) Resolve(ctx context.Context, id string, status Status) (Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var tx Transaction
	err := l.mutate(ctx, "resolve", func() (Change, error) {
		i := indexTransaction(l.transactions, id)
		if i < 0 {
			return Change{}, ErrTransactionNotFound
		}
		cur := l.transactions[i]
		if !cur.Status.CanTransition(status) {
			return Change{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, status)
		}

		next := l.balance
		if status == StatusCompleted {
			if cur.Kind.Debits() && cur.Amount.GreaterThan(l.balance) {
				return Change{}, fmt.Errorf("%w: %s exceeds balance %s",
					ErrInsufficientFunds, cur.Amount.StringFixed(Places), l.balance.StringFixed(Places))
			}
			next = applyKind(l.balance, cur.Kind, cur.Amount)
		}
		return Change{
			Balance:     next,
			Transaction: &Transaction{ID: cur.ID, Status: status},
		}, nil
	}, func(out Change) {
		tx = l.replaceTransaction(*out.Transaction)
	})
	if err != nil {
		return Transaction{}, err
	}

	OperationsTotal.WithLabelValues(string(tx.Kind), string(status)).Inc()
	l.logger.Info("Transaction resolved",
		zap.String("transaction_id", tx.ID),
		zap.String("status", string(status)),
		zap.String("balance", l.balance.StringFixed(Places)))
	return tx, nil
}

// replaceTransaction applies a committed status and tracking id update to
// the logged transaction.
func (l *Ledger) replaceTransaction(upd Transaction) Transaction {
	i := indexTransaction(l.transactions, upd.ID)
	if i < 0 {
		return upd
	}
	tx := l.transactions[i]
	tx.Status = upd.Status
	if upd.TrackingID != "" {
		tx.TrackingID = upd.TrackingID
	}
	l.transactions[i] = tx
	return tx
}

// RecordTrade applies an already settled trade in one commit: the stake is
// debited and, on a win, stake plus payout is credited.
func (l *Ledger) RecordTrade(ctx context.Context, in TradeInput) (TradeRecord, error) {
	payout, err := checkPayout(in.Outcome, in.Payout)
	if err != nil {
		return TradeRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var rec TradeRecord
	err = l.mutate(ctx, "trade", func() (Change, error) {
		stake, err := Validate(in.Stake, KindStake, l.balance)
		if err != nil {
			OperationsTotal.WithLabelValues("trade", "rejected").Inc()
			return Change{}, err
		}
		trade := TradeRecord{
			Instrument: in.Instrument,
			Market:     in.Market,
			BotType:    in.BotType,
			Stake:      stake,
			Payout:     payout,
			Outcome:    in.Outcome,
		}
		return Change{Balance: l.balance.Sub(stake).Add(trade.Credit()), Trade: &trade}, nil
	}, func(out Change) {
		rec = *out.Trade
		l.trades = append([]TradeRecord{rec}, l.trades...)
	})
	if err != nil {
		return TradeRecord{}, err
	}

	OperationsTotal.WithLabelValues("trade", string(in.Outcome)).Inc()
	return rec, nil
}

// Debit takes a stake out of the balance and opens a settlement for it.
func (l *Ledger) Debit(ctx context.Context, stake float64, w Wager) (Settlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var st Settlement
	err := l.mutate(ctx, "debit", func() (Change, error) {
		amt, err := Validate(stake, KindStake, l.balance)
		if err != nil {
			OperationsTotal.WithLabelValues("debit", "rejected").Inc()
			return Change{}, err
		}
		return Change{
			Balance: l.balance.Sub(amt),
			Settlement: &Settlement{
				Stake:      amt,
				State:      SettlementDebited,
				Instrument: w.Instrument,
				Market:     w.Market,
				BotType:    w.BotType,
			},
		}, nil
	}, func(out Change) {
		st = *out.Settlement
		l.open[st.ID] = st
	})
	if err != nil {
		return Settlement{}, err
	}

	SettlementsTotal.WithLabelValues(string(SettlementDebited)).Inc()
	return st, nil
}

// Settle resolves an open settlement into a trade record. The credit, the
// record and the state change are committed together.
func (l *Ledger) Settle(ctx context.Context, settlementID string, outcome Outcome, payout decimal.Decimal) (TradeRecord, error) {
	if outcome != OutcomeWin && outcome != OutcomeLoss {
		return TradeRecord{}, fmt.Errorf("%w: unknown outcome %q", ErrInvalidAmount, outcome)
	}
	if payout.IsNegative() || (outcome == OutcomeLoss && !payout.IsZero()) {
		return TradeRecord{}, fmt.Errorf("%w: payout %s for %s", ErrInvalidAmount, payout, outcome)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var rec TradeRecord
	err := l.mutate(ctx, "settle", func() (Change, error) {
		st, ok := l.open[settlementID]
		if !ok {
			return Change{}, ErrSettlementNotFound
		}
		trade := TradeRecord{
			SettlementID: st.ID,
			Instrument:   st.Instrument,
			Market:       st.Market,
			BotType:      st.BotType,
			Stake:        st.Stake,
			Payout:       Round(payout),
			Outcome:      outcome,
		}
		return Change{
			Balance:    l.balance.Add(trade.Credit()),
			Trade:      &trade,
			Settlement: &Settlement{ID: st.ID, State: SettlementSettled},
		}, nil
	}, func(out Change) {
		rec = *out.Trade
		delete(l.open, settlementID)
		l.trades = append([]TradeRecord{rec}, l.trades...)
	})
	if err != nil {
		return TradeRecord{}, err
	}

	SettlementsTotal.WithLabelValues(string(SettlementSettled)).Inc()
	return rec, nil
}

// Refund returns the stake of an open settlement to the balance.
func (l *Ledger) Refund(ctx context.Context, settlementID, reason string) (Settlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var st Settlement
	err := l.mutate(ctx, "refund", func() (Change, error) {
		var ok bool
		if st, ok = l.open[settlementID]; !ok {
			return Change{}, ErrSettlementNotFound
		}
		return Change{
			Balance:    l.balance.Add(st.Stake),
			Settlement: &Settlement{ID: st.ID, State: SettlementRefunded, Reason: reason},
		}, nil
	}, func(Change) {
		delete(l.open, settlementID)
		st.State = SettlementRefunded
		st.Reason = reason
	})
	if err != nil {
		return Settlement{}, err
	}

	SettlementsTotal.WithLabelValues(string(SettlementRefunded)).Inc()
	l.logger.Warn("Stake refunded",
		zap.String("settlement_id", st.ID),
		zap.String("stake", st.Stake.StringFixed(Places)),
		zap.String("reason", reason))
	return st, nil
}

// RecoverOpen refunds every settlement debited longer ago than the recovery
// age. Younger stakes may still be settling in another process.
func (l *Ledger) RecoverOpen(ctx context.Context) error {
	cutoff := l.now().Add(-l.recoverAfter)
	var errs []error
	for _, st := range l.OpenSettlements() {
		if st.CreatedAt.After(cutoff) {
			continue
		}
		if _, err := l.Refund(ctx, st.ID, "recovered unsettled stake"); err != nil {
			errs = append(errs, fmt.Errorf("settlement %s: %w", st.ID, err))
		}
	}
	return errors.Join(errs...)
}

// mutate commits the change built by plan and passes the stored result to
// apply. When another writer changed the account the ledger is reloaded and
// plan runs again on the fresh state. Callers hold l.mu.
func (l *Ledger) mutate(ctx context.Context, op string, plan func() (Change, error), apply func(Change)) error {
	var err error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		var c, out Change
		if c, err = plan(); err != nil {
			return err
		}
		if out, err = l.commit(ctx, op, c); err == nil {
			l.balance = out.Balance
			apply(out)
			return nil
		}
		if !errors.Is(err, ErrStaleLedger) {
			return err
		}
	}
	return err
}

func (l *Ledger) commit(ctx context.Context, op string, c Change) (Change, error) {
	c.UserID = l.userID
	c.Version = l.version
	out, err := l.store.Commit(ctx, c)
	if err != nil {
		PersistenceErrorsTotal.WithLabelValues(op).Inc()
		if diverged(err) {
			ReloadsTotal.WithLabelValues(op).Inc()
			l.logger.Warn("Stored account differs from memory, reloading", zap.String("op", op), zap.Error(err))
			if rerr := l.reload(ctx); rerr != nil {
				l.logger.Error("Failed to reload account", zap.Error(rerr))
			}
		} else {
			l.logger.Error("Failed to persist ledger change", zap.String("op", op), zap.Error(err))
		}
		return Change{}, fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
	}
	l.version = out.Version
	return out, nil
}

// diverged reports whether a store error means the stored account moved on
// without this ledger.
func diverged(err error) bool {
	return errors.Is(err, ErrStaleLedger) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrSettlementNotFound)
}

func applyKind(balance decimal.Decimal, kind Kind, amount decimal.Decimal) decimal.Decimal {
	if kind.Debits() {
		return balance.Sub(amount)
	}
	return balance.Add(amount)
}

func checkPayout(outcome Outcome, payout float64) (decimal.Decimal, error) {
	if math.IsNaN(payout) || math.IsInf(payout, 0) || payout < 0 {
		return decimal.Zero, fmt.Errorf("%w: payout %v", ErrInvalidAmount, payout)
	}
	switch outcome {
	case OutcomeWin:
		return Amount(payout), nil
	case OutcomeLoss:
		if payout != 0 {
			return decimal.Zero, fmt.Errorf("%w: losing trade with payout %v", ErrInvalidAmount, payout)
		}
		return decimal.Zero, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown outcome %q", ErrInvalidAmount, outcome)
	}
}
