package trader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"trade-ledger-go/internal/ledger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInvalidOrder is returned for orders with a negative duration or payout.
var ErrInvalidOrder = errors.New("invalid order")

// Order is a request to place one simulated trade.
type Order struct {
	Instrument    string
	Market        ledger.Market
	Stake         float64
	Duration      time.Duration
	PayoutPercent float64
	BotType       ledger.BotType
}

func (o Order) validate() error {
	if o.Duration < 0 {
		return fmt.Errorf("%w: negative duration %s", ErrInvalidOrder, o.Duration)
	}
	if math.IsNaN(o.PayoutPercent) || math.IsInf(o.PayoutPercent, 0) || o.PayoutPercent < 0 {
		return fmt.Errorf("%w: payout percent %v", ErrInvalidOrder, o.PayoutPercent)
	}
	if o.Instrument == "" {
		return fmt.Errorf("%w: missing instrument", ErrInvalidOrder)
	}
	return nil
}

// Limits bound the duration and payout a caller may choose for a custom order.
type Limits struct {
	MaxPayoutPercent float64
	MinDuration      time.Duration
	MaxDuration      time.Duration
}

// DefaultLimits match the range of the built-in bots.
var DefaultLimits = Limits{MaxPayoutPercent: 200, MinDuration: time.Second, MaxDuration: 5 * time.Minute}

// Check rejects an order outside the limits.
func (l Limits) Check(o Order) error {
	if err := o.validate(); err != nil {
		return err
	}
	if o.PayoutPercent > l.MaxPayoutPercent {
		return fmt.Errorf("%w: payout percent %v above %v", ErrInvalidOrder, o.PayoutPercent, l.MaxPayoutPercent)
	}
	if o.Duration < l.MinDuration || o.Duration > l.MaxDuration {
		return fmt.Errorf("%w: duration %s outside %s..%s", ErrInvalidOrder, o.Duration, l.MinDuration, l.MaxDuration)
	}
	return nil
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default WaitFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Payout is the profit paid on a winning stake, rounded to ledger precision.
func Payout(stake decimal.Decimal, percent float64) decimal.Decimal {
	return ledger.Round(stake.Mul(decimal.NewFromFloat(percent)).Div(decimal.NewFromInt(100)))
}

// Simulator settles trades against a ledger with a pluggable outcome source.
type Simulator struct {
	logger   *zap.Logger
	outcomes OutcomeSource
	wait     WaitFunc
	notifier Notifier
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithWait replaces the settlement wait, mostly for tests.
func WithWait(w WaitFunc) Option {
	return func(s *Simulator) { s.wait = w }
}

// WithNotifier sets the receiver of trade lifecycle events.
func WithNotifier(n Notifier) Option {
	return func(s *Simulator) { s.notifier = n }
}

// NewSimulator creates a Simulator.
func NewSimulator(logger *zap.Logger, outcomes OutcomeSource, opts ...Option) *Simulator {
	s := &Simulator{
		logger:   logger.Named("simulator"),
		outcomes: outcomes,
		wait:     Sleep,
		notifier: NopNotifier{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trade is a trade whose stake has been debited and which still has to settle.
type Trade struct {
	sim        *Simulator
	ledger     *ledger.Ledger
	order      Order
	Settlement ledger.Settlement
}

// ExecuteTrade debits the stake, waits for the order duration and settles.
func (s *Simulator) ExecuteTrade(ctx context.Context, l *ledger.Ledger, o Order) (ledger.TradeRecord, error) {
	t, err := s.Begin(ctx, l, o)
	if err != nil {
		return ledger.TradeRecord{}, err
	}
	return t.Settle(ctx)
}

// Begin validates the order and debits the stake. Nothing is mutated when it
// returns an error.
func (s *Simulator) Begin(ctx context.Context, l *ledger.Ledger, o Order) (*Trade, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}

	st, err := l.Debit(ctx, o.Stake, ledger.Wager{
		Instrument: o.Instrument,
		Market:     o.Market,
		BotType:    o.BotType,
	})
	if err != nil {
		return nil, err
	}

	ActiveTrades.Inc()
	StakeUSD.Add(st.Stake.InexactFloat64())
	s.logger.Info("Trade started",
		zap.String("user_id", l.UserID()),
		zap.String("settlement_id", st.ID),
		zap.String("pair", o.Instrument),
		zap.String("stake", st.Stake.StringFixed(ledger.Places)),
		zap.Duration("duration", o.Duration))
	s.notifier.TradeStarted(l.UserID(), st)

	return &Trade{sim: s, ledger: l, order: o, Settlement: st}, nil
}

// Settle waits for the order duration, draws the outcome and credits the
// ledger. If the wait is interrupted or the settlement cannot be committed the
// stake is refunded and an ErrTrade is returned.
func (t *Trade) Settle(ctx context.Context) (ledger.TradeRecord, error) {
	defer ActiveTrades.Dec()

	if err := t.sim.wait(ctx, t.order.Duration); err != nil {
		return ledger.TradeRecord{}, t.refund(ctx, fmt.Errorf("wait interrupted: %w", err))
	}

	outcome := t.sim.outcomes.Draw()
	payout := decimal.Zero
	if outcome == ledger.OutcomeWin {
		payout = Payout(t.Settlement.Stake, t.order.PayoutPercent)
	}

	rec, err := t.ledger.Settle(ctx, t.Settlement.ID, outcome, payout)
	if err != nil {
		return ledger.TradeRecord{}, t.refund(ctx, err)
	}

	TradesTotal.WithLabelValues(string(rec.BotType), string(rec.Outcome)).Inc()
	t.sim.logger.Info("Trade settled",
		zap.String("user_id", t.ledger.UserID()),
		zap.String("trade_id", rec.ID),
		zap.String("result", string(rec.Outcome)),
		zap.String("payout", rec.Payout.StringFixed(ledger.Places)))
	t.sim.notifier.TradeSettled(t.ledger.UserID(), rec)
	return rec, nil
}

func (t *Trade) refund(ctx context.Context, cause error) error {
	// The refund has to go through even when the caller's context is done.
	st, err := t.ledger.Refund(context.WithoutCancel(ctx), t.Settlement.ID, cause.Error())
	if err != nil {
		TradeErrorsTotal.WithLabelValues("stranded").Inc()
		t.sim.logger.Error("Refund failed, stake stays debited until recovery",
			zap.String("settlement_id", t.Settlement.ID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return fmt.Errorf("%w: %w (refund failed: %w)", ledger.ErrTrade, cause, err)
	}

	TradeErrorsTotal.WithLabelValues("refunded").Inc()
	t.sim.logger.Warn("Trade refunded",
		zap.String("settlement_id", st.ID),
		zap.NamedError("cause", cause))
	t.sim.notifier.TradeRefunded(t.ledger.UserID(), st, cause)
	return fmt.Errorf("%w: %w", ledger.ErrTrade, cause)
}
