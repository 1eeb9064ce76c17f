package funding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/gateway"
	"trade-ledger-go/internal/ledger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrGatewayDisabled is returned for checkout deposits when no gateway
	// credentials are configured.
	ErrGatewayDisabled = errors.New("payment gateway is not configured")
	// ErrInvalidNotification is returned for callbacks missing the tracking id
	// or merchant reference, or whose tracking id does not match.
	ErrInvalidNotification = errors.New("invalid payment notification")
)

// DepositRequest is a checkout deposit of a user.
type DepositRequest struct {
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
	Email       string  `json:"email"`
	Phone       string  `json:"phone"`
	FirstName   string  `json:"first_name"`
	LastName    string  `json:"last_name"`
}

// Checkout is a pending deposit and the page the payer completes it on.
type Checkout struct {
	Transaction ledger.Transaction `json:"transaction"`
	RedirectURL string             `json:"redirect_url"`
}

// Service moves money in and out of ledgers, through the payment gateway
// where one is configured.
type Service struct {
	gateway  gateway.ClientInterface
	registry *ledger.Registry
	cfg      config.Gateway
	currency string
	logger   *zap.Logger
}

// NewService creates a funding service. gw may be nil, in which case only
// direct deposits and withdrawals are available.
func NewService(gw gateway.ClientInterface, registry *ledger.Registry, cfg config.Gateway, currency string, logger *zap.Logger) *Service {
	if cfg.PollAttempts < 1 {
		cfg.PollAttempts = 1
	}
	return &Service{
		gateway:  gw,
		registry: registry,
		cfg:      cfg,
		currency: currency,
		logger:   logger.Named("funding"),
	}
}

// GatewayEnabled reports whether checkout deposits are available.
func (s *Service) GatewayEnabled() bool {
	return s.gateway != nil
}

// Deposit credits a completed deposit directly.
func (s *Service) Deposit(ctx context.Context, l *ledger.Ledger, amount float64, method string) (ledger.Transaction, error) {
	details := "Direct deposit"
	if method != "" {
		details = "Deposit via " + method
	}
	return l.Deposit(ctx, amount, details)
}

// Withdraw debits a completed withdrawal to destination.
func (s *Service) Withdraw(ctx context.Context, l *ledger.Ledger, amount float64, destination string) (ledger.Transaction, error) {
	details := "Withdrawal"
	if destination != "" {
		details = "Withdrawal to " + destination
	}
	tx, err := l.Withdraw(ctx, amount, details)
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.logger.Info("Withdrawal completed",
		zap.String("user_id", l.UserID()),
		zap.String("transaction_id", tx.ID),
		zap.String("amount", tx.Amount.StringFixed(ledger.Places)))
	return tx, nil
}

// InitiateDeposit records a PENDING deposit under a fresh merchant reference
// and then submits the checkout order for it. The order is never sent
// without a ledger row to match its notification against. The balance is
// credited once the gateway reports the payment completed.
func (s *Service) InitiateDeposit(ctx context.Context, l *ledger.Ledger, req DepositRequest) (Checkout, error) {
	if s.gateway == nil {
		return Checkout{}, ErrGatewayDisabled
	}
	amount, err := ledger.Validate(req.Amount, ledger.KindDeposit, l.Balance())
	if err != nil {
		return Checkout{}, err
	}

	description := req.Description
	if description == "" {
		description = "Trading account deposit"
	}
	reference := uuid.NewString()
	logger := s.logger.With(zap.String("user_id", l.UserID()), zap.String("reference", reference))

	tx, err := l.AddPending(ctx, ledger.KindDeposit, req.Amount, description, reference, "")
	if err != nil {
		DepositsTotal.WithLabelValues("error").Inc()
		logger.Error("Failed to record checkout deposit", zap.Error(err))
		return Checkout{}, err
	}

	order, err := s.gateway.SubmitOrder(ctx, gateway.OrderRequest{
		ID:             reference,
		Currency:       s.currency,
		Amount:         amount.InexactFloat64(),
		Description:    description,
		CallbackURL:    s.cfg.CallbackURL,
		NotificationID: s.cfg.NotificationID,
		BillingAddress: gateway.BillingAddress{
			EmailAddress: req.Email,
			PhoneNumber:  req.Phone,
			FirstName:    req.FirstName,
			LastName:     req.LastName,
		},
	})
	if err != nil {
		DepositsTotal.WithLabelValues("gateway_error").Inc()
		if _, ferr := l.Resolve(context.WithoutCancel(ctx), tx.ID, ledger.StatusFailed); ferr != nil {
			logger.Error("Failed to fail rejected checkout deposit", zap.String("transaction_id", tx.ID), zap.Error(ferr))
		}
		return Checkout{}, err
	}

	// Notifications match on the reference, so a missing tracking id only
	// loses the cross-check.
	if tracked, terr := l.AttachTracking(ctx, tx.ID, order.OrderTrackingID); terr != nil {
		logger.Warn("Failed to store tracking id",
			zap.String("tracking_id", order.OrderTrackingID),
			zap.Error(terr))
	} else {
		tx = tracked
	}

	DepositsTotal.WithLabelValues("pending").Inc()
	logger.Info("Checkout deposit started", zap.String("tracking_id", order.OrderTrackingID))
	return Checkout{Transaction: tx, RedirectURL: order.RedirectURL}, nil
}

// HandleNotification processes a gateway callback for the deposit carrying
// reference. The payment status is polled up to the configured number of
// attempts, retrying on errors, and the deposit is resolved once the status
// is final. A PENDING status leaves the deposit untouched.
func (s *Service) HandleNotification(ctx context.Context, trackingID, reference string) (ledger.Transaction, error) {
	if trackingID == "" || reference == "" {
		NotificationsTotal.WithLabelValues("invalid").Inc()
		return ledger.Transaction{}, ErrInvalidNotification
	}
	if s.gateway == nil {
		return ledger.Transaction{}, ErrGatewayDisabled
	}

	l, tx, err := s.registry.ByReference(ctx, reference)
	if err != nil {
		NotificationsTotal.WithLabelValues("unknown").Inc()
		return ledger.Transaction{}, err
	}
	if tx.TrackingID != "" && tx.TrackingID != trackingID {
		NotificationsTotal.WithLabelValues("invalid").Inc()
		return ledger.Transaction{}, fmt.Errorf("%w: tracking id %s does not match reference %s",
			ErrInvalidNotification, trackingID, reference)
	}
	if tx.Status != ledger.StatusPending {
		NotificationsTotal.WithLabelValues("duplicate").Inc()
		return tx, nil
	}

	logger := s.logger.With(
		zap.String("user_id", l.UserID()),
		zap.String("reference", reference),
		zap.String("tracking_id", trackingID))

	var lastErr error
	for attempt := 1; attempt <= s.cfg.PollAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, s.cfg.PollInterval); err != nil {
				return ledger.Transaction{}, err
			}
		}

		status, err := s.gateway.GetTransactionStatus(ctx, trackingID)
		if err != nil {
			lastErr = err
			logger.Warn("Failed to check payment status",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", s.cfg.PollAttempts),
				zap.Error(err))
			continue
		}

		next := status.LedgerStatus()
		if next == ledger.StatusPending {
			NotificationsTotal.WithLabelValues("pending").Inc()
			logger.Info("Payment still pending", zap.String("description", status.PaymentStatusDescription))
			return tx, nil
		}

		resolved, err := l.Resolve(ctx, tx.ID, next)
		if err != nil {
			// A concurrent callback for the same payment got there first.
			if errors.Is(err, ledger.ErrInvalidTransition) {
				if cur, lerr := l.Transaction(tx.ID); lerr == nil && cur.Status == next {
					NotificationsTotal.WithLabelValues("duplicate").Inc()
					return cur, nil
				}
			}
			if ledger.IsUserError(err) {
				NotificationsTotal.WithLabelValues("rejected").Inc()
				return ledger.Transaction{}, err
			}
			lastErr = err
			logger.Warn("Failed to resolve transaction", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		NotificationsTotal.WithLabelValues(string(next)).Inc()
		logger.Info("Payment resolved",
			zap.String("status", string(next)),
			zap.String("payment_method", status.PaymentMethod))
		return resolved, nil
	}

	NotificationsTotal.WithLabelValues("error").Inc()
	return ledger.Transaction{}, fmt.Errorf("payment notification %s failed after %d attempts: %w",
		reference, s.cfg.PollAttempts, lastErr)
}

// Reconcile re-checks every pending gateway deposit of l and returns the
// transactions that reached a final status.
func (s *Service) Reconcile(ctx context.Context, l *ledger.Ledger) ([]ledger.Transaction, error) {
	if s.gateway == nil {
		return nil, nil
	}

	var resolved []ledger.Transaction
	var errs []error
	for _, tx := range l.Transactions() {
		if tx.Status != ledger.StatusPending || tx.TrackingID == "" {
			continue
		}
		out, err := s.HandleNotification(ctx, tx.TrackingID, tx.Reference)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if out.Status != ledger.StatusPending {
			resolved = append(resolved, out)
		}
	}
	return resolved, errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
