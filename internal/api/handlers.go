package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"trade-ledger-go/internal/funding"
	"trade-ledger-go/internal/ledger"
	"trade-ledger-go/internal/trader"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// UserHeader carries the id of the authenticated user, set by the identity
// provider in front of the API.
const UserHeader = "X-User-ID"

// Handler holds dependencies for the API endpoints.
type Handler struct {
	log      *zap.Logger
	registry *ledger.Registry
	sim      *trader.Simulator
	bots     trader.Bots
	limits   trader.Limits
	funding  *funding.Service
	currency string

	// Accepted trades settle on ctx, not on the request context.
	ctx      context.Context
	inflight sync.WaitGroup
}

// NewHandler creates a new Handler.
func NewHandler(ctx context.Context, cfg *Config) *Handler {
	limits := cfg.Limits
	if limits == (trader.Limits{}) {
		limits = trader.DefaultLimits
	}
	return &Handler{
		log:      cfg.Logger.Named("api"),
		registry: cfg.Registry,
		sim:      cfg.Simulator,
		bots:     cfg.Bots,
		limits:   limits,
		funding:  cfg.Funding,
		currency: cfg.Currency,
		ctx:      ctx,
	}
}

// Wait blocks until every accepted trade has settled.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

func (h *Handler) ledger(r *http.Request) (*ledger.Ledger, error) {
	return h.registry.Get(r.Context(), r.Header.Get(UserHeader))
}

// HealthHandler reports liveness.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// BalanceResponse is the structure for the /api/balance endpoint.
type BalanceResponse struct {
	UserID   string          `json:"user_id"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
	Open     int             `json:"open_trades"`
}

// BalanceHandler returns the current balance.
func (h *Handler) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	l, err := h.ledger(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceResponse{
		UserID:   l.UserID(),
		Balance:  l.Balance(),
		Currency: h.currency,
		Open:     len(l.OpenSettlements()),
	})
}

// TransactionsHandler returns deposits and withdrawals, most recent first.
func (h *Handler) TransactionsHandler(w http.ResponseWriter, r *http.Request) {
	l, err := h.ledger(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	txs := l.Transactions()
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	h.writeJSON(w, http.StatusOK, limit(txs, r))
}

// TradesHandler returns all settled trades, most recent first.
func (h *Handler) TradesHandler(w http.ResponseWriter, r *http.Request) {
	l, err := h.ledger(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	trades := l.Trades()
	if trades == nil {
		trades = []ledger.TradeRecord{}
	}
	h.writeJSON(w, http.StatusOK, limit(trades, r))
}

// limit applies the optional ?limit query parameter.
func limit[T any](items []T, r *http.Request) []T {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n >= len(items) {
		return items
	}
	return items[:n]
}

// StatisticsHandler calculates and returns trading statistics.
func (h *Handler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	l, err := h.ledger(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, Statistics(l.Trades(), time.Now()))
}

// BotsHandler lists the bot presets.
func (h *Handler) BotsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.bots.List())
}

// TradeRequest places a trade with a bot preset, or a CUSTOM trade with
// caller supplied parameters.
type TradeRequest struct {
	BotType         string  `json:"bot_type"`
	Stake           float64 `json:"stake"`
	Pair            string  `json:"pair"`
	Market          string  `json:"market"`
	DurationSeconds float64 `json:"duration_seconds"`
	PayoutPercent   float64 `json:"payout_percent"`
}

func (h *Handler) order(req TradeRequest) (trader.Order, error) {
	t := ledger.BotType(strings.ToUpper(req.BotType))
	if t == "" || t == ledger.BotCustom {
		o := trader.Order{
			Instrument:    req.Pair,
			Market:        ledger.Market(strings.ToUpper(req.Market)),
			Stake:         req.Stake,
			Duration:      time.Duration(req.DurationSeconds * float64(time.Second)),
			PayoutPercent: req.PayoutPercent,
			BotType:       ledger.BotCustom,
		}
		if err := h.limits.Check(o); err != nil {
			return trader.Order{}, err
		}
		return o, nil
	}
	bot, ok := h.bots.Lookup(t)
	if !ok {
		return trader.Order{}, fmt.Errorf("%w: %s", errUnknownBot, req.BotType)
	}
	return bot.Order(req.Stake), nil
}

// PlaceTradeHandler debits the stake and answers 202 Accepted; the trade
// settles in the background and its outcome is pushed over /ws.
func (h *Handler) PlaceTradeHandler(w http.ResponseWriter, r *http.Request) {
	l, err := h.ledger(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req TradeRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.order(req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	trade, err := h.sim.Begin(r.Context(), l, o)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		if _, err := trade.Settle(h.ctx); err != nil {
			h.log.Warn("Background trade did not settle",
				zap.String("user_id", l.UserID()),
				zap.String("settlement_id", trade.Settlement.ID),
				zap.Error(err))
		}
	}()

	h.writeJSON(w, http.StatusAccepted, trade.Settlement)
}

// DepositRequest is the body of POST /api/deposits. Method "gateway" starts
// a checkout; any other method credits the amount directly.
type DepositRequest struct {
	funding.DepositRequest
	Method string `json:"method"`
}

// DepositHandler credits a deposit or starts a gateway checkout.
func (h *Handler) DepositHandler(w http.ResponseWriter, r *http.Request) {
	l, err := h.ledger(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req DepositRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	switch strings.ToLower(req.Method) {
	case "gateway", "pesapal":
		checkout, err := h.funding.InitiateDeposit(r.Context(), l, req.DepositRequest)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, checkout)
	case "", "card", "mpesa", "crypto", "direct":
		tx, err := h.funding.Deposit(r.Context(), l, req.Amount, req.Method)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, tx)
	default:
		h.writeError(w, r, fmt.Errorf("%w: %s", errUnsupported, req.Method))
	}
}

// ReconcileHandler re-checks the user's pending gateway deposits.
func (h *Handler) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	l, err := h.ledger(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resolved, err := h.funding.Reconcile(r.Context(), l)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if resolved == nil {
		resolved = []ledger.Transaction{}
	}
	h.writeJSON(w, http.StatusOK, resolved)
}

// WithdrawRequest is the body of POST /api/withdrawals.
type WithdrawRequest struct {
	Amount      float64 `json:"amount"`
	Destination string  `json:"destination"`
}

// WithdrawHandler debits a withdrawal.
func (h *Handler) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	l, err := h.ledger(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req WithdrawRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	tx, err := h.funding.Withdraw(r.Context(), l, req.Amount, req.Destination)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, tx)
}

// notificationAck is the acknowledgement the gateway expects from an IPN
// endpoint.
type notificationAck struct {
	OrderNotificationType  string `json:"orderNotificationType"`
	OrderTrackingID        string `json:"orderTrackingId"`
	OrderMerchantReference string `json:"orderMerchantReference"`
	Status                 int    `json:"status"`
}

// NotifyHandler receives gateway payment notifications and redirects.
func (h *Handler) NotifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		var body struct {
			OrderNotificationType  string `json:"OrderNotificationType"`
			OrderTrackingID        string `json:"OrderTrackingId"`
			OrderMerchantReference string `json:"OrderMerchantReference"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, r, errors.Join(errBadRequest, err))
			return
		}
		q.Set("OrderNotificationType", body.OrderNotificationType)
		q.Set("OrderTrackingId", body.OrderTrackingID)
		q.Set("OrderMerchantReference", body.OrderMerchantReference)
	}

	ack := notificationAck{
		OrderNotificationType:  q.Get("OrderNotificationType"),
		OrderTrackingID:        q.Get("OrderTrackingId"),
		OrderMerchantReference: q.Get("OrderMerchantReference"),
		Status:                 http.StatusOK,
	}
	if ack.OrderNotificationType == "" {
		ack.OrderNotificationType = "IPN"
	}

	tx, err := h.funding.HandleNotification(r.Context(), ack.OrderTrackingID, ack.OrderMerchantReference)
	if err != nil {
		h.log.Warn("Payment notification failed",
			zap.String("tracking_id", ack.OrderTrackingID),
			zap.String("reference", ack.OrderMerchantReference),
			zap.Error(err))
		ack.Status = statusOf(err)
		h.writeJSON(w, ack.Status, ack)
		return
	}

	h.log.Info("Payment notification handled",
		zap.String("type", ack.OrderNotificationType),
		zap.String("reference", ack.OrderMerchantReference),
		zap.String("status", string(tx.Status)))
	h.writeJSON(w, http.StatusOK, ack)
}
