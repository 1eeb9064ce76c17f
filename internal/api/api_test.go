package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/funding"
	"trade-ledger-go/internal/gateway"
	"trade-ledger-go/internal/ledger"
	"trade-ledger-go/internal/trader"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockGateway is a mock implementation of the gateway.ClientInterface.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) RequestToken(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) SubmitOrder(ctx context.Context, order gateway.OrderRequest) (*gateway.OrderResponse, error) {
	args := m.Called(ctx, order)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.OrderResponse), args.Error(1)
}

func (m *MockGateway) GetTransactionStatus(ctx context.Context, trackingID string) (*gateway.TransactionStatus, error) {
	args := m.Called(ctx, trackingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.TransactionStatus), args.Error(1)
}

type testEnv struct {
	server   *httptest.Server
	handler  *Handler
	hub      *Hub
	registry *ledger.Registry
	gateway  *MockGateway
}

// setupTestServer creates an API on an in-memory store. Trades always win and
// settle without waiting.
func setupTestServer(t *testing.T, outcome ledger.Outcome) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	registry := ledger.NewRegistry(ledger.NewMemoryStore(), decimal.NewFromInt(1000), logger)
	hub := NewHub(logger)
	sim := trader.NewSimulator(logger, trader.FixedOutcome(outcome),
		trader.WithWait(func(context.Context, time.Duration) error { return nil }),
		trader.WithNotifier(hub))
	bots, err := trader.NewBots(nil)
	require.NoError(t, err)

	gw := new(MockGateway)
	svc := funding.NewService(gw, registry, config.Gateway{PollAttempts: 2, PollInterval: time.Millisecond}, "USD", logger)

	cfg := &Config{
		Currency:  "USD",
		Logger:    logger,
		Registry:  registry,
		Simulator: sim,
		Bots:      bots,
		Funding:   svc,
		Hub:       hub,
	}
	handler := NewHandler(context.Background(), cfg)
	server := httptest.NewServer(NewRouter(handler, hub))
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})

	return &testEnv{server: server, handler: handler, hub: hub, registry: registry, gateway: gw}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func (e *testEnv) balance(t *testing.T, user string) string {
	t.Helper()
	resp, raw := e.do(t, http.MethodGet, "/api/balance", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var b BalanceResponse
	require.NoError(t, json.Unmarshal(raw, &b))
	return b.Balance.StringFixed(2)
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t, ledger.OutcomeWin)

	resp, raw := env.do(t, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK\n", string(raw))
}

func TestRequiresUser(t *testing.T) {
	env := setupTestServer(t, ledger.OutcomeWin)

	for _, path := range []string{"/api/balance", "/api/transactions", "/api/trades", "/api/statistics"} {
		resp, raw := env.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Contains(t, string(raw), "not authenticated")
	}
}

func TestDepositWithdrawFlow(t *testing.T) {
	env := setupTestServer(t, ledger.OutcomeWin)

	assert.Equal(t, "1000.00", env.balance(t, "trader-1"))

	resp, raw := env.do(t, http.MethodPost, "/api/deposits", "trader-1", map[string]any{"amount": 50, "method": "card"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var tx ledger.Transaction
	require.NoError(t, json.Unmarshal(raw, &tx))
	assert.Equal(t, ledger.KindDeposit, tx.Kind)
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
	assert.Equal(t, "1050.00", env.balance(t, "trader-1"))

	resp, raw = env.do(t, http.MethodPost, "/api/withdrawals", "trader-1", map[string]any{"amount": 1200, "destination": "0xabc"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(raw), "insufficient funds")
	assert.Equal(t, "1050.00", env.balance(t, "trader-1"))

	resp, _ = env.do(t, http.MethodPost, "/api/withdrawals", "trader-1", map[string]any{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/withdrawals", "trader-1", map[string]any{"amount": 50, "destination": "0xabc"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, raw = env.do(t, http.MethodGet, "/api/transactions?limit=1", "trader-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var txs []ledger.Transaction
	require.NoError(t, json.Unmarshal(raw, &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.KindWithdrawal, txs[0].Kind)
	assert.Equal(t, "Withdrawal to 0xabc", txs[0].Details)

	// Another user has an independent ledger.
	assert.Equal(t, "1000.00", env.balance(t, "trader-2"))
}

func TestDeposit_BadRequests(t *testing.T) {
	env := setupTestServer(t, ledger.OutcomeWin)

	resp, _ := env.do(t, http.MethodPost, "/api/deposits", "trader-1", map[string]any{"amount": 10, "method": "cheque"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/deposits", "trader-1", map[string]any{"amount": 10, "bogus": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/deposits", "trader-1", map[string]any{"amount": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPlaceTrade(t *testing.T) {
	env := setupTestServer(t, ledger.OutcomeWin)

	resp, raw := env.do(t, http.MethodPost, "/api/trades", "trader-1", map[string]any{
		"bot_type":         "custom",
		"stake":            100,
		"pair":             "BTC/USD",
		"market":           "rise_fall",
		"duration_seconds": 2,
		"payout_percent":   50,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(raw))
	var st ledger.Settlement
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, ledger.SettlementDebited, st.State)
	assert.Equal(t, "100.00", st.Stake.StringFixed(2))

	env.handler.Wait()
	assert.Equal(t, "1050.00", env.balance(t, "trader-1"))

	resp, raw = env.do(t, http.MethodGet, "/api/trades", "trader-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trades []ledger.TradeRecord
	require.NoError(t, json.Unmarshal(raw, &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, ledger.OutcomeWin, trades[0].Outcome)
	assert.Equal(t, st.ID, trades[0].SettlementID)
	assert.Equal(t, ledger.MarketRiseFall, trades[0].Market)
}

func TestPlaceTrade_Rejections(t *testing.T) {
	env := setupTestServer(t, ledger.OutcomeLoss)

	resp, _ := env.do(t, http.MethodPost, "/api/trades", "trader-1", map[string]any{"bot_type": "PRO", "stake": 1000.01})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/trades", "trader-1", map[string]any{"bot_type": "TURBO", "stake": 10})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/trades", "trader-1", map[string]any{"bot_type": "CUSTOM", "stake": 10, "pair": "BTC/USD", "payout_percent": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/trades", "trader-1", map[string]any{"bot_type": "PRO", "stake": "ten"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, "1000.00", env.balance(t, "trader-1"))
}

func TestPlaceTrade_CustomOrderLimits(t *testing.T) {
	env := setupTestServer(t, ledger.OutcomeWin)
	custom := func(duration, payout float64) map[string]any {
		return map[string]any{
			"bot_type":         "CUSTOM",
			"stake":            10,
			"pair":             "BTC/USD",
			"market":           "RISE_FALL",
			"duration_seconds": duration,
			"payout_percent":   payout,
		}
	}

	resp, raw := env.do(t, http.MethodPost, "/api/trades", "trader-1", custom(2, 1e6))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(raw), "payout percent")

	resp, raw = env.do(t, http.MethodPost, "/api/trades", "trader-1", custom(0, 50))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(raw), "duration")

	resp, _ = env.do(t, http.MethodPost, "/api/trades", "trader-1", custom(86400, 50))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.handler.Wait()
	assert.Equal(t, "1000.00", env.balance(t, "trader-1"))
	l, err := env.registry.Get(context.Background(), "trader-1")
	require.NoError(t, err)
	assert.Empty(t, l.Trades())
	assert.Empty(t, l.OpenSettlements())
}

func TestStatisticsAndBots(t *testing.T) {
	env := setupTestServer(t, ledger.OutcomeWin)

	for i := 0; i < 2; i++ {
		resp, _ := env.do(t, http.MethodPost, "/api/trades", "trader-1", map[string]any{"bot_type": "STANDARD", "stake": 10})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	env.handler.Wait()

	resp, raw := env.do(t, http.MethodGet, "/api/statistics", "trader-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats StatisticsResponse
	require.NoError(t, json.Unmarshal(raw, &stats))
	assert.Equal(t, int64(2), stats.AllTime.TotalTrades)
	assert.Equal(t, 1.0, stats.AllTime.WinRate)
	assert.Equal(t, "20.00", stats.AllTime.TotalProfit.StringFixed(2))
	assert.Equal(t, int64(2), stats.Since24h.TotalTrades)

	resp, raw = env.do(t, http.MethodGet, "/api/bots", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bots []trader.Bot
	require.NoError(t, json.Unmarshal(raw, &bots))
	assert.Len(t, bots, 3)
}

func TestStatistics(t *testing.T) {
	now := time.Now()
	trades := []ledger.TradeRecord{
		{Timestamp: now.Add(-time.Hour), Stake: decimal.NewFromInt(10), Payout: decimal.NewFromInt(8), Outcome: ledger.OutcomeWin},
		{Timestamp: now.Add(-2 * time.Hour), Stake: decimal.NewFromInt(5), Payout: decimal.Zero, Outcome: ledger.OutcomeLoss},
		{Timestamp: now.Add(-48 * time.Hour), Stake: decimal.NewFromInt(20), Payout: decimal.NewFromInt(40), Outcome: ledger.OutcomeWin},
	}

	stats := Statistics(trades, now)

	assert.Equal(t, int64(2), stats.Since24h.TotalTrades)
	assert.Equal(t, int64(1), stats.Since24h.ProfitableTrades)
	assert.Equal(t, 0.5, stats.Since24h.WinRate)
	assert.Equal(t, "3.00", stats.Since24h.TotalProfit.StringFixed(2))
	assert.Equal(t, int64(3), stats.AllTime.TotalTrades)
	assert.Equal(t, "43.00", stats.AllTime.TotalProfit.StringFixed(2))
	assert.Equal(t, "35.00", stats.AllTime.TotalStaked.StringFixed(2))

	empty := Statistics(nil, now)
	assert.Zero(t, empty.AllTime.WinRate)
}

func TestGatewayDepositAndNotification(t *testing.T) {
	env := setupTestServer(t, ledger.OutcomeWin)
	env.gateway.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(&gateway.OrderResponse{OrderTrackingID: "trk-1", RedirectURL: "https://pay.example.com/trk-1"}, nil)
	env.gateway.On("GetTransactionStatus", mock.Anything, "trk-1").
		Return(&gateway.TransactionStatus{StatusCode: gateway.StatusCodeCompleted}, nil)

	resp, raw := env.do(t, http.MethodPost, "/api/deposits", "trader-1", map[string]any{"amount": 25, "method": "gateway", "email": "trader@example.com"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var checkout funding.Checkout
	require.NoError(t, json.Unmarshal(raw, &checkout))
	assert.Equal(t, "https://pay.example.com/trk-1", checkout.RedirectURL)
	assert.Equal(t, "1000.00", env.balance(t, "trader-1"))

	path := "/api/payments/notify?OrderTrackingId=trk-1&OrderMerchantReference=" + checkout.Transaction.Reference + "&OrderNotificationType=IPNCHANGE"
	resp, raw = env.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var ack notificationAck
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.Equal(t, "IPNCHANGE", ack.OrderNotificationType)
	assert.Equal(t, 200, ack.Status)
	assert.Equal(t, "1025.00", env.balance(t, "trader-1"))

	resp, _ = env.do(t, http.MethodGet, "/api/payments/notify?OrderTrackingId=trk-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw = env.do(t, http.MethodPost, "/api/deposits/reconcile", "trader-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]\n", string(raw))
}

func TestWebsocketStreamsTradeEvents(t *testing.T) {
	env := setupTestServer(t, ledger.OutcomeWin)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?user_id=trader-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Clients("trader-1") == 1 }, time.Second, 5*time.Millisecond)

	resp, _ := env.do(t, http.MethodPost, "/api/trades", "trader-1", map[string]any{"bot_type": "MASTER", "stake": 10})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var types []string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(types) < 2 {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var e Event
		require.NoError(t, json.Unmarshal(msg, &e))
		types = append(types, e.Type)
		if e.Type == EventTradeSettled {
			require.NotNil(t, e.Trade)
			assert.Equal(t, "8.00", e.Trade.Payout.StringFixed(2))
		}
	}
	assert.Equal(t, []string{EventTradeStarted, EventTradeSettled}, types)
}

func TestWebsocketRequiresUser(t *testing.T) {
	env := setupTestServer(t, ledger.OutcomeWin)

	resp, _ := env.do(t, http.MethodGet, "/ws", "", nil)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
