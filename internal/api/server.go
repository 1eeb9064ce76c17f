package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"trade-ledger-go/internal/funding"
	"trade-ledger-go/internal/ledger"
	"trade-ledger-go/internal/trader"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config holds the dependencies of the HTTP API. Limits bound CUSTOM orders;
// the zero value means trader.DefaultLimits.
type Config struct {
	Port      int
	Currency  string
	Logger    *zap.Logger
	Registry  *ledger.Registry
	Simulator *trader.Simulator
	Bots      trader.Bots
	Limits    trader.Limits
	Funding   *funding.Service
	Hub       *Hub
}

// Server provides the HTTP interface of the ledger.
type Server struct {
	server  *http.Server
	handler *Handler
	hub     *Hub
	logger  *zap.Logger
}

// NewServer creates a new Server. Trades accepted over HTTP settle on ctx.
func NewServer(ctx context.Context, cfg *Config) *Server {
	handler := NewHandler(ctx, cfg)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewRouter(handler, cfg.Hub),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		server:  server,
		handler: handler,
		hub:     cfg.Hub,
		logger:  cfg.Logger.Named("api-server"),
	}
}

// NewRouter wires the routes and middleware.
func NewRouter(h *Handler, hub *Hub) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/health", h.HealthHandler)
	r.Get("/ws", hub.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/balance", h.BalanceHandler)
		r.Get("/transactions", h.TransactionsHandler)
		r.Get("/trades", h.TradesHandler)
		r.Post("/trades", h.PlaceTradeHandler)
		r.Get("/statistics", h.StatisticsHandler)
		r.Get("/bots", h.BotsHandler)
		r.Post("/deposits", h.DepositHandler)
		r.Post("/deposits/reconcile", h.ReconcileHandler)
		r.Post("/withdrawals", h.WithdrawHandler)

		// Gateway callbacks carry no user header.
		r.Get("/payments/notify", h.NotifyHandler)
		r.Post("/payments/notify", h.NotifyHandler)
	})

	return r
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server and waits for accepted trades to
// settle.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	err := s.server.Shutdown(ctx)
	s.hub.Close()

	done := make(chan struct{})
	go func() {
		s.handler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown timed out with trades still settling")
	}
	return err
}
