package trader

import (
	"context"
	"errors"
	"time"

	"trade-ledger-go/internal/ledger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine runs a bot against one ledger, placing a trade on every tick.
type Engine struct {
	logger   *zap.Logger
	sim      *Simulator
	ledger   *ledger.Ledger
	bot      Bot
	stake    float64
	rounds   int
	interval time.Duration
}

// EngineConfig configures an Engine. Rounds of zero means run until the
// context is cancelled or funds run out.
type EngineConfig struct {
	Bot      Bot
	Stake    float64
	Rounds   int
	Interval time.Duration
}

// Summary is the result of an engine run.
type Summary struct {
	Rounds int             `json:"rounds"`
	Wins   int             `json:"wins"`
	Losses int             `json:"losses"`
	Errors int             `json:"errors"`
	Net    decimal.Decimal `json:"net"`
}

// NewEngine creates a new bot engine.
func NewEngine(logger *zap.Logger, sim *Simulator, l *ledger.Ledger, cfg EngineConfig) *Engine {
	return &Engine{
		logger: logger.Named("engine").With(
			zap.String("user_id", l.UserID()),
			zap.String("bot", string(cfg.Bot.Type))),
		sim:      sim,
		ledger:   l,
		bot:      cfg.Bot,
		stake:    cfg.Stake,
		rounds:   cfg.Rounds,
		interval: cfg.Interval,
	}
}

// Run places trades until the configured rounds are done, the balance can no
// longer cover the stake, or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	summary.Net = decimal.Zero

	var tick <-chan time.Time
	if e.interval > 0 {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	e.logger.Info("Starting bot", zap.Duration("interval", e.interval), zap.Int("rounds", e.rounds))

	for {
		rec, err := e.sim.ExecuteTrade(ctx, e.ledger, e.bot.Order(e.stake))
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ErrInvalidOrder):
			e.logger.Warn("Stopping bot", zap.Error(err))
			return summary, err
		case err != nil:
			summary.Errors++
			e.logger.Error("Trade failed", zap.Error(err))
		default:
			if rec.Outcome == ledger.OutcomeWin {
				summary.Wins++
			} else {
				summary.Losses++
			}
			summary.Net = summary.Net.Add(rec.Net())
		}
		summary.Rounds++

		if e.rounds > 0 && summary.Rounds >= e.rounds {
			e.logger.Info("Bot finished",
				zap.Int("rounds", summary.Rounds),
				zap.String("net", summary.Net.StringFixed(ledger.Places)))
			return summary, nil
		}

		if tick == nil {
			if err := ctx.Err(); err != nil {
				return summary, nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping bot...")
			return summary, nil
		case <-tick:
		}
	}
}
