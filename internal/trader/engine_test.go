package trader

import (
	"context"
	"testing"
	"time"

	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEngine_RunsConfiguredRounds(t *testing.T) {
	// Arrange
	l, _ := setupTest(t, 100)
	outcomes := []ledger.Outcome{ledger.OutcomeWin, ledger.OutcomeLoss, ledger.OutcomeWin}
	i := 0
	sim := NewSimulator(zap.NewNop(), OutcomeFunc(func() ledger.Outcome {
		o := outcomes[i%len(outcomes)]
		i++
		return o
	}), WithWait(noWait))
	bot := DefaultBots[0] // STANDARD, 100% payout

	engine := NewEngine(zap.NewNop(), sim, l, EngineConfig{Bot: bot, Stake: 10, Rounds: 3})

	// Act
	summary, err := engine.Run(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Rounds)
	assert.Equal(t, 2, summary.Wins)
	assert.Equal(t, 1, summary.Losses)
	assert.Equal(t, "10.00", summary.Net.StringFixed(2))
	assert.Equal(t, "110.00", l.Balance().StringFixed(2))

	trades := l.Trades()
	require.Len(t, trades, 3)
	assert.Equal(t, ledger.BotStandard, trades[0].BotType)
	assert.Equal(t, "SOL/USD", trades[0].Instrument)
}

func TestEngine_StopsWhenFundsRunOut(t *testing.T) {
	l, _ := setupTest(t, 25)
	sim := NewSimulator(zap.NewNop(), FixedOutcome(ledger.OutcomeLoss), WithWait(noWait))
	engine := NewEngine(zap.NewNop(), sim, l, EngineConfig{Bot: DefaultBots[1], Stake: 10})

	summary, err := engine.Run(context.Background())

	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, 2, summary.Losses)
	assert.Equal(t, "5.00", l.Balance().StringFixed(2))
}

func TestEngine_StopsOnCancel(t *testing.T) {
	l, _ := setupTest(t, 1000)
	sim := NewSimulator(zap.NewNop(), FixedOutcome(ledger.OutcomeWin), WithWait(noWait))
	engine := NewEngine(zap.NewNop(), sim, l, EngineConfig{Bot: DefaultBots[2], Stake: 1, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Summary)
	go func() {
		s, _ := engine.Run(ctx)
		done <- s
	}()

	assert.Eventually(t, func() bool { return len(l.Trades()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case s := <-done:
		assert.Equal(t, 1, s.Rounds)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestNewBots(t *testing.T) {
	bots, err := NewBots(nil)
	require.NoError(t, err)
	pro, ok := bots.Lookup("pro")
	require.True(t, ok)
	assert.Equal(t, 200.0, pro.PayoutPercent)
	assert.Equal(t, time.Second, pro.Duration)
	assert.Len(t, bots.List(), 3)

	bots, err = NewBots([]config.Bot{
		{Type: "master", PayoutPercent: 90, DurationSeconds: 5},
		{Type: "TURBO", Instrument: "BNB/USD", Market: "rise_fall", PayoutPercent: 120},
	})
	require.NoError(t, err)
	master, _ := bots.Lookup(ledger.BotMaster)
	assert.Equal(t, 90.0, master.PayoutPercent)
	assert.Equal(t, 5*time.Second, master.Duration)
	assert.Equal(t, "BTC/USD", master.Instrument)
	turbo, ok := bots.Lookup("TURBO")
	require.True(t, ok)
	assert.Equal(t, ledger.MarketRiseFall, turbo.Market)

	_, err = NewBots([]config.Bot{{Type: "NEW"}})
	assert.Error(t, err)

	_, err = NewBots([]config.Bot{{Type: "custom", Instrument: "X", Market: "EVEN_ODD"}})
	assert.Error(t, err)
}
