package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"trade-ledger-go/internal/ledger"
	"trade-ledger-go/internal/trader"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a trading bot against the account",
	Long: `Run places one trade per tick with the selected bot until the
configured number of rounds is done, the balance can no longer cover the
stake, or the process is interrupted.

Example:
  trader run -u alice --bot PRO --stake 25 --rounds 5`,
	RunE: runRun,
}

var (
	runBot      string
	runStake    float64
	runRounds   int
	runInterval time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runBot, "bot", "b", string(ledger.BotStandard), "bot preset to trade with")
	runCmd.Flags().Float64VarP(&runStake, "stake", "s", 0, "stake per trade (default trading.stake)")
	runCmd.Flags().IntVarP(&runRounds, "rounds", "r", -1, "number of trades, 0 runs until stopped (default trading.rounds)")
	runCmd.Flags().DurationVarP(&runInterval, "interval", "i", -1, "pause between trades (default trading.tick_interval)")
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	bots, err := trader.NewBots(a.cfg.Trading.Bots)
	if err != nil {
		return err
	}
	bot, ok := bots.Lookup(ledger.BotType(strings.ToUpper(runBot)))
	if !ok {
		return fmt.Errorf("unknown bot %q", runBot)
	}

	ecfg := trader.EngineConfig{
		Bot:      bot,
		Stake:    a.cfg.Trading.Stake,
		Rounds:   a.cfg.Trading.Rounds,
		Interval: time.Duration(a.cfg.Trading.TickInterval) * time.Second,
	}
	if runStake > 0 {
		ecfg.Stake = runStake
	}
	if runRounds >= 0 {
		ecfg.Rounds = runRounds
	}
	if runInterval >= 0 {
		ecfg.Interval = runInterval
	}

	sim := trader.NewSimulator(a.log, trader.NewRandomOutcome(a.cfg.Trading.WinProbability, a.cfg.Trading.Seed))
	summary, err := trader.NewEngine(a.log, sim, a.ledger, ecfg).Run(cmd.Context())

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Bot %s on %s: %d rounds, %d wins, %d losses, %d errors\n",
		bot.Type, bot.Instrument, summary.Rounds, summary.Wins, summary.Losses, summary.Errors)
	fmt.Fprintf(out, "  Net:     %s %s\n", summary.Net.StringFixed(ledger.Places), a.cfg.Ledger.Currency)
	fmt.Fprintf(out, "  Balance: %s %s\n", a.ledger.Balance().StringFixed(ledger.Places), a.cfg.Ledger.Currency)

	if errors.Is(err, ledger.ErrInsufficientFunds) {
		fmt.Fprintln(out, "Stopped: balance can no longer cover the stake")
		return nil
	}
	return err
}
