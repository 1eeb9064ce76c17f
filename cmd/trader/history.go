package main

import (
	"fmt"
	"text/tabwriter"

	"trade-ledger-go/internal/ledger"

	"github.com/spf13/cobra"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print the account balance",
	Args:  cobra.NoArgs,
	RunE:  runBalance,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print transactions and settled trades, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var historyLimit int

func init() {
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum rows per section, 0 prints all")
}

func runBalance(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", a.ledger.Balance().StringFixed(ledger.Places), a.cfg.Ledger.Currency)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "TRANSACTIONS")
	fmt.Fprintln(w, "TIME\tTYPE\tAMOUNT\tSTATUS\tDETAILS")
	for i, tx := range a.ledger.Transactions() {
		if historyLimit > 0 && i >= historyLimit {
			break
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			tx.Timestamp.Format("2006-01-02 15:04:05"), tx.Kind, tx.Amount.StringFixed(ledger.Places), tx.Status, tx.Details)
	}

	fmt.Fprintln(w, "\nTRADES")
	fmt.Fprintln(w, "TIME\tBOT\tPAIR\tSTAKE\tRESULT\tNET")
	for i, t := range a.ledger.Trades() {
		if historyLimit > 0 && i >= historyLimit {
			break
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Timestamp.Format("2006-01-02 15:04:05"), t.BotType, t.Instrument,
			t.Stake.StringFixed(ledger.Places), t.Outcome, t.Net().StringFixed(ledger.Places))
	}

	if open := a.ledger.OpenSettlements(); len(open) > 0 {
		fmt.Fprintf(w, "\n%d stake(s) still open\n", len(open))
	}
	return w.Flush()
}
