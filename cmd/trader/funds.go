package main

import (
	"fmt"
	"strconv"

	"trade-ledger-go/internal/funding"
	"trade-ledger-go/internal/ledger"

	"github.com/spf13/cobra"
)

var depositCmd = &cobra.Command{
	Use:   "deposit <amount>",
	Short: "Credit a direct deposit to the account",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeposit,
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw <amount>",
	Short: "Debit a withdrawal from the account",
	Args:  cobra.ExactArgs(1),
	RunE:  runWithdraw,
}

var (
	depositMethod       string
	withdrawDestination string
)

func init() {
	rootCmd.AddCommand(depositCmd)
	rootCmd.AddCommand(withdrawCmd)

	depositCmd.Flags().StringVarP(&depositMethod, "method", "m", "", "payment method recorded in the details")
	withdrawCmd.Flags().StringVarP(&withdrawDestination, "to", "t", "", "destination recorded in the details")
}

func runDeposit(cmd *cobra.Command, args []string) error {
	return moveFunds(cmd, args[0], func(svc *funding.Service, a *app, amount float64) (ledger.Transaction, error) {
		return svc.Deposit(cmd.Context(), a.ledger, amount, depositMethod)
	})
}

func runWithdraw(cmd *cobra.Command, args []string) error {
	return moveFunds(cmd, args[0], func(svc *funding.Service, a *app, amount float64) (ledger.Transaction, error) {
		return svc.Withdraw(cmd.Context(), a.ledger, amount, withdrawDestination)
	})
}

type moveFunc func(svc *funding.Service, a *app, amount float64) (ledger.Transaction, error)

func moveFunds(cmd *cobra.Command, arg string, move moveFunc) error {
	amount, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ledger.ErrInvalidAmount, arg)
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	// Direct movements never reach the payment gateway.
	svc := funding.NewService(nil, nil, a.cfg.Gateway, a.cfg.Ledger.Currency, a.log)
	tx, err := move(svc, a, amount)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s (%s)\nBalance: %s %s\n",
		tx.Kind, tx.Amount.StringFixed(ledger.Places), a.cfg.Ledger.Currency, tx.Status, tx.Details,
		a.ledger.Balance().StringFixed(ledger.Places), a.cfg.Ledger.Currency)
	return nil
}
