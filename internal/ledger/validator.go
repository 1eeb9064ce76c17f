package ledger

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Places is the number of decimal places every ledger amount is kept at.
const Places = 2

// Round applies the ledger rounding rule: half away from zero, two places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Amount converts a float input into a rounded ledger amount.
// It does not validate; use Validate for user input.
func Amount(f float64) decimal.Decimal {
	return Round(decimal.NewFromFloat(f))
}

// Validate checks a proposed amount of the given kind against the current
// balance and returns it rounded to ledger precision.
func Validate(amount float64, kind Kind, balance decimal.Decimal) (decimal.Decimal, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}

	rounded := Amount(amount)
	if !rounded.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %v rounds to zero", ErrInvalidAmount, amount)
	}

	if kind.Debits() && rounded.GreaterThan(balance) {
		return decimal.Zero, fmt.Errorf("%w: %s exceeds balance %s",
			ErrInsufficientFunds, rounded.StringFixed(Places), balance.StringFixed(Places))
	}

	return rounded, nil
}
