package models

import (
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"github.com/shopspring/decimal"
)

// Monetary arithmetic uses shopspring decimals everywhere. A value is rounded
// only at the point it becomes a stored total; intermediate sums stay exact.

// ParseAmount parses a user or webhook supplied amount. Unparsable or empty
// input fails with ErrInvalidAmount, never a silent zero.
func ParseAmount(value string) (decimal.Decimal, error) {
	d, err := utils.ParseDecimal(value)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// RoundMoney rounds to 2 decimal places, half away from zero. For the
// nonnegative stored totals in this domain that is round-half-up.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ApplyRate multiplies a base amount by a rate and rounds the result as a
// stored total.
func ApplyRate(base decimal.Decimal, rate decimal.Decimal) decimal.Decimal {
	return RoundMoney(base.Mul(rate))
}

// CentsToAmount converts a provider-supplied integer minor-unit amount
// (e.g. 12000) to a decimal major-unit amount (120.00).
func CentsToAmount(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Shift(-2)
}
