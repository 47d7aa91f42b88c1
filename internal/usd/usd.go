// Package usd formats decimal amounts as US dollars for display.
// Formatting only: arithmetic stays in shopspring/decimal.
package usd

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Format renders an amount like "$1,234.56", rounding half away from zero
// to cents.
func Format(amount decimal.Decimal) string {
	cur := money.GetCurrency(money.USD)
	cents := amount.Round(int32(cur.Fraction)).Shift(int32(cur.Fraction)).IntPart()
	return money.New(cents, money.USD).Display()
}

// FormatPtr is Format for optional amounts; nil renders as "n/a".
func FormatPtr(amount *decimal.Decimal) string {
	if amount == nil {
		return "n/a"
	}
	return Format(*amount)
}
