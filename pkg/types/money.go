package types

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in the currency's minor units.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// NewMoney normalizes the currency code.
func NewMoney(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(strings.TrimSpace(currency))}
}

// Major renders the amount in major units using the currency exponent.
func (m Money) Major(exponent int32) string {
	return decimal.New(m.Amount, -exponent).StringFixed(exponent)
}

// FromMajor converts a major-unit string such as "12.34" into minor units.
// Fractions finer than the exponent are rejected.
func FromMajor(value string, exponent int32) (int64, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, false
	}
	scaled := d.Shift(exponent)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, false
	}
	return scaled.IntPart(), true
}
