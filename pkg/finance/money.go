// Package finance computes the month-close outputs: the monthly statement
// with its held-exposure rollforward, per-party statements and payout
// instructions, the balanced GL batch, the journal CSV, and the
// deterministic finance pack archive. Everything here is a pure function
// of settlement lines and hold records; the month-close worker owns
// persistence and stream appends.
package finance

import (
	"fmt"

	"golang.org/x/text/currency"
)

// Money is a monetary value in minor units of one currency. Integer math
// only; amounts never pass through floats.
type Money struct {
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency"`
}

// NewMoney builds a Money value.
func NewMoney(amountMinor int64, currency string) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

// ValidCurrency reports whether code is a recognized ISO 4217 currency in
// its uppercase wire form. Settlement amounts are quoted in minor units, so
// the scale never varies by currency here.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	_, err := currency.ParseISO(code)
	return err == nil
}

// Add returns m + other. Currency mismatch is an error.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency}, nil
}

// Sub returns m - other. Currency mismatch is an error.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency}, nil
}

// Neg returns the negated amount.
func (m Money) Neg() Money {
	return Money{AmountMinor: -m.AmountMinor, Currency: m.Currency}
}

func (m Money) IsZero() bool     { return m.AmountMinor == 0 }
func (m Money) IsPositive() bool { return m.AmountMinor > 0 }
func (m Money) IsNegative() bool { return m.AmountMinor < 0 }

// String renders with two decimal places, the scale of every supported
// settlement currency.
func (m Money) String() string {
	minor := m.AmountMinor
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, m.Currency)
}
