// Package money provides fixed-precision decimal helpers for all monetary math.
// Every amount, price, and rate in the journal flows through shopspring/decimal;
// floats are only produced at presentation boundaries.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the canonical fractional precision for base-currency amounts.
const Scale = 18

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse parses a canonical decimal string. Scientific notation is rejected so
// that serialized amounts round-trip byte-identically.
func Parse(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount string")
	}
	if strings.ContainsAny(s, "eE") {
		return decimal.Zero, fmt.Errorf("scientific notation not allowed: %s", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// MustParse parses a decimal string and panics on failure. For constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Canonical renders an amount as a plain decimal string with trailing zeros
// preserved up to the given scale. No scientific notation, no thousands
// separators.
func Canonical(d decimal.Decimal, scale int32) string {
	return d.StringFixed(scale)
}

// RoundBank applies banker's rounding at the given scale.
func RoundBank(d decimal.Decimal, scale int32) decimal.Decimal {
	return d.RoundBank(scale)
}

// FromUnits converts an integer token amount in smallest units to a decimal
// using the token's declared decimals, e.g. FromUnits(1500000000000000000, 18) = 1.5.
func FromUnits(units decimal.Decimal, decimals int32) decimal.Decimal {
	return units.Shift(-decimals)
}

// ToUnits converts a decimal token amount to smallest units, truncating any
// precision beyond the token's decimals.
func ToUnits(amount decimal.Decimal, decimals int32) decimal.Decimal {
	return amount.Shift(decimals).Truncate(0)
}

// Sum adds a slice of amounts.
func Sum(ds ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, d := range ds {
		total = total.Add(d)
	}
	return total
}

// IsPositive reports whether d > 0.
func IsPositive(d decimal.Decimal) bool {
	return d.Sign() > 0
}

// WithinMinorUnit reports whether |a-b| is at most one minor unit (10^-2) of
// the base currency. The ledger's realized-PnL checks apply the same 0.01
// tolerance through their own constants rather than calling this helper.
func WithinMinorUnit(a, b decimal.Decimal) bool {
	minor := decimal.New(1, -2)
	return a.Sub(b).Abs().Cmp(minor) <= 0
}
