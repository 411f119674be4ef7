// Package money provides shared amount parsing and formatting utilities.
//
// Amounts are rands with 2 decimal places, stored as big.Int in the
// smallest unit (1 rand = 100 cents). Services pass amounts around as
// decimal strings and drop to big.Int only for arithmetic, matching the
// NUMERIC(20,2) columns in Postgres.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "1.50" or "-3.25") to its
// smallest-unit big.Int representation. Returns (nil, false) on invalid
// input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, false
	}
	if neg {
		result.Neg(result)
	}
	return result, true
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly 2 decimal places (e.g. "1.50").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Add returns a + b as a decimal string. Invalid operands are treated as 0.
func Add(a, b string) string {
	x, _ := Parse(a)
	y, _ := Parse(b)
	if x == nil {
		x = big.NewInt(0)
	}
	if y == nil {
		y = big.NewInt(0)
	}
	return Format(new(big.Int).Add(x, y))
}

// Sub returns a - b as a decimal string. Invalid operands are treated as 0.
func Sub(a, b string) string {
	x, _ := Parse(a)
	y, _ := Parse(b)
	if x == nil {
		x = big.NewInt(0)
	}
	if y == nil {
		y = big.NewInt(0)
	}
	return Format(new(big.Int).Sub(x, y))
}

// Cmp compares two decimal strings: -1 if a < b, 0 if equal, 1 if a > b.
// Invalid operands are treated as 0.
func Cmp(a, b string) int {
	x, _ := Parse(a)
	y, _ := Parse(b)
	if x == nil {
		x = big.NewInt(0)
	}
	if y == nil {
		y = big.NewInt(0)
	}
	return x.Cmp(y)
}
