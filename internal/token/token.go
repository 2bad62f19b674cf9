// Package token provides shared staking-token parsing and formatting
// utilities.
//
// The staking token uses 18 decimal places. All on-chain amounts are
// big.Int in the smallest unit; off-chain arithmetic (allocations,
// tolerances) uses decimal.Decimal in whole-token units.
package token

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const Decimals = 18

var unitFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 18 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
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

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 18 decimal places.
func Format(amount *big.Int) string {
	if amount == nil {
		return "0." + strings.Repeat("0", Decimals)
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// ToUnits converts a whole-token decimal amount to its smallest-unit
// representation, truncating anything beyond 18 decimal places.
func ToUnits(d decimal.Decimal) *big.Int {
	shifted := d.Shift(Decimals).Truncate(0)
	return shifted.BigInt()
}

// FromUnits converts a smallest-unit amount back to a whole-token decimal.
func FromUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -Decimals)
}
