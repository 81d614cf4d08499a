// Package usdc converts between decimal USDC strings and smallest-unit
// integer amounts. USDC carries 6 decimal places, so 1 USDC = 1,000,000
// units and all stored amounts are int64 units.
package usdc

import (
	"fmt"
	"math/big"
	"strings"
)

const Decimals = 6

// unitsPerUSDC = 10^Decimals
const unitsPerUSDC = 1_000_000

// Parse converts a decimal string like "10.50" to units (10500000).
// The empty string parses to zero; negative values, malformed decimals,
// and amounts that overflow int64 report false.
func Parse(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if hasFrac && strings.Contains(frac, ".") {
		return 0, false
	}

	// Right-pad the fraction to exactly 6 digits; extra precision is
	// truncated rather than rounded.
	if len(frac) < Decimals {
		frac += strings.Repeat("0", Decimals-len(frac))
	}
	frac = frac[:Decimals]

	units, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || !units.IsInt64() {
		return 0, false
	}
	return units.Int64(), true
}

// Format renders units as a decimal string with all 6 places, e.g.
// 1500000 -> "1.500000".
func Format(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%06d", sign, amount/unitsPerUSDC, amount%unitsPerUSDC)
}
