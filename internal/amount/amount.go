// Package amount provides parsing and formatting for settlement amounts.
//
// The settlement token uses 6 decimal places. All arithmetic happens on
// big.Int values in the smallest unit (1 token = 1,000,000 units); decimal
// strings appear only at API boundaries.
package amount

import (
	"math/big"
	"strings"
)

const Decimals = 6

// Parse converts a decimal string (e.g. "25.00") to its smallest-unit
// big.Int representation (25000000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts longer than 6 decimal places are rejected; the
//     caller stated precision the token cannot represent, and silently
//     rounding it would settle a different amount than requested
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
	if len(frac) > Decimals {
		return nil, false
	}

	// Pad to 6 decimals
	for len(frac) < Decimals {
		frac += "0"
	}

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// MustParse is Parse for trusted inputs (defaults, test fixtures).
// Panics on invalid input.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("amount: invalid amount " + s)
	}
	return v
}

// Format converts a smallest-unit big.Int to a decimal string with exactly
// 6 decimal places (e.g. "25.000000").
func Format(v *big.Int) string {
	if v == nil {
		return "0.000000"
	}
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
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
