// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseDecimal parses a decimal string into native chain units as a big.Int.
// For example, ParseDecimal("1.5", 18) returns 1500000000000000000 (wei)
// and ParseDecimal("100", 7) returns 1000000000 (stroops).
// Amounts are never represented as floats anywhere in the system.
func ParseDecimal(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}
	if s[0] == '-' {
		return nil, fmt.Errorf("negative amount: %s", s)
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole = s[:i]
		frac = s[i+1:]
		if strings.IndexByte(frac, '.') >= 0 {
			return nil, fmt.Errorf("invalid amount: %s", s)
		}
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}
	if whole == "" {
		whole = "0"
	}

	for _, c := range whole {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}
	for _, c := range frac {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("amount %s exceeds %d decimal places", s, decimals)
	}
	for len(frac) < int(decimals) {
		frac += "0"
	}

	combined := whole + frac
	amount, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}
	return amount, nil
}

// FormatDecimal formats native chain units back into a decimal string.
// FormatDecimal(1500000000000000000, 18) returns "1.5".
func FormatDecimal(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	if decimals == 0 {
		return amount.String()
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int).Quo(amount, divisor)
	frac := new(big.Int).Mod(amount, divisor)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := fmt.Sprintf("%0*s", int(decimals), frac.String())
	fracStr = strings.TrimRight(fracStr, "0")
	return whole.String() + "." + fracStr
}

// IsPositiveDecimal reports whether s is a parseable decimal strictly
// greater than zero. Used for request validation before any conversion.
func IsPositiveDecimal(s string) bool {
	// Parse at max precision so "0.0000001" counts as positive.
	v, err := ParseDecimal(s, 18)
	if err != nil {
		return false
	}
	return v.Sign() > 0
}
