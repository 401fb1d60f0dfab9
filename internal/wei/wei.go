// Package wei converts between ether-denominated decimal strings and wei.
//
// All amounts are carried as *big.Int in wei (1 ether = 10^18 wei).
package wei

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits of one ether.
const Decimals = 18

// Ether returns n whole ether in wei.
func Ether(n int64) *big.Int {
	return decimal.NewFromInt(n).Shift(Decimals).BigInt()
}

// ParseEther converts a decimal ether string (e.g. "0.0006") to wei.
// Returns (nil, false) on malformed input, signs, exponents, or an amount
// finer than one wei.
func ParseEther(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.TrimLeft(s, "0123456789.") != "" {
		return nil, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, false
	}
	w := d.Shift(Decimals)
	if !w.IsInteger() || w.Sign() < 0 {
		return nil, false
	}
	return w.BigInt(), true
}

// ParseWei parses a non-negative base-10 integer amount of wei.
func ParseWei(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return nil, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, false
	}
	return d.BigInt(), true
}

// FormatEther renders wei as a decimal ether string with trailing
// fractional zeros removed ("600000000000000" -> "0.0006", 10^18 -> "1.0").
func FormatEther(amount *big.Int) string {
	if amount == nil {
		return "0.0"
	}
	s := decimal.NewFromBigInt(amount, -Decimals).String()
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
