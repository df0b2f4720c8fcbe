// Package units converts between human-readable ether amounts and wei.
//
// All amounts are held as uint256 in the smallest unit (1 ether = 10^18 wei),
// which covers the full native value range of an EVM chain. Arithmetic that
// would leave that range is reported, never wrapped.
package units

import (
	"errors"
	"strings"

	"github.com/holiman/uint256"
)

const (
	// EtherDecimals is the decimal precision of the native currency.
	EtherDecimals = 18
	// GweiDecimals is the decimal precision of a gwei amount.
	GweiDecimals = 9
)

var (
	ErrInvalidAmount = errors.New("units: invalid amount")
	ErrOverflow      = errors.New("units: amount exceeds uint256")
)

// Wei, Gwei and Ether are handy constants for tests and defaults.
var (
	Wei   = uint256.NewInt(1)
	Gwei  = uint256.NewInt(1_000_000_000)
	Ether = uint256.NewInt(1_000_000_000_000_000_000)
)

// Parse converts a decimal string (e.g. "1.5") with the given number of
// decimals into its smallest-unit representation.
//
// Rules:
//   - Negative amounts and signs are rejected
//   - Multiple decimal points are rejected
//   - Fractional digits beyond decimals are truncated
func Parse(s string, decimals int) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidAmount
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return nil, ErrInvalidAmount
	}
	if !allDigits(whole) || !allDigits(frac) {
		return nil, ErrInvalidAmount
	}

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	combined := strings.TrimLeft(whole+frac, "0")
	if combined == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(combined)
	if err != nil {
		return nil, ErrOverflow
	}
	return v, nil
}

// ParseEther parses an ether amount such as "0.25".
func ParseEther(s string) (*uint256.Int, error) {
	return Parse(s, EtherDecimals)
}

// ParseWei parses a plain base-10 wei amount.
func ParseWei(s string) (*uint256.Int, error) {
	return Parse(s, 0)
}

// Format renders a smallest-unit amount with the given number of decimals,
// trimming trailing fractional zeros ("1.5", "2", "0.000000001").
func Format(amount *uint256.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	s := amount.Dec()
	if decimals == 0 {
		return s
	}
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	whole, frac := s[:point], strings.TrimRight(s[point:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// FormatEther renders wei as ether.
func FormatEther(amount *uint256.Int) string {
	return Format(amount, EtherDecimals)
}

// FormatGwei renders wei as gwei.
func FormatGwei(amount *uint256.Int) string {
	return Format(amount, GweiDecimals)
}

// Mul returns x*y, reporting ErrOverflow instead of wrapping.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Add returns x+y, reporting ErrOverflow instead of wrapping.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// SaturatingAdd returns x+y, or the maximum uint256 value if the sum overflows.
func SaturatingAdd(x, y *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return z
}

// Sub returns x-y floored at zero.
func Sub(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
