// ABOUTME: Conversion between int64 base units and 8-decimal coin amounts
// ABOUTME: Every user-facing or RPC-facing amount crosses through this package

// Package amount converts between the ledger's integer base units and the
// 8-decimal coin notation used by users and the node RPC. One coin is 1e8
// base units. Amounts are decimal end to end; float64 is never used.
package amount

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// Decimals is the number of decimal places the coin supports.
const Decimals = 8

// UnitsPerCoin is the number of base units in one whole coin.
const UnitsPerCoin int64 = 100_000_000

var (
	ErrMalformed  = errors.New("malformed amount")
	ErrNegative   = errors.New("negative amount")
	ErrPrecision  = errors.New("amount has more than 8 decimal places")
	ErrOutOfRange = errors.New("amount out of range")
)

var maxUnits = decimal.NewFromInt(math.MaxInt64)

// Parse converts a decimal coin string ("1.5", "0.00000001") to base units.
// Zero is accepted; callers that need a positive amount check separately.
func Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrMalformed
	}
	return FromCoin(d)
}

// FromCoin converts a decimal coin value to base units.
func FromCoin(d decimal.Decimal) (int64, error) {
	if d.IsNegative() {
		return 0, ErrNegative
	}
	units := d.Shift(Decimals)
	if !units.IsInteger() {
		return 0, ErrPrecision
	}
	if units.Cmp(maxUnits) > 0 {
		return 0, ErrOutOfRange
	}
	return units.IntPart(), nil
}

// ToCoin converts base units to a decimal coin value.
func ToCoin(units int64) decimal.Decimal {
	return decimal.New(units, -Decimals)
}

// Format renders base units as a coin string with trailing zeros stripped,
// matching how balances are shown to users ("1.5", not "1.50000000").
func Format(units int64) string {
	return ToCoin(units).String()
}
