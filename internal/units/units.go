// Package units converts between human-readable decimal amounts and integer base units.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceDecimals is the fixed-point precision of venue mark prices.
const PriceDecimals = 18

var ErrNegativeAmount = errors.New("amount must not be negative")

// ToBase truncates amount to an integer count of base units.
func ToBase(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).BigInt()
}

// ParseBase parses a decimal string such as "12.5" into base units.
func ParseBase(raw string, decimals uint8) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q: %w", raw, ErrNegativeAmount)
	}
	return ToBase(d, decimals), nil
}

func FromBase(amount *big.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

func Format(amount *big.Int, decimals uint8) string {
	return FromBase(amount, decimals).String()
}

func Float(amount *big.Int, decimals uint8) float64 {
	return FromBase(amount, decimals).InexactFloat64()
}

// ScalePrice converts a decimal price into the 1e18 fixed-point form used by the venue.
func ScalePrice(price decimal.Decimal) *big.Int {
	return ToBase(price, PriceDecimals)
}

// ParsePrice parses a decimal price string into 1e18 fixed point.
func ParsePrice(raw string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", raw, err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("price %q must be positive", raw)
	}
	return ScalePrice(d), nil
}

// WeiToWant converts a native-token cost in wei into want base units, rounding up.
func WeiToWant(wei *big.Int, nativePriceInWant decimal.Decimal, wantDecimals uint8) *big.Int {
	if wei == nil || wei.Sign() <= 0 || !nativePriceInWant.IsPositive() {
		return new(big.Int)
	}
	cost := decimal.NewFromBigInt(wei, -PriceDecimals).Mul(nativePriceInWant)
	return cost.Shift(int32(wantDecimals)).Ceil().BigInt()
}
