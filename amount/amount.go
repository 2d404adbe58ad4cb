// Package amount converts fiat amounts into chain-native fixed-point
// integers and splits 256-bit integers into 128-bit limbs.
package amount

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the fixed-point precision of the payment asset
const Decimals = 18

// DefaultFeeBps is the service fee in basis points (5%)
const DefaultFeeBps int64 = 500

const bpsDenominator = 10000

var (
	ErrNegativeAmount = errors.New("amount: negative amount")
	ErrInvalidRate    = errors.New("amount: rate must be positive")
	ErrOutOfRange     = errors.New("amount: value out of range")
)

var (
	two128    = new(big.Int).Lsh(big.NewInt(1), 128)
	two256    = new(big.Int).Lsh(big.NewInt(1), 256)
	limbMask  = new(big.Int).Sub(two128, big.NewInt(1))
	bpsFactor = decimal.NewFromInt(bpsDenominator)
)

// ToChainAmount converts fiat into the chain integer at the given rate
// (fiat per unit) plus feeBps, truncated at 18 decimals:
// floor(fiat / rate * (1 + feeBps/10000) * 10^18)
func ToChainAmount(fiat, rate decimal.Decimal, feeBps int64) (*big.Int, error) {
	if rate.Sign() <= 0 {
		return nil, ErrInvalidRate
	}
	if fiat.Sign() < 0 || feeBps < 0 {
		return nil, ErrNegativeAmount
	}

	numerator := fiat.Mul(decimal.NewFromInt(bpsDenominator + feeBps)).Shift(Decimals)
	denominator := rate.Mul(bpsFactor)
	quotient, _ := numerator.QuoRem(denominator, 0)

	out := quotient.BigInt()
	if out.Cmp(two256) >= 0 {
		return nil, ErrOutOfRange
	}
	return out, nil
}

// ToUnits converts a chain integer back to whole units
func ToUnits(value *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(value, -Decimals)
}

// FormatAmount renders a chain integer as a decimal string in whole units
func FormatAmount(value *big.Int) string {
	return ToUnits(value).String()
}

// ParseAmount parses a base-10 chain integer
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("amount: invalid integer %q", s)
	}
	if v.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	if v.Cmp(two256) >= 0 {
		return nil, ErrOutOfRange
	}
	return v, nil
}

// Split decomposes value in [0, 2^256) into low and high 128-bit limbs
func Split(value *big.Int) (low, high *big.Int, err error) {
	if value == nil || value.Sign() < 0 || value.Cmp(two256) >= 0 {
		return nil, nil, ErrOutOfRange
	}
	low = new(big.Int).And(value, limbMask)
	high = new(big.Int).Rsh(value, 128)
	return low, high, nil
}

// Join reconstructs high<<128 | low. Each limb must be in [0, 2^128).
func Join(low, high *big.Int) (*big.Int, error) {
	if low == nil || high == nil {
		return nil, ErrOutOfRange
	}
	if low.Sign() < 0 || high.Sign() < 0 || low.Cmp(two128) >= 0 || high.Cmp(two128) >= 0 {
		return nil, ErrOutOfRange
	}
	out := new(big.Int).Lsh(high, 128)
	return out.Or(out, low), nil
}
