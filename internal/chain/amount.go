package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// TokenDecimals is the number of decimals of the marketplace token.
const TokenDecimals int32 = 18

// ErrInvalidAmount is wrapped by ParseAmount failures.
var ErrInvalidAmount = errors.New("invalid amount")

// ParseAmount converts a decimal token amount ("12.5") into base units.
// Amounts with more precision than the token supports are rejected.
func ParseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidAmount, s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w %q: negative", ErrInvalidAmount, s)
	}
	scaled := d.Shift(TokenDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w %q: more than %d decimals", ErrInvalidAmount, s, TokenDecimals)
	}
	return scaled.BigInt(), nil
}

// FormatAmount renders base units as a decimal token amount without trailing zeros.
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -TokenDecimals).String()
}
