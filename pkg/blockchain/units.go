package blockchain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the decimals count of every EVM native coin
const NativeDecimals = 18

// FormatUnits renders a raw integer amount as a decimal string
func FormatUnits(raw *big.Int, decimals int32) string {
	if raw == nil {
		return "0"
	}
	return decimal.NewFromBigInt(raw, -decimals).String()
}

// FormatEther renders wei as native units
func FormatEther(wei *big.Int) string {
	return FormatUnits(wei, NativeDecimals)
}

// FormatGwei renders wei as gwei
func FormatGwei(wei *big.Int) string {
	return FormatUnits(wei, 9)
}

// ParseUnits converts a decimal string into its raw integer amount.
// Amounts with more fractional digits than decimals are rejected instead of being rounded.
func ParseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: must not be negative", amount)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimals", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// ParseEther converts native units into wei
func ParseEther(amount string) (*big.Int, error) {
	return ParseUnits(amount, NativeDecimals)
}
