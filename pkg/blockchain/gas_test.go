package blockchain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyMultiplier(t *testing.T) {
	assert.Nil(t, ApplyMultiplier(nil, 1.2))
	assert.Equal(t, "3600000000", ApplyMultiplier(big.NewInt(3_000_000_000), 1.2).String())
	assert.Equal(t, "1200000000", ApplyMultiplier(big.NewInt(1_000_000_000), 1.2).String())
	assert.Equal(t, "100", ApplyMultiplier(big.NewInt(100), 1).String())
	assert.Equal(t, "12", ApplyMultiplier(big.NewInt(11), 1.15).String())
}

func TestFeeForBalance(t *testing.T) {
	tests := []struct {
		name     string
		balance  *big.Int
		gas      uint64
		expected string
	}{
		{"nil balance", nil, 21000, "0"},
		{"zero gas", big.NewInt(1000), 0, "0"},
		{"exact", big.NewInt(65000 * 7), 65000, "7"},
		{"rounds down", big.NewInt(65000*7 + 64999), 65000, "7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FeeForBalance(tt.balance, tt.gas).String())
		})
	}
}

func TestFeeForBalanceNeverExceedsBalance(t *testing.T) {
	balance := big.NewInt(123_456_789_012)
	fee := FeeForBalance(balance, 65000)
	assert.True(t, GasCost(fee, 65000).Cmp(balance) <= 0)
}

func TestGasCost(t *testing.T) {
	assert.Equal(t, "0", GasCost(nil, 21000).String())
	assert.Equal(t, "21000000000000", GasCost(big.NewInt(1_000_000_000), NativeTransferGas).String())
}
