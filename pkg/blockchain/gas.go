package blockchain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// NativeTransferGas is the gas used by a plain value transfer
	NativeTransferGas uint64 = 21000
)

// ApplyMultiplier scales a gas price, e.g. 1.2 for a 20% premium. The result is rounded down.
func ApplyMultiplier(gasPrice *big.Int, multiplier float64) *big.Int {
	if gasPrice == nil {
		return nil
	}
	return decimal.NewFromBigInt(gasPrice, 0).
		Mul(decimal.NewFromFloat(multiplier)).
		Floor().
		BigInt()
}

// FeeForBalance is the per-gas fee that spends the whole balance on gasLimit units
func FeeForBalance(balance *big.Int, gasLimit uint64) *big.Int {
	if balance == nil || gasLimit == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Div(balance, new(big.Int).SetUint64(gasLimit))
}

// GasCost returns feePerGas * gasLimit
func GasCost(feePerGas *big.Int, gasLimit uint64) *big.Int {
	if feePerGas == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(feePerGas, new(big.Int).SetUint64(gasLimit))
}
