package blockchain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
)

// Error types reported by ClassifyError
const (
	ErrorTypeGas      = "gas_error"
	ErrorTypeNetwork  = "network_error"
	ErrorTypeNonce    = "nonce_error"
	ErrorTypeContract = "contract_error"
	ErrorTypeUnknown  = "unknown_error"
)

// Messages stored for transactions mined with a failed status
const (
	MsgFailedOnChain = "transaction failed on chain"
	MsgOutOfGas      = "out of gas: transaction failed on chain"
)

// ErrInsufficientGas is returned without submitting when a wallet cannot pay any fee
var ErrInsufficientGas = errors.New("insufficient funds for gas")

// ClassifyError maps an RPC or submission error to an error type by its message
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrInsufficientGas) {
		return ErrorTypeGas
	}
	errStr := strings.ToLower(err.Error())

	// Nonce-related errors, checked first since replacement errors also mention price
	if strings.Contains(errStr, "nonce too low") ||
		strings.Contains(errStr, "nonce too high") ||
		strings.Contains(errStr, "replacement transaction underpriced") {
		return ErrorTypeNonce
	}

	// Gas and balance shortfalls
	if strings.Contains(errStr, "insufficient funds") ||
		strings.Contains(errStr, "out of gas") ||
		strings.Contains(errStr, "exceeds balance") ||
		strings.Contains(errStr, "gas required exceeds allowance") ||
		strings.Contains(errStr, "gas price too low") ||
		strings.Contains(errStr, "intrinsic gas too low") ||
		strings.Contains(errStr, "less than block base fee") ||
		strings.Contains(errStr, "transaction underpriced") {
		return ErrorTypeGas
	}

	// Network/RPC errors
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "no response") ||
		strings.Contains(errStr, "eof") {
		return ErrorTypeNetwork
	}

	// Contract errors
	if strings.Contains(errStr, "execution reverted") ||
		strings.Contains(errStr, "transaction failed") {
		return ErrorTypeContract
	}

	return ErrorTypeUnknown
}

// IsGasError reports whether err is a fee or balance shortfall
func IsGasError(err error) bool {
	return ClassifyError(err) == ErrorTypeGas
}

// FailureMessage describes a failed receipt. A receipt that used its whole gas limit ran out of gas.
func FailureMessage(receipt *types.Receipt, gasLimit uint64) string {
	if receipt != nil && gasLimit > 0 && receipt.GasUsed >= gasLimit {
		return MsgOutOfGas
	}
	return MsgFailedOnChain
}
