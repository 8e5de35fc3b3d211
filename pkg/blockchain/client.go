package blockchain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client is the subset of the JSON-RPC surface the sentinel needs.
// *ethclient.Client and the simulated backend client both satisfy it.
type Client interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// ReceiptReader fetches receipts
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// NonceReader fetches the pending nonce of an account
type NonceReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// ClientSource hands out a client for the next call.
// The endpoint pool implements it; tests can pass a fixed client.
type ClientSource interface {
	Client(ctx context.Context) (Client, error)
}

// StaticSource always returns the same client
type StaticSource struct {
	C Client
}

// Client implements ClientSource
func (s StaticSource) Client(_ context.Context) (Client, error) {
	return s.C, nil
}
