package mocks

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/speedrun-hq/sentinel/pkg/blockchain"
	"github.com/speedrun-hq/sentinel/pkg/contracts"
)

// ErrMock is the default error injected by the failure counters
var ErrMock = errors.New("mock rpc failure")

// Client is an in-memory chain used in tests.
// Sent transactions are applied to balances immediately when AutoMine is set.
type Client struct {
	mu sync.Mutex

	ChainIDValue  *big.Int
	Balances      map[common.Address]*big.Int
	TokenBalances map[common.Address]map[common.Address]*big.Int
	Nonces        map[common.Address]uint64
	GasPrice      *big.Int
	GasEstimate   uint64
	EstimateErr   error
	GasPriceErr   error

	// FailBalance makes the next N BalanceAt calls fail
	FailBalance int
	// FailToken makes the next N CallContract calls fail
	FailToken int
	// FailReceipt makes the next N TransactionReceipt calls fail
	FailReceipt int
	// SendErrs is consumed one entry per SendTransaction, nil entries succeed
	SendErrs []error
	// OnSend runs after a transaction is accepted
	OnSend func(tx *types.Transaction)

	// AutoMine applies accepted transactions and stores a receipt right away
	AutoMine bool
	// MineStatus is the receipt status used by AutoMine
	MineStatus uint64

	Receipts map[common.Hash]*types.Receipt
	Sent     []*types.Transaction

	BalanceCalls int
	TokenCalls   int
	ReceiptCalls int
	// SendCalls counts every SendTransaction call, rejected ones included
	SendCalls int
}

var _ blockchain.Client = (*Client)(nil)

// NewClient creates an empty chain with chain id 1337 and a 1 gwei gas price
func NewClient() *Client {
	return &Client{
		ChainIDValue:  big.NewInt(1337),
		Balances:      make(map[common.Address]*big.Int),
		TokenBalances: make(map[common.Address]map[common.Address]*big.Int),
		Nonces:        make(map[common.Address]uint64),
		GasPrice:      big.NewInt(1_000_000_000),
		GasEstimate:   50000,
		AutoMine:      true,
		MineStatus:    types.ReceiptStatusSuccessful,
		Receipts:      make(map[common.Hash]*types.Receipt),
	}
}

// SetBalance sets the native balance of an account
func (c *Client) SetBalance(account common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Balances[account] = new(big.Int).Set(wei)
}

// SetTokenBalance sets an ERC20 balance
func (c *Client) SetTokenBalance(token, owner common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.TokenBalances[token] == nil {
		c.TokenBalances[token] = make(map[common.Address]*big.Int)
	}
	c.TokenBalances[token][owner] = new(big.Int).Set(amount)
}

// Balance returns the native balance without counting a call
func (c *Client) Balance(account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance(account)
}

// TokenBalance returns an ERC20 balance without counting a call
func (c *Client) TokenBalance(token, owner common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenBalance(token, owner)
}

// SentCount returns how many transactions were accepted
func (c *Client) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Sent)
}

// SendAttempts returns how many SendTransaction calls were made
func (c *Client) SendAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SendCalls
}

// SetReceipt stores a receipt for hash
func (c *Client) SetReceipt(hash common.Hash, status uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Receipts[hash] = &types.Receipt{TxHash: hash, Status: status, GasUsed: 21000, BlockNumber: big.NewInt(1)}
}

func (c *Client) balance(account common.Address) *big.Int {
	if b, ok := c.Balances[account]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

func (c *Client) tokenBalance(token, owner common.Address) *big.Int {
	if holders, ok := c.TokenBalances[token]; ok {
		if b, ok := holders[owner]; ok {
			return new(big.Int).Set(b)
		}
	}
	return big.NewInt(0)
}

func (c *Client) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BalanceCalls++
	if c.FailBalance > 0 {
		c.FailBalance--
		return nil, ErrMock
	}
	return c.balance(account), nil
}

func (c *Client) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TokenCalls++
	if c.FailToken > 0 {
		c.FailToken--
		return nil, ErrMock
	}
	if call.To == nil {
		return nil, errors.New("missing contract address")
	}
	owner, ok := contracts.IsBalanceOf(call.Data)
	if !ok {
		return nil, errors.New("unsupported call")
	}
	out := common.LeftPadBytes(c.tokenBalance(*call.To, owner).Bytes(), 32)
	return out, nil
}

func (c *Client) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Nonces[account], nil
}

func (c *Client) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.GasPriceErr != nil {
		return nil, c.GasPriceErr
	}
	return new(big.Int).Set(c.GasPrice), nil
}

func (c *Client) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.EstimateErr != nil {
		return 0, c.EstimateErr
	}
	return c.GasEstimate, nil
}

func (c *Client) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	c.SendCalls++
	if len(c.SendErrs) > 0 {
		err := c.SendErrs[0]
		c.SendErrs = c.SendErrs[1:]
		if err != nil {
			c.mu.Unlock()
			return err
		}
	}

	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.Sent = append(c.Sent, tx)
	c.Nonces[from] = tx.Nonce() + 1

	if c.AutoMine {
		c.apply(from, tx)
	}
	hook := c.OnSend
	c.mu.Unlock()

	if hook != nil {
		hook(tx)
	}
	return nil
}

// apply moves balances for a mined transaction; the sender pays fee cap * gas
func (c *Client) apply(from common.Address, tx *types.Transaction) {
	fee := new(big.Int).Mul(tx.GasFeeCap(), new(big.Int).SetUint64(tx.Gas()))
	balance := c.balance(from)
	if fee.Cmp(balance) > 0 {
		fee = balance
	}
	balance.Sub(balance, fee)

	status := c.MineStatus
	if status == types.ReceiptStatusSuccessful {
		if len(tx.Data()) == 0 {
			if tx.Value().Cmp(balance) <= 0 {
				balance.Sub(balance, tx.Value())
				to := *tx.To()
				c.Balances[to] = new(big.Int).Add(c.balance(to), tx.Value())
			} else {
				status = types.ReceiptStatusFailed
			}
		} else if to, amount, err := contracts.UnpackTransfer(tx.Data()); err == nil {
			token := *tx.To()
			held := c.tokenBalance(token, from)
			if held.Cmp(amount) >= 0 {
				if c.TokenBalances[token] == nil {
					c.TokenBalances[token] = make(map[common.Address]*big.Int)
				}
				c.TokenBalances[token][from] = held.Sub(held, amount)
				c.TokenBalances[token][to] = new(big.Int).Add(c.tokenBalance(token, to), amount)
			} else {
				status = types.ReceiptStatusFailed
			}
		}
	}
	c.Balances[from] = balance
	c.Receipts[tx.Hash()] = &types.Receipt{
		TxHash:      tx.Hash(),
		Status:      status,
		GasUsed:     tx.Gas(),
		BlockNumber: big.NewInt(int64(len(c.Sent))),
	}
}

func (c *Client) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ReceiptCalls++
	if c.FailReceipt > 0 {
		c.FailReceipt--
		return nil, ErrMock
	}
	receipt, ok := c.Receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *Client) ChainID(_ context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.ChainIDValue), nil
}
