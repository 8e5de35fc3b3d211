package blockchain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/logger"
)

// TransactionStatus represents the status of a tracked transaction
type TransactionStatus int

const (
	// TxPending indicates transaction is pending
	TxPending TransactionStatus = iota
	// TxConfirmed indicates transaction is confirmed
	TxConfirmed
	// TxFailed indicates transaction has failed
	TxFailed
)

// trackedTx tracks a submitted transaction by nonce
type trackedTx struct {
	Hash      common.Hash
	Nonce     uint64
	CreatedAt time.Time
	Status    TransactionStatus
}

// NonceManager allocates nonces per sending wallet.
// Submissions that time out stay pending, so the next submission from the same
// wallet must not reuse their nonce even when the node has not seen them yet.
type NonceManager struct {
	wallets map[common.Address]*walletNonceData
	mu      sync.RWMutex
	// how long a locally allocated nonce is trusted before re-reading the chain
	syncInterval time.Duration
	now          func() time.Time
	logger       logger.Logger
}

type walletNonceData struct {
	currentNonce uint64
	pendingTxs   map[uint64]*trackedTx
	lastSync     time.Time
	mu           sync.Mutex
}

// NewNonceManager creates a new nonce manager
func NewNonceManager(log logger.Logger) *NonceManager {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &NonceManager{
		wallets:      make(map[common.Address]*walletNonceData),
		syncInterval: time.Minute,
		now:          time.Now,
		logger:       log,
	}
}

// SetSyncInterval sets how long allocated nonces are trusted without a chain read
func (nm *NonceManager) SetSyncInterval(d time.Duration) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.syncInterval = d
}

func (nm *NonceManager) wallet(address common.Address) *walletNonceData {
	nm.mu.RLock()
	data, exists := nm.wallets[address]
	nm.mu.RUnlock()
	if exists {
		return data
	}

	nm.mu.Lock()
	defer nm.mu.Unlock()
	if data, exists = nm.wallets[address]; exists {
		return data
	}
	data = &walletNonceData{pendingTxs: make(map[uint64]*trackedTx)}
	nm.wallets[address] = data
	return data
}

// GetNonce reserves and returns the next nonce for address
func (nm *NonceManager) GetNonce(ctx context.Context, client NonceReader, address common.Address) (uint64, error) {
	data := nm.wallet(address)

	nm.mu.RLock()
	syncInterval := nm.syncInterval
	nm.mu.RUnlock()

	data.mu.Lock()
	defer data.mu.Unlock()

	now := nm.now()
	if data.lastSync.IsZero() || now.Sub(data.lastSync) > syncInterval || len(data.pendingTxs) == 0 {
		nonce, err := client.PendingNonceAt(ctx, address)
		if err != nil {
			return 0, fmt.Errorf("failed to get pending nonce: %v", err)
		}
		nm.resync(address, data, nonce, now, syncInterval)
		data.lastSync = now
	}

	nonce := data.currentNonce
	data.currentNonce++
	return nonce, nil
}

// resync reconciles local state with the chain pending nonce. Tracked transactions below it
// were included. When the transaction at the chain nonce is unknown or older than maxAge the
// node has dropped it, so everything still tracked is stale and the chain nonce is adopted,
// even when lower than the local one.
func (nm *NonceManager) resync(address common.Address, data *walletNonceData, chainNonce uint64, now time.Time, maxAge time.Duration) {
	for n := range data.pendingTxs {
		if n < chainNonce {
			delete(data.pendingTxs, n)
		}
	}

	next, inFlight := data.pendingTxs[chainNonce]
	if inFlight && now.Sub(next.CreatedAt) <= maxAge {
		if chainNonce > data.currentNonce {
			data.currentNonce = chainNonce
		}
		return
	}

	if len(data.pendingTxs) > 0 {
		nm.logger.NoticeWithWallet(address.Hex(), "Dropping %d stale pending transactions, nonce gap at %d", len(data.pendingTxs), chainNonce)
		clear(data.pendingTxs)
	}
	if chainNonce != data.currentNonce {
		nm.logger.DebugWithWallet(address.Hex(), "Nonce updated from chain: %d -> %d", data.currentNonce, chainNonce)
	}
	data.currentNonce = chainNonce
}

// TrackTransaction records a submitted transaction
func (nm *NonceManager) TrackTransaction(address common.Address, txHash common.Hash, nonce uint64) {
	data := nm.wallet(address)
	data.mu.Lock()
	defer data.mu.Unlock()

	data.pendingTxs[nonce] = &trackedTx{
		Hash:      txHash,
		Nonce:     nonce,
		CreatedAt: nm.now(),
		Status:    TxPending,
	}
	nm.logger.DebugWithWallet(address.Hex(), "Tracking transaction with nonce %d: %s", nonce, txHash.Hex())
}

// MarkTransactionConfirmed removes a mined transaction from the pending set
func (nm *NonceManager) MarkTransactionConfirmed(address common.Address, nonce uint64) bool {
	data := nm.wallet(address)
	data.mu.Lock()
	defer data.mu.Unlock()

	tx, exists := data.pendingTxs[nonce]
	if !exists {
		return false
	}
	tx.Status = TxConfirmed
	delete(data.pendingTxs, nonce)
	return true
}

// ReleaseNonce gives back a nonce whose transaction never reached the network.
// The nonce is only reused when it is the most recently allocated one.
func (nm *NonceManager) ReleaseNonce(address common.Address, nonce uint64) bool {
	data := nm.wallet(address)
	data.mu.Lock()
	defer data.mu.Unlock()

	delete(data.pendingTxs, nonce)
	if data.currentNonce == nonce+1 {
		data.currentNonce = nonce
		return true
	}
	return false
}

// MarkTransactionFailed drops a transaction that was mined with a failed status.
// A mined transaction consumed its nonce, so allocation is left untouched.
func (nm *NonceManager) MarkTransactionFailed(address common.Address, nonce uint64) {
	data := nm.wallet(address)
	data.mu.Lock()
	defer data.mu.Unlock()

	if tx, exists := data.pendingTxs[nonce]; exists {
		tx.Status = TxFailed
		delete(data.pendingTxs, nonce)
	}
}

// PendingCount returns the number of tracked, unconfirmed transactions for address
func (nm *NonceManager) PendingCount(address common.Address) int {
	data := nm.wallet(address)
	data.mu.Lock()
	defer data.mu.Unlock()
	return len(data.pendingTxs)
}

// Reset forgets all local state for address so the next GetNonce reads the chain
func (nm *NonceManager) Reset(address common.Address) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	delete(nm.wallets, address)
}
