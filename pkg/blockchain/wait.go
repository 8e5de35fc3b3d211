package blockchain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrNotConfirmed is returned when the wait deadline passes without a receipt
var ErrNotConfirmed = errors.New("transaction not confirmed before deadline")

// DefaultReceiptPoll is how often WaitMined asks for a receipt
const DefaultReceiptPoll = time.Second

// WaitMined polls for the receipt of hash until it appears or ctx ends.
// A deadline on ctx surfaces as ErrNotConfirmed, which callers treat as pending.
func WaitMined(ctx context.Context, client ReceiptReader, hash common.Hash, poll time.Duration) (*types.Receipt, error) {
	if poll <= 0 {
		poll = DefaultReceiptPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrNotConfirmed, hash.Hex())
			}
			if lastErr != nil {
				return nil, fmt.Errorf("waiting for %s: %v (last error: %v)", hash.Hex(), ctx.Err(), lastErr)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
