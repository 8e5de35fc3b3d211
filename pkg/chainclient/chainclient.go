package chainclient

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/speedrun-hq/sentinel/pkg/blockchain"
)

// DialTimeout bounds connecting to one endpoint
const DialTimeout = 10 * time.Second

// DialFunc connects to one RPC endpoint
type DialFunc func(ctx context.Context, url string) (blockchain.Client, error)

// NewDialer returns a DialFunc that connects with ethclient and rejects endpoints
// serving a different chain than expectedChainID. A zero chain id skips the check.
func NewDialer(expectedChainID int64) DialFunc {
	return func(ctx context.Context, url string) (blockchain.Client, error) {
		client, err := Dial(ctx, url, expectedChainID)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Dial connects to url and verifies the chain id
func Dial(ctx context.Context, url string, expectedChainID int64) (*ethclient.Client, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	client, err := ethclient.DialContext(timeoutCtx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to client: %v", err)
	}
	if expectedChainID == 0 {
		return client, nil
	}

	chainID, err := client.ChainID(timeoutCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %v", err)
	}
	if chainID.Int64() != expectedChainID {
		client.Close()
		return nil, fmt.Errorf("endpoint %s serves chain %d, expected %d", url, chainID.Int64(), expectedChainID)
	}
	return client, nil
}
