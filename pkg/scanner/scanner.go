package scanner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/blockchain"
	"github.com/speedrun-hq/sentinel/pkg/contracts"
	"github.com/speedrun-hq/sentinel/pkg/logger"
	"github.com/speedrun-hq/sentinel/pkg/models"
	"golang.org/x/sync/errgroup"
)

// ErrScanTimeout is returned when a scan does not finish within its deadline
var ErrScanTimeout = errors.New("scan timeout")

// attemptsPerQuery is one try plus one retry on the next endpoint
const attemptsPerQuery = 2

// EndpointPool hands out RPC clients and takes failure reports. *chainclient.Pool implements it.
type EndpointPool interface {
	Acquire(ctx context.Context) (string, blockchain.Client, error)
	ReportFailure(url string)
	ReportSuccess(url string)
}

// Scanner reads the native and token balances of a wallet
type Scanner struct {
	pool    EndpointPool
	tokens  []models.Token
	timeout time.Duration
	logger  logger.Logger
}

// New creates a scanner; tokens are queried in the order given
func New(pool EndpointPool, tokens []models.Token, timeout time.Duration, log logger.Logger) *Scanner {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Scanner{
		pool:    pool,
		tokens:  tokens,
		timeout: timeout,
		logger:  log,
	}
}

// Tokens returns the configured tokens in priority order
func (s *Scanner) Tokens() []models.Token {
	return s.tokens
}

// Scan returns a snapshot of wallet within the scan timeout.
// A native balance failure fails the scan; a token failure reads as zero.
func (s *Scanner) Scan(ctx context.Context, wallet common.Address) (*models.WalletSnapshot, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(scanCtx)

	var (
		native   *big.Int
		endpoint string
	)
	tokenBalances := make([]*big.Int, len(s.tokens))

	g.Go(func() error {
		url, balance, err := s.query(gctx, func(ctx context.Context, client blockchain.Client) (*big.Int, error) {
			return client.BalanceAt(ctx, wallet, nil)
		})
		if err != nil {
			return fmt.Errorf("native balance of %s: %w", wallet.Hex(), err)
		}
		native = balance
		endpoint = url
		return nil
	})

	for i, token := range s.tokens {
		g.Go(func() error {
			_, balance, err := s.query(gctx, func(ctx context.Context, client blockchain.Client) (*big.Int, error) {
				return tokenBalance(ctx, client, token.Address, wallet)
			})
			if err != nil {
				s.logger.DebugWithWallet(wallet.Hex(), "%s balance unavailable, reading as zero: %v", token.Symbol, err)
				balance = big.NewInt(0)
			}
			tokenBalances[i] = balance
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(scanCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w after %s for %s", ErrScanTimeout, s.timeout, wallet.Hex())
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	snapshot := &models.WalletSnapshot{
		Wallet:     wallet,
		Native:     models.NewAmount(native, blockchain.NativeDecimals),
		Tokens:     make([]models.TokenBalance, len(s.tokens)),
		CapturedAt: time.Now(),
		Endpoint:   endpoint,
	}
	for i, token := range s.tokens {
		snapshot.Tokens[i] = models.TokenBalance{
			Token:   token,
			Balance: models.NewAmount(tokenBalances[i], token.Decimals),
		}
	}
	return snapshot, nil
}

// NativeBalance reads only the native balance, with the same failover as Scan
func (s *Scanner) NativeBalance(ctx context.Context, wallet common.Address) (*big.Int, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, balance, err := s.query(scanCtx, func(ctx context.Context, client blockchain.Client) (*big.Int, error) {
		return client.BalanceAt(ctx, wallet, nil)
	})
	if err != nil {
		if errors.Is(scanCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s for %s", ErrScanTimeout, s.timeout, wallet.Hex())
		}
		return nil, err
	}
	return balance, nil
}

type balanceQuery func(ctx context.Context, client blockchain.Client) (*big.Int, error)

// query runs q against the current endpoint and once more against the next one.
// Failures are reported to the pool, which rotates past the failed endpoint.
func (s *Scanner) query(ctx context.Context, q balanceQuery) (string, *big.Int, error) {
	var lastErr error
	for attempt := 0; attempt < attemptsPerQuery; attempt++ {
		url, client, err := s.pool.Acquire(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		balance, err := q(ctx, client)
		if err == nil {
			s.pool.ReportSuccess(url)
			return url, balance, nil
		}
		if ctx.Err() != nil {
			return url, nil, ctx.Err()
		}

		s.logger.Debug("Balance query failed on %s (attempt %d/%d): %v", url, attempt+1, attemptsPerQuery, err)
		s.pool.ReportFailure(url)
		lastErr = err
	}
	return "", nil, lastErr
}

func tokenBalance(ctx context.Context, client blockchain.Client, token, owner common.Address) (*big.Int, error) {
	data, err := contracts.PackBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return contracts.UnpackBalance(out)
}
