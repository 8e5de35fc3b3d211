package gasfunder

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/blockchain"
	"github.com/speedrun-hq/sentinel/pkg/logger"
	"github.com/speedrun-hq/sentinel/pkg/metrics"
	"github.com/speedrun-hq/sentinel/pkg/models"
	"github.com/speedrun-hq/sentinel/pkg/store"
	"golang.org/x/sync/errgroup"
)

// ErrFundingInsufficient is returned when the funding wallet cannot cover a top-up
var ErrFundingInsufficient = errors.New("funding wallet balance insufficient")

// ReasonGasInsufficient is the funding reason used by the transfer loop and CheckAndFund
const ReasonGasInsufficient = "gas_insufficient"

// GasPriceSource suggests a gas price. *chainclient.GasTracker implements it.
type GasPriceSource interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Config holds the funder settings
type Config struct {
	// TargetBalance is the native balance a funded wallet ends up with
	TargetBalance *big.Int
	// SafetyMargin must remain in the funding wallet on top of the needed amount
	SafetyMargin     *big.Int
	GasMultiplier    float64
	FallbackGasPrice *big.Int
	ConfirmTimeout   time.Duration
	ReceiptPoll      time.Duration
}

// Funder tops up the native balance of protected wallets from the funding wallet
type Funder struct {
	source blockchain.ClientSource
	signer *blockchain.Signer
	prices GasPriceSource
	nonces *blockchain.NonceManager
	store  store.Datastore
	cfg    Config
	logger logger.Logger

	// funding transactions share one sender, so they are sent one at a time
	sendMu sync.Mutex
}

// Option configures a Funder
type Option func(*Funder)

// WithGasPrices reads gas prices from src before asking the node
func WithGasPrices(src GasPriceSource) Option {
	return func(f *Funder) {
		f.prices = src
	}
}

// WithNonceManager shares a nonce manager with other senders
func WithNonceManager(nm *blockchain.NonceManager) Option {
	return func(f *Funder) {
		f.nonces = nm
	}
}

// New creates a funder signing with signer
func New(source blockchain.ClientSource, signer *blockchain.Signer, ds store.Datastore, cfg Config, log logger.Logger, opts ...Option) *Funder {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if cfg.GasMultiplier <= 0 {
		cfg.GasMultiplier = 1
	}
	f := &Funder{
		source: source,
		signer: signer,
		store:  ds,
		cfg:    cfg,
		logger: log,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.nonces == nil {
		f.nonces = blockchain.NewNonceManager(log)
	}
	return f
}

// Address returns the funding wallet
func (f *Funder) Address() common.Address {
	return f.signer.Address
}

// NeedsGasFunding reports whether target holds less than the target balance
func (f *Funder) NeedsGasFunding(ctx context.Context, target common.Address) (bool, error) {
	client, err := f.source.Client(ctx)
	if err != nil {
		return false, err
	}
	balance, err := client.BalanceAt(ctx, target, nil)
	if err != nil {
		return false, fmt.Errorf("failed to get balance of %s: %v", target.Hex(), err)
	}
	return balance.Cmp(f.cfg.TargetBalance) < 0, nil
}

// FundGas tops target up to the target balance and always returns a result
func (f *Funder) FundGas(ctx context.Context, target common.Address, reason string) models.FundResult {
	result, _ := f.Fund(ctx, target, reason)
	return result
}

// Fund is FundGas with the failure also returned as an error, wrapping
// ErrFundingInsufficient when the funding wallet is short.
// No transaction is sent when target already holds the target balance.
func (f *Funder) Fund(ctx context.Context, target common.Address, reason string) (models.FundResult, error) {
	result := models.FundResult{Target: target, Amount: "0"}

	hash, amount, status, err := f.fund(ctx, target)
	if err != nil {
		result.Error = err.Error()
		metrics.FundingAttempts.WithLabelValues("failed").Inc()
		f.logger.ErrorWithWallet(target.Hex(), "Gas funding failed: %v", err)
		f.recordEvent(ctx, models.GasFundingEvent{
			Target: target,
			Amount: "0",
			Hash:   hash,
			Reason: reason,
			Error:  err.Error(),
		})
		return result, err
	}

	result.Success = true
	if hash == nil {
		f.logger.DebugWithWallet(target.Hex(), "Balance at or above target, no funding needed")
		return result, nil
	}

	result.Hash = hash
	result.Amount = blockchain.FormatEther(amount)
	result.Status = status
	metrics.FundingAttempts.WithLabelValues(string(status)).Inc()
	f.logger.InfoWithWallet(target.Hex(), "Gas funded with %s: %s (%s)", result.Amount, hash.Hex(), status)

	f.recordEvent(ctx, models.GasFundingEvent{
		Target:  target,
		Amount:  result.Amount,
		Hash:    hash,
		Reason:  reason,
		Success: true,
	})
	return result, nil
}

// fund returns a nil hash when no transaction was needed
func (f *Funder) fund(ctx context.Context, target common.Address) (*common.Hash, *big.Int, models.TxStatus, error) {
	client, err := f.source.Client(ctx)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to get client: %v", err)
	}

	current, err := client.BalanceAt(ctx, target, nil)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to get target balance: %v", err)
	}
	needed := new(big.Int).Sub(f.cfg.TargetBalance, current)
	if needed.Sign() <= 0 {
		return nil, nil, "", nil
	}

	fundingBalance, err := client.BalanceAt(ctx, f.signer.Address, nil)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to get funding wallet balance: %v", err)
	}
	required := new(big.Int).Add(needed, f.cfg.SafetyMargin)
	if fundingBalance.Cmp(required) < 0 {
		return nil, nil, "", fmt.Errorf("%w: have %s, need %s",
			ErrFundingInsufficient, blockchain.FormatEther(fundingBalance), blockchain.FormatEther(required))
	}

	gasPrice := f.gasPrice(ctx, client)
	amount := new(big.Int).Add(needed, blockchain.GasCost(gasPrice, blockchain.NativeTransferGas))

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to get chain ID: %v", err)
	}

	f.sendMu.Lock()
	nonce, err := f.nonces.GetNonce(ctx, client, f.signer.Address)
	if err != nil {
		f.sendMu.Unlock()
		return nil, nil, "", err
	}
	tx, err := f.signer.Sign(blockchain.BuildTx(chainID, blockchain.TxRequest{
		Nonce:     nonce,
		To:        target,
		Value:     amount,
		Gas:       blockchain.NativeTransferGas,
		FeePerGas: gasPrice,
	}), chainID)
	if err == nil {
		err = client.SendTransaction(ctx, tx)
	}
	if err != nil {
		f.nonces.ReleaseNonce(f.signer.Address, nonce)
		f.sendMu.Unlock()
		return nil, nil, "", fmt.Errorf("failed to send funding transaction: %v", err)
	}
	f.nonces.TrackTransaction(f.signer.Address, tx.Hash(), nonce)
	f.sendMu.Unlock()

	hash := tx.Hash()
	f.logger.InfoWithWallet(target.Hex(), "Funding transaction sent: %s (amount: %s, gas price: %s gwei, nonce: %d)",
		hash.Hex(), blockchain.FormatEther(amount), blockchain.FormatGwei(gasPrice), nonce)

	waitCtx, cancel := context.WithTimeout(ctx, f.cfg.ConfirmTimeout)
	defer cancel()
	receipt, err := blockchain.WaitMined(waitCtx, client, hash, f.cfg.ReceiptPoll)
	if errors.Is(err, blockchain.ErrNotConfirmed) {
		return &hash, amount, models.TxPending, nil
	}
	if err != nil {
		return &hash, nil, "", fmt.Errorf("failed to wait for funding transaction: %v", err)
	}
	if receipt.Status == 0 {
		f.nonces.MarkTransactionFailed(f.signer.Address, nonce)
		return &hash, nil, "", fmt.Errorf("funding transaction failed: %s", hash.Hex())
	}
	f.nonces.MarkTransactionConfirmed(f.signer.Address, nonce)
	return &hash, amount, models.TxSuccess, nil
}

// gasPrice is the suggested price times the multiplier, or the fallback when none is available
func (f *Funder) gasPrice(ctx context.Context, client blockchain.Client) *big.Int {
	var (
		price *big.Int
		err   error
	)
	if f.prices != nil {
		price, err = f.prices.SuggestGasPrice(ctx)
	} else {
		price, err = client.SuggestGasPrice(ctx)
	}
	if err != nil || price == nil || price.Sign() == 0 {
		if err != nil {
			f.logger.Debug("Using fallback gas price: %v", err)
		}
		return new(big.Int).Set(f.cfg.FallbackGasPrice)
	}
	return blockchain.ApplyMultiplier(price, f.cfg.GasMultiplier)
}

func (f *Funder) recordEvent(ctx context.Context, ev models.GasFundingEvent) {
	if f.store == nil {
		return
	}
	ev.CreatedAt = time.Now()
	if err := f.store.SaveFundingEvent(ctx, ev); err != nil {
		f.logger.ErrorWithWallet(ev.Target.Hex(), "Failed to save funding event: %v", err)
	}
}

// FundGasBatch funds every target concurrently. One target failing does not affect the others.
// Results are in the order of targets.
func (f *Funder) FundGasBatch(ctx context.Context, targets []common.Address, reason string) []models.FundResult {
	results := make([]models.FundResult, len(targets))

	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			results[i] = f.FundGas(ctx, target, reason)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// CheckAndFund funds the targets that are below the target balance, one at a time
func (f *Funder) CheckAndFund(ctx context.Context, targets []common.Address) models.FundReport {
	report := models.FundReport{}

	for _, target := range targets {
		needs, err := f.NeedsGasFunding(ctx, target)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", target.Hex(), err))
			continue
		}
		report.Checked++

		if !needs {
			report.Skipped++
			continue
		}

		result := f.FundGas(ctx, target, ReasonGasInsufficient)
		report.Results = append(report.Results, result)
		if result.Success {
			report.Funded++
		} else {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", target.Hex(), result.Error))
		}
	}

	f.logger.Info("Gas funding check complete: checked=%d funded=%d skipped=%d errors=%d",
		report.Checked, report.Funded, report.Skipped, len(report.Errors))
	return report
}
