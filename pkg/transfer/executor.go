// Package transfer sweeps the assets of a protected wallet into the safe wallet.
//
// Every submission pays the whole native balance of the wallet as its fee, with the
// tip equal to the fee cap, so the sweep outbids any transaction an attacker sends
// from the same wallet. Submissions for different assets are sent one at a time.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/blockchain"
	"github.com/speedrun-hq/sentinel/pkg/classifier"
	"github.com/speedrun-hq/sentinel/pkg/contracts"
	"github.com/speedrun-hq/sentinel/pkg/gasfunder"
	"github.com/speedrun-hq/sentinel/pkg/logger"
	"github.com/speedrun-hq/sentinel/pkg/metrics"
	"github.com/speedrun-hq/sentinel/pkg/models"
	"github.com/speedrun-hq/sentinel/pkg/store"
)

// BalanceReader reads fresh balances. *scanner.Scanner implements it.
type BalanceReader interface {
	Scan(ctx context.Context, wallet common.Address) (*models.WalletSnapshot, error)
	NativeBalance(ctx context.Context, wallet common.Address) (*big.Int, error)
}

// GasFunder tops up a wallet. *gasfunder.Funder implements it.
type GasFunder interface {
	Fund(ctx context.Context, target common.Address, reason string) (models.FundResult, error)
}

// Config holds the transfer loop settings
type Config struct {
	SafeWallet      common.Address
	Thresholds      models.Thresholds
	MaxRetries      int
	MaxGasErrors    int
	MaxDuration     time.Duration
	ConfirmTimeout  time.Duration
	FundingCooldown time.Duration
	// TokenGasLimit is used when gas estimation fails or returns zero
	TokenGasLimit uint64
	ReceiptPoll   time.Duration
}

// Executor runs transfer loops for the protected wallets it holds keys for
type Executor struct {
	source   blockchain.ClientSource
	balances BalanceReader
	funder   GasFunder
	store    store.Datastore
	nonces   *blockchain.NonceManager
	signers  map[common.Address]*blockchain.Signer
	cfg      Config
	logger   logger.Logger
}

// NewExecutor creates an executor; signers holds one signer per protected wallet
func NewExecutor(
	source blockchain.ClientSource,
	balances BalanceReader,
	funder GasFunder,
	ds store.Datastore,
	signers []*blockchain.Signer,
	cfg Config,
	log logger.Logger,
) *Executor {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if cfg.TokenGasLimit == 0 {
		cfg.TokenGasLimit = 65000
	}
	byAddress := make(map[common.Address]*blockchain.Signer, len(signers))
	for _, s := range signers {
		byAddress[s.Address] = s
	}
	return &Executor{
		source:   source,
		balances: balances,
		funder:   funder,
		store:    ds,
		nonces:   blockchain.NewNonceManager(log),
		signers:  byAddress,
		cfg:      cfg,
		logger:   log,
	}
}

// attempt is the state of one RunTransferLoop call
type attempt struct {
	wallet    common.Address
	kind      models.TokenKind
	signer    *blockchain.Signer
	retries   int
	gasErrors int
	result    models.TransferResult
}

// RunTransferLoop sweeps wallet until it is empty or a ceiling is reached.
// It never panics and always returns a result; Reason says why the loop ended.
func (e *Executor) RunTransferLoop(ctx context.Context, wallet common.Address, kind models.TokenKind) models.TransferResult {
	start := time.Now()
	a := &attempt{
		wallet: wallet,
		kind:   kind,
		result: models.TransferResult{
			Wallet:       wallet,
			TokenKind:    kind,
			Transactions: []models.TransactionRecord{},
			MonitorTasks: []models.MonitorTask{},
		},
	}

	signer, ok := e.signers[wallet]
	if !ok {
		a.result.Reason = fmt.Sprintf("no signing key for wallet %s", wallet.Hex())
		return e.finish(a, start)
	}
	a.signer = signer

	loopCtx, cancel := context.WithTimeout(ctx, e.cfg.MaxDuration)
	defer cancel()

	e.logger.InfoWithWallet(wallet.Hex(), "Starting transfer loop (token: %s, max retries: %d, max gas errors: %d)",
		kind, e.cfg.MaxRetries, e.cfg.MaxGasErrors)

	for a.retries <= e.cfg.MaxRetries {
		if loopCtx.Err() != nil {
			a.result.Reason = e.contextReason(ctx)
			return e.finish(a, start)
		}

		snapshot, err := e.balances.Scan(loopCtx, wallet)
		if err != nil {
			if loopCtx.Err() != nil {
				a.result.Reason = e.contextReason(ctx)
			} else {
				a.result.Reason = err.Error()
			}
			return e.finish(a, start)
		}
		if classifier.IsEmpty(snapshot, e.cfg.Thresholds.NativeReserve) {
			return e.complete(a, start)
		}

		err = e.sweep(loopCtx, a, snapshot)
		if err == nil {
			after, scanErr := e.balances.Scan(loopCtx, wallet)
			if scanErr == nil && classifier.IsEmpty(after, e.cfg.Thresholds.NativeReserve) {
				return e.complete(a, start)
			}
			if scanErr != nil {
				e.logger.ErrorWithWallet(wallet.Hex(), "Rescan after transfer failed: %v", scanErr)
			}
			a.retries++
			e.logger.InfoWithWallet(wallet.Hex(), "Wallet still holds assets, continuing (%d/%d)", a.retries, e.cfg.MaxRetries)
			continue
		}

		if loopCtx.Err() != nil {
			a.result.Reason = e.contextReason(ctx)
			return e.finish(a, start)
		}

		errorType := blockchain.ClassifyError(err)
		e.recordError(ctx, wallet, errorType, err)
		if errorType != blockchain.ErrorTypeGas {
			e.logger.ErrorWithWallet(wallet.Hex(), "Transfer failed (%s), stopping: %v", errorType, err)
			a.result.Reason = err.Error()
			return e.finish(a, start)
		}

		if reason, stop := e.handleGasError(loopCtx, a); stop {
			if loopCtx.Err() != nil {
				reason = e.contextReason(ctx)
			}
			a.result.Reason = reason
			return e.finish(a, start)
		}
	}

	a.result.Reason = models.ReasonMaxRetries
	return e.finish(a, start)
}

// handleGasError applies the gas error policy after a failed submission.
// It returns stop=true with the loop's end reason when the loop must end.
func (e *Executor) handleGasError(ctx context.Context, a *attempt) (string, bool) {
	wallet := a.wallet.Hex()
	metrics.GasErrors.Inc()

	native, err := e.balances.NativeBalance(ctx, a.wallet)
	if err != nil {
		return err.Error(), true
	}

	// enough gas on hand: congestion or a competing transaction, not a shortfall
	if native.Cmp(e.cfg.Thresholds.GasMinimum) > 0 {
		e.logger.InfoWithWallet(wallet, "Native balance %s above gas minimum, ignoring gas error", blockchain.FormatEther(native))
		a.gasErrors = 0
		a.retries++
		return "", false
	}

	a.gasErrors++
	a.retries++
	a.result.GasErrors = a.gasErrors
	e.logger.NoticeWithWallet(wallet, "Gas error %d/%d with native balance %s", a.gasErrors, e.cfg.MaxGasErrors, blockchain.FormatEther(native))
	if a.gasErrors >= e.cfg.MaxGasErrors {
		return models.ReasonMaxGasErrors, true
	}

	fund, err := e.funder.Fund(ctx, a.wallet, gasfunder.ReasonGasInsufficient)
	if errors.Is(err, gasfunder.ErrFundingInsufficient) {
		e.logger.ErrorWithWallet(wallet, "Funding wallet cannot cover gas, will retry: %v", err)
		return "", false
	}
	if err != nil || !fund.Success {
		return models.ReasonGasFundFailed, true
	}

	if !sleep(ctx, e.cfg.FundingCooldown) {
		return models.ReasonTimeout, true
	}

	verified, err := e.balances.NativeBalance(ctx, a.wallet)
	if err != nil || verified.Cmp(e.cfg.Thresholds.GasMinimum) < 0 {
		e.logger.ErrorWithWallet(wallet, "Gas funding not visible after cooldown")
		return models.ReasonGasFundFailed, true
	}

	e.logger.InfoWithWallet(wallet, "Gas funding verified (%s), retrying (%d/%d)", blockchain.FormatEther(verified), a.retries, e.cfg.MaxRetries)
	a.gasErrors = 0
	return "", false
}

// sweep submits one transaction per asset the wallet holds: tokens first, with the token
// named by the attempt's kind ahead of the others, then native above the reserve.
// The first failure stops the batch and is returned.
func (e *Executor) sweep(ctx context.Context, a *attempt, snapshot *models.WalletSnapshot) error {
	client, err := e.source.Client(ctx)
	if err != nil {
		return err
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain ID: %v", err)
	}

	for _, tb := range orderTokens(snapshot.Tokens, a.kind) {
		if tb.Balance.IsZero() {
			continue
		}
		if err := e.sendToken(ctx, a, client, chainID, tb); err != nil {
			return fmt.Errorf("%s transfer: %w", tb.Token.Symbol, err)
		}
	}

	native, err := client.BalanceAt(ctx, a.wallet, nil)
	if err != nil {
		return fmt.Errorf("failed to get native balance: %v", err)
	}
	if native.Cmp(e.cfg.Thresholds.NativeReserve) <= 0 {
		e.logger.DebugWithWallet(a.wallet.Hex(), "Native balance %s kept as gas", blockchain.FormatEther(native))
		return nil
	}
	if err := e.sendNative(ctx, a, client, chainID, native); err != nil {
		return fmt.Errorf("native transfer: %w", err)
	}
	return nil
}

// orderTokens puts the token named by kind first, keeping the priority order of the rest
func orderTokens(tokens []models.TokenBalance, kind models.TokenKind) []models.TokenBalance {
	ordered := make([]models.TokenBalance, 0, len(tokens))
	for _, tb := range tokens {
		if tb.Token.Kind() == kind {
			ordered = append(ordered, tb)
		}
	}
	for _, tb := range tokens {
		if tb.Token.Kind() != kind {
			ordered = append(ordered, tb)
		}
	}
	return ordered
}

func (e *Executor) sendToken(ctx context.Context, a *attempt, client blockchain.Client, chainID *big.Int, tb models.TokenBalance) error {
	// the token balance is re-read so the whole current amount moves
	amount, err := tokenBalance(ctx, client, tb.Token.Address, a.wallet)
	if err != nil {
		amount = tb.Balance.Raw
	}
	if amount.Sign() == 0 {
		return nil
	}

	data, err := contracts.PackTransfer(e.cfg.SafeWallet, amount)
	if err != nil {
		return err
	}
	token := tb.Token.Address
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: a.wallet, To: &token, Data: data})
	if err != nil || gas == 0 {
		e.logger.DebugWithWallet(a.wallet.Hex(), "Gas estimation for %s unavailable, using %d: %v", tb.Token.Symbol, e.cfg.TokenGasLimit, err)
		gas = e.cfg.TokenGasLimit
	}

	native, err := client.BalanceAt(ctx, a.wallet, nil)
	if err != nil {
		return fmt.Errorf("failed to get native balance: %v", err)
	}
	fee := blockchain.FeeForBalance(native, gas)
	if fee.Sign() == 0 {
		return blockchain.ErrInsufficientGas
	}

	e.logger.InfoWithWallet(a.wallet.Hex(), "Sweeping %s %s with all native balance as fee (%s gwei x %d gas)",
		blockchain.FormatUnits(amount, tb.Token.Decimals), tb.Token.Symbol, blockchain.FormatGwei(fee), gas)

	return e.submit(ctx, a, client, chainID, tb.Token.Kind(), blockchain.FormatUnits(amount, tb.Token.Decimals), blockchain.TxRequest{
		To:        token,
		Value:     big.NewInt(0),
		Data:      data,
		Gas:       gas,
		FeePerGas: fee,
	})
}

func (e *Executor) sendNative(ctx context.Context, a *attempt, client blockchain.Client, chainID, balance *big.Int) error {
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get gas price: %v", err)
	}
	value := new(big.Int).Sub(balance, blockchain.GasCost(gasPrice, blockchain.NativeTransferGas))
	if value.Sign() <= 0 {
		e.logger.DebugWithWallet(a.wallet.Hex(), "Native balance %s does not cover its own transfer fee", blockchain.FormatEther(balance))
		return nil
	}

	e.logger.InfoWithWallet(a.wallet.Hex(), "Sweeping %s native", blockchain.FormatEther(value))
	return e.submit(ctx, a, client, chainID, models.KindNative, blockchain.FormatEther(value), blockchain.TxRequest{
		To:        e.cfg.SafeWallet,
		Value:     value,
		Gas:       blockchain.NativeTransferGas,
		FeePerGas: gasPrice,
	})
}

// submit signs and sends req, then waits for its receipt up to the confirm timeout.
// A transaction without a receipt by then is recorded as pending and handed to the monitor.
func (e *Executor) submit(ctx context.Context, a *attempt, client blockchain.Client, chainID *big.Int, kind models.TokenKind, amount string, req blockchain.TxRequest) error {
	nonce, err := e.nonces.GetNonce(ctx, client, a.wallet)
	if err != nil {
		return err
	}
	req.Nonce = nonce

	tx, err := a.signer.Sign(blockchain.BuildTx(chainID, req), chainID)
	if err == nil {
		err = client.SendTransaction(ctx, tx)
	}
	if err != nil {
		e.nonces.ReleaseNonce(a.wallet, nonce)
		metrics.Submissions.WithLabelValues(string(kind), "rejected").Inc()
		if tx != nil {
			// kept as failure history for the monitor's retry advice
			rejected := models.TransactionRecord{
				Hash:      tx.Hash(),
				Wallet:    a.wallet,
				To:        e.cfg.SafeWallet,
				TokenKind: kind,
				Amount:    amount,
				Status:    models.TxFailed,
				Error:     err.Error(),
				CreatedAt: time.Now(),
			}
			if saveErr := e.store.SaveTransaction(ctx, rejected); saveErr != nil {
				e.logger.ErrorWithWallet(a.wallet.Hex(), "Failed to save rejected transaction: %v", saveErr)
			}
		}
		return err
	}
	e.nonces.TrackTransaction(a.wallet, tx.Hash(), nonce)

	rec := models.TransactionRecord{
		Hash:      tx.Hash(),
		Wallet:    a.wallet,
		To:        e.cfg.SafeWallet,
		TokenKind: kind,
		Amount:    amount,
		Status:    models.TxSubmitted,
		CreatedAt: time.Now(),
	}
	if err := e.store.SaveTransaction(ctx, rec); err != nil {
		e.logger.ErrorWithWallet(a.wallet.Hex(), "Failed to save transaction %s: %v", rec.Hash.Hex(), err)
	}
	e.logger.InfoWithWallet(a.wallet.Hex(), "Transaction sent: %s (nonce: %d)", rec.Hash.Hex(), nonce)

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()
	receipt, err := blockchain.WaitMined(waitCtx, client, rec.Hash, e.cfg.ReceiptPoll)

	switch {
	case errors.Is(err, blockchain.ErrNotConfirmed):
		rec.Status = models.TxPending
		e.logger.NoticeWithWallet(a.wallet.Hex(), "Transaction %s not confirmed within %s, leaving it to the monitor", rec.Hash.Hex(), e.cfg.ConfirmTimeout)
		e.updateStatus(ctx, &rec, models.StatusUpdate{})
		e.track(a, rec, tx.Gas())
		return nil
	case err != nil:
		// the transaction is out; whatever happens to it is for the monitor to find
		rec.Status = models.TxPending
		e.track(a, rec, tx.Gas())
		return err
	case receipt.Status == 0:
		e.nonces.MarkTransactionFailed(a.wallet, nonce)
		rec.Status = models.TxFailed
		rec.Error = blockchain.FailureMessage(receipt, tx.Gas())
		e.updateStatus(ctx, &rec, models.StatusUpdate{GasUsed: receipt.GasUsed, BlockNumber: blockNumber(receipt.BlockNumber), Error: rec.Error})
		e.track(a, rec, tx.Gas())
		return fmt.Errorf("transfer transaction failed: %s", rec.Hash.Hex())
	}

	e.nonces.MarkTransactionConfirmed(a.wallet, nonce)
	rec.Status = models.TxSuccess
	e.updateStatus(ctx, &rec, models.StatusUpdate{GasUsed: receipt.GasUsed, BlockNumber: blockNumber(receipt.BlockNumber)})
	e.track(a, rec, tx.Gas())
	e.logger.InfoWithWallet(a.wallet.Hex(), "Transaction confirmed: %s (gas used: %d)", rec.Hash.Hex(), receipt.GasUsed)
	return nil
}

func (e *Executor) updateStatus(ctx context.Context, rec *models.TransactionRecord, update models.StatusUpdate) {
	rec.GasUsed = update.GasUsed
	rec.BlockNumber = update.BlockNumber
	rec.UpdatedAt = time.Now()
	if err := e.store.UpdateTransactionStatus(ctx, rec.Hash, rec.Status, update); err != nil {
		e.logger.ErrorWithWallet(rec.Wallet.Hex(), "Failed to update transaction %s: %v", rec.Hash.Hex(), err)
	}
}

// track adds rec to the result; unconfirmed ones become monitor tasks
func (e *Executor) track(a *attempt, rec models.TransactionRecord, gasLimit uint64) {
	metrics.Submissions.WithLabelValues(string(rec.TokenKind), string(rec.Status)).Inc()
	a.result.Transactions = append(a.result.Transactions, rec)
	if rec.Status == models.TxPending || rec.Status == models.TxSubmitted {
		a.result.MonitorTasks = append(a.result.MonitorTasks, models.MonitorTask{
			Hash:      rec.Hash,
			Wallet:    rec.Wallet,
			TokenKind: rec.TokenKind,
			Status:    rec.Status,
			GasLimit:  gasLimit,
		})
	}
}

func (e *Executor) recordError(ctx context.Context, wallet common.Address, errorType string, err error) {
	ev := models.ErrorEvent{
		Wallet:    wallet,
		Source:    "transfer",
		ErrorType: errorType,
		Message:   err.Error(),
		CreatedAt: time.Now(),
	}
	if saveErr := e.store.SaveError(ctx, ev); saveErr != nil {
		e.logger.ErrorWithWallet(wallet.Hex(), "Failed to save error: %v", saveErr)
	}
}

func (e *Executor) complete(a *attempt, start time.Time) models.TransferResult {
	a.result.Success = true
	a.result.Completed = true
	a.result.Reason = models.ReasonWalletEmpty
	return e.finish(a, start)
}

func (e *Executor) finish(a *attempt, start time.Time) models.TransferResult {
	a.result.Retries = a.retries
	a.result.GasErrors = a.gasErrors
	a.result.Elapsed = time.Since(start)
	metrics.Transfers.WithLabelValues(metricReason(a.result.Reason)).Inc()
	e.logger.InfoWithWallet(a.wallet.Hex(), "Transfer loop finished: %s (retries: %d, transactions: %d, elapsed: %s)",
		a.result.Reason, a.retries, len(a.result.Transactions), a.result.Elapsed.Round(time.Millisecond))
	return a.result
}

// contextReason is timeout when the loop ceiling passed and the caller's error otherwise
func (e *Executor) contextReason(parent context.Context) string {
	if parent.Err() != nil {
		return parent.Err().Error()
	}
	return models.ReasonTimeout
}

// metricReason keeps free form error reasons out of the label space
func metricReason(reason string) string {
	switch reason {
	case models.ReasonWalletEmpty, models.ReasonTimeout, models.ReasonMaxRetries,
		models.ReasonMaxGasErrors, models.ReasonGasFundFailed:
		return reason
	}
	return "error"
}

func blockNumber(n *big.Int) uint64 {
	if n == nil {
		return 0
	}
	return n.Uint64()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
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
