package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/speedrun-hq/sentinel/pkg/blockchain"
	"github.com/speedrun-hq/sentinel/pkg/logger"
	"github.com/speedrun-hq/sentinel/pkg/metrics"
	"github.com/speedrun-hq/sentinel/pkg/models"
	"github.com/speedrun-hq/sentinel/pkg/store"
)

// Retry advice reasons
const (
	AdviceRetry       = "retry"
	AdviceNeedGasFund = "need_gas_fund"
	AdviceMaxFailures = "max_retries_exceeded"
	AdviceCheckError  = "check_error"
)

// Config holds the monitor settings
type Config struct {
	Interval    time.Duration
	MaxWait     time.Duration
	MaxAttempts int
	// GasFailureAdvisory consecutive gas failures advise funding instead of retrying
	GasFailureAdvisory int
	// FailureHistoryLimit is how many recent failures the advisory reads
	FailureHistoryLimit int
	// MaxFailures recent failures advise stopping
	MaxFailures int
}

// Monitor follows submitted transactions until they are mined or the wait runs out
type Monitor struct {
	source blockchain.ClientSource
	store  store.Datastore
	cfg    Config
	logger logger.Logger
}

// New creates a monitor
func New(source blockchain.ClientSource, ds store.Datastore, cfg Config, log logger.Logger) *Monitor {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = cfg.MaxAttempts
	}
	return &Monitor{source: source, store: ds, cfg: cfg, logger: log}
}

// MonitorTransactions follows the tasks one after another
func (m *Monitor) MonitorTransactions(ctx context.Context, tasks []models.MonitorTask) models.MonitorSummary {
	summary := models.MonitorSummary{Total: len(tasks), Outcomes: make([]models.MonitorOutcome, 0, len(tasks))}

	for _, task := range tasks {
		outcome := m.MonitorTransaction(ctx, task)
		switch outcome.Status {
		case models.TxSuccess:
			summary.Success++
		case models.TxFailed:
			summary.Failed++
		default:
			summary.Pending++
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
	}

	m.logger.Info("Transaction monitoring complete: total=%d success=%d failed=%d pending=%d",
		summary.Total, summary.Success, summary.Failed, summary.Pending)
	return summary
}

// MonitorTransaction polls for the receipt of task. It stops on the first receipt;
// a transaction still unmined after the wait is marked pending for a later scan to pick up.
func (m *Monitor) MonitorTransaction(ctx context.Context, task models.MonitorTask) models.MonitorOutcome {
	outcome := models.MonitorOutcome{Task: task, Status: models.TxPending}
	wallet := task.Wallet.Hex()
	deadline := time.Now().Add(m.cfg.MaxWait)

	for outcome.Attempts < m.cfg.MaxAttempts && time.Now().Before(deadline) {
		outcome.Attempts++

		status, receipt, err := m.CheckTransactionStatus(ctx, task.Hash)
		switch {
		case err != nil:
			m.logger.DebugWithWallet(wallet, "Receipt check for %s failed (%d/%d): %v",
				task.Hash.Hex(), outcome.Attempts, m.cfg.MaxAttempts, err)
			outcome.Error = err.Error()
		case status == models.TxSuccess:
			outcome.Status = models.TxSuccess
			outcome.Error = ""
			outcome.GasUsed = receipt.GasUsed
			outcome.BlockNumber = receiptBlock(receipt)
			m.update(ctx, task, outcome)
			m.logger.InfoWithWallet(wallet, "Transaction confirmed: %s", task.Hash.Hex())
			metrics.MonitorOutcomes.WithLabelValues(string(outcome.Status)).Inc()
			return outcome
		case status == models.TxFailed:
			outcome.Status = models.TxFailed
			outcome.GasUsed = receipt.GasUsed
			outcome.BlockNumber = receiptBlock(receipt)
			outcome.Error = blockchain.FailureMessage(receipt, task.GasLimit)
			m.update(ctx, task, outcome)
			advice := m.ShouldRetryTransfer(ctx, task.Wallet)
			outcome.Advice = &advice
			m.logger.NoticeWithWallet(wallet, "Transaction failed: %s (advice: %s)", task.Hash.Hex(), advice.Reason)
			if advice.ShouldRetry {
				m.saveError(ctx, task, "transfer failed, retry on next scan")
			}
			metrics.MonitorOutcomes.WithLabelValues(string(outcome.Status)).Inc()
			return outcome
		}

		if outcome.Attempts >= m.cfg.MaxAttempts {
			break
		}
		wait := m.cfg.Interval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		if !sleep(ctx, wait) {
			break
		}
	}

	m.update(ctx, task, outcome)
	m.logger.InfoWithWallet(wallet, "Transaction %s not confirmed yet, left pending", task.Hash.Hex())
	metrics.MonitorOutcomes.WithLabelValues(string(outcome.Status)).Inc()
	return outcome
}

// CheckTransactionStatus reads the receipt of hash once. A missing receipt is pending.
func (m *Monitor) CheckTransactionStatus(ctx context.Context, hash common.Hash) (models.TxStatus, *types.Receipt, error) {
	client, err := m.source.Client(ctx)
	if err != nil {
		return "", nil, err
	}
	receipt, err := client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return models.TxPending, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to get receipt of %s: %v", hash.Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return models.TxSuccess, receipt, nil
	}
	return models.TxFailed, receipt, nil
}

// ShouldRetryTransfer advises whether another transfer attempt makes sense for wallet,
// based on its recent failed transactions
func (m *Monitor) ShouldRetryTransfer(ctx context.Context, wallet common.Address) models.RetryAdvice {
	failed, err := m.store.GetFailedTransactions(ctx, wallet, m.cfg.FailureHistoryLimit)
	if err != nil {
		m.logger.ErrorWithWallet(wallet.Hex(), "Failed to read failure history: %v", err)
		return models.RetryAdvice{ShouldRetry: false, Reason: AdviceCheckError}
	}

	// newest first; count the unbroken run of gas failures
	gasFailures := 0
	for _, rec := range failed {
		if rec.Error == "" || !blockchain.IsGasError(errors.New(rec.Error)) {
			break
		}
		gasFailures++
	}

	if gasFailures >= m.cfg.GasFailureAdvisory {
		m.logger.NoticeWithWallet(wallet.Hex(), "%d consecutive gas failures, gas funding needed", gasFailures)
		m.saveError(ctx, models.MonitorTask{Wallet: wallet, TokenKind: models.KindNative},
			fmt.Sprintf("%d consecutive transfers failed on gas", gasFailures))
		return models.RetryAdvice{ShouldRetry: false, Reason: AdviceNeedGasFund, Failures: len(failed)}
	}
	if len(failed) >= m.cfg.MaxFailures {
		return models.RetryAdvice{ShouldRetry: false, Reason: AdviceMaxFailures, Failures: len(failed)}
	}
	return models.RetryAdvice{ShouldRetry: true, Reason: AdviceRetry, Failures: len(failed)}
}

// PendingErrorCount returns the number of errors logged within window
func (m *Monitor) PendingErrorCount(ctx context.Context, window time.Duration) (int, error) {
	return m.store.CountErrorsSince(ctx, time.Now().Add(-window))
}

// RecentErrors returns the newest logged errors
func (m *Monitor) RecentErrors(ctx context.Context, limit int) ([]models.ErrorEvent, error) {
	return m.store.ListRecentErrors(ctx, limit)
}

// ClearOldErrors deletes errors older than olderThan and returns how many were removed
func (m *Monitor) ClearOldErrors(ctx context.Context, olderThan time.Duration) (int64, error) {
	deleted, err := m.store.DeleteErrorsBefore(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.logger.Info("Cleared %d errors older than %s", deleted, olderThan)
	}
	return deleted, nil
}

func (m *Monitor) update(ctx context.Context, task models.MonitorTask, outcome models.MonitorOutcome) {
	err := m.store.UpdateTransactionStatus(ctx, task.Hash, outcome.Status, models.StatusUpdate{
		GasUsed:     outcome.GasUsed,
		BlockNumber: outcome.BlockNumber,
		Error:       outcome.Error,
	})
	if err != nil {
		m.logger.ErrorWithWallet(task.Wallet.Hex(), "Failed to update transaction %s: %v", task.Hash.Hex(), err)
	}
}

func (m *Monitor) saveError(ctx context.Context, task models.MonitorTask, message string) {
	ev := models.ErrorEvent{
		Wallet:    task.Wallet,
		Source:    "monitor",
		ErrorType: string(task.TokenKind),
		Message:   message,
		CreatedAt: time.Now(),
	}
	if task.Hash != (common.Hash{}) {
		hash := task.Hash
		ev.Hash = &hash
	}
	if err := m.store.SaveError(ctx, ev); err != nil {
		m.logger.ErrorWithWallet(task.Wallet.Hex(), "Failed to save error: %v", err)
	}
}

func receiptBlock(r *types.Receipt) uint64 {
	if r == nil || r.BlockNumber == nil {
		return 0
	}
	return r.BlockNumber.Uint64()
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
