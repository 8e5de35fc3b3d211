package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/classifier"
	"github.com/speedrun-hq/sentinel/pkg/lock"
	"github.com/speedrun-hq/sentinel/pkg/metrics"
	"github.com/speedrun-hq/sentinel/pkg/models"
	"github.com/speedrun-hq/sentinel/pkg/tasks"
)

// Dispatch outcomes reported per wallet
const (
	DispatchNone             = "none"
	DispatchTransferStarted  = "transfer_started"
	DispatchTransferRunning  = "transfer_running"
	DispatchEmergencyStarted = "emergency_started"
	DispatchEmergencyActive  = "emergency_active"
)

// WalletReport is the outcome of scanning one wallet
type WalletReport struct {
	Wallet   common.Address         `json:"wallet"`
	Snapshot *models.WalletSnapshot `json:"snapshot,omitempty"`
	Action   *models.Action         `json:"action,omitempty"`
	Dispatch string                 `json:"dispatch,omitempty"`
	Retried  bool                   `json:"retried,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// RoundReport is the outcome of one pass over the wallets
type RoundReport struct {
	Round    string         `json:"round"`
	Scanned  int            `json:"scanned"`
	Failed   int            `json:"failed"`
	Skipped  int            `json:"skipped"`
	Wallets  []WalletReport `json:"wallets"`
	Duration time.Duration  `json:"duration"`
}

// TickReport is the outcome of one scheduler tick
type TickReport struct {
	StartedAt     time.Time     `json:"started_at"`
	Round1        RoundReport   `json:"round1"`
	Round2        *RoundReport  `json:"round2,omitempty"`
	Round2Skipped bool          `json:"round2_skipped"`
	Duration      time.Duration `json:"duration"`
}

// RunTick runs round 1 immediately and round 2 at the round offset, shortened by
// the time round 1 took. Round 2 is skipped once round 1 ran past the tick budget.
// The whole tick runs under the scan round lock.
func (s *Service) RunTick(ctx context.Context) (TickReport, error) {
	ok, err := s.locker.Acquire(ctx, lock.KeyScanRound, s.cfg.TickInterval)
	if err != nil {
		return TickReport{}, err
	}
	if !ok {
		return TickReport{}, lock.ErrLockHeld
	}
	defer s.releaseLock(lock.KeyScanRound)

	start := time.Now()
	report := TickReport{StartedAt: start}
	report.Round1 = s.ScanRound(ctx, 1)

	elapsed := time.Since(start)
	switch {
	case elapsed >= s.cfg.TickBudget:
		s.logger.Notice("Round 1 took %s, past the tick budget of %s, skipping round 2", elapsed, s.cfg.TickBudget)
		report.Round2Skipped = true
	case !sleep(ctx, s.cfg.RoundOffset-elapsed):
		report.Round2Skipped = true
	default:
		round2 := s.ScanRound(ctx, 2)
		report.Round2 = &round2
	}
	report.Duration = time.Since(start)

	s.mu.Lock()
	s.lastTick = &report
	s.mu.Unlock()
	return report, nil
}

// ScanRound scans every wallet except the emergency slot holder and acts on the result.
// Round 1 retries a failed scan once on the next endpoint; later rounds never retry.
func (s *Service) ScanRound(ctx context.Context, round int) RoundReport {
	return s.scanRound(ctx, strconv.Itoa(round), round == 1)
}

// ScanAll runs a manual round with round 1 semantics
func (s *Service) ScanAll(ctx context.Context) RoundReport {
	return s.scanRound(ctx, "manual", true)
}

func (s *Service) scanRound(ctx context.Context, label string, retry bool) RoundReport {
	start := time.Now()
	report := RoundReport{Round: label, Wallets: make([]WalletReport, 0, len(s.cfg.Wallets))}

	for _, wallet := range s.cfg.Wallets {
		if ctx.Err() != nil {
			break
		}
		if s.slot.Holds(wallet) {
			report.Skipped++
			metrics.Scans.WithLabelValues(label, "skipped").Inc()
			continue
		}

		wr := s.scanAndAct(ctx, wallet, label, retry)
		report.Scanned++
		if wr.Error != "" && wr.Snapshot == nil {
			report.Failed++
		}
		report.Wallets = append(report.Wallets, wr)
	}

	report.Duration = time.Since(start)
	s.logger.Info("Round %s: scanned=%d failed=%d skipped=%d (%s)",
		label, report.Scanned, report.Failed, report.Skipped, report.Duration.Round(time.Millisecond))
	return report
}

// ScanWallet scans one protected wallet and acts on the result
func (s *Service) ScanWallet(ctx context.Context, wallet common.Address) (WalletReport, error) {
	if !s.Protected(wallet) {
		return WalletReport{}, ErrUnknownWallet
	}
	return s.scanAndAct(ctx, wallet, "manual", true), nil
}

// InspectWallet scans and classifies one protected wallet without acting
func (s *Service) InspectWallet(ctx context.Context, wallet common.Address) (WalletReport, error) {
	if !s.Protected(wallet) {
		return WalletReport{}, ErrUnknownWallet
	}
	snapshot, err := s.scanner.Scan(ctx, wallet)
	if err != nil {
		return WalletReport{Wallet: wallet}, err
	}
	action := classifier.Classify(snapshot, s.cfg.Thresholds)
	return WalletReport{Wallet: wallet, Snapshot: snapshot, Action: &action}, nil
}

func (s *Service) scanAndAct(ctx context.Context, wallet common.Address, label string, retry bool) WalletReport {
	report := WalletReport{Wallet: wallet}
	w := wallet.Hex()

	start := time.Now()
	snapshot, err := s.scanner.Scan(ctx, wallet)
	if err != nil && retry && ctx.Err() == nil {
		s.logger.DebugWithWallet(w, "Scan failed, retrying on the next endpoint: %v", err)
		if s.pool != nil {
			s.pool.Advance()
		}
		report.Retried = true
		snapshot, err = s.scanner.Scan(ctx, wallet)
	}
	metrics.ScanDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.Scans.WithLabelValues(label, "failed").Inc()
		s.logger.ErrorWithWallet(w, "Scan failed: %v", err)
		report.Error = err.Error()
		return report
	}
	metrics.Scans.WithLabelValues(label, "success").Inc()
	report.Snapshot = snapshot

	action := classifier.Classify(snapshot, s.cfg.Thresholds)
	metrics.Actions.WithLabelValues(string(action.Kind)).Inc()
	report.Action = &action

	dispatch, err := s.dispatch(ctx, wallet, action)
	report.Dispatch = dispatch
	if err != nil {
		s.logger.ErrorWithWallet(w, "Failed to act on %s: %v", action.Reason, err)
		report.Error = err.Error()
	}
	return report
}

func (s *Service) dispatch(ctx context.Context, wallet common.Address, action models.Action) (string, error) {
	switch action.Kind {
	case models.ActionTransfer:
		err := s.spawnTransfer(wallet, action.TokenKind, nil)
		if errors.Is(err, tasks.ErrTaskRunning) {
			return DispatchTransferRunning, nil
		}
		if err != nil {
			return "", err
		}
		s.logger.InfoWithWallet(wallet.Hex(), "Transfer dispatched: %s", action.Reason)
		return DispatchTransferStarted, nil
	case models.ActionEmergency:
		if s.slot.Holds(wallet) {
			return DispatchEmergencyActive, nil
		}
		if _, err := s.StartEmergency(ctx, wallet); err != nil {
			return "", err
		}
		return DispatchEmergencyStarted, nil
	default:
		return DispatchNone, nil
	}
}

func (s *Service) releaseLock(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.locker.Release(ctx, key); err != nil {
		s.logger.Error("Failed to release lock %s: %v", key, err)
	}
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
