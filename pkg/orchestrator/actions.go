package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/emergency"
	"github.com/speedrun-hq/sentinel/pkg/events"
	"github.com/speedrun-hq/sentinel/pkg/lock"
	"github.com/speedrun-hq/sentinel/pkg/models"
	"github.com/speedrun-hq/sentinel/pkg/tasks"
)

// EmergencyStart describes a started emergency
type EmergencyStart struct {
	Wallet     common.Address  `json:"wallet"`
	Superseded *common.Address `json:"superseded,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
}

func transferKey(wallet common.Address) string {
	return "transfer:" + wallet.Hex()
}

// spawnTransfer runs the transfer loop for wallet in the background, then monitors
// the transactions it left unconfirmed. At most one transfer runs per wallet.
func (s *Service) spawnTransfer(wallet common.Address, kind models.TokenKind, done chan<- models.TransferResult) error {
	return s.registry.Spawn(s.baseContext(), transferKey(wallet), func(ctx context.Context) error {
		res := s.transfers.RunTransferLoop(ctx, wallet, kind)
		s.recordTransfer(ctx, res)
		if done != nil {
			done <- res
		}

		if len(res.MonitorTasks) > 0 && s.monitor != nil {
			s.monitor.MonitorTransactions(ctx, res.MonitorTasks)
		}
		if !res.Success {
			return fmt.Errorf("transfer of %s (%s) ended: %s", wallet.Hex(), kind, res.Reason)
		}
		return nil
	})
}

// RunTransfer runs the transfer loop for wallet and waits for its result.
// Monitoring of unconfirmed transactions continues in the background.
func (s *Service) RunTransfer(ctx context.Context, wallet common.Address, kind models.TokenKind) (models.TransferResult, error) {
	if !s.Protected(wallet) {
		return models.TransferResult{}, ErrUnknownWallet
	}
	done := make(chan models.TransferResult, 1)
	if err := s.spawnTransfer(wallet, kind, done); err != nil {
		return models.TransferResult{}, err
	}
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return models.TransferResult{}, fmt.Errorf("transfer of %s continues in background: %w", wallet.Hex(), ctx.Err())
	}
}

// handoff is called by the emergency loop. A transfer already running for the
// wallet counts as started.
func (s *Service) handoff(wallet common.Address, kind models.TokenKind) error {
	err := s.spawnTransfer(wallet, kind, nil)
	if errors.Is(err, tasks.ErrTaskRunning) {
		return nil
	}
	return err
}

// StartEmergency claims the emergency slot for wallet, superseding any holder,
// and runs the emergency loop in the background. It fails with lock.ErrLockHeld
// while another instance runs an emergency.
func (s *Service) StartEmergency(ctx context.Context, wallet common.Address) (EmergencyStart, error) {
	if !s.Protected(wallet) {
		return EmergencyStart{}, ErrUnknownWallet
	}

	s.emergencyMu.Lock()
	defer s.emergencyMu.Unlock()

	ttl := s.cfg.Emergency.MaxDuration + s.cfg.Emergency.Interval
	var ok bool
	var err error
	if s.slot.Current() != nil {
		// the lock stays ours while the slot changes hands
		ok, err = s.locker.Extend(ctx, lock.KeyEmergency, ttl)
		if err != nil {
			return EmergencyStart{}, err
		}
	}
	if !ok {
		ok, err = s.locker.Acquire(ctx, lock.KeyEmergency, ttl)
		if err != nil {
			return EmergencyStart{}, err
		}
		if !ok {
			return EmergencyStart{}, lock.ErrLockHeld
		}
	}

	ticket, superseded := s.slot.Claim(wallet)
	start := EmergencyStart{Wallet: wallet, StartedAt: ticket.StartedAt()}
	if superseded != nil {
		prev := superseded.Wallet()
		start.Superseded = &prev
		s.logger.NoticeWithWallet(wallet.Hex(), "Emergency supersedes %s", prev.Hex())
	}

	key := fmt.Sprintf("emergency:%s:%d", wallet.Hex(), ticket.StartedAt().UnixNano())
	err = s.registry.Spawn(s.baseContext(), key, func(ctx context.Context) error {
		s.runEmergency(ctx, wallet, ticket)
		return nil
	})
	if err != nil {
		s.releaseEmergency(ticket)
		return EmergencyStart{}, err
	}

	s.saveEvent(ctx, models.Event{
		Type:   events.TypeEmergencyStarted,
		Wallet: wallet,
		Data:   map[string]interface{}{"superseded": start.Superseded != nil},
	})
	return start, nil
}

func (s *Service) runEmergency(ctx context.Context, wallet common.Address, ticket *emergency.Ticket) {
	res := s.loop.Run(ctx, wallet, ticket)
	s.emergencyMu.Lock()
	s.releaseEmergency(ticket)
	s.emergencyMu.Unlock()

	s.mu.Lock()
	s.lastEmergency = &res
	s.mu.Unlock()

	s.saveEvent(context.WithoutCancel(ctx), models.Event{
		Type:   events.TypeEmergencyFinished,
		Wallet: wallet,
		Data: map[string]interface{}{
			"reason":             res.Reason,
			"iterations":         res.Iterations,
			"transfer_triggered": res.TransferTriggered,
		},
	})
}

// releaseEmergency frees the slot and the lock when ticket still holds the slot.
// Callers hold emergencyMu.
func (s *Service) releaseEmergency(ticket *emergency.Ticket) {
	if s.slot.Release(ticket) {
		s.releaseLock(lock.KeyEmergency)
	}
}

// StopEmergency cancels the running emergency and returns its wallet, nil when none ran
func (s *Service) StopEmergency(ctx context.Context) (*common.Address, error) {
	s.emergencyMu.Lock()
	defer s.emergencyMu.Unlock()

	ticket := s.slot.Cancel()
	if ticket == nil {
		return nil, nil
	}
	wallet := ticket.Wallet()
	if err := s.locker.Release(ctx, lock.KeyEmergency); err != nil {
		return &wallet, err
	}
	s.logger.NoticeWithWallet(wallet.Hex(), "Emergency stopped")
	return &wallet, nil
}

// FundWallets tops up wallet, or every protected wallet when wallet is nil
func (s *Service) FundWallets(ctx context.Context, wallet *common.Address) (models.FundReport, error) {
	if s.funder == nil {
		return models.FundReport{}, ErrFundingDisabled
	}
	targets := s.cfg.Wallets
	if wallet != nil {
		if !s.Protected(*wallet) {
			return models.FundReport{}, ErrUnknownWallet
		}
		targets = []common.Address{*wallet}
	}
	report := s.funder.CheckAndFund(ctx, targets)
	for _, msg := range report.Errors {
		s.saveError(ctx, models.ErrorEvent{Source: "funder", ErrorType: "funding_error", Message: msg})
	}
	return report, nil
}

func (s *Service) holdsEmergencyLock(ctx context.Context, _ common.Address) bool {
	held, err := s.locker.Check(ctx, lock.KeyEmergency)
	if err != nil {
		// a lock backend outage does not end the emergency; the slot still does
		s.logger.Error("Failed to check emergency lock: %v", err)
		return true
	}
	return held
}

func (s *Service) recordTransfer(ctx context.Context, res models.TransferResult) {
	s.mu.Lock()
	s.lastTransfers[res.Wallet] = res
	s.mu.Unlock()

	s.saveEvent(ctx, models.Event{
		Type:   events.TypeTransferFinished,
		Wallet: res.Wallet,
		Data: map[string]interface{}{
			"token_kind":   string(res.TokenKind),
			"success":      res.Success,
			"completed":    res.Completed,
			"reason":       res.Reason,
			"retries":      res.Retries,
			"gas_errors":   res.GasErrors,
			"transactions": len(res.Transactions),
		},
	})
}
