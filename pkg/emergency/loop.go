// Package emergency runs the tightened polling loop for a wallet that received native
// funds but no token yet, and keeps the single process wide emergency slot.
package emergency

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/classifier"
	"github.com/speedrun-hq/sentinel/pkg/logger"
	"github.com/speedrun-hq/sentinel/pkg/metrics"
	"github.com/speedrun-hq/sentinel/pkg/models"
)

// WalletScanner reads a fresh snapshot of a wallet
type WalletScanner interface {
	Scan(ctx context.Context, wallet common.Address) (*models.WalletSnapshot, error)
}

// HandoffFunc starts a transfer for wallet without waiting for it
type HandoffFunc func(wallet common.Address, kind models.TokenKind) error

// HoldCheck is an extra ownership check run with the ticket check, e.g. a distributed lock
type HoldCheck func(ctx context.Context, wallet common.Address) bool

// Config holds the loop settings
type Config struct {
	Interval    time.Duration
	MaxDuration time.Duration
	Thresholds  models.Thresholds
}

// Loop polls one wallet until a transfer can be handed off, the claim is lost or time runs out
type Loop struct {
	scanner WalletScanner
	handoff HandoffFunc
	hold    HoldCheck
	cfg     Config
	logger  logger.Logger
}

// Option configures a Loop
type Option func(*Loop)

// WithHoldCheck adds check to the ownership test done at the top of every iteration
func WithHoldCheck(check HoldCheck) Option {
	return func(l *Loop) {
		l.hold = check
	}
}

// NewLoop creates an emergency loop
func NewLoop(scanner WalletScanner, handoff HandoffFunc, cfg Config, log logger.Logger, opts ...Option) *Loop {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	l := &Loop{scanner: scanner, handoff: handoff, cfg: cfg, logger: log}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run polls wallet while ticket stays active. A scan error only costs the iteration.
func (l *Loop) Run(ctx context.Context, wallet common.Address, ticket *Ticket) models.EmergencyResult {
	result := models.EmergencyResult{Wallet: wallet}
	w := wallet.Hex()
	start := time.Now()

	l.logger.NoticeWithWallet(w, "Emergency mode started (max duration: %s)", l.cfg.MaxDuration)

	for time.Since(start) < l.cfg.MaxDuration {
		result.Iterations++

		if !l.holding(ctx, wallet, ticket) {
			l.logger.InfoWithWallet(w, "Emergency claim lost, leaving emergency mode")
			return l.finish(result, true, models.ReasonLockExpired)
		}

		snapshot, err := l.scanner.Scan(ctx, wallet)
		if err != nil {
			l.logger.ErrorWithWallet(w, "Emergency scan %d failed: %v", result.Iterations, err)
		} else if classifier.ShouldHandOff(snapshot, l.cfg.Thresholds) {
			kind := models.KindNative
			if action := classifier.Classify(snapshot, l.cfg.Thresholds); action.Kind == models.ActionTransfer {
				kind = action.TokenKind
			}

			if l.handoff == nil {
				l.logger.ErrorWithWallet(w, "No transfer executor wired, cannot hand off")
				return l.finish(result, false, models.ReasonTransferUnavailable)
			}
			if err := l.handoff(wallet, kind); err != nil {
				l.logger.ErrorWithWallet(w, "Failed to start transfer (%s): %v", kind, err)
				return l.finish(result, false, models.ReasonTransferUnavailable)
			}
			l.logger.NoticeWithWallet(w, "Transfer started (%s), leaving emergency mode", kind)
			result.TransferTriggered = true
			return l.finish(result, true, models.ReasonTransferStarted)
		}

		if !sleep(ctx, l.cfg.Interval) {
			// the next iteration observes the canceled context as a lost claim
			continue
		}
	}

	l.logger.InfoWithWallet(w, "Emergency mode timed out after %d iterations", result.Iterations)
	return l.finish(result, true, models.ReasonTimeout)
}

func (l *Loop) holding(ctx context.Context, wallet common.Address, ticket *Ticket) bool {
	if ctx.Err() != nil || !ticket.Active() {
		return false
	}
	if l.hold != nil && !l.hold(ctx, wallet) {
		return false
	}
	return true
}

func (l *Loop) finish(result models.EmergencyResult, success bool, reason string) models.EmergencyResult {
	result.Success = success
	result.Reason = reason
	metrics.Emergencies.WithLabelValues(reason).Inc()
	return result
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
