// Package orchestrator drives the periodic scan rounds and dispatches classifier
// decisions to the transfer executor and the emergency loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/chainclient"
	"github.com/speedrun-hq/sentinel/pkg/emergency"
	"github.com/speedrun-hq/sentinel/pkg/lock"
	"github.com/speedrun-hq/sentinel/pkg/logger"
	"github.com/speedrun-hq/sentinel/pkg/models"
	"github.com/speedrun-hq/sentinel/pkg/store"
	"github.com/speedrun-hq/sentinel/pkg/tasks"
)

// ErrUnknownWallet is returned for a wallet that is not protected
var ErrUnknownWallet = errors.New("wallet is not protected")

// ErrFundingDisabled is returned by FundWallets when no funder is configured
var ErrFundingDisabled = errors.New("gas funding is not configured")

// Scanner reads a wallet snapshot
type Scanner interface {
	Scan(ctx context.Context, wallet common.Address) (*models.WalletSnapshot, error)
}

// Transferrer runs the transfer loop
type Transferrer interface {
	RunTransferLoop(ctx context.Context, wallet common.Address, kind models.TokenKind) models.TransferResult
}

// TxMonitor follows submitted transactions and keeps the error log
type TxMonitor interface {
	MonitorTransactions(ctx context.Context, tasks []models.MonitorTask) models.MonitorSummary
	PendingErrorCount(ctx context.Context, window time.Duration) (int, error)
	RecentErrors(ctx context.Context, limit int) ([]models.ErrorEvent, error)
	ClearOldErrors(ctx context.Context, olderThan time.Duration) (int64, error)
}

// GasFunder tops up wallets on request. *gasfunder.Funder implements it.
type GasFunder interface {
	CheckAndFund(ctx context.Context, targets []common.Address) models.FundReport
}

// EndpointPool is the RPC ring. *chainclient.Pool implements it.
type EndpointPool interface {
	Advance()
	ResetBreakers()
	Endpoints() []chainclient.EndpointStatus
}

// Config holds the scheduler settings
type Config struct {
	Wallets      []common.Address
	Tokens       []models.Token
	Thresholds   models.Thresholds
	TickInterval time.Duration
	RoundOffset  time.Duration
	TickBudget   time.Duration
	Emergency    emergency.Config
}

// Deps are the collaborators of the service
type Deps struct {
	Scanner   Scanner
	Transfers Transferrer
	Monitor   TxMonitor
	Funder    GasFunder
	Pool      EndpointPool
	Store     store.Datastore
	Locker    lock.Locker
	Registry  *tasks.Registry
	Slot      *emergency.Slot
}

// Service is the scheduler. Wallets are scanned one after another within a round.
type Service struct {
	cfg       Config
	wallets   map[common.Address]struct{}
	scanner   Scanner
	transfers Transferrer
	monitor   TxMonitor
	funder    GasFunder
	pool      EndpointPool
	store     store.Datastore
	locker    lock.Locker
	registry  *tasks.Registry
	slot      *emergency.Slot
	loop      *emergency.Loop
	logger    logger.Logger

	// emergencyMu orders slot changes with the emergency lock
	emergencyMu sync.Mutex

	// base is the context background tasks run under
	base   context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.RWMutex
	startedAt     time.Time
	lastTick      *TickReport
	lastEmergency *models.EmergencyResult
	lastTransfers map[common.Address]models.TransferResult
}

// New creates the service
func New(cfg Config, deps Deps, log logger.Logger) *Service {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if deps.Registry == nil {
		deps.Registry = tasks.NewRegistry(16, 64, log)
	}
	if deps.Slot == nil {
		deps.Slot = emergency.NewSlot()
	}
	if cfg.Emergency.Thresholds.Emergency == nil {
		cfg.Emergency.Thresholds = cfg.Thresholds
	}

	wallets := make(map[common.Address]struct{}, len(cfg.Wallets))
	for _, w := range cfg.Wallets {
		wallets[w] = struct{}{}
	}

	s := &Service{
		cfg:           cfg,
		wallets:       wallets,
		scanner:       deps.Scanner,
		transfers:     deps.Transfers,
		monitor:       deps.Monitor,
		funder:        deps.Funder,
		pool:          deps.Pool,
		store:         deps.Store,
		locker:        deps.Locker,
		registry:      deps.Registry,
		slot:          deps.Slot,
		logger:        log,
		base:          context.Background(),
		lastTransfers: make(map[common.Address]models.TransferResult),
	}
	s.loop = emergency.NewLoop(deps.Scanner, s.handoff, cfg.Emergency, log, emergency.WithHoldCheck(s.holdsEmergencyLock))
	return s
}

// Start begins the tick loop and the task error drain. It returns immediately.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.base = ctx
	s.cancel = cancel
	s.done = make(chan struct{})
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("Starting sentinel: %d wallets, tick every %s", len(s.cfg.Wallets), s.cfg.TickInterval)

	go s.drainErrors(ctx)
	go func() {
		defer close(s.done)
		s.tickLoop(ctx)
	}()
}

// Stop cancels the tick loop and every background task, then waits for them
func (s *Service) Stop() {
	s.mu.RLock()
	cancel, done := s.cancel, s.done
	s.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.registry.Wait()

	ctx, release := context.WithTimeout(context.Background(), 5*time.Second)
	defer release()
	if err := s.locker.ReleaseAll(ctx); err != nil {
		s.logger.Error("Failed to release locks: %v", err)
	}
	s.logger.Info("Sentinel stopped")
}

func (s *Service) tickLoop(ctx context.Context) {
	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	if _, err := s.RunTick(ctx); err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			s.logger.Info("Scan round held by another instance, skipping tick")
			return
		}
		s.logger.Error("Tick failed: %v", err)
	}
}

// drainErrors moves background task failures into the log and the error store
func (s *Service) drainErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case te := <-s.registry.Errors():
			s.logger.Error("Background task failed: %v", te)
			s.saveError(ctx, models.ErrorEvent{
				Source:    "task",
				ErrorType: "task_error",
				Message:   te.Error(),
				CreatedAt: time.Now(),
			})
		}
	}
}

// Status is the service state reported on the status route
type Status struct {
	StartedAt      time.Time                        `json:"started_at"`
	Wallets        []common.Address                 `json:"wallets"`
	Emergency      emergency.Status                 `json:"emergency"`
	LastEmergency  *models.EmergencyResult          `json:"last_emergency,omitempty"`
	LastTick       *TickReport                      `json:"last_tick,omitempty"`
	LastTransfers  map[string]models.TransferResult `json:"last_transfers,omitempty"`
	Tasks          []string                         `json:"tasks"`
	Locks          []string                         `json:"locks"`
	Endpoints      []chainclient.EndpointStatus     `json:"endpoints,omitempty"`
	ErrorsLastHour int                              `json:"errors_last_hour"`
}

// Status returns the current service state
func (s *Service) Status(ctx context.Context) Status {
	s.mu.RLock()
	st := Status{
		StartedAt:     s.startedAt,
		Wallets:       s.cfg.Wallets,
		LastEmergency: s.lastEmergency,
		LastTick:      s.lastTick,
		LastTransfers: make(map[string]models.TransferResult, len(s.lastTransfers)),
	}
	for wallet, res := range s.lastTransfers {
		st.LastTransfers[wallet.Hex()] = res
	}
	s.mu.RUnlock()

	st.Emergency = s.slot.Status()
	st.Tasks = s.registry.Active()
	st.Locks = s.locker.Held()
	if s.pool != nil {
		st.Endpoints = s.pool.Endpoints()
	}
	if s.monitor != nil {
		count, err := s.monitor.PendingErrorCount(ctx, time.Hour)
		if err != nil {
			s.logger.Error("Failed to count recent errors: %v", err)
		}
		st.ErrorsLastHour = count
	}
	return st
}

// EmergencyStatus returns the emergency slot holder and the last finished loop
func (s *Service) EmergencyStatus() (emergency.Status, *models.EmergencyResult) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slot.Status(), s.lastEmergency
}

// RestartReport describes what Restart cleared
type RestartReport struct {
	CanceledEmergency *common.Address `json:"canceled_emergency,omitempty"`
	ReleasedLocks     []string        `json:"released_locks"`
}

// Restart cancels the emergency, releases every lock this instance holds and
// closes all endpoint circuits
func (s *Service) Restart(ctx context.Context) (RestartReport, error) {
	s.emergencyMu.Lock()
	defer s.emergencyMu.Unlock()

	report := RestartReport{ReleasedLocks: s.locker.Held()}
	if t := s.slot.Cancel(); t != nil {
		wallet := t.Wallet()
		report.CanceledEmergency = &wallet
	}
	if err := s.locker.ReleaseAll(ctx); err != nil {
		return report, fmt.Errorf("failed to release locks: %w", err)
	}
	s.ResetCircuits()
	s.logger.Notice("Restart: released %d locks", len(report.ReleasedLocks))
	return report, nil
}

// ResetCircuits closes every endpoint circuit breaker
func (s *Service) ResetCircuits() {
	if s.pool != nil {
		s.pool.ResetBreakers()
	}
}

// RecentErrors returns the newest logged errors and the count of the last hour
func (s *Service) RecentErrors(ctx context.Context, limit int) ([]models.ErrorEvent, int, error) {
	errs, err := s.monitor.RecentErrors(ctx, limit)
	if err != nil {
		return nil, 0, err
	}
	count, err := s.monitor.PendingErrorCount(ctx, time.Hour)
	if err != nil {
		return nil, 0, err
	}
	return errs, count, nil
}

// ClearErrors deletes errors older than olderThan
func (s *Service) ClearErrors(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.monitor.ClearOldErrors(ctx, olderThan)
}

// ValidKind reports whether kind names a configured token, native or all
func (s *Service) ValidKind(kind models.TokenKind) bool {
	if kind == models.KindAll || kind == models.KindNative {
		return true
	}
	for _, token := range s.cfg.Tokens {
		if token.Kind() == kind {
			return true
		}
	}
	return false
}

// Protected reports whether wallet is monitored
func (s *Service) Protected(wallet common.Address) bool {
	_, ok := s.wallets[wallet]
	return ok
}

func (s *Service) baseContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base
}

func (s *Service) saveError(ctx context.Context, ev models.ErrorEvent) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveError(ctx, ev); err != nil {
		s.logger.Error("Failed to save error: %v", err)
	}
}

func (s *Service) saveEvent(ctx context.Context, ev models.Event) {
	if s.store == nil {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	if err := s.store.SaveEvent(ctx, ev); err != nil {
		s.logger.ErrorWithWallet(ev.Wallet.Hex(), "Failed to save %s event: %v", ev.Type, err)
	}
}
