package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/models"
)

// Memory is a Datastore held in process memory. It is the default when no database is configured.
type Memory struct {
	mu            sync.RWMutex
	transactions  map[common.Hash]*models.TransactionRecord
	order         []common.Hash
	errors        []models.ErrorEvent
	events        []models.Event
	fundingEvents []models.GasFundingEvent
	now           func() time.Time
}

var _ Datastore = (*Memory)(nil)

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{
		transactions: make(map[common.Hash]*models.TransactionRecord),
		now:          time.Now,
	}
}

func (m *Memory) SaveTransaction(_ context.Context, rec models.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	if existing, ok := m.transactions[rec.Hash]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		m.order = append(m.order, rec.Hash)
	}
	m.transactions[rec.Hash] = &rec
	return nil
}

func (m *Memory) UpdateTransactionStatus(_ context.Context, hash common.Hash, status models.TxStatus, update models.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.transactions[hash]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	if update.GasUsed > 0 {
		rec.GasUsed = update.GasUsed
	}
	if update.BlockNumber > 0 {
		rec.BlockNumber = update.BlockNumber
	}
	if update.Error != "" {
		rec.Error = update.Error
	}
	rec.UpdatedAt = m.now()
	return nil
}

func (m *Memory) GetFailedTransactions(_ context.Context, wallet common.Address, limit int) ([]models.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var failed []models.TransactionRecord
	for i := len(m.order) - 1; i >= 0; i-- {
		rec := m.transactions[m.order[i]]
		if rec.Wallet != wallet || rec.Status != models.TxFailed {
			continue
		}
		failed = append(failed, *rec)
		if limit > 0 && len(failed) == limit {
			break
		}
	}
	return failed, nil
}

func (m *Memory) SaveError(_ context.Context, ev models.ErrorEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	m.errors = append(m.errors, ev)
	return nil
}

func (m *Memory) SaveEvent(_ context.Context, ev models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) SaveFundingEvent(_ context.Context, ev models.GasFundingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	m.fundingEvents = append(m.fundingEvents, ev)
	return nil
}

func (m *Memory) CountErrorsSince(_ context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, ev := range m.errors {
		if !ev.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) ListRecentErrors(_ context.Context, limit int) ([]models.ErrorEvent, error) {
	m.mu.RLock()
	out := make([]models.ErrorEvent, len(m.errors))
	copy(out, m.errors)
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteErrorsBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.errors[:0]
	var deleted int64
	for _, ev := range m.errors {
		if ev.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	m.errors = kept
	return deleted, nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// Transaction returns the record for hash
func (m *Memory) Transaction(hash common.Hash) (models.TransactionRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.transactions[hash]
	if !ok {
		return models.TransactionRecord{}, false
	}
	return *rec, true
}

// Transactions returns all records in insertion order
func (m *Memory) Transactions() []models.TransactionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TransactionRecord, 0, len(m.order))
	for _, hash := range m.order {
		out = append(out, *m.transactions[hash])
	}
	return out
}

// FundingEvents returns all funding events in insertion order
func (m *Memory) FundingEvents() []models.GasFundingEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.GasFundingEvent, len(m.fundingEvents))
	copy(out, m.fundingEvents)
	return out
}

// Events returns all lifecycle events in insertion order
func (m *Memory) Events() []models.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Event, len(m.events))
	copy(out, m.events)
	return out
}
