package events

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/logger"
	"github.com/speedrun-hq/sentinel/pkg/models"
	"github.com/speedrun-hq/sentinel/pkg/store"
)

// journalQueueSize bounds the events waiting for the publisher
const journalQueueSize = 256

// Journal wraps a datastore and publishes an event after every successful write.
// Events are queued and published in the background, in write order, so a slow
// sink never delays a write. Publishing failures are logged and never fail the
// write; events are dropped while the queue is full.
type Journal struct {
	store.Datastore
	publisher Publisher
	logger    logger.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan models.Event
	done   chan struct{}
}

var _ store.Datastore = (*Journal)(nil)

// NewJournal creates a journal over ds and starts its publishing goroutine
func NewJournal(ds store.Datastore, publisher Publisher, log logger.Logger) *Journal {
	return newJournal(ds, publisher, log, journalQueueSize)
}

func newJournal(ds store.Datastore, publisher Publisher, log logger.Logger, queueSize int) *Journal {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	j := &Journal{
		Datastore: ds,
		publisher: publisher,
		logger:    log,
		queue:     make(chan models.Event, queueSize),
		done:      make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *Journal) run() {
	defer close(j.done)
	for ev := range j.queue {
		if err := j.publisher.Publish(context.Background(), ev); err != nil {
			j.logger.Error("Failed to publish %s event: %v", ev.Type, err)
		}
	}
}

func (j *Journal) SaveTransaction(ctx context.Context, rec models.TransactionRecord) error {
	if err := j.Datastore.SaveTransaction(ctx, rec); err != nil {
		return err
	}
	j.publish(models.Event{
		Type:   TypeTransactionSaved,
		Wallet: rec.Wallet,
		Data: map[string]interface{}{
			"hash":       rec.Hash.Hex(),
			"token_kind": string(rec.TokenKind),
			"amount":     rec.Amount,
			"status":     string(rec.Status),
			"error":      rec.Error,
		},
	})
	return nil
}

func (j *Journal) UpdateTransactionStatus(ctx context.Context, hash common.Hash, status models.TxStatus, update models.StatusUpdate) error {
	if err := j.Datastore.UpdateTransactionStatus(ctx, hash, status, update); err != nil {
		return err
	}
	j.publish(models.Event{
		Type: TypeTransactionStatus,
		Data: map[string]interface{}{
			"hash":         hash.Hex(),
			"status":       string(status),
			"gas_used":     update.GasUsed,
			"block_number": update.BlockNumber,
			"error":        update.Error,
		},
	})
	return nil
}

func (j *Journal) SaveFundingEvent(ctx context.Context, ev models.GasFundingEvent) error {
	if err := j.Datastore.SaveFundingEvent(ctx, ev); err != nil {
		return err
	}
	data := map[string]interface{}{
		"amount":  ev.Amount,
		"reason":  ev.Reason,
		"success": ev.Success,
		"error":   ev.Error,
	}
	if ev.Hash != nil {
		data["hash"] = ev.Hash.Hex()
	}
	j.publish(models.Event{Type: TypeGasFunding, Wallet: ev.Target, Data: data, CreatedAt: ev.CreatedAt})
	return nil
}

func (j *Journal) SaveError(ctx context.Context, ev models.ErrorEvent) error {
	if err := j.Datastore.SaveError(ctx, ev); err != nil {
		return err
	}
	j.publish(models.Event{
		Type:   TypeError,
		Wallet: ev.Wallet,
		Data: map[string]interface{}{
			"source":     ev.Source,
			"error_type": ev.ErrorType,
			"message":    ev.Message,
		},
		CreatedAt: ev.CreatedAt,
	})
	return nil
}

func (j *Journal) SaveEvent(ctx context.Context, ev models.Event) error {
	ev = stamp(ev)
	if err := j.Datastore.SaveEvent(ctx, ev); err != nil {
		return err
	}
	j.publish(ev)
	return nil
}

// Close publishes the queued events, then closes the publisher and the datastore
func (j *Journal) Close() error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()
	<-j.done

	if err := j.publisher.Close(); err != nil {
		j.logger.Error("Failed to close event publisher: %v", err)
	}
	return j.Datastore.Close()
}

func (j *Journal) publish(ev models.Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Error("Journal closed, dropping %s event", ev.Type)
		return
	}
	select {
	case j.queue <- ev:
	default:
		j.logger.Error("Event queue full, dropping %s event", ev.Type)
	}
}
