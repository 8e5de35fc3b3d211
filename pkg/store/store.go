// Package store persists transaction records, funding events, errors and lifecycle events.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/models"
)

// ErrNotFound is returned when a status update names an unknown transaction
var ErrNotFound = errors.New("record not found")

// Datastore is the persistence collaborator of the sentinel.
// Transaction records are keyed by hash; funding events, errors and events are append-only.
type Datastore interface {
	SaveTransaction(ctx context.Context, rec models.TransactionRecord) error
	UpdateTransactionStatus(ctx context.Context, hash common.Hash, status models.TxStatus, update models.StatusUpdate) error
	// GetFailedTransactions returns the newest failed records of wallet, at most limit
	GetFailedTransactions(ctx context.Context, wallet common.Address, limit int) ([]models.TransactionRecord, error)

	SaveError(ctx context.Context, ev models.ErrorEvent) error
	SaveEvent(ctx context.Context, ev models.Event) error
	SaveFundingEvent(ctx context.Context, ev models.GasFundingEvent) error

	CountErrorsSince(ctx context.Context, since time.Time) (int, error)
	ListRecentErrors(ctx context.Context, limit int) ([]models.ErrorEvent, error)
	DeleteErrorsBefore(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
