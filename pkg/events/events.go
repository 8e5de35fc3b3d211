// Package events publishes lifecycle events to an external sink.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/speedrun-hq/sentinel/pkg/models"
)

// Event types
const (
	TypeTransactionSaved  = "transaction_saved"
	TypeTransactionStatus = "transaction_status"
	TypeGasFunding        = "gas_funding"
	TypeError             = "error"
	TypeEmergencyStarted  = "emergency_started"
	TypeEmergencyFinished = "emergency_finished"
	TypeTransferFinished  = "transfer_finished"
)

// Publisher sends events to a sink
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
	Close() error
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, models.Event) error { return nil }

func (NopPublisher) Close() error { return nil }

// stamp fills in the id and time of ev when missing
func stamp(ev models.Event) models.Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return ev
}
