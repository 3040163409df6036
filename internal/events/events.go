// Package events delivers ledger domain events to downstream consumers after
// the database transaction that produced them has committed.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"matchpay/internal/logger"
)

const (
	TransactionRecorded   = "transaction.recorded"
	PaymentStatusChanged  = "payment.status_changed"
	SubscriptionChanged   = "subscription.changed"
	PayoutScheduled       = "payout.scheduled"
	PayoutStatusChanged   = "payout.status_changed"
	WalletCreated         = "wallet.created"
	PaymentMethodAttached = "payment_method.attached"
)

type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	OwnerID    int64           `json:"owner_id"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func New(eventType, key string, ownerID int64, payload interface{}) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("null")
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Key:        key,
		OwnerID:    ownerID,
		Payload:    data,
		OccurredAt: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Emit publishes each event and logs failures. Delivery is best effort: the
// ledger rows are already committed and remain the source of truth.
func Emit(ctx context.Context, p Publisher, evts ...Event) {
	if p == nil {
		return
	}
	for _, evt := range evts {
		if err := p.Publish(ctx, evt); err != nil {
			logger.Warn("event publish failed", "event_type", evt.Type, "key", evt.Key, "error", err)
		}
	}
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
