package payout

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

type Store interface {
	WithTx(tx *sqlx.Tx) Store
	InsertScheduled(ctx context.Context, p *Payout) (*Payout, bool, error)
	GetByID(ctx context.Context, id int64) (*Payout, error)
	GetByIDForUpdate(ctx context.Context, id int64) (*Payout, error)
	Transition(ctx context.Context, id int64, from []Status, to Status, gatewayPayoutID, failureReason string) (bool, error)
	Requeue(ctx context.Context, id int64) (bool, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]Payout, error)
	ListProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]Payout, error)
}

type AccountStore interface {
	WithTx(tx *sqlx.Tx) AccountStore
	GetByOwner(ctx context.Context, ownerID int64) (*Account, error)
	InsertIfMissing(ctx context.Context, ownerID int64, gatewayAccountID string) error
	UpdateCapabilities(ctx context.Context, gatewayAccountID string, chargesEnabled, payoutsEnabled bool) (bool, error)
}
