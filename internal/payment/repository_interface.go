package payment

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

type Store interface {
	WithTx(tx *sqlx.Tx) Store
	Insert(ctx context.Context, p *Payment) (*Payment, error)
	SetIntent(ctx context.Context, id int64, intentID, clientSecret string) error
	GetByID(ctx context.Context, id int64) (*Payment, error)
	GetByIntentID(ctx context.Context, intentID string) (*Payment, error)
	GetByIntentIDForUpdate(ctx context.Context, intentID string) (*Payment, error)
	GetByIDForUpdate(ctx context.Context, id int64) (*Payment, error)
	BindIntent(ctx context.Context, id int64, intentID string) (bool, error)
	UpdateStatus(ctx context.Context, id int64, from, to Status, failureReason string, processedAt *time.Time) (bool, error)
	SetChargeID(ctx context.Context, id int64, chargeID string) (bool, error)
	ListUnsettled(ctx context.Context, updatedBefore time.Time, limit int) ([]Payment, error)
}
