package subscription

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

type Store interface {
	WithTx(tx *sqlx.Tx) Store
	LockOwner(ctx context.Context, ownerID int64) error
	Insert(ctx context.Context, s *Subscription) (*Subscription, error)
	GetByID(ctx context.Context, id int64) (*Subscription, error)
	GetActiveByOwner(ctx context.Context, ownerID int64) (*Subscription, error)
	GetByGatewayIDForUpdate(ctx context.Context, gatewayID string) (*Subscription, error)
	HasUsedTrial(ctx context.Context, ownerID int64) (bool, error)
	Update(ctx context.Context, s *Subscription) error
	Cancel(ctx context.Context, id int64, from Status, canceledAt time.Time) (bool, error)
	IsUserSubscribed(ctx context.Context, ownerID int64) (bool, error)
	IsCommunitySubscribed(ctx context.Context, communityID int64) (bool, error)
}
