package subscription

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"matchpay/internal/db"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// OneActiveConstraint is the partial unique index allowing one ACTIVE or
// TRIALING subscription per owner.
const OneActiveConstraint = "uq_subscriptions_one_active"

const columns = `id, owner_id, community_id, gateway_subscription_id, status, amount, currency, billing_cycle,
	trial_start, trial_end, current_period_start, current_period_end, next_billing_date, canceled_at,
	gateway_updated_at, created_at, updated_at`

type Repository struct {
	db sqlx.ExtContext
}

func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *sqlx.Tx) Store {
	return &Repository{db: tx}
}

// LockOwner serialises subscription creation for one owner until the
// surrounding transaction ends.
func (r *Repository) LockOwner(ctx context.Context, ownerID int64) error {
	return db.AdvisoryLock(ctx, r.db, "subscription", ownerID)
}

func (r *Repository) Insert(ctx context.Context, s *Subscription) (*Subscription, error) {
	out := &Subscription{}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO subscriptions (owner_id, community_id, gateway_subscription_id, status, amount, currency, billing_cycle,
			trial_start, trial_end, current_period_start, current_period_end, next_billing_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+columns,
		s.OwnerID, s.CommunityID, s.GatewaySubscriptionID, s.Status, s.Amount, s.Currency, s.BillingCycle,
		s.TrialStart, s.TrialEnd, s.CurrentPeriodStart, s.CurrentPeriodEnd, s.NextBillingDate,
	).StructScan(out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) GetByID(ctx context.Context, id int64) (*Subscription, error) {
	return r.get(ctx, `SELECT `+columns+` FROM subscriptions WHERE id = $1`, id)
}

func (r *Repository) GetActiveByOwner(ctx context.Context, ownerID int64) (*Subscription, error) {
	return r.get(ctx, `
		SELECT `+columns+`
		FROM subscriptions
		WHERE owner_id = $1 AND status IN ('ACTIVE', 'TRIALING')
		LIMIT 1
	`, ownerID)
}

func (r *Repository) GetByGatewayIDForUpdate(ctx context.Context, gatewayID string) (*Subscription, error) {
	return r.get(ctx, `SELECT `+columns+` FROM subscriptions WHERE gateway_subscription_id = $1 FOR UPDATE`, gatewayID)
}

func (r *Repository) get(ctx context.Context, query string, arg interface{}) (*Subscription, error) {
	s := &Subscription{}
	err := sqlx.GetContext(ctx, r.db, s, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// HasUsedTrial reports whether any subscription of the owner ever started a
// trial, whatever its current status.
func (r *Repository) HasUsedTrial(ctx context.Context, ownerID int64) (bool, error) {
	return db.Exists(ctx, r.db, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE owner_id = $1 AND trial_start IS NOT NULL)`, ownerID)
}

func (r *Repository) Update(ctx context.Context, s *Subscription) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $1,
		    trial_start = $2,
		    trial_end = $3,
		    current_period_start = $4,
		    current_period_end = $5,
		    next_billing_date = $6,
		    canceled_at = $7,
		    gateway_updated_at = $8,
		    updated_at = NOW()
		WHERE id = $9
	`, s.Status, s.TrialStart, s.TrialEnd, s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.NextBillingDate, s.CanceledAt, s.GatewayUpdatedAt, s.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// Cancel moves the subscription to CANCELED if it is still in from.
func (r *Repository) Cancel(ctx context.Context, id int64, from Status, canceledAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = 'CANCELED', canceled_at = $1, next_billing_date = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, canceledAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Repository) IsUserSubscribed(ctx context.Context, ownerID int64) (bool, error) {
	return db.Exists(ctx, r.db, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE owner_id = $1 AND status IN ('ACTIVE', 'TRIALING'))`, ownerID)
}

func (r *Repository) IsCommunitySubscribed(ctx context.Context, communityID int64) (bool, error) {
	return db.Exists(ctx, r.db, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE community_id = $1 AND status IN ('ACTIVE', 'TRIALING'))`, communityID)
}
