package payout

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	ErrPayoutNotFound  = errors.New("payout not found")
	ErrAccountNotFound = errors.New("payout account not found")
)

const columns = `id, owner_id, match_id, amount, currency, status, scheduled_payout_date,
	gateway_payout_id, failure_reason, attempt, created_at, updated_at`

type Repository struct {
	db sqlx.ExtContext
}

func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *sqlx.Tx) Store {
	return &Repository{db: tx}
}

// InsertScheduled creates the payout unless the match already has one. It
// reports whether a row was created.
func (r *Repository) InsertScheduled(ctx context.Context, p *Payout) (*Payout, bool, error) {
	out := &Payout{}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO payouts (owner_id, match_id, amount, currency, status, scheduled_payout_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (match_id) DO NOTHING
		RETURNING `+columns,
		p.OwnerID, p.MatchID, p.Amount, p.Currency, p.Status, p.ScheduledPayoutDate,
	).StructScan(out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (r *Repository) GetByID(ctx context.Context, id int64) (*Payout, error) {
	return r.get(ctx, `SELECT `+columns+` FROM payouts WHERE id = $1`, id)
}

func (r *Repository) GetByIDForUpdate(ctx context.Context, id int64) (*Payout, error) {
	return r.get(ctx, `SELECT `+columns+` FROM payouts WHERE id = $1 FOR UPDATE`, id)
}

func (r *Repository) get(ctx context.Context, query string, id int64) (*Payout, error) {
	p := &Payout{}
	err := sqlx.GetContext(ctx, r.db, p, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Transition moves the payout to to if its status is one of from. Empty
// gatewayPayoutID and failureReason keep the stored values.
func (r *Repository) Transition(ctx context.Context, id int64, from []Status, to Status, gatewayPayoutID, failureReason string) (bool, error) {
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE payouts
		SET status = $1,
		    gateway_payout_id = COALESCE(NULLIF($2, ''), gateway_payout_id),
		    failure_reason = NULLIF($3, ''),
		    updated_at = NOW()
		WHERE id = $4 AND status = ANY($5)
	`, to, gatewayPayoutID, failureReason, id, pq.Array(statuses))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Requeue moves a FAILED payout back to PENDING and starts a new attempt.
func (r *Repository) Requeue(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payouts
		SET status = 'PENDING', attempt = attempt + 1, failure_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'FAILED'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListDue returns withdrawable payouts whose scheduled date has passed.
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]Payout, error) {
	payouts := []Payout{}
	err := sqlx.SelectContext(ctx, r.db, &payouts, `
		SELECT `+columns+`
		FROM payouts
		WHERE status IN ('SCHEDULED', 'PENDING') AND scheduled_payout_date <= $1
		ORDER BY scheduled_payout_date
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return payouts, nil
}

func (r *Repository) ListProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]Payout, error) {
	payouts := []Payout{}
	err := sqlx.SelectContext(ctx, r.db, &payouts, `
		SELECT `+columns+`
		FROM payouts
		WHERE status = 'PROCESSING' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	return payouts, nil
}

type AccountRepository struct {
	db sqlx.ExtContext
}

func NewAccountRepository(db sqlx.ExtContext) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) WithTx(tx *sqlx.Tx) AccountStore {
	return &AccountRepository{db: tx}
}

func (r *AccountRepository) GetByOwner(ctx context.Context, ownerID int64) (*Account, error) {
	a := &Account{}
	err := sqlx.GetContext(ctx, r.db, a, `
		SELECT id, owner_id, gateway_account_id, charges_enabled, payouts_enabled, created_at, updated_at
		FROM payout_accounts
		WHERE owner_id = $1
	`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *AccountRepository) InsertIfMissing(ctx context.Context, ownerID int64, gatewayAccountID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payout_accounts (owner_id, gateway_account_id)
		VALUES ($1, $2)
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID, gatewayAccountID)
	return err
}

func (r *AccountRepository) UpdateCapabilities(ctx context.Context, gatewayAccountID string, chargesEnabled, payoutsEnabled bool) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payout_accounts
		SET charges_enabled = $1, payouts_enabled = $2, updated_at = NOW()
		WHERE gateway_account_id = $3
	`, chargesEnabled, payoutsEnabled, gatewayAccountID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
