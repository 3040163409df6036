package payment

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

var ErrPaymentNotFound = errors.New("payment not found")

const columns = `id, owner_id, type, status, amount, currency, description, match_id,
	gateway_intent_id, client_secret, gateway_charge_id, payment_method_id, save_payment_method,
	failure_reason, processed_at, created_at, updated_at`

type Repository struct {
	db sqlx.ExtContext
}

func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *sqlx.Tx) Store {
	return &Repository{db: tx}
}

func (r *Repository) Insert(ctx context.Context, p *Payment) (*Payment, error) {
	out := &Payment{}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO payments (owner_id, type, status, amount, currency, description, match_id, payment_method_id, save_payment_method)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+columns,
		p.OwnerID, p.Type, p.Status, p.Amount, p.Currency, p.Description, p.MatchID, p.PaymentMethodID, p.SavePaymentMethod,
	).StructScan(out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) SetIntent(ctx context.Context, id int64, intentID, clientSecret string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET gateway_intent_id = $1, client_secret = $2, updated_at = NOW()
		WHERE id = $3
	`, intentID, clientSecret, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id int64) (*Payment, error) {
	return r.get(ctx, `SELECT `+columns+` FROM payments WHERE id = $1`, id)
}

func (r *Repository) GetByIntentID(ctx context.Context, intentID string) (*Payment, error) {
	return r.get(ctx, `SELECT `+columns+` FROM payments WHERE gateway_intent_id = $1`, intentID)
}

func (r *Repository) GetByIntentIDForUpdate(ctx context.Context, intentID string) (*Payment, error) {
	return r.get(ctx, `SELECT `+columns+` FROM payments WHERE gateway_intent_id = $1 FOR UPDATE`, intentID)
}

func (r *Repository) GetByIDForUpdate(ctx context.Context, id int64) (*Payment, error) {
	return r.get(ctx, `SELECT `+columns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
}

// BindIntent stores intentID on a payment that has none yet. It reports
// whether the row changed.
func (r *Repository) BindIntent(ctx context.Context, id int64, intentID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET gateway_intent_id = $1, updated_at = NOW()
		WHERE id = $2 AND gateway_intent_id IS NULL
	`, intentID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Repository) get(ctx context.Context, query string, arg interface{}) (*Payment, error) {
	p := &Payment{}
	err := sqlx.GetContext(ctx, r.db, p, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateStatus moves the payment from one status to another only if it is
// still in from. It reports whether the row changed.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, from, to Status, failureReason string, processedAt *time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1,
		    failure_reason = COALESCE(NULLIF($2, ''), failure_reason),
		    processed_at = COALESCE($3, processed_at),
		    updated_at = NOW()
		WHERE id = $4 AND status = $5
	`, to, failureReason, processedAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetChargeID stores the gateway charge id if none is stored yet.
func (r *Repository) SetChargeID(ctx context.Context, id int64, chargeID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET gateway_charge_id = $1, updated_at = NOW()
		WHERE id = $2 AND gateway_charge_id IS NULL
	`, chargeID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListUnsettled returns payments with a gateway intent that have not reached a
// terminal status and were last touched before updatedBefore.
func (r *Repository) ListUnsettled(ctx context.Context, updatedBefore time.Time, limit int) ([]Payment, error) {
	payments := []Payment{}
	err := sqlx.SelectContext(ctx, r.db, &payments, `
		SELECT `+columns+`
		FROM payments
		WHERE gateway_intent_id IS NOT NULL
		  AND status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELED')
		  AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	return payments, nil
}
