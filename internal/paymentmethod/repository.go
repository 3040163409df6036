package paymentmethod

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"matchpay/internal/db"
)

var ErrPaymentMethodNotFound = errors.New("payment method not found")

type Store interface {
	WithTx(tx *sqlx.Tx) Store
	Upsert(ctx context.Context, m *SavedPaymentMethod) (*SavedPaymentMethod, error)
	GetByID(ctx context.Context, ownerID, id int64) (*SavedPaymentMethod, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]SavedPaymentMethod, error)
	HasDefault(ctx context.Context, ownerID int64) (bool, error)
	ClearDefault(ctx context.Context, ownerID int64) error
	MarkDefault(ctx context.Context, ownerID, id int64) error
	UpdateNickname(ctx context.Context, ownerID, id int64, nickname *string) error
	Delete(ctx context.Context, ownerID, id int64) error
}

const columns = `id, owner_id, gateway_payment_method_id, brand, last4, exp_month, exp_year, nickname, is_default, created_at`

type Repository struct {
	db sqlx.ExtContext
}

func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *sqlx.Tx) Store {
	return &Repository{db: tx}
}

// Upsert stores the method or refreshes the card details of an existing one.
func (r *Repository) Upsert(ctx context.Context, m *SavedPaymentMethod) (*SavedPaymentMethod, error) {
	out := &SavedPaymentMethod{}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO saved_payment_methods (owner_id, gateway_payment_method_id, brand, last4, exp_month, exp_year)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, gateway_payment_method_id)
		DO UPDATE SET brand = EXCLUDED.brand, last4 = EXCLUDED.last4, exp_month = EXCLUDED.exp_month, exp_year = EXCLUDED.exp_year
		RETURNING `+columns,
		m.OwnerID, m.GatewayPaymentMethodID, m.Brand, m.Last4, m.ExpMonth, m.ExpYear,
	).StructScan(out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) GetByID(ctx context.Context, ownerID, id int64) (*SavedPaymentMethod, error) {
	m := &SavedPaymentMethod{}
	err := sqlx.GetContext(ctx, r.db, m, `SELECT `+columns+` FROM saved_payment_methods WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentMethodNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Repository) ListByOwner(ctx context.Context, ownerID int64) ([]SavedPaymentMethod, error) {
	methods := []SavedPaymentMethod{}
	err := sqlx.SelectContext(ctx, r.db, &methods, `
		SELECT `+columns+`
		FROM saved_payment_methods
		WHERE owner_id = $1
		ORDER BY is_default DESC, created_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	return methods, nil
}

func (r *Repository) HasDefault(ctx context.Context, ownerID int64) (bool, error) {
	return db.Exists(ctx, r.db, `SELECT EXISTS (SELECT 1 FROM saved_payment_methods WHERE owner_id = $1 AND is_default)`, ownerID)
}

func (r *Repository) ClearDefault(ctx context.Context, ownerID int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE saved_payment_methods SET is_default = FALSE WHERE owner_id = $1 AND is_default`, ownerID)
	return err
}

func (r *Repository) MarkDefault(ctx context.Context, ownerID, id int64) error {
	return r.execOne(ctx, `UPDATE saved_payment_methods SET is_default = TRUE WHERE id = $1 AND owner_id = $2`, id, ownerID)
}

func (r *Repository) UpdateNickname(ctx context.Context, ownerID, id int64, nickname *string) error {
	return r.execOne(ctx, `UPDATE saved_payment_methods SET nickname = $1 WHERE id = $2 AND owner_id = $3`, nickname, id, ownerID)
}

func (r *Repository) Delete(ctx context.Context, ownerID, id int64) error {
	return r.execOne(ctx, `DELETE FROM saved_payment_methods WHERE id = $1 AND owner_id = $2`, id, ownerID)
}

func (r *Repository) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPaymentMethodNotFound
	}
	return nil
}
