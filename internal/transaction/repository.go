package transaction

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

var ErrTransactionNotFound = errors.New("transaction not found")

const columns = `id, reference, owner_id, wallet_id, type, amount, currency, description,
	payment_id, payout_id, match_id, external_reference, created_at`

type Repository struct {
	db sqlx.ExtContext
}

func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *sqlx.Tx) Store {
	return &Repository{db: tx}
}

func (r *Repository) Insert(ctx context.Context, t *Transaction) (*Transaction, error) {
	out := &Transaction{}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO transactions (reference, owner_id, wallet_id, type, amount, currency, description, payment_id, payout_id, match_id, external_reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+columns,
		t.Reference, t.OwnerID, t.WalletID, t.Type, t.Amount, t.Currency, t.Description,
		t.PaymentID, t.PayoutID, t.MatchID, t.ExternalReference,
	).StructScan(out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) GetByReference(ctx context.Context, reference string) (*Transaction, error) {
	t := &Transaction{}
	err := sqlx.GetContext(ctx, r.db, t, `SELECT `+columns+` FROM transactions WHERE reference = $1`, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Repository) ListByOwner(ctx context.Context, ownerID int64, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}

	txs := []Transaction{}
	err := sqlx.SelectContext(ctx, r.db, &txs, `
		SELECT `+columns+`
		FROM transactions
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func (r *Repository) ListByPayment(ctx context.Context, paymentID int64) ([]Transaction, error) {
	txs := []Transaction{}
	err := sqlx.SelectContext(ctx, r.db, &txs, `SELECT `+columns+` FROM transactions WHERE payment_id = $1 ORDER BY id`, paymentID)
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func (r *Repository) SumForWallet(ctx context.Context, walletID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := sqlx.GetContext(ctx, r.db, &sum, `SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE wallet_id = $1`, walletID)
	return sum, err
}
