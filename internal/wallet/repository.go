package wallet

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

var ErrWalletNotFound = errors.New("wallet not found")

type Repository struct {
	db sqlx.ExtContext
}

func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *sqlx.Tx) Store {
	return &Repository{db: tx}
}

// CreateIfMissing inserts a wallet for owner unless one exists. It reports
// whether a row was created.
func (r *Repository) CreateIfMissing(ctx context.Context, ownerID int64, currency string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO wallets (owner_id, currency)
		 VALUES ($1, $2)
		 ON CONFLICT (owner_id) DO NOTHING`,
		ownerID, currency,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Repository) GetByOwner(ctx context.Context, ownerID int64) (*Wallet, error) {
	return r.get(ctx, `SELECT id, owner_id, currency, balance, created_at, updated_at
		 FROM wallets
		 WHERE owner_id = $1`, ownerID)
}

func (r *Repository) GetByOwnerForUpdate(ctx context.Context, ownerID int64) (*Wallet, error) {
	return r.get(ctx, `SELECT id, owner_id, currency, balance, created_at, updated_at
		 FROM wallets
		 WHERE owner_id = $1
		 FOR UPDATE`, ownerID)
}

func (r *Repository) get(ctx context.Context, query string, ownerID int64) (*Wallet, error) {
	var w Wallet
	err := r.db.QueryRowxContext(ctx, query, ownerID).StructScan(&w)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Repository) UpdateBalance(ctx context.Context, walletID int64, balance decimal.Decimal) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE wallets
		 SET balance = $1, updated_at = NOW()
		 WHERE id = $2`,
		balance, walletID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrWalletNotFound
	}
	return nil
}
