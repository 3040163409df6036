package wallet

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type Store interface {
	WithTx(tx *sqlx.Tx) Store
	CreateIfMissing(ctx context.Context, ownerID int64, currency string) (bool, error)
	GetByOwner(ctx context.Context, ownerID int64) (*Wallet, error)
	GetByOwnerForUpdate(ctx context.Context, ownerID int64) (*Wallet, error)
	UpdateBalance(ctx context.Context, walletID int64, balance decimal.Decimal) error
}
