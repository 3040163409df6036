package transaction

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type Store interface {
	WithTx(tx *sqlx.Tx) Store
	Insert(ctx context.Context, t *Transaction) (*Transaction, error)
	GetByReference(ctx context.Context, reference string) (*Transaction, error)
	ListByOwner(ctx context.Context, ownerID int64, limit, offset int) ([]Transaction, error)
	ListByPayment(ctx context.Context, paymentID int64) ([]Transaction, error)
	SumForWallet(ctx context.Context, walletID int64) (decimal.Decimal, error)
}
