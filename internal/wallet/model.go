package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet holds a user's stored balance. Currency is fixed at creation.
type Wallet struct {
	ID        int64           `db:"id" json:"id"`
	OwnerID   int64           `db:"owner_id" json:"owner_id"`
	Currency  string          `db:"currency" json:"currency"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// LedgerCheck compares a wallet balance with the sum of its transactions.
type LedgerCheck struct {
	WalletID  int64           `json:"wallet_id"`
	Balance   decimal.Decimal `json:"balance"`
	LedgerSum decimal.Decimal `json:"ledger_sum"`
}

func (c LedgerCheck) Consistent() bool {
	return c.Balance.Equal(c.LedgerSum)
}
