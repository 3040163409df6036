package transaction

import (
	"time"

	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeWalletTopup  Type = "WALLET_TOPUP"
	TypeMatchPayment Type = "MATCH_PAYMENT"
	TypeRefund       Type = "REFUND"
	TypePayout       Type = "PAYOUT"
)

// Transaction is an immutable ledger row. Amount is signed relative to the
// owner's wallet: credits are positive, debits negative.
type Transaction struct {
	ID                int64           `db:"id" json:"id"`
	Reference         string          `db:"reference" json:"reference"`
	OwnerID           int64           `db:"owner_id" json:"owner_id"`
	WalletID          *int64          `db:"wallet_id" json:"wallet_id,omitempty"`
	Type              Type            `db:"type" json:"type"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	Currency          string          `db:"currency" json:"currency"`
	Description       string          `db:"description" json:"description"`
	PaymentID         *int64          `db:"payment_id" json:"payment_id,omitempty"`
	PayoutID          *int64          `db:"payout_id" json:"payout_id,omitempty"`
	MatchID           *int64          `db:"match_id" json:"match_id,omitempty"`
	ExternalReference *string         `db:"external_reference" json:"external_reference,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// Entry describes a ledger row to record. Amount is the unsigned magnitude;
// the sign follows from Type.
type Entry struct {
	OwnerID           int64           `validate:"gt=0"`
	WalletID          *int64
	Type              Type            `validate:"required,oneof=WALLET_TOPUP MATCH_PAYMENT REFUND PAYOUT"`
	Amount            decimal.Decimal `validate:"gt=0"`
	Currency          string          `validate:"len=3"`
	Description       string
	PaymentID         *int64
	PayoutID          *int64
	MatchID           *int64
	ExternalReference string
}

// Signed returns amount with the sign the ledger stores for t.
func (t Type) Signed(amount decimal.Decimal) decimal.Decimal {
	switch t {
	case TypePayout, TypeMatchPayment:
		return amount.Abs().Neg()
	default:
		return amount.Abs()
	}
}
