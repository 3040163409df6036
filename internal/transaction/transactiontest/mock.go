// Package transactiontest provides a testify mock of transaction.Ledger.
package transactiontest

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"matchpay/internal/transaction"
)

type Ledger struct{ mock.Mock }

var _ transaction.Ledger = (*Ledger)(nil)

func (m *Ledger) WithTx(tx *sqlx.Tx) transaction.Ledger { return m }

func (m *Ledger) Record(ctx context.Context, e transaction.Entry) (*transaction.Transaction, error) {
	return m.result(m.Called(ctx, e))
}

func (m *Ledger) RecordWalletTopup(ctx context.Context, ownerID, walletID int64, paymentID *int64, amount decimal.Decimal, currency string) (*transaction.Transaction, error) {
	return m.result(m.Called(ctx, ownerID, walletID, paymentID, amount, currency))
}

func (m *Ledger) RecordMatchPayment(ctx context.Context, ownerID, paymentID int64, matchID *int64, amount decimal.Decimal, currency string) (*transaction.Transaction, error) {
	return m.result(m.Called(ctx, ownerID, paymentID, matchID, amount, currency))
}

func (m *Ledger) RecordRefund(ctx context.Context, ownerID, paymentID int64, walletID *int64, amount decimal.Decimal, currency, refundID string) (*transaction.Transaction, error) {
	return m.result(m.Called(ctx, ownerID, paymentID, walletID, amount, currency, refundID))
}

func (m *Ledger) RecordPayout(ctx context.Context, ownerID, payoutID int64, matchID *int64, amount decimal.Decimal, currency, gatewayPayoutID string) (*transaction.Transaction, error) {
	return m.result(m.Called(ctx, ownerID, payoutID, matchID, amount, currency, gatewayPayoutID))
}

func (m *Ledger) result(args mock.Arguments) (*transaction.Transaction, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*transaction.Transaction), args.Error(1)
}

// Amount matches a decimal argument by value rather than representation.
func Amount(s string) interface{} {
	want := decimal.RequireFromString(s)
	return mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(want) })
}
