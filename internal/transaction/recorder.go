package transaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"matchpay/internal/apperr"
	"matchpay/internal/db"
	"matchpay/internal/metrics"
	"matchpay/internal/validation"
)

// Ledger appends immutable transactions. It never changes wallet balances;
// callers that move a balance record the matching row in the same database
// transaction.
type Ledger interface {
	WithTx(tx *sqlx.Tx) Ledger
	Record(ctx context.Context, e Entry) (*Transaction, error)
	RecordWalletTopup(ctx context.Context, ownerID, walletID int64, paymentID *int64, amount decimal.Decimal, currency string) (*Transaction, error)
	RecordMatchPayment(ctx context.Context, ownerID, paymentID int64, matchID *int64, amount decimal.Decimal, currency string) (*Transaction, error)
	RecordRefund(ctx context.Context, ownerID, paymentID int64, walletID *int64, amount decimal.Decimal, currency, refundID string) (*Transaction, error)
	RecordPayout(ctx context.Context, ownerID, payoutID int64, matchID *int64, amount decimal.Decimal, currency, gatewayPayoutID string) (*Transaction, error)
}

type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) WithTx(tx *sqlx.Tx) Ledger {
	return &Recorder{store: r.store.WithTx(tx)}
}

func (r *Recorder) Record(ctx context.Context, e Entry) (*Transaction, error) {
	const op = "transaction.Record"

	if err := validation.Struct(op, e); err != nil {
		return nil, err
	}

	t := &Transaction{
		Reference:   ulid.Make().String(),
		OwnerID:     e.OwnerID,
		WalletID:    e.WalletID,
		Type:        e.Type,
		Amount:      e.Type.Signed(e.Amount),
		Currency:    strings.ToUpper(e.Currency),
		Description: e.Description,
		PaymentID:   e.PaymentID,
		PayoutID:    e.PayoutID,
		MatchID:     e.MatchID,
	}
	if e.ExternalReference != "" {
		ref := e.ExternalReference
		t.ExternalReference = &ref
	}

	saved, err := r.store.Insert(ctx, t)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, apperr.Conflict(op, "%s %s already recorded", e.Type, e.ExternalReference)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	metrics.RecordLedgerTransaction(string(saved.Type), saved.Currency)
	return saved, nil
}

func (r *Recorder) RecordWalletTopup(ctx context.Context, ownerID, walletID int64, paymentID *int64, amount decimal.Decimal, currency string) (*Transaction, error) {
	return r.Record(ctx, Entry{
		OwnerID:     ownerID,
		WalletID:    &walletID,
		Type:        TypeWalletTopup,
		Amount:      amount,
		Currency:    currency,
		Description: "Wallet top-up",
		PaymentID:   paymentID,
	})
}

// RecordMatchPayment records a card-funded match fee. The wallet is not
// involved so no wallet is linked.
func (r *Recorder) RecordMatchPayment(ctx context.Context, ownerID, paymentID int64, matchID *int64, amount decimal.Decimal, currency string) (*Transaction, error) {
	return r.Record(ctx, Entry{
		OwnerID:     ownerID,
		Type:        TypeMatchPayment,
		Amount:      amount,
		Currency:    currency,
		Description: "Match payment",
		PaymentID:   &paymentID,
		MatchID:     matchID,
	})
}

func (r *Recorder) RecordRefund(ctx context.Context, ownerID, paymentID int64, walletID *int64, amount decimal.Decimal, currency, refundID string) (*Transaction, error) {
	return r.Record(ctx, Entry{
		OwnerID:           ownerID,
		WalletID:          walletID,
		Type:              TypeRefund,
		Amount:            amount,
		Currency:          currency,
		Description:       "Refund",
		PaymentID:         &paymentID,
		ExternalReference: refundID,
	})
}

func (r *Recorder) RecordPayout(ctx context.Context, ownerID, payoutID int64, matchID *int64, amount decimal.Decimal, currency, gatewayPayoutID string) (*Transaction, error) {
	return r.Record(ctx, Entry{
		OwnerID:           ownerID,
		Type:              TypePayout,
		Amount:            amount,
		Currency:          currency,
		Description:       "Match payout",
		PayoutID:          &payoutID,
		MatchID:           matchID,
		ExternalReference: gatewayPayoutID,
	})
}
