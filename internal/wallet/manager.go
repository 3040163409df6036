package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"matchpay/internal/apperr"
	"matchpay/internal/currency"
	"matchpay/internal/db"
	"matchpay/internal/events"
	"matchpay/internal/logger"
	"matchpay/internal/metrics"
	"matchpay/internal/transaction"
	"matchpay/internal/user"
)

type Manager struct {
	tx     db.TxRunner
	store  Store
	users  user.Store
	ledger transaction.Ledger
	txs    transaction.Store
	events events.Publisher
}

func NewManager(tx db.TxRunner, store Store, users user.Store, ledger transaction.Ledger, txs transaction.Store, pub events.Publisher) *Manager {
	return &Manager{tx: tx, store: store, users: users, ledger: ledger, txs: txs, events: pub}
}

// CreateWalletForUser returns the user's wallet, creating it in the currency of
// the user's country on first call.
func (m *Manager) CreateWalletForUser(ctx context.Context, userID int64) (*Wallet, error) {
	const op = "wallet.CreateWalletForUser"

	w, err := m.store.GetByOwner(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	u, err := m.users.FindByID(ctx, userID)
	if errors.Is(err, user.ErrUserNotFound) {
		return nil, apperr.NotFound(op, "user")
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	code, err := currency.ForCountry(u.CountryCode())
	if err != nil {
		return nil, err
	}

	created, err := m.store.CreateIfMissing(ctx, userID, code)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	w, err = m.store.GetByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if created {
		logger.Info("wallet created", "owner_id", userID, "wallet_id", w.ID, "currency", w.Currency)
		events.Emit(ctx, m.events, events.New(events.WalletCreated, walletKey(w.ID), userID, w))
	}
	return w, nil
}

// GetWalletForUser returns nil without error when the user has no wallet.
func (m *Manager) GetWalletForUser(ctx context.Context, userID int64) (*Wallet, error) {
	w, err := m.store.GetByOwner(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// TopUpWallet credits amount to the user's wallet and records the matching
// WALLET_TOPUP transaction in the same database transaction.
func (m *Manager) TopUpWallet(ctx context.Context, userID int64, amount decimal.Decimal) (*Wallet, *transaction.Transaction, error) {
	const op = "wallet.TopUpWallet"

	if !amount.IsPositive() {
		return nil, nil, apperr.Validation(op, "amount must be positive")
	}

	w, err := m.CreateWalletForUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	var updated *Wallet
	var recorded *transaction.Transaction
	err = m.tx.InTx(ctx, func(tx *sqlx.Tx) error {
		var cerr error
		updated, recorded, cerr = m.credit(ctx, tx, userID, nil, amount, w.Currency)
		return cerr
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.RecordWalletTopUp()
	events.Emit(ctx, m.events, events.New(events.TransactionRecorded, recorded.Reference, userID, recorded))
	return updated, recorded, nil
}

// CreditTopUp applies a succeeded top-up payment inside the caller's
// transaction. A currency mismatch between payment and wallet aborts it.
func (m *Manager) CreditTopUp(ctx context.Context, tx *sqlx.Tx, userID, paymentID int64, amount decimal.Decimal, currencyCode string) (*transaction.Transaction, error) {
	if _, err := m.store.WithTx(tx).CreateIfMissing(ctx, userID, strings.ToUpper(currencyCode)); err != nil {
		return nil, fmt.Errorf("wallet.CreditTopUp: %w", err)
	}
	_, recorded, err := m.credit(ctx, tx, userID, &paymentID, amount, currencyCode)
	if err != nil {
		return nil, err
	}
	metrics.RecordWalletTopUp()
	return recorded, nil
}

func (m *Manager) credit(ctx context.Context, tx *sqlx.Tx, userID int64, paymentID *int64, amount decimal.Decimal, currencyCode string) (*Wallet, *transaction.Transaction, error) {
	const op = "wallet.credit"
	store := m.store.WithTx(tx)

	w, err := store.GetByOwnerForUpdate(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return nil, nil, apperr.NotFound(op, "wallet")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	if !strings.EqualFold(w.Currency, currencyCode) {
		logger.Error("wallet currency mismatch", "wallet_id", w.ID, "wallet_currency", w.Currency, "currency", currencyCode)
		return nil, nil, apperr.Invariant(op, "wallet %d is %s, credit is %s", w.ID, w.Currency, currencyCode)
	}

	w.Balance = w.Balance.Add(amount)
	if err := store.UpdateBalance(ctx, w.ID, w.Balance); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	recorded, err := m.ledger.WithTx(tx).RecordWalletTopup(ctx, userID, w.ID, paymentID, amount, w.Currency)
	if err != nil {
		return nil, nil, err
	}
	return w, recorded, nil
}

func (m *Manager) ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]transaction.Transaction, error) {
	return m.txs.ListByOwner(ctx, userID, limit, offset)
}

// VerifyLedger checks that the wallet balance equals the sum of the
// transactions linked to it.
func (m *Manager) VerifyLedger(ctx context.Context, userID int64) (*LedgerCheck, error) {
	const op = "wallet.VerifyLedger"

	w, err := m.store.GetByOwner(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return nil, apperr.NotFound(op, "wallet")
	}
	if err != nil {
		return nil, err
	}

	sum, err := m.txs.SumForWallet(ctx, w.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	check := &LedgerCheck{WalletID: w.ID, Balance: w.Balance, LedgerSum: sum}
	if !check.Consistent() {
		logger.Error("wallet ledger mismatch", "wallet_id", w.ID, "balance", w.Balance.String(), "ledger_sum", sum.String())
		return check, apperr.Invariant(op, "wallet %d balance %s != ledger %s", w.ID, w.Balance, sum)
	}
	return check, nil
}

func walletKey(id int64) string {
	return "wallet-" + strconv.FormatInt(id, 10)
}
