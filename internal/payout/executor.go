package payout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"matchpay/internal/apperr"
	"matchpay/internal/db"
	"matchpay/internal/events"
	"matchpay/internal/gateway"
	"matchpay/internal/logger"
	"matchpay/internal/metrics"
	"matchpay/internal/transaction"
	"matchpay/internal/user"
)

// Gateway payout statuses carried by payout.* webhooks.
const (
	gatewayPaid   = "paid"
	gatewayFailed = "failed"
)

// Change is the outcome of a payout transition inside a database transaction.
// Publish it once the transaction has committed.
type Change struct {
	Payout   *Payout
	From     Status
	Changed  bool
	Recorded *transaction.Transaction
}

type Executor struct {
	tx       db.TxRunner
	store    Store
	accounts AccountStore
	users    user.Store
	gateway  gateway.Client
	ledger   transaction.Ledger
	events   events.Publisher
	now      func() time.Time
}

func NewExecutor(tx db.TxRunner, store Store, accounts AccountStore, users user.Store, gw gateway.Client, ledger transaction.Ledger, pub events.Publisher) *Executor {
	return &Executor{
		tx:       tx,
		store:    store,
		accounts: accounts,
		users:    users,
		gateway:  gw,
		ledger:   ledger,
		events:   pub,
		now:      time.Now,
	}
}

// SetupPayout makes sure the organizer has a connected account and returns an
// onboarding session for it.
func (e *Executor) SetupPayout(ctx context.Context, ownerID int64) (*SetupResult, error) {
	const op = "payout.SetupPayout"

	acct, err := e.accounts.GetByOwner(ctx, ownerID)
	if err == nil {
		return e.session(ctx, acct, true)
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	u, err := e.users.FindByID(ctx, ownerID)
	if errors.Is(err, user.ErrUserNotFound) {
		return nil, apperr.NotFound(op, "user")
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	accountID, err := e.gateway.CreateConnectedAccount(ctx, ownerID, u.Email, u.CountryCode())
	if err != nil {
		return nil, apperr.Gateway(op, err)
	}
	if err := e.accounts.InsertIfMissing(ctx, ownerID, accountID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// A concurrent setup may have won the insert; use whichever row exists.
	acct, err = e.accounts.GetByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if acct.GatewayAccountID != accountID {
		logger.Warn("connected account created twice", "owner_id", ownerID, "kept", acct.GatewayAccountID, "orphaned", accountID)
	}
	logger.Info("payout account created", "owner_id", ownerID, "account_id", acct.GatewayAccountID)
	return e.session(ctx, acct, false)
}

func (e *Executor) session(ctx context.Context, acct *Account, alreadySetup bool) (*SetupResult, error) {
	secret, err := e.gateway.CreateAccountSession(ctx, acct.GatewayAccountID)
	if err != nil {
		return nil, apperr.Gateway("payout.SetupPayout", err)
	}
	return &SetupResult{AccountID: acct.GatewayAccountID, ClientSecret: secret, AlreadySetup: alreadySetup}, nil
}

// WithdrawPayout sends a due payout to the organizer's connected account. A
// declined payout becomes FAILED. When the gateway outcome is unknown the
// payout stays PROCESSING until ReconcileProcessing or a webhook settles it.
func (e *Executor) WithdrawPayout(ctx context.Context, id int64) (*Payout, error) {
	const op = "payout.WithdrawPayout"

	p, err := e.store.GetByID(ctx, id)
	if errors.Is(err, ErrPayoutNotFound) {
		return nil, apperr.NotFound(op, "payout")
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !p.Status.Withdrawable() {
		return nil, apperr.InvalidTransition(op, p.Status, StatusProcessing)
	}
	if p.ScheduledPayoutDate.After(e.now()) {
		return nil, apperr.InvalidState(op, "payout %d is not due until %s", p.ID, p.ScheduledPayoutDate.Format(time.RFC3339))
	}

	acct, err := e.payableAccount(ctx, op, p.OwnerID)
	if err != nil {
		return nil, err
	}

	ok, err := e.store.Transition(ctx, p.ID, []Status{StatusScheduled, StatusPending}, StatusProcessing, "", "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, apperr.Conflict(op, "payout %d changed concurrently", p.ID)
	}
	metrics.RecordPayout(string(StatusProcessing))
	p.Status = StatusProcessing

	return e.execute(ctx, op, p, acct)
}

func (e *Executor) payableAccount(ctx context.Context, op string, ownerID int64) (*Account, error) {
	acct, err := e.accounts.GetByOwner(ctx, ownerID)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, apperr.InvalidState(op, "organizer %d has no payout account", ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !acct.PayoutsEnabled {
		return nil, apperr.InvalidState(op, "payouts are not enabled for account %s", acct.GatewayAccountID)
	}
	return acct, nil
}

func (e *Executor) execute(ctx context.Context, op string, p *Payout, acct *Account) (*Payout, error) {
	gatewayID, err := e.gateway.CreatePayout(ctx, gateway.CreatePayoutParams{
		AccountID:      acct.GatewayAccountID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		IdempotencyKey: attemptKey(p),
		Metadata:       map[string]string{"payout_id": strconv.FormatInt(p.ID, 10)},
	})
	if err != nil {
		if !gateway.IsDeclined(err) {
			logger.Warn("payout outcome unknown, left processing", "payout_id", p.ID, "error", err)
			return nil, apperr.Gateway(op, err)
		}
		c, ferr := e.fail(ctx, p.ID, err.Error())
		if ferr != nil {
			return nil, ferr
		}
		e.Publish(ctx, c)
		return nil, apperr.Gateway(op, err)
	}

	var c *Change
	err = e.tx.InTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		c, err = e.settlePaid(ctx, tx, p.ID, gatewayID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.Publish(ctx, c)
	return c.Payout, nil
}

func (e *Executor) fail(ctx context.Context, id int64, reason string) (*Change, error) {
	ok, err := e.store.Transition(ctx, id, []Status{StatusProcessing}, StatusFailed, "", reason)
	if err != nil {
		return nil, fmt.Errorf("payout.fail: %w", err)
	}
	p, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("payout.fail: %w", err)
	}
	return &Change{Payout: p, From: StatusProcessing, Changed: ok}, nil
}

// settlePaid moves a PROCESSING payout to PAID and records the PAYOUT row in
// tx. A payout that is already PAID is left alone.
func (e *Executor) settlePaid(ctx context.Context, tx *sqlx.Tx, id int64, gatewayID string) (*Change, error) {
	const op = "payout.settlePaid"

	store := e.store.WithTx(tx)
	p, err := store.GetByIDForUpdate(ctx, id)
	if errors.Is(err, ErrPayoutNotFound) {
		return nil, apperr.NotFound(op, "payout")
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if p.Status == StatusPaid {
		return &Change{Payout: p, From: p.Status}, nil
	}
	if p.Status != StatusProcessing {
		return nil, apperr.InvalidTransition(op, p.Status, StatusPaid)
	}

	ok, err := store.Transition(ctx, id, []Status{StatusProcessing}, StatusPaid, gatewayID, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, apperr.Conflict(op, "payout %d changed concurrently", id)
	}

	t, err := e.ledger.WithTx(tx).RecordPayout(ctx, p.OwnerID, p.ID, p.MatchID, p.Amount, p.Currency, gatewayID)
	if err != nil {
		return nil, err
	}

	p.Status = StatusPaid
	p.GatewayPayoutID = &gatewayID
	p.FailureReason = nil
	return &Change{Payout: p, From: StatusProcessing, Changed: true, Recorded: t}, nil
}

// RetryPayout puts a FAILED payout back to PENDING so it can be withdrawn again.
func (e *Executor) RetryPayout(ctx context.Context, id int64) (*Payout, error) {
	const op = "payout.RetryPayout"

	p, err := e.store.GetByID(ctx, id)
	if errors.Is(err, ErrPayoutNotFound) {
		return nil, apperr.NotFound(op, "payout")
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if p.Status != StatusFailed {
		return nil, apperr.InvalidTransition(op, p.Status, StatusPending)
	}

	ok, err := e.store.Requeue(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, apperr.Conflict(op, "payout %d changed concurrently", id)
	}

	p.Status = StatusPending
	p.Attempt++
	p.FailureReason = nil
	e.Publish(ctx, &Change{Payout: p, From: StatusFailed, Changed: true})
	return p, nil
}

// ExecuteDue withdraws every payout whose scheduled date has passed. Payouts
// that cannot be withdrawn yet are logged and left for the next run.
func (e *Executor) ExecuteDue(ctx context.Context) (int, error) {
	due, err := e.store.ListDue(ctx, e.now(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("payout.ExecuteDue: %w", err)
	}

	paid := 0
	for _, p := range due {
		if _, err := e.WithdrawPayout(ctx, p.ID); err != nil {
			if apperr.Is(err, apperr.KindInvalidState) {
				logger.Debug("payout not withdrawable yet", "payout_id", p.ID, "reason", err)
				continue
			}
			logger.Warn("payout withdrawal failed", "payout_id", p.ID, "error", err)
			continue
		}
		paid++
	}
	return paid, nil
}

// ReconcileProcessing repeats the idempotent gateway call for payouts that
// have been PROCESSING for longer than olderThan.
func (e *Executor) ReconcileProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	const op = "payout.ReconcileProcessing"

	stuck, err := e.store.ListProcessing(ctx, e.now().Add(-olderThan), batchSize)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	settled := 0
	for i := range stuck {
		p := &stuck[i]
		acct, err := e.accounts.GetByOwner(ctx, p.OwnerID)
		if err != nil {
			logger.Warn("payout reconcile skipped", "payout_id", p.ID, "error", err)
			continue
		}
		if _, err := e.execute(ctx, op, p, acct); err != nil {
			logger.Warn("payout reconcile failed", "payout_id", p.ID, "error", err)
			continue
		}
		settled++
	}
	return settled, nil
}

// ApplyPayoutEvent settles a payout from a payout.paid or payout.failed
// webhook inside tx.
func (e *Executor) ApplyPayoutEvent(ctx context.Context, tx *sqlx.Tx, gp gateway.Payout) (*Change, error) {
	const op = "payout.ApplyPayoutEvent"

	id, err := strconv.ParseInt(gp.Metadata["payout_id"], 10, 64)
	if err != nil {
		logger.Warn("payout event without payout_id", "gateway_payout_id", gp.ID)
		return nil, nil
	}

	if gp.Status == gatewayPaid {
		return e.settlePaid(ctx, tx, id, gp.ID)
	}
	if gp.Status != gatewayFailed {
		logger.Debug("payout event ignored", "payout_id", id, "status", gp.Status)
		return nil, nil
	}

	store := e.store.WithTx(tx)
	p, err := store.GetByIDForUpdate(ctx, id)
	if errors.Is(err, ErrPayoutNotFound) {
		return nil, apperr.NotFound(op, "payout")
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if p.Status == StatusFailed {
		return &Change{Payout: p, From: p.Status}, nil
	}
	if p.Status != StatusProcessing {
		return nil, apperr.InvalidTransition(op, p.Status, StatusFailed)
	}

	reason := gp.FailureMessage
	if reason == "" {
		reason = "payout failed"
	}
	ok, err := store.Transition(ctx, id, []Status{StatusProcessing}, StatusFailed, gp.ID, reason)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, apperr.Conflict(op, "payout %d changed concurrently", id)
	}

	p.Status = StatusFailed
	p.GatewayPayoutID = &gp.ID
	p.FailureReason = &reason
	return &Change{Payout: p, From: StatusProcessing, Changed: true}, nil
}

// UpdateAccount copies capability flags from an account.updated webhook.
func (e *Executor) UpdateAccount(ctx context.Context, tx *sqlx.Tx, ga gateway.Account) error {
	ok, err := e.accounts.WithTx(tx).UpdateCapabilities(ctx, ga.ID, ga.ChargesEnabled, ga.PayoutsEnabled)
	if err != nil {
		return fmt.Errorf("payout.UpdateAccount: %w", err)
	}
	if !ok {
		logger.Warn("account update for unknown payout account", "account_id", ga.ID)
		return nil
	}
	logger.Info("payout account updated", "account_id", ga.ID, "payouts_enabled", ga.PayoutsEnabled)
	return nil
}

func (e *Executor) Publish(ctx context.Context, c *Change) {
	if c == nil || !c.Changed {
		return
	}
	p := c.Payout
	metrics.RecordPayout(string(p.Status))
	logger.Info("payout status changed", "payout_id", p.ID, "from", c.From, "to", p.Status)
	events.Emit(ctx, e.events, events.New(events.PayoutStatusChanged, payoutKey(p.ID), p.OwnerID, p))
	if t := c.Recorded; t != nil {
		events.Emit(ctx, e.events, events.New(events.TransactionRecorded, t.Reference, t.OwnerID, t))
	}
}

func payoutKey(id int64) string {
	return "payout-" + strconv.FormatInt(id, 10)
}

// attemptKey is the gateway idempotency key of the current withdrawal
// attempt. Re-issuing within an attempt replays the gateway's answer; a retry
// after a decline starts a new attempt and gets a new key.
func attemptKey(p *Payout) string {
	if p.Attempt == 0 {
		return payoutKey(p.ID)
	}
	return payoutKey(p.ID) + "-attempt-" + strconv.Itoa(p.Attempt)
}
