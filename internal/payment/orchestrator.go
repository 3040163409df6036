package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"matchpay/internal/apperr"
	"matchpay/internal/currency"
	"matchpay/internal/db"
	"matchpay/internal/events"
	"matchpay/internal/gateway"
	"matchpay/internal/logger"
	"matchpay/internal/metrics"
	"matchpay/internal/transaction"
	"matchpay/internal/validation"
	"matchpay/internal/wallet"
)

// Wallets is the part of the wallet manager the orchestrator needs.
type Wallets interface {
	CreateWalletForUser(ctx context.Context, userID int64) (*wallet.Wallet, error)
	CreditTopUp(ctx context.Context, tx *sqlx.Tx, userID, paymentID int64, amount decimal.Decimal, currency string) (*transaction.Transaction, error)
}

// Change is the outcome of applying a status to a payment inside a database
// transaction. Publish it once the transaction has committed.
type Change struct {
	Payment  *Payment
	From     Status
	Changed  bool
	Recorded []*transaction.Transaction
}

type Orchestrator struct {
	tx      db.TxRunner
	store   Store
	gateway gateway.Client
	wallets Wallets
	ledger  transaction.Ledger
	txs     transaction.Store
	events  events.Publisher
	now     func() time.Time
}

func NewOrchestrator(tx db.TxRunner, store Store, gw gateway.Client, wallets Wallets, ledger transaction.Ledger, txs transaction.Store, pub events.Publisher) *Orchestrator {
	return &Orchestrator{
		tx:      tx,
		store:   store,
		gateway: gw,
		wallets: wallets,
		ledger:  ledger,
		txs:     txs,
		events:  pub,
		now:     time.Now,
	}
}

// CreatePaymentIntent stores a PENDING payment and opens a gateway intent for
// it. When the gateway call fails the payment stays PENDING.
func (o *Orchestrator) CreatePaymentIntent(ctx context.Context, req CreateRequest) (*Payment, error) {
	const op = "payment.CreatePaymentIntent"

	if err := validation.Struct(op, req); err != nil {
		return nil, err
	}
	if req.Type == TypeMatchPayment && req.MatchID == nil {
		return nil, apperr.Validation(op, "match payment requires a match id")
	}

	w, err := o.wallets.CreateWalletForUser(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}

	p := &Payment{
		OwnerID:           req.OwnerID,
		Type:              req.Type,
		Status:            StatusPending,
		Amount:            req.Amount,
		Currency:          w.Currency,
		Description:       req.Description,
		MatchID:           req.MatchID,
		SavePaymentMethod: req.SavePaymentMethod,
	}
	if req.PaymentMethodID != "" {
		pm := req.PaymentMethodID
		p.PaymentMethodID = &pm
	}

	p, err = o.store.Insert(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	intent, err := o.gateway.CreateIntent(ctx, gateway.CreateIntentParams{
		Amount:            p.Amount,
		Currency:          p.Currency,
		PaymentMethodID:   req.PaymentMethodID,
		SavePaymentMethod: req.SavePaymentMethod,
		Metadata: map[string]string{
			"payment_id": strconv.FormatInt(p.ID, 10),
			"owner_id":   strconv.FormatInt(p.OwnerID, 10),
			"type":       string(p.Type),
		},
		IdempotencyKey: paymentKey(p.ID),
	})
	if err != nil {
		logger.Error("create intent failed", "payment_id", p.ID, "error", err)
		return nil, apperr.Gateway(op, err)
	}

	if err := o.store.SetIntent(ctx, p.ID, intent.ID, intent.ClientSecret); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p.GatewayIntentID = &intent.ID
	p.ClientSecret = &intent.ClientSecret

	logger.Info("payment intent created", "payment_id", p.ID, "intent_id", intent.ID, "type", p.Type, "amount", p.Amount.String(), "currency", p.Currency)
	return p, nil
}

func (o *Orchestrator) GetPayment(ctx context.Context, intentID string) (*Payment, error) {
	p, err := o.store.GetByIntentID(ctx, intentID)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, apperr.NotFound("payment.GetPayment", "payment")
	}
	return p, err
}

// ConfirmPayment confirms the intent at the gateway and applies the status it
// reports.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, intentID string) (*Payment, error) {
	return o.callGateway(ctx, "payment.ConfirmPayment", intentID, StatusProcessing, o.gateway.ConfirmIntent)
}

func (o *Orchestrator) CancelPayment(ctx context.Context, intentID string) (*Payment, error) {
	return o.callGateway(ctx, "payment.CancelPayment", intentID, StatusCanceled, o.gateway.CancelIntent)
}

// ReconcilePayment asks the gateway for the intent's current status and
// applies it. It settles payments whose webhook never arrived.
func (o *Orchestrator) ReconcilePayment(ctx context.Context, intentID string) (*Payment, error) {
	const op = "payment.ReconcilePayment"

	if _, err := o.GetPayment(ctx, intentID); err != nil {
		return nil, err
	}
	intent, err := o.gateway.RetrieveIntent(ctx, intentID)
	if err != nil {
		return nil, apperr.Gateway(op, err)
	}
	return o.applyIntent(ctx, intent)
}

// ReconcileUnsettled reconciles payments that have not settled within
// olderThan. Individual failures are logged and skipped.
func (o *Orchestrator) ReconcileUnsettled(ctx context.Context, olderThan time.Duration) (int, error) {
	payments, err := o.store.ListUnsettled(ctx, o.now().Add(-olderThan), 100)
	if err != nil {
		return 0, fmt.Errorf("payment.ReconcileUnsettled: %w", err)
	}

	settled := 0
	for _, p := range payments {
		if p.GatewayIntentID == nil {
			continue
		}
		updated, err := o.ReconcilePayment(ctx, *p.GatewayIntentID)
		if err != nil {
			logger.Warn("payment reconcile failed", "payment_id", p.ID, "error", err)
			continue
		}
		if updated.Status.Terminal() {
			settled++
		}
	}
	return settled, nil
}

func (o *Orchestrator) callGateway(ctx context.Context, op, intentID string, target Status, call func(context.Context, string) (*gateway.Intent, error)) (*Payment, error) {
	p, err := o.store.GetByIntentID(ctx, intentID)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, apperr.NotFound(op, "payment")
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if p.Status.Terminal() {
		return nil, apperr.InvalidTransition(op, p.Status, target)
	}

	intent, err := call(ctx, intentID)
	if err != nil {
		logger.Error("gateway intent call failed", "op", op, "intent_id", intentID, "error", err)
		return nil, apperr.Gateway(op, err)
	}
	return o.applyIntent(ctx, intent)
}

func (o *Orchestrator) applyIntent(ctx context.Context, intent *gateway.Intent) (*Payment, error) {
	status, err := StatusFromGateway(intent.Status)
	if err != nil {
		return nil, err
	}

	var change *Change
	err = o.tx.InTx(ctx, func(tx *sqlx.Tx) error {
		var aerr error
		change, aerr = o.ApplyIntentStatus(ctx, tx, intent.ID, status, intent.LastPaymentError)
		return aerr
	})
	if err != nil {
		return nil, err
	}
	o.Publish(ctx, change)
	return change.Payment, nil
}

// BindIntent links intent to the payment named in its payment_id metadata when
// no payment carries the intent id yet. Gateway events can arrive before
// CreatePaymentIntent has stored the id.
func (o *Orchestrator) BindIntent(ctx context.Context, tx *sqlx.Tx, intent gateway.Intent) error {
	const op = "payment.BindIntent"
	store := o.store.WithTx(tx)

	_, err := store.GetByIntentID(ctx, intent.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}

	id, perr := strconv.ParseInt(intent.Metadata["payment_id"], 10, 64)
	if perr != nil {
		return nil
	}
	p, err := store.GetByIDForUpdate(ctx, id)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if p.GatewayIntentID != nil {
		logger.Warn("intent metadata names a payment bound to another intent", "payment_id", p.ID, "intent_id", intent.ID, "bound_intent_id", *p.GatewayIntentID)
		return nil
	}

	ok, err := store.BindIntent(ctx, p.ID, intent.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if ok {
		logger.Info("intent bound from event metadata", "payment_id", p.ID, "intent_id", intent.ID)
	}
	return nil
}

// ApplyIntentStatus moves the payment for intentID to status inside tx. The
// row is locked first, so the success effect runs at most once.
func (o *Orchestrator) ApplyIntentStatus(ctx context.Context, tx *sqlx.Tx, intentID string, status Status, reason string) (*Change, error) {
	const op = "payment.ApplyIntentStatus"
	store := o.store.WithTx(tx)

	p, err := store.GetByIntentIDForUpdate(ctx, intentID)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, apperr.NotFound(op, "payment")
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	change := &Change{Payment: p, From: p.Status}
	if p.Status == status {
		return change, nil
	}
	if !CanTransition(p.Status, status) {
		return nil, apperr.InvalidTransition(op, p.Status, status)
	}

	var processedAt *time.Time
	if status.Terminal() {
		t := o.now().UTC()
		processedAt = &t
	}
	if status != StatusFailed {
		reason = ""
	}

	ok, err := store.UpdateStatus(ctx, p.ID, p.Status, status, reason, processedAt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, apperr.Conflict(op, "payment %d changed concurrently", p.ID)
	}

	p.Status = status
	if processedAt != nil {
		p.ProcessedAt = processedAt
	}
	if reason != "" {
		p.FailureReason = &reason
	}
	change.Changed = true

	if status == StatusSucceeded {
		recorded, err := o.applySuccess(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		if recorded != nil {
			change.Recorded = append(change.Recorded, recorded)
		}
	}
	return change, nil
}

func (o *Orchestrator) applySuccess(ctx context.Context, tx *sqlx.Tx, p *Payment) (*transaction.Transaction, error) {
	switch p.Type {
	case TypeWalletTopup:
		return o.wallets.CreditTopUp(ctx, tx, p.OwnerID, p.ID, p.Amount, p.Currency)
	case TypeMatchPayment:
		return o.ledger.WithTx(tx).RecordMatchPayment(ctx, p.OwnerID, p.ID, p.MatchID, p.Amount, p.Currency)
	default:
		// Subscription state follows invoice events.
		return nil, nil
	}
}

// ProcessFailedPayment marks the payment FAILED. A payment that is already
// terminal is returned unchanged.
func (o *Orchestrator) ProcessFailedPayment(ctx context.Context, intentID, reason string) (*Payment, error) {
	var change *Change
	err := o.tx.InTx(ctx, func(tx *sqlx.Tx) error {
		var ferr error
		change, ferr = o.FailPayment(ctx, tx, intentID, reason)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	o.Publish(ctx, change)
	return change.Payment, nil
}

func (o *Orchestrator) FailPayment(ctx context.Context, tx *sqlx.Tx, intentID, reason string) (*Change, error) {
	p, err := o.store.WithTx(tx).GetByIntentIDForUpdate(ctx, intentID)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, apperr.NotFound("payment.FailPayment", "payment")
	}
	if err != nil {
		return nil, fmt.Errorf("payment.FailPayment: %w", err)
	}
	if p.Status.Terminal() {
		logger.Warn("payment failure ignored", "payment_id", p.ID, "status", p.Status, "reason", reason)
		return &Change{Payment: p, From: p.Status}, nil
	}
	if reason == "" {
		reason = "payment failed"
	}
	return o.ApplyIntentStatus(ctx, tx, intentID, StatusFailed, reason)
}

// RecordCharge stores the gateway charge id for the payment once.
func (o *Orchestrator) RecordCharge(ctx context.Context, intentID, chargeID string) (*Payment, error) {
	var p *Payment
	err := o.tx.InTx(ctx, func(tx *sqlx.Tx) error {
		var rerr error
		p, rerr = o.AttachCharge(ctx, tx, intentID, chargeID)
		return rerr
	})
	return p, err
}

func (o *Orchestrator) AttachCharge(ctx context.Context, tx *sqlx.Tx, intentID, chargeID string) (*Payment, error) {
	const op = "payment.AttachCharge"
	store := o.store.WithTx(tx)

	p, err := store.GetByIntentIDForUpdate(ctx, intentID)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, apperr.NotFound(op, "payment")
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if p.GatewayChargeID != nil {
		if *p.GatewayChargeID != chargeID {
			logger.Warn("payment already has a charge", "payment_id", p.ID, "charge_id", *p.GatewayChargeID, "new_charge_id", chargeID)
		}
		return p, nil
	}

	if _, err := store.SetChargeID(ctx, p.ID, chargeID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p.GatewayChargeID = &chargeID
	return p, nil
}

// RefundPayment records a REFUND transaction for one gateway refund of the
// payment. Repeating a refund id is a no-op.
func (o *Orchestrator) RefundPayment(ctx context.Context, intentID string, amount decimal.Decimal, refundID string) (*Change, error) {
	var change *Change
	err := o.tx.InTx(ctx, func(tx *sqlx.Tx) error {
		var rerr error
		change, rerr = o.RecordRefunds(ctx, tx, intentID, []Refund{{ID: refundID, Amount: amount}})
		return rerr
	})
	if err != nil {
		return nil, err
	}
	o.Publish(ctx, change)
	return change, nil
}

type Refund struct {
	ID     string
	Amount decimal.Decimal
}

// RefundsFromCharge converts the refunds on a gateway charge to amounts in
// the charge currency.
func RefundsFromCharge(c gateway.Charge) []Refund {
	out := make([]Refund, 0, len(c.Refunds))
	for _, r := range c.Refunds {
		out = append(out, Refund{ID: r.ID, Amount: currency.FromMinorUnits(r.Amount, c.Currency)})
	}
	return out
}

// RecordRefunds records each refund not yet in the ledger. Total refunds may
// not exceed the payment amount. Refunds of top-ups and subscription payments
// carry no ledger effect and are only logged.
func (o *Orchestrator) RecordRefunds(ctx context.Context, tx *sqlx.Tx, intentID string, refunds []Refund) (*Change, error) {
	const op = "payment.RecordRefunds"

	p, err := o.store.WithTx(tx).GetByIntentIDForUpdate(ctx, intentID)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, apperr.NotFound(op, "payment")
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	change := &Change{Payment: p, From: p.Status}

	if p.Status != StatusSucceeded {
		return nil, apperr.InvalidState(op, "payment %d is %s, refunds need SUCCEEDED", p.ID, p.Status)
	}
	if p.Type != TypeMatchPayment {
		logger.Info("refund without ledger effect", "payment_id", p.ID, "type", p.Type, "refunds", len(refunds))
		return change, nil
	}

	existing, err := o.txs.WithTx(tx).ListByPayment(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	seen := map[string]bool{}
	refunded := decimal.Zero
	for _, t := range existing {
		if t.Type == transaction.TypeRefund && t.ExternalReference != nil {
			seen[*t.ExternalReference] = true
			refunded = refunded.Add(t.Amount.Abs())
		}
	}

	ledger := o.ledger.WithTx(tx)
	for _, r := range refunds {
		if r.ID == "" || seen[r.ID] {
			continue
		}
		if !r.Amount.IsPositive() {
			return nil, apperr.Validation(op, "refund %s amount must be positive", r.ID)
		}
		refunded = refunded.Add(r.Amount)
		if refunded.GreaterThan(p.Amount) {
			logger.Error("refunds exceed payment", "payment_id", p.ID, "refunded", refunded.String(), "amount", p.Amount.String())
			return nil, apperr.Invariant(op, "refunds %s exceed payment %d amount %s", refunded, p.ID, p.Amount)
		}

		t, err := ledger.RecordRefund(ctx, p.OwnerID, p.ID, nil, r.Amount, p.Currency, r.ID)
		if err != nil {
			return nil, err
		}
		seen[r.ID] = true
		change.Recorded = append(change.Recorded, t)
	}
	return change, nil
}

// Publish reports a committed change to metrics and the event publisher.
func (o *Orchestrator) Publish(ctx context.Context, c *Change) {
	if c == nil {
		return
	}
	p := c.Payment
	if c.Changed {
		metrics.RecordPaymentTransition(string(p.Type), string(p.Status))
		logger.Info("payment status changed", "payment_id", p.ID, "from", c.From, "to", p.Status)
		events.Emit(ctx, o.events, events.New(events.PaymentStatusChanged, paymentKey(p.ID), p.OwnerID, p))
	}
	for _, t := range c.Recorded {
		events.Emit(ctx, o.events, events.New(events.TransactionRecorded, t.Reference, t.OwnerID, t))
	}
}

func paymentKey(id int64) string {
	return "payment-" + strconv.FormatInt(id, 10)
}
