// Package webhook applies signed gateway events exactly once. Each event id is
// recorded in the same database transaction as its effects, so a redelivered
// event is a no-op and a failed one can be delivered again.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"matchpay/internal/apperr"
	"matchpay/internal/db"
	"matchpay/internal/gateway"
	"matchpay/internal/logger"
	"matchpay/internal/metrics"
	"matchpay/internal/payment"
	"matchpay/internal/paymentmethod"
	"matchpay/internal/payout"
	"matchpay/internal/subscription"
)

// ErrRejected marks a delivery whose signature or envelope could not be
// trusted. Nothing was recorded for it.
var ErrRejected = errors.New("webhook rejected")

const (
	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeStale     = "stale"
	outcomeIgnored   = "ignored"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
)

type Verifier interface {
	VerifyWebhookSignature(payload []byte, signature string) (*gateway.Event, error)
}

type Payments interface {
	BindIntent(ctx context.Context, tx *sqlx.Tx, intent gateway.Intent) error
	ApplyIntentStatus(ctx context.Context, tx *sqlx.Tx, intentID string, status payment.Status, reason string) (*payment.Change, error)
	FailPayment(ctx context.Context, tx *sqlx.Tx, intentID, reason string) (*payment.Change, error)
	AttachCharge(ctx context.Context, tx *sqlx.Tx, intentID, chargeID string) (*payment.Payment, error)
	RecordRefunds(ctx context.Context, tx *sqlx.Tx, intentID string, refunds []payment.Refund) (*payment.Change, error)
	Publish(ctx context.Context, c *payment.Change)
}

type Subscriptions interface {
	ApplyGatewayUpdate(ctx context.Context, tx *sqlx.Tx, upd gateway.SubscriptionUpdate, eventTime time.Time) (*subscription.Change, error)
	ApplyGatewayDeleted(ctx context.Context, tx *sqlx.Tx, upd gateway.SubscriptionUpdate, eventTime time.Time) (*subscription.Change, error)
	ApplyInvoicePaid(ctx context.Context, tx *sqlx.Tx, inv gateway.Invoice, eventTime time.Time) (*subscription.Change, error)
	ApplyInvoiceFailed(ctx context.Context, tx *sqlx.Tx, inv gateway.Invoice, eventTime time.Time) (*subscription.Change, error)
	Publish(ctx context.Context, c *subscription.Change)
}

type PaymentMethods interface {
	Save(ctx context.Context, tx *sqlx.Tx, ownerID int64, pm gateway.PaymentMethod) (*paymentmethod.SavedPaymentMethod, error)
	Publish(ctx context.Context, saved *paymentmethod.SavedPaymentMethod)
}

type Payouts interface {
	ApplyPayoutEvent(ctx context.Context, tx *sqlx.Tx, gp gateway.Payout) (*payout.Change, error)
	UpdateAccount(ctx context.Context, tx *sqlx.Tx, ga gateway.Account) error
	Publish(ctx context.Context, c *payout.Change)
}

// publishFunc runs after the event's transaction has committed.
type publishFunc func(ctx context.Context)

type handlerFunc func(ctx context.Context, tx *sqlx.Tx, evt *gateway.Event) (publishFunc, error)

type Processor struct {
	tx       db.TxRunner
	store    Store
	verifier Verifier
	payments Payments
	subs     Subscriptions
	methods  PaymentMethods
	payouts  Payouts
	handlers map[string]handlerFunc
}

func NewProcessor(tx db.TxRunner, store Store, verifier Verifier, payments Payments, subs Subscriptions, methods PaymentMethods, payouts Payouts) *Processor {
	p := &Processor{
		tx:       tx,
		store:    store,
		verifier: verifier,
		payments: payments,
		subs:     subs,
		methods:  methods,
		payouts:  payouts,
	}
	p.handlers = map[string]handlerFunc{
		"payment_intent.succeeded":       p.intentStatus(payment.StatusSucceeded),
		"payment_intent.processing":      p.intentStatus(payment.StatusProcessing),
		"payment_intent.requires_action": p.intentStatus(payment.StatusRequiresAction),
		"payment_intent.canceled":        p.intentStatus(payment.StatusCanceled),
		"payment_intent.payment_failed":  p.intentFailed,
		"charge.succeeded":               p.chargeSucceeded,
		"charge.refunded":                p.chargeRefunded,
		"invoice.paid":                   p.invoice(subs.ApplyInvoicePaid),
		"invoice.payment_failed":         p.invoice(subs.ApplyInvoiceFailed),
		"customer.subscription.updated":  p.subscriptionEvent(subs.ApplyGatewayUpdate),
		"customer.subscription.deleted":  p.subscriptionEvent(subs.ApplyGatewayDeleted),
		"payment_method.attached":        p.paymentMethodAttached,
		"account.updated":                p.accountUpdated,
		"payout.paid":                    p.payoutEvent,
		"payout.failed":                  p.payoutEvent,
	}
	return p
}

// HandleWebhook verifies and applies one gateway delivery. Duplicates, stale
// transitions and unknown event types are absorbed and return nil. Any other
// failure rolls the event back so a redelivery can apply it.
func (p *Processor) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	const op = "webhook.HandleWebhook"

	evt, err := p.verifier.VerifyWebhookSignature(payload, signature)
	if err != nil {
		logger.Warn("webhook rejected", "error", err)
		metrics.RecordWebhookEvent("unverified", outcomeRejected)
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}

	outcome := outcomeProcessed
	var publish publishFunc
	err = p.tx.InTx(ctx, func(tx *sqlx.Tx) error {
		fresh, err := p.store.WithTx(tx).MarkProcessed(ctx, evt.ID, evt.Type)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if !fresh {
			return apperr.E(apperr.KindDuplicateEvent, op, "event "+evt.ID+" already processed")
		}

		handle, ok := p.handlers[evt.Type]
		if !ok {
			logger.Info("webhook event type not handled", "event_id", evt.ID, "event_type", evt.Type)
			outcome = outcomeIgnored
			return nil
		}

		publish, err = handle(ctx, tx, evt)
		if apperr.Is(err, apperr.KindInvalidStateTransition) {
			logger.Warn("stale webhook event recorded without effect", "event_id", evt.ID, "event_type", evt.Type, "error", err)
			outcome = outcomeStale
			publish = nil
			return nil
		}
		return err
	})

	switch {
	case apperr.Is(err, apperr.KindDuplicateEvent):
		logger.Info("duplicate webhook event ignored", "event_id", evt.ID, "event_type", evt.Type)
		metrics.RecordWebhookEvent(evt.Type, outcomeDuplicate)
		return nil
	case err != nil:
		logger.Error("webhook event failed", "event_id", evt.ID, "event_type", evt.Type, "error", err)
		metrics.RecordWebhookEvent(evt.Type, outcomeFailed)
		return err
	}

	if publish != nil {
		publish(ctx)
	}
	metrics.RecordWebhookEvent(evt.Type, outcome)
	logger.Debug("webhook event applied", "event_id", evt.ID, "event_type", evt.Type, "outcome", outcome)
	return nil
}

func decode(evt *gateway.Event, dst interface{}) error {
	if err := evt.Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, "webhook.decode", err)
	}
	return nil
}

func (p *Processor) intentStatus(status payment.Status) handlerFunc {
	return func(ctx context.Context, tx *sqlx.Tx, evt *gateway.Event) (publishFunc, error) {
		var intent gateway.Intent
		if err := decode(evt, &intent); err != nil {
			return nil, err
		}
		if err := p.payments.BindIntent(ctx, tx, intent); err != nil {
			return nil, err
		}
		c, err := p.payments.ApplyIntentStatus(ctx, tx, intent.ID, status, "")
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) { p.payments.Publish(ctx, c) }, nil
	}
}

func (p *Processor) intentFailed(ctx context.Context, tx *sqlx.Tx, evt *gateway.Event) (publishFunc, error) {
	var intent gateway.Intent
	if err := decode(evt, &intent); err != nil {
		return nil, err
	}
	if err := p.payments.BindIntent(ctx, tx, intent); err != nil {
		return nil, err
	}
	c, err := p.payments.FailPayment(ctx, tx, intent.ID, intent.LastPaymentError)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) { p.payments.Publish(ctx, c) }, nil
}

func (p *Processor) chargeSucceeded(ctx context.Context, tx *sqlx.Tx, evt *gateway.Event) (publishFunc, error) {
	var charge gateway.Charge
	if err := decode(evt, &charge); err != nil {
		return nil, err
	}
	_, err := p.payments.AttachCharge(ctx, tx, charge.PaymentIntent, charge.ID)
	return nil, err
}

func (p *Processor) chargeRefunded(ctx context.Context, tx *sqlx.Tx, evt *gateway.Event) (publishFunc, error) {
	var charge gateway.Charge
	if err := decode(evt, &charge); err != nil {
		return nil, err
	}
	c, err := p.payments.RecordRefunds(ctx, tx, charge.PaymentIntent, payment.RefundsFromCharge(charge))
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) { p.payments.Publish(ctx, c) }, nil
}

func (p *Processor) invoice(apply func(context.Context, *sqlx.Tx, gateway.Invoice, time.Time) (*subscription.Change, error)) handlerFunc {
	return func(ctx context.Context, tx *sqlx.Tx, evt *gateway.Event) (publishFunc, error) {
		var inv gateway.Invoice
		if err := decode(evt, &inv); err != nil {
			return nil, err
		}
		if inv.Subscription == "" {
			logger.Debug("invoice without subscription ignored", "invoice_id", inv.ID)
			return nil, nil
		}
		c, err := apply(ctx, tx, inv, evt.Created)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) { p.subs.Publish(ctx, c) }, nil
	}
}

func (p *Processor) subscriptionEvent(apply func(context.Context, *sqlx.Tx, gateway.SubscriptionUpdate, time.Time) (*subscription.Change, error)) handlerFunc {
	return func(ctx context.Context, tx *sqlx.Tx, evt *gateway.Event) (publishFunc, error) {
		var upd gateway.SubscriptionUpdate
		if err := decode(evt, &upd); err != nil {
			return nil, err
		}
		c, err := apply(ctx, tx, upd, evt.Created)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) { p.subs.Publish(ctx, c) }, nil
	}
}

func (p *Processor) paymentMethodAttached(ctx context.Context, tx *sqlx.Tx, evt *gateway.Event) (publishFunc, error) {
	var pm gateway.PaymentMethod
	if err := decode(evt, &pm); err != nil {
		return nil, err
	}
	ownerID, err := strconv.ParseInt(pm.Metadata["owner_id"], 10, 64)
	if err != nil || ownerID <= 0 {
		logger.Warn("payment method without owner ignored", "payment_method_id", pm.ID)
		return nil, nil
	}
	saved, err := p.methods.Save(ctx, tx, ownerID, pm)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) { p.methods.Publish(ctx, saved) }, nil
}

func (p *Processor) accountUpdated(ctx context.Context, tx *sqlx.Tx, evt *gateway.Event) (publishFunc, error) {
	var acct gateway.Account
	if err := decode(evt, &acct); err != nil {
		return nil, err
	}
	return nil, p.payouts.UpdateAccount(ctx, tx, acct)
}

func (p *Processor) payoutEvent(ctx context.Context, tx *sqlx.Tx, evt *gateway.Event) (publishFunc, error) {
	var gp gateway.Payout
	if err := decode(evt, &gp); err != nil {
		return nil, err
	}
	c, err := p.payouts.ApplyPayoutEvent(ctx, tx, gp)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) { p.payouts.Publish(ctx, c) }, nil
}
