package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"matchpay/internal/apperr"
	"matchpay/internal/db/dbtest"
	"matchpay/internal/gateway"
	"matchpay/internal/gateway/gatewaytest"
	"matchpay/internal/logger"
	"matchpay/internal/payment"
	"matchpay/internal/paymentmethod"
	"matchpay/internal/payout"
	"matchpay/internal/subscription"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

type MockStore struct{ mock.Mock }

func (m *MockStore) WithTx(tx *sqlx.Tx) Store { return m }

func (m *MockStore) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	args := m.Called(ctx, eventID, eventType)
	return args.Bool(0), args.Error(1)
}

type MockPayments struct{ mock.Mock }

func (m *MockPayments) BindIntent(ctx context.Context, tx *sqlx.Tx, intent gateway.Intent) error {
	return m.Called(ctx, tx, intent).Error(0)
}

func (m *MockPayments) ApplyIntentStatus(ctx context.Context, tx *sqlx.Tx, intentID string, status payment.Status, reason string) (*payment.Change, error) {
	return m.change(m.Called(ctx, tx, intentID, status, reason))
}

func (m *MockPayments) FailPayment(ctx context.Context, tx *sqlx.Tx, intentID, reason string) (*payment.Change, error) {
	return m.change(m.Called(ctx, tx, intentID, reason))
}

func (m *MockPayments) AttachCharge(ctx context.Context, tx *sqlx.Tx, intentID, chargeID string) (*payment.Payment, error) {
	args := m.Called(ctx, tx, intentID, chargeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Payment), args.Error(1)
}

func (m *MockPayments) RecordRefunds(ctx context.Context, tx *sqlx.Tx, intentID string, refunds []payment.Refund) (*payment.Change, error) {
	return m.change(m.Called(ctx, tx, intentID, refunds))
}

func (m *MockPayments) Publish(ctx context.Context, c *payment.Change) {
	m.Called(ctx, c)
}

func (m *MockPayments) change(args mock.Arguments) (*payment.Change, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Change), args.Error(1)
}

type MockSubscriptions struct{ mock.Mock }

func (m *MockSubscriptions) ApplyGatewayUpdate(ctx context.Context, tx *sqlx.Tx, upd gateway.SubscriptionUpdate, eventTime time.Time) (*subscription.Change, error) {
	return m.change(m.Called(ctx, tx, upd.ID, eventTime))
}

func (m *MockSubscriptions) ApplyGatewayDeleted(ctx context.Context, tx *sqlx.Tx, upd gateway.SubscriptionUpdate, eventTime time.Time) (*subscription.Change, error) {
	return m.change(m.Called(ctx, tx, upd.ID, eventTime))
}

func (m *MockSubscriptions) ApplyInvoicePaid(ctx context.Context, tx *sqlx.Tx, inv gateway.Invoice, eventTime time.Time) (*subscription.Change, error) {
	return m.change(m.Called(ctx, tx, inv.Subscription, eventTime))
}

func (m *MockSubscriptions) ApplyInvoiceFailed(ctx context.Context, tx *sqlx.Tx, inv gateway.Invoice, eventTime time.Time) (*subscription.Change, error) {
	return m.change(m.Called(ctx, tx, inv.Subscription, eventTime))
}

func (m *MockSubscriptions) Publish(ctx context.Context, c *subscription.Change) {
	m.Called(ctx, c)
}

func (m *MockSubscriptions) change(args mock.Arguments) (*subscription.Change, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.Change), args.Error(1)
}

type MockPaymentMethods struct{ mock.Mock }

func (m *MockPaymentMethods) Save(ctx context.Context, tx *sqlx.Tx, ownerID int64, pm gateway.PaymentMethod) (*paymentmethod.SavedPaymentMethod, error) {
	args := m.Called(ctx, tx, ownerID, pm.ID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*paymentmethod.SavedPaymentMethod), args.Error(1)
}

func (m *MockPaymentMethods) Publish(ctx context.Context, saved *paymentmethod.SavedPaymentMethod) {
	m.Called(ctx, saved)
}

type MockPayouts struct{ mock.Mock }

func (m *MockPayouts) ApplyPayoutEvent(ctx context.Context, tx *sqlx.Tx, gp gateway.Payout) (*payout.Change, error) {
	args := m.Called(ctx, tx, gp)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payout.Change), args.Error(1)
}

func (m *MockPayouts) UpdateAccount(ctx context.Context, tx *sqlx.Tx, ga gateway.Account) error {
	return m.Called(ctx, tx, ga).Error(0)
}

func (m *MockPayouts) Publish(ctx context.Context, c *payout.Change) {
	m.Called(ctx, c)
}

type fixture struct {
	store    *MockStore
	verifier *gatewaytest.Client
	payments *MockPayments
	subs     *MockSubscriptions
	methods  *MockPaymentMethods
	payouts  *MockPayouts
	runner   *dbtest.Runner
	proc     *Processor
}

func newFixture() *fixture {
	f := &fixture{
		store:    new(MockStore),
		verifier: new(gatewaytest.Client),
		payments: new(MockPayments),
		subs:     new(MockSubscriptions),
		methods:  new(MockPaymentMethods),
		payouts:  new(MockPayouts),
		runner:   &dbtest.Runner{},
	}
	f.proc = NewProcessor(f.runner, f.store, f.verifier, f.payments, f.subs, f.methods, f.payouts)
	f.payments.On("BindIntent", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return f
}

var eventTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// deliver registers a verified event carrying object and returns its payload.
func (f *fixture) deliver(t *testing.T, id, eventType string, object interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(object)
	require.NoError(t, err)
	evt := &gateway.Event{ID: id, Type: eventType, Created: eventTime, Data: gateway.EventData{Object: data}}
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	f.verifier.On("VerifyWebhookSignature", payload, "sig").Return(evt, nil)
	return payload
}

func TestHandleWebhook_RejectsBadSignature(t *testing.T) {
	f := newFixture()
	f.verifier.On("VerifyWebhookSignature", []byte("{}"), "bad").Return(nil, gateway.ErrInvalidSignature)

	err := f.proc.HandleWebhook(context.Background(), []byte("{}"), "bad")

	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, gateway.ErrInvalidSignature)
	assert.Equal(t, 0, f.runner.Calls)
	f.store.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleWebhook_IntentSucceeded(t *testing.T) {
	f := newFixture()
	payload := f.deliver(t, "evt_123", "payment_intent.succeeded", gateway.Intent{ID: "pi_1", Status: "succeeded"})
	change := &payment.Change{Payment: &payment.Payment{ID: 10}, From: payment.StatusPending, Changed: true}

	f.store.On("MarkProcessed", mock.Anything, "evt_123", "payment_intent.succeeded").Return(true, nil)
	f.payments.On("ApplyIntentStatus", mock.Anything, (*sqlx.Tx)(nil), "pi_1", payment.StatusSucceeded, "").Return(change, nil)
	f.payments.On("Publish", mock.Anything, change).Return()

	err := f.proc.HandleWebhook(context.Background(), payload, "sig")

	require.NoError(t, err)
	assert.Equal(t, 1, f.runner.Calls)
	f.payments.AssertExpectations(t)
}

func TestHandleWebhook_DuplicateIsAbsorbed(t *testing.T) {
	f := newFixture()
	payload := f.deliver(t, "evt_123", "payment_intent.succeeded", gateway.Intent{ID: "pi_1"})
	f.store.On("MarkProcessed", mock.Anything, "evt_123", "payment_intent.succeeded").Return(false, nil)

	err := f.proc.HandleWebhook(context.Background(), payload, "sig")

	assert.NoError(t, err)
	f.payments.AssertNotCalled(t, "ApplyIntentStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.payments.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestHandleWebhook_StaleTransitionIsRecorded(t *testing.T) {
	f := newFixture()
	payload := f.deliver(t, "evt_2", "payment_intent.processing", gateway.Intent{ID: "pi_1"})
	f.store.On("MarkProcessed", mock.Anything, "evt_2", "payment_intent.processing").Return(true, nil)
	f.payments.On("ApplyIntentStatus", mock.Anything, (*sqlx.Tx)(nil), "pi_1", payment.StatusProcessing, "").
		Return(nil, apperr.InvalidTransition("payment.ApplyIntentStatus", payment.StatusSucceeded, payment.StatusProcessing))

	err := f.proc.HandleWebhook(context.Background(), payload, "sig")

	assert.NoError(t, err)
	f.payments.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestHandleWebhook_IntentBoundFromMetadataBeforeApplying(t *testing.T) {
	f := newFixture()
	intent := gateway.Intent{ID: "pi_9", Status: "succeeded", Metadata: map[string]string{"payment_id": "10"}}
	payload := f.deliver(t, "evt_9", "payment_intent.succeeded", intent)
	change := &payment.Change{Payment: &payment.Payment{ID: 10}, From: payment.StatusPending, Changed: true}

	var order []string
	f.payments.ExpectedCalls = nil
	f.payments.On("BindIntent", mock.Anything, (*sqlx.Tx)(nil), intent).
		Run(func(mock.Arguments) { order = append(order, "bind") }).Return(nil).Once()
	f.store.On("MarkProcessed", mock.Anything, "evt_9", "payment_intent.succeeded").Return(true, nil)
	f.payments.On("ApplyIntentStatus", mock.Anything, (*sqlx.Tx)(nil), "pi_9", payment.StatusSucceeded, "").
		Run(func(mock.Arguments) { order = append(order, "apply") }).Return(change, nil)
	f.payments.On("Publish", mock.Anything, change).Return()

	err := f.proc.HandleWebhook(context.Background(), payload, "sig")

	require.NoError(t, err)
	assert.Equal(t, []string{"bind", "apply"}, order)
	f.payments.AssertExpectations(t)
}

func TestHandleWebhook_BindFailureRollsBack(t *testing.T) {
	f := newFixture()
	payload := f.deliver(t, "evt_10", "payment_intent.payment_failed", gateway.Intent{ID: "pi_10"})
	f.payments.ExpectedCalls = nil
	f.payments.On("BindIntent", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection reset"))
	f.store.On("MarkProcessed", mock.Anything, "evt_10", "payment_intent.payment_failed").Return(true, nil)

	err := f.proc.HandleWebhook(context.Background(), payload, "sig")

	assert.Error(t, err)
	f.payments.AssertNotCalled(t, "FailPayment", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleWebhook_HandlerFailureIsReturned(t *testing.T) {
	f := newFixture()
	payload := f.deliver(t, "evt_3", "payment_intent.succeeded", gateway.Intent{ID: "pi_missing"})
	f.store.On("MarkProcessed", mock.Anything, "evt_3", "payment_intent.succeeded").Return(true, nil)
	f.payments.On("ApplyIntentStatus", mock.Anything, (*sqlx.Tx)(nil), "pi_missing", payment.StatusSucceeded, "").
		Return(nil, apperr.NotFound("payment.ApplyIntentStatus", "payment"))

	err := f.proc.HandleWebhook(context.Background(), payload, "sig")

	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.NotErrorIs(t, err, ErrRejected)
	f.payments.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestHandleWebhook_StoreFailure(t *testing.T) {
	f := newFixture()
	payload := f.deliver(t, "evt_4", "payment_intent.succeeded", gateway.Intent{ID: "pi_1"})
	f.store.On("MarkProcessed", mock.Anything, "evt_4", "payment_intent.succeeded").Return(false, errors.New("connection reset"))

	err := f.proc.HandleWebhook(context.Background(), payload, "sig")

	assert.Error(t, err)
	f.payments.AssertNotCalled(t, "ApplyIntentStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleWebhook_UnknownTypeIsRecorded(t *testing.T) {
	f := newFixture()
	payload := f.deliver(t, "evt_5", "customer.created", map[string]string{"id": "cus_1"})
	f.store.On("MarkProcessed", mock.Anything, "evt_5", "customer.created").Return(true, nil)

	err := f.proc.HandleWebhook(context.Background(), payload, "sig")

	assert.NoError(t, err)
	f.store.AssertExpectations(t)
}

func TestHandleWebhook_PaymentFailed(t *testing.T) {
	f := newFixture()
	payload := f.deliver(t, "evt_6", "payment_intent.payment_failed", gateway.Intent{ID: "pi_1", LastPaymentError: "card_declined"})
	change := &payment.Change{Payment: &payment.Payment{ID: 10}, Changed: true}
	f.store.On("MarkProcessed", mock.Anything, "evt_6", "payment_intent.payment_failed").Return(true, nil)
	f.payments.On("FailPayment", mock.Anything, (*sqlx.Tx)(nil), "pi_1", "card_declined").Return(change, nil)
	f.payments.On("Publish", mock.Anything, change).Return()

	require.NoError(t, f.proc.HandleWebhook(context.Background(), payload, "sig"))
	f.payments.AssertExpectations(t)
}

func TestHandleWebhook_ChargeEvents(t *testing.T) {
	f := newFixture()
	succeeded := f.deliver(t, "evt_7", "charge.succeeded", gateway.Charge{ID: "ch_1", PaymentIntent: "pi_1", Currency: "gbp"})
	refunded := f.deliver(t, "evt_8", "charge.refunded", gateway.Charge{
		ID: "ch_1", PaymentIntent: "pi_1", Currency: "gbp",
		Refunds: []gateway.Refund{{ID: "re_1", Amount: 1500}},
	})
	change := &payment.Change{Payment: &payment.Payment{ID: 10}}

	f.store.On("MarkProcessed", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	f.payments.On("AttachCharge", mock.Anything, (*sqlx.Tx)(nil), "pi_1", "ch_1").Return(&payment.Payment{ID: 10}, nil)
	f.payments.On("RecordRefunds", mock.Anything, (*sqlx.Tx)(nil), "pi_1", mock.MatchedBy(func(r []payment.Refund) bool {
		return len(r) == 1 && r[0].ID == "re_1" && r[0].Amount.Equal(decimal.NewFromInt(15))
	})).Return(change, nil)
	f.payments.On("Publish", mock.Anything, change).Return()

	require.NoError(t, f.proc.HandleWebhook(context.Background(), succeeded, "sig"))
	require.NoError(t, f.proc.HandleWebhook(context.Background(), refunded, "sig"))
	f.payments.AssertExpectations(t)
}

func TestHandleWebhook_SubscriptionEvents(t *testing.T) {
	f := newFixture()
	updated := f.deliver(t, "evt_9", "customer.subscription.updated", map[string]interface{}{"id": "sub_1", "status": "active"})
	deleted := f.deliver(t, "evt_10", "customer.subscription.deleted", map[string]interface{}{"id": "sub_1"})
	paid := f.deliver(t, "evt_11", "invoice.paid", gateway.Invoice{ID: "in_1", Subscription: "sub_1"})
	oneOff := f.deliver(t, "evt_12", "invoice.payment_failed", gateway.Invoice{ID: "in_2"})
	change := &subscription.Change{Subscription: &subscription.Subscription{ID: 1}, Changed: true}

	f.store.On("MarkProcessed", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	f.subs.On("ApplyGatewayUpdate", mock.Anything, (*sqlx.Tx)(nil), "sub_1", eventTime).Return(change, nil).Once()
	f.subs.On("ApplyGatewayDeleted", mock.Anything, (*sqlx.Tx)(nil), "sub_1", eventTime).Return(change, nil).Once()
	f.subs.On("ApplyInvoicePaid", mock.Anything, (*sqlx.Tx)(nil), "sub_1", eventTime).Return(change, nil).Once()
	f.subs.On("Publish", mock.Anything, change).Return().Times(3)

	for _, payload := range [][]byte{updated, deleted, paid, oneOff} {
		require.NoError(t, f.proc.HandleWebhook(context.Background(), payload, "sig"))
	}
	f.subs.AssertExpectations(t)
	f.subs.AssertNotCalled(t, "ApplyInvoiceFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleWebhook_PaymentMethodAttached(t *testing.T) {
	f := newFixture()
	withOwner := f.deliver(t, "evt_13", "payment_method.attached", gateway.PaymentMethod{
		ID: "pm_1", Card: gateway.Card{Brand: "visa", Last4: "4242"}, Metadata: map[string]string{"owner_id": "4"},
	})
	anonymous := f.deliver(t, "evt_14", "payment_method.attached", gateway.PaymentMethod{ID: "pm_2"})
	saved := &paymentmethod.SavedPaymentMethod{ID: 3, OwnerID: 4, IsDefault: true}

	f.store.On("MarkProcessed", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	f.methods.On("Save", mock.Anything, (*sqlx.Tx)(nil), int64(4), "pm_1").Return(saved, nil).Once()
	f.methods.On("Publish", mock.Anything, saved).Return().Once()

	require.NoError(t, f.proc.HandleWebhook(context.Background(), withOwner, "sig"))
	require.NoError(t, f.proc.HandleWebhook(context.Background(), anonymous, "sig"))
	f.methods.AssertExpectations(t)
}

func TestHandleWebhook_PayoutEvents(t *testing.T) {
	f := newFixture()
	gp := gateway.Payout{ID: "po_1", Status: "paid", Metadata: map[string]string{"payout_id": "1"}}
	paid := f.deliver(t, "evt_15", "payout.paid", gp)
	acct := gateway.Account{ID: "acct_1", ChargesEnabled: true, PayoutsEnabled: true}
	updated := f.deliver(t, "evt_16", "account.updated", acct)
	change := &payout.Change{Payout: &payout.Payout{ID: 1}, Changed: true}

	f.store.On("MarkProcessed", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	f.payouts.On("ApplyPayoutEvent", mock.Anything, (*sqlx.Tx)(nil), gp).Return(change, nil)
	f.payouts.On("Publish", mock.Anything, change).Return()
	f.payouts.On("UpdateAccount", mock.Anything, (*sqlx.Tx)(nil), acct).Return(nil)

	require.NoError(t, f.proc.HandleWebhook(context.Background(), paid, "sig"))
	require.NoError(t, f.proc.HandleWebhook(context.Background(), updated, "sig"))
	f.payouts.AssertExpectations(t)
}

func TestHandleWebhook_MalformedObject(t *testing.T) {
	f := newFixture()
	evt := &gateway.Event{ID: "evt_17", Type: "payment_intent.succeeded", Created: eventTime}
	f.verifier.On("VerifyWebhookSignature", []byte("raw"), "sig").Return(evt, nil)
	f.store.On("MarkProcessed", mock.Anything, "evt_17", "payment_intent.succeeded").Return(true, nil)

	err := f.proc.HandleWebhook(context.Background(), []byte("raw"), "sig")

	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
