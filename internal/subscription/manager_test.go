package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"matchpay/internal/apperr"
	"matchpay/internal/db/dbtest"
	"matchpay/internal/events"
	"matchpay/internal/gateway"
	"matchpay/internal/gateway/gatewaytest"
	"matchpay/internal/logger"
	"matchpay/internal/user"
	"matchpay/internal/user/usertest"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

type MockStore struct{ mock.Mock }

func (m *MockStore) WithTx(tx *sqlx.Tx) Store { return m }

func (m *MockStore) LockOwner(ctx context.Context, ownerID int64) error {
	return m.Called(ctx, ownerID).Error(0)
}

func (m *MockStore) Insert(ctx context.Context, s *Subscription) (*Subscription, error) {
	args := m.Called(ctx, s)
	if fn, ok := args.Get(0).(func(context.Context, *Subscription) *Subscription); ok {
		return fn(ctx, s), args.Error(1)
	}
	return m.result(args)
}

func (m *MockStore) GetByID(ctx context.Context, id int64) (*Subscription, error) {
	return m.result(m.Called(ctx, id))
}

func (m *MockStore) GetActiveByOwner(ctx context.Context, ownerID int64) (*Subscription, error) {
	return m.result(m.Called(ctx, ownerID))
}

func (m *MockStore) GetByGatewayIDForUpdate(ctx context.Context, gatewayID string) (*Subscription, error) {
	return m.result(m.Called(ctx, gatewayID))
}

func (m *MockStore) HasUsedTrial(ctx context.Context, ownerID int64) (bool, error) {
	args := m.Called(ctx, ownerID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) Update(ctx context.Context, s *Subscription) error {
	return m.Called(ctx, s).Error(0)
}

func (m *MockStore) Cancel(ctx context.Context, id int64, from Status, canceledAt time.Time) (bool, error) {
	args := m.Called(ctx, id, from, canceledAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) IsUserSubscribed(ctx context.Context, ownerID int64) (bool, error) {
	args := m.Called(ctx, ownerID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) IsCommunitySubscribed(ctx context.Context, communityID int64) (bool, error) {
	args := m.Called(ctx, communityID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) result(args mock.Arguments) (*Subscription, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	s := *args.Get(0).(*Subscription)
	return &s, args.Error(1)
}

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *MockStore
	users  *usertest.Store
	gw     *gatewaytest.Client
	runner *dbtest.Runner
	mgr    *Manager
}

func newFixture() *fixture {
	f := &fixture{
		store:  new(MockStore),
		users:  new(usertest.Store),
		gw:     new(gatewaytest.Client),
		runner: &dbtest.Runner{},
	}
	f.mgr = NewManager(f.runner, f.store, f.users, f.gw, events.Nop{}, Plan{
		PriceID:   "price_monthly",
		Amount:    decimal.RequireFromString("9.99"),
		Currency:  "USD",
		TrialDays: 14,
	})
	f.mgr.now = func() time.Time { return fixedNow }
	f.users.On("FindByID", mock.Anything, int64(7)).Return(&user.User{ID: 7}, nil).Maybe()
	f.store.On("LockOwner", mock.Anything, mock.Anything).Return(nil).Maybe()
	return f
}

func echoInsert(f *fixture) {
	f.store.On("Insert", mock.Anything, mock.Anything).Return(func(ctx context.Context, s *Subscription) *Subscription {
		saved := *s
		saved.ID = 1
		return &saved
	}, nil)
}

func TestCreateSubscription_StartsTrialOnce(t *testing.T) {
	f := newFixture()
	f.store.On("GetActiveByOwner", mock.Anything, int64(7)).Return(nil, ErrSubscriptionNotFound)
	f.store.On("HasUsedTrial", mock.Anything, int64(7)).Return(false, nil)
	f.gw.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(p gateway.CreateSubscriptionParams) bool {
		return p.PriceID == "price_monthly" && p.CustomerRef == "user-7" && p.TrialEnd != nil && p.TrialEnd.Equal(fixedNow.AddDate(0, 0, 14))
	})).Return(&gateway.Subscription{ID: "sub_1", Status: "trialing"}, nil)
	echoInsert(f)

	s, err := f.mgr.CreateSubscription(context.Background(), CreateRequest{OwnerID: 7, StartTrial: true})
	require.NoError(t, err)
	assert.Equal(t, StatusTrialing, s.Status)
	require.NotNil(t, s.TrialStart)
	assert.Equal(t, fixedNow, *s.TrialStart)
	assert.Equal(t, fixedNow.AddDate(0, 0, 14), *s.TrialEnd)
	assert.Equal(t, *s.TrialEnd, *s.NextBillingDate)
	assert.Equal(t, "USD", s.Currency)
	f.gw.AssertExpectations(t)
}

func TestCreateSubscription_TrialAlreadyUsed(t *testing.T) {
	f := newFixture()
	f.store.On("GetActiveByOwner", mock.Anything, int64(7)).Return(nil, ErrSubscriptionNotFound)
	f.store.On("HasUsedTrial", mock.Anything, int64(7)).Return(true, nil)
	f.gw.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(p gateway.CreateSubscriptionParams) bool {
		return p.TrialEnd == nil
	})).Return(&gateway.Subscription{ID: "sub_2", Status: "incomplete"}, nil)
	echoInsert(f)

	s, err := f.mgr.CreateSubscription(context.Background(), CreateRequest{OwnerID: 7, StartTrial: true})
	require.NoError(t, err)
	assert.Equal(t, StatusIncomplete, s.Status)
	assert.Nil(t, s.TrialStart)
}

func TestCreateSubscription_IncompleteTrialLeavesTrialUnused(t *testing.T) {
	f := newFixture()
	f.store.On("GetActiveByOwner", mock.Anything, int64(7)).Return(nil, ErrSubscriptionNotFound)
	f.store.On("HasUsedTrial", mock.Anything, int64(7)).Return(false, nil)
	f.gw.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(p gateway.CreateSubscriptionParams) bool {
		return p.TrialEnd != nil
	})).Return(&gateway.Subscription{ID: "sub_4", Status: "incomplete"}, nil)
	echoInsert(f)

	s, err := f.mgr.CreateSubscription(context.Background(), CreateRequest{OwnerID: 7, StartTrial: true})
	require.NoError(t, err)
	assert.Equal(t, StatusIncomplete, s.Status)
	assert.Nil(t, s.TrialStart)
	assert.Nil(t, s.TrialEnd)
	f.store.AssertCalled(t, "Insert", mock.Anything, mock.MatchedBy(func(in *Subscription) bool {
		return in.TrialStart == nil
	}))
}

func TestCreateSubscription_ConflictBeforeGateway(t *testing.T) {
	f := newFixture()
	f.store.On("GetActiveByOwner", mock.Anything, int64(7)).Return(&Subscription{ID: 1, OwnerID: 7, Status: StatusActive}, nil)

	_, err := f.mgr.CreateSubscription(context.Background(), CreateRequest{OwnerID: 7})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	f.gw.AssertNotCalled(t, "CreateSubscription", mock.Anything, mock.Anything)
}

func TestCreateSubscription_LostRaceCancelsGatewaySubscription(t *testing.T) {
	f := newFixture()
	f.store.On("GetActiveByOwner", mock.Anything, int64(7)).Return(nil, ErrSubscriptionNotFound)
	f.gw.On("CreateSubscription", mock.Anything, mock.Anything).Return(&gateway.Subscription{ID: "sub_3", Status: "active"}, nil)
	f.store.On("Insert", mock.Anything, mock.Anything).Return(nil, &pq.Error{Code: "23505", Constraint: OneActiveConstraint})
	f.gw.On("CancelSubscription", mock.Anything, "sub_3").Return(&gateway.Subscription{ID: "sub_3", Status: "canceled"}, nil).Once()

	_, err := f.mgr.CreateSubscription(context.Background(), CreateRequest{OwnerID: 7})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	f.gw.AssertExpectations(t)
}

func TestCreateSubscription_GatewayFailure(t *testing.T) {
	f := newFixture()
	f.store.On("GetActiveByOwner", mock.Anything, int64(7)).Return(nil, ErrSubscriptionNotFound)
	f.gw.On("CreateSubscription", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

	_, err := f.mgr.CreateSubscription(context.Background(), CreateRequest{OwnerID: 7})
	assert.True(t, apperr.Is(err, apperr.KindGateway))
	f.store.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
	assert.Equal(t, 0, f.runner.Calls)
}

func TestCreateSubscription_UnknownUser(t *testing.T) {
	f := newFixture()
	f.users.ExpectedCalls = nil
	f.users.On("FindByID", mock.Anything, int64(7)).Return(nil, user.ErrUserNotFound)

	_, err := f.mgr.CreateSubscription(context.Background(), CreateRequest{OwnerID: 7})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCreateTrialIfEligible(t *testing.T) {
	t.Run("returns existing", func(t *testing.T) {
		f := newFixture()
		f.store.On("GetActiveByOwner", mock.Anything, int64(7)).Return(&Subscription{ID: 4, OwnerID: 7, Status: StatusTrialing}, nil)

		s, err := f.mgr.CreateTrialIfEligible(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, int64(4), s.ID)
		f.gw.AssertNotCalled(t, "CreateSubscription", mock.Anything, mock.Anything)
	})

	t.Run("not eligible", func(t *testing.T) {
		f := newFixture()
		f.store.On("GetActiveByOwner", mock.Anything, int64(7)).Return(nil, ErrSubscriptionNotFound)
		f.store.On("HasUsedTrial", mock.Anything, int64(7)).Return(true, nil)

		_, err := f.mgr.CreateTrialIfEligible(context.Background(), 7)
		assert.True(t, apperr.Is(err, apperr.KindValidation))
		assert.ErrorIs(t, err, ErrTrialNotEligible)
	})

	t.Run("creates trial", func(t *testing.T) {
		f := newFixture()
		f.store.On("GetActiveByOwner", mock.Anything, int64(7)).Return(nil, ErrSubscriptionNotFound)
		f.store.On("HasUsedTrial", mock.Anything, int64(7)).Return(false, nil)
		f.gw.On("CreateSubscription", mock.Anything, mock.Anything).Return(&gateway.Subscription{ID: "sub_1", Status: "trialing"}, nil)
		echoInsert(f)

		s, err := f.mgr.CreateTrialIfEligible(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, StatusTrialing, s.Status)
	})
}

func TestCancelSubscription(t *testing.T) {
	f := newFixture()
	f.store.On("GetByID", mock.Anything, int64(1)).Return(&Subscription{ID: 1, OwnerID: 7, GatewaySubscriptionID: "sub_1", Status: StatusActive}, nil)
	f.gw.On("CancelSubscription", mock.Anything, "sub_1").Return(&gateway.Subscription{ID: "sub_1", Status: "canceled"}, nil)
	f.store.On("Cancel", mock.Anything, int64(1), StatusActive, fixedNow).Return(true, nil)

	s, err := f.mgr.CancelSubscription(context.Background(), 7, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, s.Status)
	assert.Equal(t, fixedNow, *s.CanceledAt)
}

func TestCancelSubscription_AlreadyCanceled(t *testing.T) {
	f := newFixture()
	f.store.On("GetByID", mock.Anything, int64(1)).Return(&Subscription{ID: 1, OwnerID: 7, Status: StatusCanceled}, nil)

	s, err := f.mgr.CancelSubscription(context.Background(), 7, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, s.Status)
	f.gw.AssertNotCalled(t, "CancelSubscription", mock.Anything, mock.Anything)
}

func TestCancelSubscription_OtherOwner(t *testing.T) {
	f := newFixture()
	f.store.On("GetByID", mock.Anything, int64(1)).Return(&Subscription{ID: 1, OwnerID: 8, Status: StatusActive}, nil)

	_, err := f.mgr.CancelSubscription(context.Background(), 7, 1)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCancelSubscription_WebhookWon(t *testing.T) {
	f := newFixture()
	f.store.On("GetByID", mock.Anything, int64(1)).Return(&Subscription{ID: 1, OwnerID: 7, GatewaySubscriptionID: "sub_1", Status: StatusActive}, nil).Once()
	f.gw.On("CancelSubscription", mock.Anything, "sub_1").Return(&gateway.Subscription{ID: "sub_1", Status: "canceled"}, nil)
	f.store.On("Cancel", mock.Anything, int64(1), StatusActive, fixedNow).Return(false, nil)
	f.store.On("GetByID", mock.Anything, int64(1)).Return(&Subscription{ID: 1, OwnerID: 7, Status: StatusCanceled}, nil).Once()

	s, err := f.mgr.CancelSubscription(context.Background(), 7, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, s.Status)
}

func decodeUpdate(t *testing.T, raw string) gateway.SubscriptionUpdate {
	var upd gateway.SubscriptionUpdate
	require.NoError(t, json.Unmarshal([]byte(raw), &upd))
	return upd
}

func TestApplyGatewayUpdate_PatchesOnlyPresentFields(t *testing.T) {
	f := newFixture()
	trialEnd := fixedNow.AddDate(0, 0, 3)
	f.store.On("GetByGatewayIDForUpdate", mock.Anything, "sub_1").Return(&Subscription{
		ID: 1, OwnerID: 7, Status: StatusTrialing, TrialStart: &fixedNow, TrialEnd: &trialEnd,
	}, nil)
	f.store.On("Update", mock.Anything, mock.MatchedBy(func(s *Subscription) bool {
		return s.Status == StatusActive &&
			s.TrialEnd != nil && s.TrialEnd.Equal(trialEnd) &&
			s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) &&
			s.CanceledAt == nil
	})).Return(nil)

	upd := decodeUpdate(t, `{"id":"sub_1","status":"active","current_period_end":"2026-06-01T00:00:00Z","canceled_at":null}`)
	c, err := f.mgr.ApplyGatewayUpdate(context.Background(), nil, upd, fixedNow)
	require.NoError(t, err)
	assert.True(t, c.Changed)
	assert.Equal(t, StatusTrialing, c.From)
	assert.Equal(t, *c.Subscription.CurrentPeriodEnd, *c.Subscription.NextBillingDate)
	f.store.AssertExpectations(t)
}

func TestApplyGatewayUpdate_StaleEventIgnored(t *testing.T) {
	f := newFixture()
	applied := fixedNow
	f.store.On("GetByGatewayIDForUpdate", mock.Anything, "sub_1").Return(&Subscription{
		ID: 1, Status: StatusActive, GatewayUpdatedAt: &applied,
	}, nil)

	upd := decodeUpdate(t, `{"id":"sub_1","status":"past_due"}`)
	c, err := f.mgr.ApplyGatewayUpdate(context.Background(), nil, upd, fixedNow.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, c.Changed)
	assert.Equal(t, StatusActive, c.Subscription.Status)
	f.store.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestApplyGatewayUpdate_DisallowedTransition(t *testing.T) {
	f := newFixture()
	f.store.On("GetByGatewayIDForUpdate", mock.Anything, "sub_1").Return(&Subscription{ID: 1, Status: StatusCanceled}, nil)

	upd := decodeUpdate(t, `{"id":"sub_1","status":"active"}`)
	_, err := f.mgr.ApplyGatewayUpdate(context.Background(), nil, upd, fixedNow)
	assert.True(t, apperr.Is(err, apperr.KindInvalidStateTransition))
	f.store.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestApplyGatewayDeleted(t *testing.T) {
	f := newFixture()
	f.store.On("GetByGatewayIDForUpdate", mock.Anything, "sub_1").Return(&Subscription{ID: 1, Status: StatusPastDue}, nil)
	f.store.On("Update", mock.Anything, mock.MatchedBy(func(s *Subscription) bool {
		return s.Status == StatusCanceled && s.CanceledAt != nil && s.NextBillingDate == nil
	})).Return(nil)

	c, err := f.mgr.ApplyGatewayDeleted(context.Background(), nil, decodeUpdate(t, `{"id":"sub_1"}`), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, c.Subscription.Status)
}

func TestApplyInvoicePaid(t *testing.T) {
	f := newFixture()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	f.store.On("GetByGatewayIDForUpdate", mock.Anything, "sub_1").Return(&Subscription{ID: 1, Status: StatusIncomplete}, nil)
	f.store.On("Update", mock.Anything, mock.Anything).Return(nil)

	c, err := f.mgr.ApplyInvoicePaid(context.Background(), nil, gateway.Invoice{ID: "in_1", Subscription: "sub_1", PeriodStart: &start, PeriodEnd: &end}, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, c.Subscription.Status)
	assert.Equal(t, end, *c.Subscription.NextBillingDate)
}

func TestApplyInvoiceFailed(t *testing.T) {
	f := newFixture()
	f.store.On("GetByGatewayIDForUpdate", mock.Anything, "sub_1").Return(&Subscription{ID: 1, Status: StatusActive}, nil)
	f.store.On("Update", mock.Anything, mock.Anything).Return(nil)

	c, err := f.mgr.ApplyInvoiceFailed(context.Background(), nil, gateway.Invoice{ID: "in_1", Subscription: "sub_1"}, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, c.Subscription.Status)
}

func TestApplyInvoice_UnknownSubscription(t *testing.T) {
	f := newFixture()
	f.store.On("GetByGatewayIDForUpdate", mock.Anything, "sub_x").Return(nil, ErrSubscriptionNotFound)

	_, err := f.mgr.ApplyInvoicePaid(context.Background(), nil, gateway.Invoice{Subscription: "sub_x"}, fixedNow)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusIncomplete, StatusTrialing))
	assert.True(t, CanTransition(StatusPastDue, StatusUnpaid))
	assert.True(t, CanTransition(StatusPaused, StatusActive))
	assert.False(t, CanTransition(StatusCanceled, StatusActive))
	assert.False(t, CanTransition(StatusIncompleteExpired, StatusActive))
	assert.False(t, CanTransition(StatusActive, StatusTrialing))
	assert.False(t, CanTransition(StatusIncomplete, StatusPastDue))
}

func TestStatusActive(t *testing.T) {
	assert.True(t, StatusActive.Active())
	assert.True(t, StatusTrialing.Active())
	assert.False(t, StatusPastDue.Active())
	assert.False(t, StatusPaused.Active())
}
