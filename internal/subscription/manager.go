package subscription

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
	"matchpay/internal/patch"
	"matchpay/internal/user"
	"matchpay/internal/validation"
)

var ErrTrialNotEligible = errors.New("trial already used")

const gatewayCanceled = "canceled"

// Change is a subscription update made inside a database transaction.
type Change struct {
	Subscription *Subscription
	From         Status
	Changed      bool
}

type Manager struct {
	tx      db.TxRunner
	store   Store
	users   user.Store
	gateway gateway.Client
	events  events.Publisher
	plan    Plan
	now     func() time.Time
}

func NewManager(tx db.TxRunner, store Store, users user.Store, gw gateway.Client, pub events.Publisher, plan Plan) *Manager {
	return &Manager{
		tx:      tx,
		store:   store,
		users:   users,
		gateway: gw,
		events:  pub,
		plan:    plan,
		now:     time.Now,
	}
}

// CreateSubscription opens a gateway subscription and stores it. An owner has
// at most one ACTIVE or TRIALING subscription; the check runs before the
// gateway call and again under a per-owner lock, and a gateway subscription
// left over from a lost race is canceled.
func (m *Manager) CreateSubscription(ctx context.Context, req CreateRequest) (*Subscription, error) {
	const op = "subscription.CreateSubscription"

	if err := validation.Struct(op, req); err != nil {
		return nil, err
	}
	if _, err := m.users.FindByID(ctx, req.OwnerID); err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return nil, apperr.NotFound(op, "user")
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := m.ensureNoActive(ctx, m.store, op, req.OwnerID); err != nil {
		return nil, err
	}

	trial := false
	if req.StartTrial {
		used, err := m.store.HasUsedTrial(ctx, req.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		trial = !used
	}

	now := m.now().UTC()
	var trialEnd *time.Time
	if trial {
		end := now.AddDate(0, 0, m.plan.TrialDays)
		trialEnd = &end
	}

	metadata := map[string]string{"owner_id": strconv.FormatInt(req.OwnerID, 10)}
	if req.CommunityID != nil {
		metadata["community_id"] = strconv.FormatInt(*req.CommunityID, 10)
	}
	gs, err := m.gateway.CreateSubscription(ctx, gateway.CreateSubscriptionParams{
		CustomerRef:     customerRef(req.OwnerID),
		PriceID:         m.plan.PriceID,
		PaymentMethodID: req.PaymentMethodID,
		CouponCode:      req.CouponCode,
		TrialEnd:        trialEnd,
		Metadata:        metadata,
	})
	if err != nil {
		logger.Error("create gateway subscription failed", "owner_id", req.OwnerID, "error", err)
		return nil, apperr.Gateway(op, err)
	}

	status, err := StatusFromGateway(gs.Status)
	if err != nil {
		m.compensate(ctx, gs.ID)
		return nil, err
	}

	s := &Subscription{
		OwnerID:               req.OwnerID,
		CommunityID:           req.CommunityID,
		GatewaySubscriptionID: gs.ID,
		Status:                status,
		Amount:                m.plan.Amount,
		Currency:              m.plan.Currency,
		BillingCycle:          BillingMonthly,
		CurrentPeriodStart:    gs.CurrentPeriodStart,
		CurrentPeriodEnd:      gs.CurrentPeriodEnd,
		NextBillingDate:       gs.CurrentPeriodEnd,
	}
	// Only a subscription the gateway actually put on trial consumes it.
	if trial && status == StatusTrialing {
		s.TrialStart = &now
		s.TrialEnd = trialEnd
		s.NextBillingDate = trialEnd
	}

	var saved *Subscription
	err = m.tx.InTx(ctx, func(tx *sqlx.Tx) error {
		store := m.store.WithTx(tx)
		if err := store.LockOwner(ctx, req.OwnerID); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := m.ensureNoActive(ctx, store, op, req.OwnerID); err != nil {
			return err
		}
		var ierr error
		saved, ierr = store.Insert(ctx, s)
		if db.IsUniqueViolation(ierr, OneActiveConstraint) {
			return apperr.Conflict(op, "owner %d already has an active subscription", req.OwnerID)
		}
		if ierr != nil {
			return fmt.Errorf("%s: %w", op, ierr)
		}
		return nil
	})
	if err != nil {
		m.compensate(ctx, gs.ID)
		return nil, err
	}

	logger.Info("subscription created", "subscription_id", saved.ID, "owner_id", saved.OwnerID, "status", saved.Status, "trial", trial)
	m.Publish(ctx, &Change{Subscription: saved, Changed: true})
	return saved, nil
}

func (m *Manager) ensureNoActive(ctx context.Context, store Store, op string, ownerID int64) error {
	_, err := store.GetActiveByOwner(ctx, ownerID)
	if err == nil {
		return apperr.Conflict(op, "owner %d already has an active subscription", ownerID)
	}
	if !errors.Is(err, ErrSubscriptionNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// compensate cancels a gateway subscription that has no local row.
func (m *Manager) compensate(ctx context.Context, gatewayID string) {
	if _, err := m.gateway.CancelSubscription(ctx, gatewayID); err != nil {
		logger.Error("orphaned gateway subscription not canceled", "gateway_subscription_id", gatewayID, "error", err)
		return
	}
	logger.Warn("orphaned gateway subscription canceled", "gateway_subscription_id", gatewayID)
}

// CreateTrialIfEligible returns the owner's current ACTIVE or TRIALING
// subscription, or starts a trial when the owner never had one.
func (m *Manager) CreateTrialIfEligible(ctx context.Context, ownerID int64) (*Subscription, error) {
	const op = "subscription.CreateTrialIfEligible"

	active, err := m.GetActiveForUser(ctx, ownerID)
	if err != nil || active != nil {
		return active, err
	}

	used, err := m.store.HasUsedTrial(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if used {
		return nil, apperr.Wrap(apperr.KindValidation, op, ErrTrialNotEligible)
	}

	s, err := m.CreateSubscription(ctx, CreateRequest{OwnerID: ownerID, StartTrial: true})
	if apperr.Is(err, apperr.KindConflict) {
		// A concurrent call won; hand back its subscription.
		return m.GetActiveForUser(ctx, ownerID)
	}
	return s, err
}

// GetActiveForUser returns nil without error when the owner has no ACTIVE or
// TRIALING subscription.
func (m *Manager) GetActiveForUser(ctx context.Context, ownerID int64) (*Subscription, error) {
	s, err := m.store.GetActiveByOwner(ctx, ownerID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) IsUserSubscribed(ctx context.Context, ownerID int64) (bool, error) {
	return m.store.IsUserSubscribed(ctx, ownerID)
}

func (m *Manager) IsCommunitySubscribed(ctx context.Context, communityID int64) (bool, error) {
	return m.store.IsCommunitySubscribed(ctx, communityID)
}

// CancelSubscription cancels at the gateway first, then locally. Canceling a
// CANCELED subscription returns it unchanged.
func (m *Manager) CancelSubscription(ctx context.Context, ownerID, id int64) (*Subscription, error) {
	const op = "subscription.CancelSubscription"

	s, err := m.store.GetByID(ctx, id)
	if errors.Is(err, ErrSubscriptionNotFound) || (err == nil && s.OwnerID != ownerID) {
		return nil, apperr.NotFound(op, "subscription")
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if s.Status == StatusCanceled {
		return s, nil
	}
	if !CanTransition(s.Status, StatusCanceled) {
		return nil, apperr.InvalidTransition(op, s.Status, StatusCanceled)
	}

	if _, err := m.gateway.CancelSubscription(ctx, s.GatewaySubscriptionID); err != nil {
		logger.Error("cancel gateway subscription failed", "subscription_id", s.ID, "error", err)
		return nil, apperr.Gateway(op, err)
	}

	canceledAt := m.now().UTC()
	ok, err := m.store.Cancel(ctx, s.ID, s.Status, canceledAt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		// The status moved under us, most likely a subscription.deleted webhook.
		current, err := m.store.GetByID(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if current.Status == StatusCanceled {
			return current, nil
		}
		return nil, apperr.Conflict(op, "subscription %d changed to %s", s.ID, current.Status)
	}

	from := s.Status
	s.Status = StatusCanceled
	s.CanceledAt = &canceledAt
	s.NextBillingDate = nil
	m.Publish(ctx, &Change{Subscription: s, From: from, Changed: true})
	return s, nil
}

// ApplyGatewayUpdate applies a customer.subscription.updated or .deleted
// payload. Fields absent from the payload are left as stored.
func (m *Manager) ApplyGatewayUpdate(ctx context.Context, tx *sqlx.Tx, upd gateway.SubscriptionUpdate, eventTime time.Time) (*Change, error) {
	return m.apply(ctx, tx, "subscription.ApplyGatewayUpdate", upd.ID, eventTime, func(s *Subscription) (Status, error) {
		to := s.Status
		if v, ok := upd.Status.Value(); ok {
			st, err := StatusFromGateway(v)
			if err != nil {
				return "", err
			}
			to = st
		}
		if !CanTransition(s.Status, to) {
			return to, nil
		}
		upd.TrialStart.Apply(&s.TrialStart)
		upd.TrialEnd.Apply(&s.TrialEnd)
		upd.CurrentPeriodStart.Apply(&s.CurrentPeriodStart)
		upd.CurrentPeriodEnd.Apply(&s.CurrentPeriodEnd)
		upd.CanceledAt.Apply(&s.CanceledAt)
		if to == StatusCanceled && s.CanceledAt == nil {
			t := eventTime
			s.CanceledAt = &t
		}
		return to, nil
	})
}

// ApplyGatewayDeleted applies customer.subscription.deleted.
func (m *Manager) ApplyGatewayDeleted(ctx context.Context, tx *sqlx.Tx, upd gateway.SubscriptionUpdate, eventTime time.Time) (*Change, error) {
	upd.Status = patch.Set(gatewayCanceled)
	return m.ApplyGatewayUpdate(ctx, tx, upd, eventTime)
}

// ApplyInvoicePaid activates the subscription and moves its billing period.
func (m *Manager) ApplyInvoicePaid(ctx context.Context, tx *sqlx.Tx, inv gateway.Invoice, eventTime time.Time) (*Change, error) {
	return m.apply(ctx, tx, "subscription.ApplyInvoicePaid", inv.Subscription, eventTime, func(s *Subscription) (Status, error) {
		if CanTransition(s.Status, StatusActive) {
			if inv.PeriodStart != nil {
				s.CurrentPeriodStart = inv.PeriodStart
			}
			if inv.PeriodEnd != nil {
				s.CurrentPeriodEnd = inv.PeriodEnd
			}
		}
		return StatusActive, nil
	})
}

func (m *Manager) ApplyInvoiceFailed(ctx context.Context, tx *sqlx.Tx, inv gateway.Invoice, eventTime time.Time) (*Change, error) {
	return m.apply(ctx, tx, "subscription.ApplyInvoiceFailed", inv.Subscription, eventTime, func(s *Subscription) (Status, error) {
		return StatusPastDue, nil
	})
}

// apply locks the subscription, skips events older than the last applied
// one, lets mutate set fields and pick the target status, and saves the row.
// A disallowed transition is returned as an error before anything is written.
func (m *Manager) apply(ctx context.Context, tx *sqlx.Tx, op, gatewayID string, eventTime time.Time, mutate func(s *Subscription) (Status, error)) (*Change, error) {
	store := m.store.WithTx(tx)

	s, err := store.GetByGatewayIDForUpdate(ctx, gatewayID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, apperr.NotFound(op, "subscription")
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	change := &Change{Subscription: s, From: s.Status}
	if s.GatewayUpdatedAt != nil && eventTime.Before(*s.GatewayUpdatedAt) {
		logger.Info("stale subscription event ignored", "subscription_id", s.ID, "event_time", eventTime, "applied", *s.GatewayUpdatedAt)
		return change, nil
	}

	to, err := mutate(s)
	if err != nil {
		return nil, err
	}
	if !CanTransition(s.Status, to) {
		logger.Warn("subscription transition ignored", "subscription_id", s.ID, "from", s.Status, "to", to)
		return nil, apperr.InvalidTransition(op, s.Status, to)
	}

	s.Status = to
	switch {
	case to.Terminal():
		s.NextBillingDate = nil
	case to == StatusTrialing && s.TrialEnd != nil:
		s.NextBillingDate = s.TrialEnd
	case s.CurrentPeriodEnd != nil:
		s.NextBillingDate = s.CurrentPeriodEnd
	}
	t := eventTime.UTC()
	s.GatewayUpdatedAt = &t

	err = store.Update(ctx, s)
	if db.IsUniqueViolation(err, OneActiveConstraint) {
		return nil, apperr.Conflict(op, "owner %d already has an active subscription", s.OwnerID)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	change.Changed = change.From != to
	return change, nil
}

// Publish reports a committed change to metrics and the event publisher.
func (m *Manager) Publish(ctx context.Context, c *Change) {
	if c == nil || !c.Changed {
		return
	}
	s := c.Subscription
	metrics.RecordSubscriptionTransition(string(s.Status))
	logger.Info("subscription status changed", "subscription_id", s.ID, "from", c.From, "to", s.Status)
	events.Emit(ctx, m.events, events.New(events.SubscriptionChanged, "subscription-"+strconv.FormatInt(s.ID, 10), s.OwnerID, s))
}

func customerRef(ownerID int64) string {
	return "user-" + strconv.FormatInt(ownerID, 10)
}
