package subscription

import (
	"time"

	"github.com/shopspring/decimal"

	"matchpay/internal/apperr"
)

type Status string

const (
	StatusIncomplete        Status = "INCOMPLETE"
	StatusIncompleteExpired Status = "INCOMPLETE_EXPIRED"
	StatusTrialing          Status = "TRIALING"
	StatusActive            Status = "ACTIVE"
	StatusPastDue           Status = "PAST_DUE"
	StatusUnpaid            Status = "UNPAID"
	StatusPaused            Status = "PAUSED"
	StatusCanceled          Status = "CANCELED"
)

const BillingMonthly = "MONTHLY"

type Subscription struct {
	ID                    int64           `db:"id" json:"id"`
	OwnerID               int64           `db:"owner_id" json:"owner_id"`
	CommunityID           *int64          `db:"community_id" json:"community_id,omitempty"`
	GatewaySubscriptionID string          `db:"gateway_subscription_id" json:"gateway_subscription_id"`
	Status                Status          `db:"status" json:"status"`
	Amount                decimal.Decimal `db:"amount" json:"amount"`
	Currency              string          `db:"currency" json:"currency"`
	BillingCycle          string          `db:"billing_cycle" json:"billing_cycle"`
	TrialStart            *time.Time      `db:"trial_start" json:"trial_start,omitempty"`
	TrialEnd              *time.Time      `db:"trial_end" json:"trial_end,omitempty"`
	CurrentPeriodStart    *time.Time      `db:"current_period_start" json:"current_period_start,omitempty"`
	CurrentPeriodEnd      *time.Time      `db:"current_period_end" json:"current_period_end,omitempty"`
	NextBillingDate       *time.Time      `db:"next_billing_date" json:"next_billing_date,omitempty"`
	CanceledAt            *time.Time      `db:"canceled_at" json:"canceled_at,omitempty"`
	GatewayUpdatedAt      *time.Time      `db:"gateway_updated_at" json:"-"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
}

type CreateRequest struct {
	OwnerID         int64 `validate:"gt=0"`
	CommunityID     *int64
	PaymentMethodID string
	CouponCode      string `validate:"max=64"`
	StartTrial      bool
}

// Plan is the single billing plan subscriptions are created on.
type Plan struct {
	PriceID   string
	Amount    decimal.Decimal
	Currency  string
	TrialDays int
}

// Active reports whether the status grants access.
func (s Status) Active() bool {
	return s == StatusActive || s == StatusTrialing
}

func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

var transitions = map[Status][]Status{
	StatusIncomplete: {StatusTrialing, StatusActive, StatusIncompleteExpired},
	StatusTrialing:   {StatusActive, StatusPastDue, StatusCanceled, StatusPaused},
	StatusActive:     {StatusPastDue, StatusCanceled, StatusPaused},
	StatusPastDue:    {StatusActive, StatusCanceled, StatusUnpaid},
	StatusUnpaid:     {StatusActive, StatusCanceled},
	StatusPaused:     {StatusActive, StatusCanceled},
}

func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var gatewayStatuses = map[string]Status{
	"incomplete":         StatusIncomplete,
	"incomplete_expired": StatusIncompleteExpired,
	"trialing":           StatusTrialing,
	"active":             StatusActive,
	"past_due":           StatusPastDue,
	"unpaid":             StatusUnpaid,
	"paused":             StatusPaused,
	"canceled":           StatusCanceled,
}

func StatusFromGateway(s string) (Status, error) {
	st, ok := gatewayStatuses[s]
	if !ok {
		return "", apperr.Validation("subscription.StatusFromGateway", "unknown subscription status %q", s)
	}
	return st, nil
}
