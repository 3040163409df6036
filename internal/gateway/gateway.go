// Package gateway is the client side of the external payment gateway:
// payment intents, subscriptions, connected accounts, payouts and signed
// webhook events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Intent statuses as reported by the gateway.
const (
	IntentRequiresPaymentMethod = "requires_payment_method"
	IntentRequiresConfirmation  = "requires_confirmation"
	IntentRequiresAction        = "requires_action"
	IntentProcessing            = "processing"
	IntentSucceeded             = "succeeded"
	IntentCanceled              = "canceled"
)

type Intent struct {
	ID               string `json:"id"`
	ClientSecret     string `json:"client_secret"`
	Status           string `json:"status"`
	LatestCharge     string `json:"latest_charge,omitempty"`
	LastPaymentError string            `json:"last_payment_error,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type CreateIntentParams struct {
	Amount            decimal.Decimal
	Currency          string
	PaymentMethodID   string
	SavePaymentMethod bool
	Metadata          map[string]string
	IdempotencyKey    string
}

type Subscription struct {
	ID                 string     `json:"id"`
	Status             string     `json:"status"`
	TrialStart         *time.Time `json:"trial_start,omitempty"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
}

type CreateSubscriptionParams struct {
	CustomerRef     string
	PriceID         string
	PaymentMethodID string
	CouponCode      string
	TrialEnd        *time.Time
	Metadata        map[string]string
	IdempotencyKey  string
}

type CreatePayoutParams struct {
	AccountID      string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

type Client interface {
	CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error)
	ConfirmIntent(ctx context.Context, intentID string) (*Intent, error)
	CancelIntent(ctx context.Context, intentID string) (*Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (*Intent, error)
	CreateSubscription(ctx context.Context, p CreateSubscriptionParams) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	CreateConnectedAccount(ctx context.Context, ownerID int64, email, country string) (string, error)
	CreateAccountSession(ctx context.Context, accountID string) (string, error)
	CreatePayout(ctx context.Context, p CreatePayoutParams) (string, error)
	VerifyWebhookSignature(payload []byte, signature string) (*Event, error)
}

// APIError is a definitive answer from the gateway, as opposed to a transport
// failure where the outcome is unknown.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsDeclined reports whether err is a 4xx rejection. Timeouts, network errors
// and 5xx answers return false because the request may still have succeeded.
func IsDeclined(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= http.StatusBadRequest && apiErr.StatusCode < http.StatusInternalServerError
}
