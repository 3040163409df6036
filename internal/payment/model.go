package payment

import (
	"time"

	"github.com/shopspring/decimal"

	"matchpay/internal/apperr"
	"matchpay/internal/gateway"
)

type Type string
type Status string

const (
	TypeWalletTopup  Type = "WALLET_TOPUP"
	TypeMatchPayment Type = "MATCH_PAYMENT"
	TypeSubscription Type = "SUBSCRIPTION"

	StatusPending              Status = "PENDING"
	StatusProcessing           Status = "PROCESSING"
	StatusRequiresAction       Status = "REQUIRES_ACTION"
	StatusRequiresConfirmation Status = "REQUIRES_CONFIRMATION"
	StatusSucceeded            Status = "SUCCEEDED"
	StatusFailed               Status = "FAILED"
	StatusCanceled             Status = "CANCELED"
)

type Payment struct {
	ID                int64           `db:"id" json:"id"`
	OwnerID           int64           `db:"owner_id" json:"owner_id"`
	Type              Type            `db:"type" json:"type"`
	Status            Status          `db:"status" json:"status"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	Currency          string          `db:"currency" json:"currency"`
	Description       string          `db:"description" json:"description"`
	MatchID           *int64          `db:"match_id" json:"match_id,omitempty"`
	GatewayIntentID   *string         `db:"gateway_intent_id" json:"gateway_intent_id,omitempty"`
	ClientSecret      *string         `db:"client_secret" json:"client_secret,omitempty"`
	GatewayChargeID   *string         `db:"gateway_charge_id" json:"gateway_charge_id,omitempty"`
	PaymentMethodID   *string         `db:"payment_method_id" json:"payment_method_id,omitempty"`
	SavePaymentMethod bool            `db:"save_payment_method" json:"save_payment_method"`
	FailureReason     *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	ProcessedAt       *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

type CreateRequest struct {
	OwnerID           int64           `validate:"gt=0"`
	Type              Type            `validate:"required,oneof=WALLET_TOPUP MATCH_PAYMENT SUBSCRIPTION"`
	Amount            decimal.Decimal `validate:"gt=0"`
	Description       string          `validate:"max=500"`
	PaymentMethodID   string
	SavePaymentMethod bool
	MatchID           *int64
}

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

var transitions = map[Status][]Status{
	StatusPending:              {StatusProcessing, StatusRequiresAction, StatusRequiresConfirmation, StatusSucceeded, StatusFailed, StatusCanceled},
	StatusProcessing:           {StatusRequiresAction, StatusRequiresConfirmation, StatusSucceeded, StatusFailed, StatusCanceled},
	StatusRequiresAction:       {StatusProcessing, StatusRequiresConfirmation, StatusSucceeded, StatusFailed, StatusCanceled},
	StatusRequiresConfirmation: {StatusProcessing, StatusRequiresAction, StatusSucceeded, StatusFailed, StatusCanceled},
}

// CanTransition reports whether a payment in from may move to to. Staying in
// the same status is allowed and is a no-op for callers.
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

// StatusFromGateway maps a gateway intent status to a payment status.
func StatusFromGateway(s string) (Status, error) {
	switch s {
	case gateway.IntentRequiresPaymentMethod:
		return StatusPending, nil
	case gateway.IntentRequiresConfirmation:
		return StatusRequiresConfirmation, nil
	case gateway.IntentRequiresAction:
		return StatusRequiresAction, nil
	case gateway.IntentProcessing:
		return StatusProcessing, nil
	case gateway.IntentSucceeded:
		return StatusSucceeded, nil
	case gateway.IntentCanceled:
		return StatusCanceled, nil
	default:
		return "", apperr.Validation("payment.StatusFromGateway", "unknown intent status %q", s)
	}
}
