package paymentmethod

import (
	"time"

	"matchpay/internal/patch"
)

// SavedPaymentMethod is a card stored at the gateway and remembered for its
// owner. At most one per owner is the default.
type SavedPaymentMethod struct {
	ID                     int64     `db:"id" json:"id"`
	OwnerID                int64     `db:"owner_id" json:"owner_id"`
	GatewayPaymentMethodID string    `db:"gateway_payment_method_id" json:"gateway_payment_method_id"`
	Brand                  string    `db:"brand" json:"brand"`
	Last4                  string    `db:"last4" json:"last4"`
	ExpMonth               int       `db:"exp_month" json:"exp_month"`
	ExpYear                int       `db:"exp_year" json:"exp_year"`
	Nickname               *string   `db:"nickname" json:"nickname,omitempty"`
	IsDefault              bool      `db:"is_default" json:"is_default"`
	CreatedAt              time.Time `db:"created_at" json:"created_at"`
}

// Update is a partial update. An absent nickname is kept, null clears it.
type Update struct {
	Nickname  patch.Field[string] `json:"nickname"`
	IsDefault patch.Field[bool]   `json:"is_default"`
}
