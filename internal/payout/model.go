package payout

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusScheduled  Status = "SCHEDULED"
	StatusProcessing Status = "PROCESSING"
	StatusPaid       Status = "PAID"
	StatusFailed     Status = "FAILED"
)

// Payout moves a match organizer's takings out to their connected account.
// There is at most one payout per match.
type Payout struct {
	ID                  int64           `db:"id" json:"id"`
	OwnerID             int64           `db:"owner_id" json:"owner_id"`
	MatchID             *int64          `db:"match_id" json:"match_id,omitempty"`
	Amount              decimal.Decimal `db:"amount" json:"amount"`
	Currency            string          `db:"currency" json:"currency"`
	Status              Status          `db:"status" json:"status"`
	ScheduledPayoutDate time.Time       `db:"scheduled_payout_date" json:"scheduled_payout_date"`
	GatewayPayoutID     *string         `db:"gateway_payout_id" json:"gateway_payout_id,omitempty"`
	FailureReason       *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	Attempt             int             `db:"attempt" json:"attempt"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// Withdrawable reports whether a withdrawal may start from s.
func (s Status) Withdrawable() bool {
	return s == StatusScheduled || s == StatusPending
}

// Account is an organizer's connected account at the gateway.
type Account struct {
	ID               int64     `db:"id" json:"id"`
	OwnerID          int64     `db:"owner_id" json:"owner_id"`
	GatewayAccountID string    `db:"gateway_account_id" json:"gateway_account_id"`
	ChargesEnabled   bool      `db:"charges_enabled" json:"charges_enabled"`
	PayoutsEnabled   bool      `db:"payouts_enabled" json:"payouts_enabled"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

type SetupResult struct {
	AccountID    string `json:"account_id"`
	ClientSecret string `json:"client_secret"`
	AlreadySetup bool   `json:"already_setup"`
}

type RunResult struct {
	Scanned int `json:"scanned"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}
