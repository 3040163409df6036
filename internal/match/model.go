package match

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusCanceled  = "CANCELED"
	BookingCanceled = "CANCELED"
)

type Match struct {
	ID          int64     `db:"id" json:"id"`
	OrganizerID int64     `db:"organizer_id" json:"organizer_id"`
	CommunityID *int64    `db:"community_id" json:"community_id,omitempty"`
	Title       string    `db:"title" json:"title"`
	MatchDate   time.Time `db:"match_date" json:"match_date"`
	Status      string    `db:"status" json:"status"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Total is the sum of succeeded match payments in one currency, net of refunds.
type Total struct {
	Currency string          `db:"currency"`
	Amount   decimal.Decimal `db:"amount"`
	Payments int             `db:"payments"`
}
