package match

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

var ErrMatchNotFound = errors.New("match not found")

type Store interface {
	GetByID(ctx context.Context, id int64) (*Match, error)
	ListDueForPayout(ctx context.Context, now time.Time) ([]Match, error)
	SucceededPaymentTotals(ctx context.Context, matchID int64) ([]Total, error)
}

type Repository struct {
	db sqlx.QueryerContext
}

func NewRepository(db sqlx.QueryerContext) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetByID(ctx context.Context, id int64) (*Match, error) {
	var m Match
	err := sqlx.GetContext(ctx, r.db, &m, `
		SELECT id, organizer_id, community_id, title, match_date, status, created_at
		FROM matches
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListDueForPayout returns played, non-canceled matches that have no payout yet.
func (r *Repository) ListDueForPayout(ctx context.Context, now time.Time) ([]Match, error) {
	matches := []Match{}
	err := sqlx.SelectContext(ctx, r.db, &matches, `
		SELECT m.id, m.organizer_id, m.community_id, m.title, m.match_date, m.status, m.created_at
		FROM matches m
		WHERE m.match_date <= $1
		  AND m.status <> $2
		  AND NOT EXISTS (SELECT 1 FROM payouts p WHERE p.match_id = m.id)
		ORDER BY m.match_date
	`, now, StatusCanceled)
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// SucceededPaymentTotals sums succeeded match payments reached through the
// match's live bookings, grouped by currency. REFUND rows recorded against a
// payment are subtracted and fully refunded payments are left out.
func (r *Repository) SucceededPaymentTotals(ctx context.Context, matchID int64) ([]Total, error) {
	totals := []Total{}
	err := sqlx.SelectContext(ctx, r.db, &totals, `
		SELECT p.currency, SUM(p.amount - COALESCE(rf.refunded, 0)) AS amount, COUNT(*) AS payments
		FROM event_bookings b
		JOIN payments p ON p.id = b.payment_id
		LEFT JOIN (
			SELECT payment_id, SUM(ABS(amount)) AS refunded
			FROM transactions
			WHERE type = 'REFUND'
			GROUP BY payment_id
		) rf ON rf.payment_id = p.id
		WHERE b.match_id = $1
		  AND b.status <> $2
		  AND p.type = 'MATCH_PAYMENT'
		  AND p.status = 'SUCCEEDED'
		  AND p.amount > COALESCE(rf.refunded, 0)
		GROUP BY p.currency
		ORDER BY p.currency
	`, matchID, BookingCanceled)
	if err != nil {
		return nil, err
	}
	return totals, nil
}
