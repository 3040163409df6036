package webhook

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Store is the log of gateway events that have already been applied.
type Store interface {
	WithTx(tx *sqlx.Tx) Store
	MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error)
}

type Repository struct {
	db sqlx.ExtContext
}

func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *sqlx.Tx) Store {
	return &Repository{db: tx}
}

// MarkProcessed records eventID and reports false when it was already there.
func (r *Repository) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO processed_webhook_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
