package user

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

var ErrUserNotFound = errors.New("user not found")

type Repository struct {
	db sqlx.QueryerContext
}

func NewRepository(db sqlx.QueryerContext) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindByID(ctx context.Context, id int64) (*User, error) {
	query := `
		SELECT id, email, name, country, created_at
		FROM users
		WHERE id = $1
	`

	var user User
	err := sqlx.GetContext(ctx, r.db, &user, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	return &user, nil
}
