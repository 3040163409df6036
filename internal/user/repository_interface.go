package user

import "context"

type Store interface {
	FindByID(ctx context.Context, id int64) (*User, error)
}
