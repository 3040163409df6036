// Package usertest provides a testify mock of user.Store.
package usertest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"matchpay/internal/user"
)

type Store struct{ mock.Mock }

var _ user.Store = (*Store)(nil)

func (m *Store) FindByID(ctx context.Context, id int64) (*user.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*user.User), args.Error(1)
}
