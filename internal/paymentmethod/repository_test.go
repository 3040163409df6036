package paymentmethod

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var methodColumns = []string{"id", "owner_id", "gateway_payment_method_id", "brand", "last4", "exp_month", "exp_year", "nickname", "is_default", "created_at"}

func setupMethodMock(t *testing.T) (*Repository, sqlmock.Sqlmock, func()) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(conn, "sqlmock")
	return NewRepository(sqlxDB), mock, func() { sqlxDB.Close() }
}

func TestUpsert(t *testing.T) {
	repo, mock, close := setupMethodMock(t)
	defer close()

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (owner_id, gateway_payment_method_id) DO UPDATE")).
		WithArgs(int64(7), "pm_1", "visa", "4242", 12, 2030).
		WillReturnRows(sqlmock.NewRows(methodColumns).AddRow(3, 7, "pm_1", "visa", "4242", 12, 2030, nil, false, time.Now()))

	pm, err := repo.Upsert(context.Background(), &SavedPaymentMethod{
		OwnerID: 7, GatewayPaymentMethodID: "pm_1", Brand: "visa", Last4: "4242", ExpMonth: 12, ExpYear: 2030,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), pm.ID)
	assert.Nil(t, pm.Nickname)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDefault_NoRow(t *testing.T) {
	repo, mock, close := setupMethodMock(t)
	defer close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE saved_payment_methods SET is_default = TRUE")).
		WithArgs(int64(4), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkDefault(context.Background(), 7, 4)
	assert.ErrorIs(t, err, ErrPaymentMethodNotFound)
}

func TestClearDefault(t *testing.T) {
	repo, mock, close := setupMethodMock(t)
	defer close()

	mock.ExpectExec(regexp.QuoteMeta("SET is_default = FALSE WHERE owner_id = $1 AND is_default")).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.ClearDefault(context.Background(), 7))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByOwner(t *testing.T) {
	repo, mock, close := setupMethodMock(t)
	defer close()

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY is_default DESC, created_at DESC")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(methodColumns).
			AddRow(3, 7, "pm_1", "visa", "4242", 12, 2030, "main", true, time.Now()).
			AddRow(4, 7, "pm_2", "mastercard", "4444", 1, 2031, nil, false, time.Now()))

	methods, err := repo.ListByOwner(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, methods, 2)
	assert.True(t, methods[0].IsDefault)
	assert.Equal(t, "main", *methods[0].Nickname)
}
