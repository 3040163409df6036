package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return sqlx.NewDb(raw, "sqlmock"), mock
}

func TestInTx_Commit(t *testing.T) {
	sqlxDB, mock := setupMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE wallets SET balance = $1")).
		WithArgs("10").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := NewTransactor(sqlxDB).InTx(context.Background(), func(tx *sqlx.Tx) error {
		_, err := tx.Exec("UPDATE wallets SET balance = $1", "10")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_RollbackOnError(t *testing.T) {
	sqlxDB, mock := setupMock(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := NewTransactor(sqlxDB).InTx(context.Background(), func(tx *sqlx.Tx) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLock(t *testing.T) {
	sqlxDB, mock := setupMock(t)

	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(")).
		WithArgs("subscription", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, AdvisoryLock(context.Background(), sqlxDB, "subscription", 42))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExists(t *testing.T) {
	sqlxDB, mock := setupMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM payouts WHERE match_id = $1)")).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := Exists(context.Background(), sqlxDB, "SELECT EXISTS(SELECT 1 FROM payouts WHERE match_id = $1)", 7)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pq.Error{Code: "23505", Constraint: "payouts_match_id_key"}

	assert.True(t, IsUniqueViolation(dup, ""))
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", dup), "payouts_match_id_key"))
	assert.False(t, IsUniqueViolation(dup, "wallets_owner_id_key"))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}, ""))
	assert.False(t, IsUniqueViolation(errors.New("other"), ""))
}
