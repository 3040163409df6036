// Package dbtest opens a migrated postgres database for tests that need real
// locking and constraint behaviour. Tests are skipped when TEST_DSN is unset.
package dbtest

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"matchpay/internal/db"
)

var tables = []string{
	"processed_webhook_events",
	"saved_payment_methods",
	"subscriptions",
	"transactions",
	"payout_accounts",
	"payouts",
	"event_bookings",
	"payments",
	"wallets",
	"matches",
	"users",
}

func Open(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	dsn := os.Getenv("TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping integration test: TEST_DSN not set")
	}

	conn, err := db.Connect(dsn)
	if err != nil {
		t.Skipf("Skipping integration test: cannot connect to test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, db.RunMigrations(conn, migrationsDir()))
	Clean(t, conn)
	return conn
}

func Clean(t *testing.T, conn *sqlx.DB) {
	t.Helper()
	for _, table := range tables {
		_, err := conn.Exec(fmt.Sprintf("DELETE FROM %s", table))
		require.NoError(t, err, "Failed to clean table "+table)
	}
}

func CreateUser(t *testing.T, conn *sqlx.DB, email, country string) int64 {
	t.Helper()
	var id int64
	err := conn.QueryRow(`
		INSERT INTO users (email, name, country)
		VALUES ($1, $2, $3)
		RETURNING id
	`, email, email, country).Scan(&id)
	require.NoError(t, err)
	return id
}

func CreateMatch(t *testing.T, conn *sqlx.DB, organizerID int64, matchDate time.Time) int64 {
	t.Helper()
	var id int64
	err := conn.QueryRow(`
		INSERT INTO matches (organizer_id, title, match_date)
		VALUES ($1, 'Sunday 5-a-side', $2)
		RETURNING id
	`, organizerID, matchDate).Scan(&id)
	require.NoError(t, err)
	return id
}

// BookMatch inserts a booking for userID backed by a match payment in the
// given status.
func BookMatch(t *testing.T, conn *sqlx.DB, matchID, userID int64, amount, currency, status string) int64 {
	t.Helper()
	var paymentID int64
	err := conn.QueryRow(`
		INSERT INTO payments (owner_id, type, status, amount, currency, match_id)
		VALUES ($1, 'MATCH_PAYMENT', $2, $3, $4, $5)
		RETURNING id
	`, userID, status, amount, currency, matchID).Scan(&paymentID)
	require.NoError(t, err)

	_, err = conn.Exec(`
		INSERT INTO event_bookings (match_id, user_id, payment_id)
		VALUES ($1, $2, $3)
	`, matchID, userID, paymentID)
	require.NoError(t, err)
	return paymentID
}

func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations")
}
