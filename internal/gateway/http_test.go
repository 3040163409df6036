package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "payment-42", r.Header.Get("Idempotency-Key"))

		body, _ := io.ReadAll(r.Body)
		var req intentRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, int64(5025), req.Amount)
		assert.Equal(t, "gbp", req.Currency)
		assert.Equal(t, "off_session", req.SetupFutureUsage)
		assert.Equal(t, "42", req.Metadata["payment_id"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"pi_1","client_secret":"pi_1_secret","status":"requires_confirmation"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "sk_test", time.Second, nil)
	intent, err := c.CreateIntent(context.Background(), CreateIntentParams{
		Amount:            decimal.RequireFromString("50.25"),
		Currency:          "GBP",
		SavePaymentMethod: true,
		Metadata:          map[string]string{"payment_id": "42"},
		IdempotencyKey:    "payment-42",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", intent.ID)
	assert.Equal(t, "pi_1_secret", intent.ClientSecret)
	assert.Equal(t, IntentRequiresConfirmation, intent.Status)
}

func TestPost_GeneratesIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		w.Write([]byte(`{"id":"pi_1","status":"succeeded"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second, nil)
	intent, err := c.ConfirmIntent(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, IntentSucceeded, intent.Status)
}

func TestCreatePayout_Declined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "payout-9", r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"code":"insufficient_funds","message":"balance too low"}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second, nil)
	_, err := c.CreatePayout(context.Background(), CreatePayoutParams{
		AccountID:      "acct_1",
		Amount:         decimal.NewFromInt(20),
		Currency:       "USD",
		IdempotencyKey: "payout-9",
	})
	require.Error(t, err)
	assert.True(t, IsDeclined(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "insufficient_funds", apiErr.Code)
}

func TestServerError_NotDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second, nil)
	_, err := c.RetrieveIntent(context.Background(), "pi_1")
	require.Error(t, err)
	assert.False(t, IsDeclined(err))
	assert.Contains(t, err.Error(), "upstream down")
}

func TestTimeout_NotDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 20*time.Millisecond, nil)
	_, err := c.CreatePayout(context.Background(), CreatePayoutParams{
		AccountID: "acct_1",
		Amount:    decimal.NewFromInt(20),
		Currency:  "USD",
	})
	require.Error(t, err)
	assert.False(t, IsDeclined(err))
}

func TestCreateAccountAndSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"acct_7"}`))
	})
	mux.HandleFunc("/v1/account_sessions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "acct_7", body["account"])
		w.Write([]byte(`{"client_secret":"as_secret"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second, nil)
	acct, err := c.CreateConnectedAccount(context.Background(), 7, "org@example.com", "GB")
	require.NoError(t, err)
	assert.Equal(t, "acct_7", acct)

	secret, err := c.CreateAccountSession(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "as_secret", secret)
}
