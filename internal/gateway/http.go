package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"matchpay/internal/currency"
	"matchpay/internal/logger"
)

// HTTPClient talks to the gateway's JSON REST API.
type HTTPClient struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	verifier *Verifier
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, verifier *Verifier) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		verifier: verifier,
	}
}

type intentRequest struct {
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	PaymentMethod    string            `json:"payment_method,omitempty"`
	SetupFutureUsage string            `json:"setup_future_usage,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

func (c *HTTPClient) CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error) {
	amount, err := currency.ToMinorUnits(p.Amount, p.Currency)
	if err != nil {
		return nil, err
	}
	req := intentRequest{
		Amount:        amount,
		Currency:      strings.ToLower(p.Currency),
		PaymentMethod: p.PaymentMethodID,
		Metadata:      p.Metadata,
	}
	if p.SavePaymentMethod {
		req.SetupFutureUsage = "off_session"
	}

	var out Intent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", req, p.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ConfirmIntent(ctx context.Context, intentID string) (*Intent, error) {
	var out Intent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(intentID)+"/confirm", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CancelIntent(ctx context.Context, intentID string) (*Intent, error) {
	var out Intent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(intentID)+"/cancel", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) RetrieveIntent(ctx context.Context, intentID string) (*Intent, error) {
	var out Intent
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(intentID), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type subscriptionRequest struct {
	Customer      string            `json:"customer"`
	Price         string            `json:"price"`
	PaymentMethod string            `json:"default_payment_method,omitempty"`
	Coupon        string            `json:"coupon,omitempty"`
	TrialEnd      *time.Time        `json:"trial_end,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (c *HTTPClient) CreateSubscription(ctx context.Context, p CreateSubscriptionParams) (*Subscription, error) {
	req := subscriptionRequest{
		Customer:      p.CustomerRef,
		Price:         p.PriceID,
		PaymentMethod: p.PaymentMethodID,
		Coupon:        p.CouponCode,
		TrialEnd:      p.TrialEnd,
		Metadata:      p.Metadata,
	}
	var out Subscription
	if err := c.do(ctx, http.MethodPost, "/v1/subscriptions", req, p.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var out Subscription
	if err := c.do(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CreateConnectedAccount(ctx context.Context, ownerID int64, email, country string) (string, error) {
	req := map[string]interface{}{
		"type":     "express",
		"email":    email,
		"country":  country,
		"metadata": map[string]string{"owner_id": strconv.FormatInt(ownerID, 10)},
	}
	var out Account
	if err := c.do(ctx, http.MethodPost, "/v1/accounts", req, "account-"+strconv.FormatInt(ownerID, 10), &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) CreateAccountSession(ctx context.Context, accountID string) (string, error) {
	var out struct {
		ClientSecret string `json:"client_secret"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/account_sessions", map[string]string{"account": accountID}, "", &out); err != nil {
		return "", err
	}
	return out.ClientSecret, nil
}

func (c *HTTPClient) CreatePayout(ctx context.Context, p CreatePayoutParams) (string, error) {
	amount, err := currency.ToMinorUnits(p.Amount, p.Currency)
	if err != nil {
		return "", err
	}
	req := map[string]interface{}{
		"amount":      amount,
		"currency":    strings.ToLower(p.Currency),
		"destination": p.AccountID,
		"metadata":    p.Metadata,
	}
	var out Payout
	if err := c.do(ctx, http.MethodPost, "/v1/payouts", req, p.IdempotencyKey, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) VerifyWebhookSignature(payload []byte, signature string) (*Event, error) {
	return c.verifier.Parse(payload, signature)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, idempotencyKey string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if method == http.MethodPost {
		if idempotencyKey == "" {
			idempotencyKey = uuid.NewString()
		}
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	logger.Debug("gateway call", "method", method, "path", path, "status", resp.StatusCode, "latency_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
