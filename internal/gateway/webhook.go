package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"matchpay/internal/patch"
)

const SignatureHeader = "Gateway-Signature"

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleSignature   = errors.New("webhook timestamp outside tolerance")
)

type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created time.Time `json:"created"`
	Data    EventData `json:"data"`
}

type EventData struct {
	Object json.RawMessage `json:"object"`
}

// Decode unmarshals the event's data object into dst.
func (e *Event) Decode(dst interface{}) error {
	if len(e.Data.Object) == 0 {
		return fmt.Errorf("event %s has no data object", e.ID)
	}
	return json.Unmarshal(e.Data.Object, dst)
}

type Refund struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

type Charge struct {
	ID            string   `json:"id"`
	PaymentIntent string   `json:"payment_intent"`
	Currency      string   `json:"currency"`
	Refunds       []Refund `json:"refunds"`
}

type Invoice struct {
	ID           string     `json:"id"`
	Subscription string     `json:"subscription"`
	PeriodStart  *time.Time `json:"period_start,omitempty"`
	PeriodEnd    *time.Time `json:"period_end,omitempty"`
}

// SubscriptionUpdate is the subscription object carried by
// customer.subscription.* events. Absent keys leave local fields untouched;
// explicit nulls clear them.
type SubscriptionUpdate struct {
	ID                 string                 `json:"id"`
	Status             patch.Field[string]    `json:"status"`
	TrialStart         patch.Field[time.Time] `json:"trial_start"`
	TrialEnd           patch.Field[time.Time] `json:"trial_end"`
	CurrentPeriodStart patch.Field[time.Time] `json:"current_period_start"`
	CurrentPeriodEnd   patch.Field[time.Time] `json:"current_period_end"`
	CanceledAt         patch.Field[time.Time] `json:"canceled_at"`
}

type Card struct {
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
}

type PaymentMethod struct {
	ID       string            `json:"id"`
	Card     Card              `json:"card"`
	Metadata map[string]string `json:"metadata"`
}

type Account struct {
	ID             string `json:"id"`
	ChargesEnabled bool   `json:"charges_enabled"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
}

type Payout struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	FailureMessage string            `json:"failure_message,omitempty"`
	Metadata       map[string]string `json:"metadata"`
}

// Verifier checks "t=<unix>,v1=<hex>" signature headers where v1 is
// HMAC-SHA256(secret, "<t>.<payload>").
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

func (v *Verifier) Verify(payload []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v1":
			sigs = append(sigs, val)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(unix, 0))
		if age > v.tolerance || age < -v.tolerance {
			return ErrStaleSignature
		}
	}

	expected := computeSignature(v.secret, ts, payload)
	for _, sig := range sigs {
		got, err := hex.DecodeString(sig)
		if err == nil && hmac.Equal(got, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Parse verifies the signature and decodes the event envelope.
func (v *Verifier) Parse(payload []byte, header string) (*Event, error) {
	if err := v.Verify(payload, header); err != nil {
		return nil, err
	}
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}
	if evt.ID == "" || evt.Type == "" {
		return nil, errors.New("webhook event missing id or type")
	}
	return &evt, nil
}

// SignPayload builds a signature header for payload at time t.
func SignPayload(secret string, payload []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(computeSignature([]byte(secret), ts, payload))
}

func computeSignature(secret []byte, ts string, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}
