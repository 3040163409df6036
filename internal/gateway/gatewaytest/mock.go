// Package gatewaytest provides a testify mock of gateway.Client.
package gatewaytest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"matchpay/internal/gateway"
)

type Client struct{ mock.Mock }

var _ gateway.Client = (*Client)(nil)

func (m *Client) CreateIntent(ctx context.Context, p gateway.CreateIntentParams) (*gateway.Intent, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Intent), args.Error(1)
}

func (m *Client) ConfirmIntent(ctx context.Context, intentID string) (*gateway.Intent, error) {
	args := m.Called(ctx, intentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Intent), args.Error(1)
}

func (m *Client) CancelIntent(ctx context.Context, intentID string) (*gateway.Intent, error) {
	args := m.Called(ctx, intentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Intent), args.Error(1)
}

func (m *Client) RetrieveIntent(ctx context.Context, intentID string) (*gateway.Intent, error) {
	args := m.Called(ctx, intentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Intent), args.Error(1)
}

func (m *Client) CreateSubscription(ctx context.Context, p gateway.CreateSubscriptionParams) (*gateway.Subscription, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Subscription), args.Error(1)
}

func (m *Client) CancelSubscription(ctx context.Context, subscriptionID string) (*gateway.Subscription, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Subscription), args.Error(1)
}

func (m *Client) CreateConnectedAccount(ctx context.Context, ownerID int64, email, country string) (string, error) {
	args := m.Called(ctx, ownerID, email, country)
	return args.String(0), args.Error(1)
}

func (m *Client) CreateAccountSession(ctx context.Context, accountID string) (string, error) {
	args := m.Called(ctx, accountID)
	return args.String(0), args.Error(1)
}

func (m *Client) CreatePayout(ctx context.Context, p gateway.CreatePayoutParams) (string, error) {
	args := m.Called(ctx, p)
	return args.String(0), args.Error(1)
}

func (m *Client) VerifyWebhookSignature(payload []byte, signature string) (*gateway.Event, error) {
	args := m.Called(payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Event), args.Error(1)
}
