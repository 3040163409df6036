// Package api holds the JSON bodies returned by the HTTP surface.
package api

import "matchpay/internal/apperr"

type ErrorResponse struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type WebhookResponse struct {
	Received bool `json:"received"`
}

type PaidResponse struct {
	Paid int `json:"paid"`
}

type SettledResponse struct {
	Settled int `json:"settled"`
}
