// Package currency maps a user's country to the ISO-4217 currency their
// wallet and payments are denominated in.
package currency

import (
	"strings"

	"github.com/shopspring/decimal"

	"matchpay/internal/apperr"
)

var byCountry = map[string]string{
	"US": "USD", "GB": "GBP", "CA": "CAD", "AU": "AUD", "NZ": "NZD",
	"CH": "CHF", "SE": "SEK", "NO": "NOK", "DK": "DKK", "PL": "PLN",
	"CZ": "CZK", "HU": "HUF", "RO": "RON", "JP": "JPY", "KR": "KRW",
	"SG": "SGD", "HK": "HKD", "IN": "INR", "MX": "MXN", "BR": "BRL",
	"ZA": "ZAR", "NG": "NGN", "KE": "KES", "UG": "UGX", "TZ": "TZS",
	"KZ": "KZT", "AE": "AED", "TR": "TRY",

	"AT": "EUR", "BE": "EUR", "CY": "EUR", "DE": "EUR", "EE": "EUR",
	"ES": "EUR", "FI": "EUR", "FR": "EUR", "GR": "EUR", "HR": "EUR",
	"IE": "EUR", "IT": "EUR", "LT": "EUR", "LU": "EUR", "LV": "EUR",
	"MT": "EUR", "NL": "EUR", "PT": "EUR", "SI": "EUR", "SK": "EUR",
}

// Currencies without minor units.
var zeroDecimal = map[string]bool{
	"JPY": true, "KRW": true, "UGX": true,
}

// ForCountry returns the currency for an ISO-3166 alpha-2 country code.
// An empty country is an InvalidState error: a wallet cannot be created before
// the owner has set one.
func ForCountry(country string) (string, error) {
	const op = "currency.ForCountry"

	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		return "", apperr.InvalidState(op, "user country is not set")
	}
	code, ok := byCountry[country]
	if !ok {
		return "", apperr.Validation(op, "unsupported country %q", country)
	}
	return code, nil
}

func Exponent(code string) int32 {
	if zeroDecimal[strings.ToUpper(code)] {
		return 0
	}
	return 2
}

// ToMinorUnits converts an amount to the integer unit gateways expect
// (cents for USD, yen for JPY). Amounts with more precision than the currency
// allows are rejected.
func ToMinorUnits(amount decimal.Decimal, code string) (int64, error) {
	exp := Exponent(code)
	scaled := amount.Shift(exp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, apperr.Validation("currency.ToMinorUnits", "amount %s has too many decimal places for %s", amount, code)
	}
	return scaled.IntPart(), nil
}

func FromMinorUnits(units int64, code string) decimal.Decimal {
	return decimal.New(units, -Exponent(code))
}
