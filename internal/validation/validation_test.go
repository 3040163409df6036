package validation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"matchpay/internal/apperr"
)

type topUp struct {
	OwnerID int64           `validate:"gt=0"`
	Amount  decimal.Decimal `validate:"gt=0"`
	Kind    string          `validate:"required,oneof=WALLET_TOPUP MATCH_PAYMENT"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name    string
		in      topUp
		wantErr string
	}{
		{"valid", topUp{OwnerID: 1, Amount: decimal.NewFromInt(5), Kind: "WALLET_TOPUP"}, ""},
		{"zero amount", topUp{OwnerID: 1, Amount: decimal.Zero, Kind: "WALLET_TOPUP"}, "Amount must be greater than 0"},
		{"negative amount", topUp{OwnerID: 1, Amount: decimal.NewFromInt(-3), Kind: "WALLET_TOPUP"}, "Amount must be greater than 0"},
		{"missing owner", topUp{Amount: decimal.NewFromInt(5), Kind: "WALLET_TOPUP"}, "OwnerID must be greater than 0"},
		{"bad kind", topUp{OwnerID: 1, Amount: decimal.NewFromInt(5), Kind: "GIFT"}, "Kind must be one of"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct("test", tt.in)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperr.Is(err, apperr.KindValidation))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
