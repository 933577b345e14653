package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		want     int64
	}{
		{amount: "10.00", currency: "USD", want: 1000},
		{amount: "10", currency: "usd", want: 1000},
		{amount: "0.015", currency: "EUR", want: 2},
		{amount: "1500", currency: "UGX", want: 1500},
		{amount: "2.5", currency: "KWD", want: 2500},
		{amount: "99.999", currency: "KES", want: 10000},
	}

	for _, tt := range tests {
		t.Run(tt.amount+" "+tt.currency, func(t *testing.T) {
			got, err := MinorUnits(decimal.RequireFromString(tt.amount), tt.currency)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMinorUnitsRejectsNonPositiveAndDust(t *testing.T) {
	_, err := MinorUnits(decimal.Zero, "USD")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = MinorUnits(decimal.RequireFromString("-1"), "USD")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = MinorUnits(decimal.RequireFromString("0.001"), "USD")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCreditAmountPrefersBase(t *testing.T) {
	d := Donation{AmountFiat: decimal.RequireFromString("1000")}
	assert.True(t, d.CreditAmount().Equal(decimal.RequireFromString("1000")))

	d.AmountBase = decimal.NewNullDecimal(decimal.RequireFromString("7.75"))
	assert.True(t, d.CreditAmount().Equal(decimal.RequireFromString("7.75")))
}

func TestProviderDetailsEnvelopeRoundTrip(t *testing.T) {
	code := 0
	raw, err := EncodeProviderDetails(MpesaDetails{CheckoutRequestID: "ws_CO_1", ResultCode: &code})
	require.NoError(t, err)

	decoded, err := DecodeProviderDetails(raw)
	require.NoError(t, err)
	mp, ok := decoded.(MpesaDetails)
	require.True(t, ok, "expected MpesaDetails, got %T", decoded)
	assert.Equal(t, "ws_CO_1", mp.CheckoutRequestID)
	require.NotNil(t, mp.ResultCode)
	assert.Equal(t, 0, *mp.ResultCode)

	raw, err = EncodeProviderDetails(&StripeDetails{PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	decoded, err = DecodeProviderDetails(raw)
	require.NoError(t, err)
	assert.Equal(t, StripeDetails{PaymentIntentID: "pi_1"}, decoded)

	decoded, err = DecodeProviderDetails([]byte(`{"kind":"paypal"}`))
	require.NoError(t, err)
	assert.Nil(t, decoded)
}
