package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonKeys(t *testing.T, v interface{}) map[string]json.RawMessage {
	t.Helper()
	blob, err := json.Marshal(v)
	require.NoError(t, err)
	var keys map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(blob, &keys))
	return keys
}

func TestPublicJSONUsesCamelCase(t *testing.T) {
	campaignID := uuid.New()
	key := "k1"
	donation := Donation{
		ID:             uuid.New(),
		IdempotencyKey: &key,
		DonorID:        "user_1",
		CampaignID:     &campaignID,
		AmountFiat:     decimal.RequireFromString("10.50"),
		Currency:       "USD",
		PaymentMethod:  PaymentMethodCard,
		Status:         DonationStatusPending,
	}
	paymentID := uuid.New()

	for name, v := range map[string]interface{}{
		"donation": donation,
		"payment":  Payment{ID: paymentID, DonationID: donation.ID, Provider: ProviderStripe, Amount: donation.AmountFiat, Currency: "USD", Status: PaymentStatusPending},
		"campaign": Campaign{ID: campaignID, OwnerID: "user_owner", Currency: "USD"},
		"event":    DonationEvent{EventType: EventDonationCompleted, DonationID: donation.ID, PaymentID: &paymentID, DonorID: "user_1"},
	} {
		for k := range jsonKeys(t, v) {
			assert.NotContains(t, k, "_", "%s key %q", name, k)
			assert.Equal(t, strings.ToLower(k[:1]), k[:1], "%s key %q", name, k)
		}
	}

	keys := jsonKeys(t, donation)
	assert.Contains(t, keys, "appliedToCampaign")
	assert.Contains(t, keys, "idempotencyKey")
	assert.JSONEq(t, "10.5", string(keys["amountFiat"]))
}
