package stripeclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePaymentIntentSendsFormAndIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		assert.Equal(t, "don-1", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "1000", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "don-1", r.PostForm.Get("metadata[donation_id]"))
		assert.Equal(t, "true", r.PostForm.Get("automatic_payment_methods[enabled]"))
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","amount":1000,"currency":"usd","status":"requires_payment_method","client_secret":"pi_123_secret_abc"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk_test_123")
	intent, err := c.CreatePaymentIntent(context.Background(), CreatePaymentIntentParams{
		Amount:         1000,
		Currency:       "USD",
		DonationID:     "don-1",
		IdempotencyKey: "don-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", intent.ID)
	assert.Equal(t, "pi_123_secret_abc", intent.ClientSecret)
}

func TestCreatePaymentIntentReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "sk").CreatePaymentIntent(context.Background(), CreatePaymentIntentParams{Amount: 1, Currency: "usd"})
	var apiErr *ErrorResponse
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "card_declined", apiErr.Err.Code)
	assert.Equal(t, http.StatusPaymentRequired, apiErr.StatusCode)
}

func TestVerifierAcceptsAnyActiveSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)
	now := time.Unix(1_700_000_000, 0)

	v := NewVerifier(StaticSecrets{"whsec_new", "whsec_old"}, 5*time.Minute)
	v.Now = func() time.Time { return now }

	event, err := v.ConstructEvent(payload, SignatureHeader("whsec_old", now.Unix(), payload))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, EventPaymentIntentSucceeded, event.Type)
}

func TestVerifierRejections(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	now := time.Unix(1_700_000_000, 0)
	v := NewVerifier(StaticSecrets{"whsec_live"}, 5*time.Minute)
	v.Now = func() time.Time { return now }

	tests := []struct {
		name    string
		header  string
		body    []byte
		wantErr error
	}{
		{name: "wrong secret", header: SignatureHeader("whsec_other", now.Unix(), payload), body: payload, wantErr: ErrInvalidSignature},
		{name: "tampered body", header: SignatureHeader("whsec_live", now.Unix(), payload), body: []byte(`{"id":"evt_2"}`), wantErr: ErrInvalidSignature},
		{name: "missing header", header: "", body: payload, wantErr: ErrInvalidSignature},
		{name: "stale timestamp", header: SignatureHeader("whsec_live", now.Add(-10*time.Minute).Unix(), payload), body: payload, wantErr: ErrTimestampTooOld},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ConstructEvent(tt.body, tt.header)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	empty := NewVerifier(StaticSecrets{}, 0)
	assert.ErrorIs(t, empty.Verify(payload, SignatureHeader("x", now.Unix(), payload)), ErrNoWebhookSecret)
}
