package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/donation-service/internal/domain"
	"github.com/transfa/donation-service/pkg/stripeclient"
)

func TestMpesaCallbackEvent(t *testing.T) {
	raw := []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"29115-1","CheckoutRequestID":"ws_CO_9","ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},{"Name":"PhoneNumber","Value":254708374149}]}}}}`)

	event, err := MpesaCallbackEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderMpesa, event.Provider)
	assert.Equal(t, "ws_CO_9", event.ExternalID)
	assert.Equal(t, "0", event.Status)
	details, ok := event.Details.(domain.MpesaDetails)
	require.True(t, ok)
	assert.Equal(t, "NLJ7RT61SV", details.MpesaReceiptNumber)
	assert.Equal(t, "254708374149", details.PhoneNumber)
	assert.False(t, event.CorrelateByDonation)

	_, err = MpesaCallbackEvent([]byte(`{"Body":{}}`))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStripeWebhookEvent(t *testing.T) {
	succeeded := &stripeclient.Event{ID: "evt_1", Type: stripeclient.EventPaymentIntentSucceeded}
	succeeded.Data.Object = json.RawMessage(`{"id":"pi_1","status":"succeeded","latest_charge":"ch_1"}`)

	event, err := StripeWebhookEvent(succeeded, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "pi_1", event.ExternalID)
	assert.Equal(t, "evt_1", event.EventID)
	assert.Equal(t, domain.StripeDetails{PaymentIntentID: "pi_1", LatestChargeID: "ch_1", LastEventID: "evt_1", IntentStatus: "succeeded"}, event.Details)

	refunded := &stripeclient.Event{ID: "evt_2", Type: stripeclient.EventChargeRefunded}
	refunded.Data.Object = json.RawMessage(`{"id":"ch_1","payment_intent":"pi_1","refunded":true,"amount_refunded":1000}`)
	event, err = StripeWebhookEvent(refunded, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "pi_1", event.ExternalID)

	partial := &stripeclient.Event{ID: "evt_3", Type: stripeclient.EventChargeRefunded}
	partial.Data.Object = json.RawMessage(`{"id":"ch_1","payment_intent":"pi_1","refunded":false,"amount_refunded":100}`)
	_, err = StripeWebhookEvent(partial, []byte(`{}`))
	assert.ErrorIs(t, err, ErrIgnoredEvent)

	other := &stripeclient.Event{ID: "evt_4", Type: "customer.created"}
	_, err = StripeWebhookEvent(other, []byte(`{}`))
	assert.ErrorIs(t, err, ErrIgnoredEvent)
}

func TestPaymentStatusEvent(t *testing.T) {
	event, err := PaymentStatusEvent([]byte(`{"provider":"BTCPay","externalId":"inv_1","status":"confirmed","transactionHash":"0xabc","confirmations":3,"processorResponse":{"invoice":"inv_1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "btcpay", event.Provider)
	assert.Equal(t, "inv_1", event.ExternalID)
	assert.True(t, event.CorrelateByDonation)
	require.NotNil(t, event.TransactionHash)
	assert.Equal(t, "0xabc", *event.TransactionHash)
	require.NotNil(t, event.Confirmations)
	assert.Equal(t, 3, *event.Confirmations)
	assert.JSONEq(t, `{"invoice":"inv_1"}`, string(event.RawPayload))

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "missing provider", body: `{"status":"paid","externalId":"x"}`, field: "provider"},
		{name: "missing status", body: `{"provider":"p","externalId":"x"}`, field: "status"},
		{name: "no correlation key", body: `{"provider":"p","status":"paid"}`, field: "donationId"},
		{name: "bad donation id", body: `{"provider":"p","status":"paid","donationId":"nope"}`, field: "donationId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PaymentStatusEvent([]byte(tt.body))
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}
}

type reconcilerStub struct {
	err    error
	events []domain.CanonicalEvent
}

func (r *reconcilerStub) Reconcile(ctx context.Context, event domain.CanonicalEvent) (*ReconcileResult, error) {
	r.events = append(r.events, event)
	if r.err != nil {
		return nil, r.err
	}
	return &ReconcileResult{Outcome: NormalizeOutcome(event.Provider, event.Status)}, nil
}

func TestPaymentStatusConsumerAckPolicy(t *testing.T) {
	valid := []byte(`{"provider":"bank","paymentReference":"ref-1","status":"settled"}`)

	ok := &reconcilerStub{}
	assert.True(t, PaymentStatusConsumer(ok)(valid))
	require.Len(t, ok.events, 1)
	assert.Equal(t, "ref-1", *ok.events[0].PaymentReference)

	assert.True(t, PaymentStatusConsumer(ok)([]byte(`not json`)), "malformed messages are acked")

	unknown := &reconcilerStub{err: ErrUnknownCorrelation}
	assert.True(t, PaymentStatusConsumer(unknown)(valid))

	transient := &reconcilerStub{err: assert.AnError}
	assert.False(t, PaymentStatusConsumer(transient)(valid), "transient failures are requeued")
}
