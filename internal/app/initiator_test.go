package app

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/donation-service/internal/domain"
	"github.com/transfa/donation-service/pkg/mpesaclient"
	"github.com/transfa/donation-service/pkg/stripeclient"
)

type mpesaAPIStub struct {
	pushPhone  string
	pushAmount int64
	pushRef    string
	queryResp  *mpesaclient.STKQueryResponse
	queryErr   error
}

func (m *mpesaAPIStub) InitiateSTKPush(ctx context.Context, phone string, amount int64, accountReference, description string) (*mpesaclient.STKPushResponse, error) {
	m.pushPhone, m.pushAmount, m.pushRef = phone, amount, accountReference
	return &mpesaclient.STKPushResponse{
		MerchantRequestID: "29115-1",
		CheckoutRequestID: "ws_CO_100",
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (m *mpesaAPIStub) QuerySTKPush(ctx context.Context, checkoutRequestID string) (*mpesaclient.STKQueryResponse, error) {
	return m.queryResp, m.queryErr
}

func TestMpesaInitiatorRoundsUpToWholeShillings(t *testing.T) {
	api := &mpesaAPIStub{}
	donation := &domain.Donation{ID: uuid.MustParse("3f2504e0-4f89-11d3-9a0c-0305e82c3301"), AmountFiat: decimal.RequireFromString("99.20"), Currency: "KES"}

	res, err := NewMpesaInitiator(api).Initiate(context.Background(), donation, &domain.Payer{Phone: "0712345678"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), api.pushAmount)
	assert.Equal(t, "254712345678", api.pushPhone)
	assert.Equal(t, "3F2504E04F89", api.pushRef)

	require.NotNil(t, res.Payment)
	assert.Equal(t, domain.PaymentStatusPending, res.Payment.Status)
	assert.Equal(t, "ws_CO_100", *res.Payment.ExternalID)
	assert.Equal(t, domain.PaymentChannelPush, res.Payment.Method)
	assert.Equal(t, domain.InstructionAwaitDevice, res.Instructions.Type)
	assert.Equal(t, "ws_CO_100", res.Instructions.CheckoutRequestID)
	assert.Equal(t, "Success. Request accepted for processing", res.Instructions.Message)
}

func TestMpesaInitiatorQueryStatus(t *testing.T) {
	external := "ws_CO_100"
	payment := &domain.Payment{Provider: domain.ProviderMpesa, ExternalID: &external}

	inProgress := &mpesaAPIStub{queryErr: mpesaclient.ErrTransactionInProgress}
	event, err := NewMpesaInitiator(inProgress).QueryStatus(context.Background(), payment)
	require.NoError(t, err)
	assert.Nil(t, event)

	cancelled := &mpesaAPIStub{queryResp: &mpesaclient.STKQueryResponse{ResultCode: "1032", ResultDesc: "Request cancelled by user"}}
	event, err = NewMpesaInitiator(cancelled).QueryStatus(context.Background(), payment)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "1032", event.Status)
	assert.Equal(t, domain.OutcomeFailed, NormalizeOutcome(event.Provider, event.Status))
	details := event.Details.(domain.MpesaDetails)
	require.NotNil(t, details.ResultCode)
	assert.Equal(t, 1032, *details.ResultCode)
}

type stripeAPIStub struct {
	created  stripeclient.CreatePaymentIntentParams
	intent   *stripeclient.PaymentIntent
	retrieve *stripeclient.PaymentIntent
}

func (s *stripeAPIStub) CreatePaymentIntent(ctx context.Context, params stripeclient.CreatePaymentIntentParams) (*stripeclient.PaymentIntent, error) {
	s.created = params
	return s.intent, nil
}

func (s *stripeAPIStub) RetrievePaymentIntent(ctx context.Context, intentID string) (*stripeclient.PaymentIntent, error) {
	return s.retrieve, nil
}

func TestStripeInitiatorUsesMinorUnitsAndDonationKey(t *testing.T) {
	api := &stripeAPIStub{intent: &stripeclient.PaymentIntent{ID: "pi_1", Status: "requires_payment_method", ClientSecret: "pi_1_secret"}}
	donation := &domain.Donation{ID: uuid.New(), AmountFiat: decimal.RequireFromString("12.34"), Currency: "EUR"}

	res, err := NewStripeInitiator(api).Initiate(context.Background(), donation, &domain.Payer{Email: "donor@example.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(1234), api.created.Amount)
	assert.Equal(t, donation.ID.String(), api.created.IdempotencyKey)
	assert.Equal(t, "donor@example.com", api.created.ReceiptEmail)

	assert.Equal(t, "pi_1_secret", res.Instructions.ClientSecret)
	assert.NotContains(t, string(res.Payment.ProcessorResponse), "pi_1_secret")
	assert.Equal(t, domain.PaymentChannelHosted, res.Payment.Method)
}

func TestStripeInitiatorQueryStatus(t *testing.T) {
	external := "pi_1"
	payment := &domain.Payment{Provider: domain.ProviderStripe, ExternalID: &external}

	processing := &stripeAPIStub{retrieve: &stripeclient.PaymentIntent{ID: "pi_1", Status: "processing"}}
	event, err := NewStripeInitiator(processing).QueryStatus(context.Background(), payment)
	require.NoError(t, err)
	assert.Nil(t, event)

	succeeded := &stripeAPIStub{retrieve: &stripeclient.PaymentIntent{ID: "pi_1", Status: "succeeded", LatestCharge: "ch_1"}}
	event, err = NewStripeInitiator(succeeded).QueryStatus(context.Background(), payment)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, domain.OutcomeSuccess, NormalizeOutcome(event.Provider, event.Status))

	declined := &stripeAPIStub{retrieve: &stripeclient.PaymentIntent{ID: "pi_1", Status: "requires_payment_method"}}
	declined.retrieve.LastPaymentError = &struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{Code: "card_declined"}
	event, err = NewStripeInitiator(declined).QueryStatus(context.Background(), payment)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, domain.OutcomeFailed, NormalizeOutcome(event.Provider, event.Status))
}
