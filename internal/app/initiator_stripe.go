package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/donation-service/internal/domain"
	"github.com/transfa/donation-service/pkg/stripeclient"
)

// StripeAPI is the subset of the Stripe client used here.
type StripeAPI interface {
	CreatePaymentIntent(ctx context.Context, params stripeclient.CreatePaymentIntentParams) (*stripeclient.PaymentIntent, error)
	RetrievePaymentIntent(ctx context.Context, intentID string) (*stripeclient.PaymentIntent, error)
}

// StripeInitiator opens a PaymentIntent that the client confirms with the
// returned client secret.
type StripeInitiator struct {
	client StripeAPI
}

func NewStripeInitiator(client StripeAPI) *StripeInitiator {
	return &StripeInitiator{client: client}
}

func (s *StripeInitiator) Provider() string { return domain.ProviderStripe }

func (s *StripeInitiator) Initiate(ctx context.Context, donation *domain.Donation, payer *domain.Payer) (*InitiationResult, error) {
	amount, err := domain.MinorUnits(donation.AmountFiat, donation.Currency)
	if err != nil {
		return nil, newValidationError("amountFiat", err.Error())
	}

	params := stripeclient.CreatePaymentIntentParams{
		Amount:      amount,
		Currency:    donation.Currency,
		DonationID:  donation.ID.String(),
		Description: "Donation " + donation.ID.String(),
		// One intent per donation, however often creation is retried.
		IdempotencyKey: donation.ID.String(),
	}
	if payer != nil {
		params.ReceiptEmail = strings.TrimSpace(payer.Email)
	}

	intent, err := s.client.CreatePaymentIntent(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("stripe create payment intent: %w", err)
	}
	if intent.ID == "" {
		return nil, errors.New("stripe create payment intent: response missing id")
	}

	intentID := intent.ID
	now := time.Now().UTC()
	payment := &domain.Payment{
		ID:                uuid.New(),
		DonationID:        donation.ID,
		Provider:          domain.ProviderStripe,
		Method:            domain.PaymentChannelHosted,
		Amount:            donation.AmountFiat,
		Currency:          strings.ToUpper(donation.Currency),
		Status:            domain.PaymentStatusPending,
		ExternalID:        &intentID,
		IdempotencyKey:    donation.IdempotencyKey,
		Details:           domain.StripeDetails{PaymentIntentID: intent.ID, IntentStatus: intent.Status},
		ProcessorResponse: intentSnapshot(intent),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	return &InitiationResult{
		Payment: payment,
		Instructions: domain.PaymentInstructions{
			Type:            domain.InstructionClientSecret,
			Provider:        domain.ProviderStripe,
			ClientSecret:    intent.ClientSecret,
			PaymentIntentID: intent.ID,
		},
	}, nil
}

// Resume fetches the intent again so a replayed creation request gets the
// client secret, which is never stored.
func (s *StripeInitiator) Resume(ctx context.Context, payment *domain.Payment) (*domain.PaymentInstructions, error) {
	if payment.ExternalID == nil {
		return nil, errors.New("stripe payment has no intent id")
	}
	intent, err := s.client.RetrievePaymentIntent(ctx, *payment.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("stripe retrieve payment intent: %w", err)
	}
	return &domain.PaymentInstructions{
		Type:            domain.InstructionClientSecret,
		Provider:        domain.ProviderStripe,
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
	}, nil
}

// QueryStatus reports intents that have settled one way or the other.
func (s *StripeInitiator) QueryStatus(ctx context.Context, payment *domain.Payment) (*domain.CanonicalEvent, error) {
	if payment.ExternalID == nil || *payment.ExternalID == "" {
		return nil, nil
	}
	intent, err := s.client.RetrievePaymentIntent(ctx, *payment.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("stripe retrieve payment intent: %w", err)
	}

	status := intent.Status
	switch intent.Status {
	case stripeclient.IntentStatusSucceeded, stripeclient.IntentStatusCanceled:
	case stripeclient.IntentStatusRequiresPaymentMethod:
		if intent.LastPaymentError == nil {
			return nil, nil
		}
		status = stripeclient.EventPaymentIntentPaymentFailed
	default:
		return nil, nil
	}

	return &domain.CanonicalEvent{
		Provider:   domain.ProviderStripe,
		ExternalID: intent.ID,
		Status:     status,
		RawPayload: intentSnapshot(intent),
		Details: domain.StripeDetails{
			PaymentIntentID: intent.ID,
			LatestChargeID:  intent.LatestCharge,
			IntentStatus:    intent.Status,
		},
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// intentSnapshot serializes the intent without its client secret.
func intentSnapshot(intent *stripeclient.PaymentIntent) json.RawMessage {
	clean := *intent
	clean.ClientSecret = ""
	raw, err := json.Marshal(clean)
	if err != nil {
		return nil
	}
	return raw
}
