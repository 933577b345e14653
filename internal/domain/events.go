package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PaymentOutcome is the canonical meaning of a provider-native status token.
type PaymentOutcome string

const (
	OutcomeSuccess  PaymentOutcome = "success"
	OutcomeFailed   PaymentOutcome = "failed"
	OutcomeRefunded PaymentOutcome = "refunded"
	OutcomePending  PaymentOutcome = "pending"
	OutcomeUnknown  PaymentOutcome = "unknown"
)

// CanonicalEvent is what every ingestor (provider webhooks, the internal
// webhook, the payment-status queue and the confirmation poller) normalizes a
// status report into before handing it to the reconciler.
type CanonicalEvent struct {
	Provider         string
	ExternalID       string
	DonationID       *uuid.UUID
	PaymentReference *string
	IdempotencyKey   *string
	// Status is the provider-native token, e.g. a Daraja result code or a
	// Stripe event type.
	Status          string
	TransactionHash *string
	Confirmations   *int
	RawPayload      json.RawMessage
	// Details, when set, is merged into the payment's provider sub-object.
	Details    ProviderDetails
	EventID    string
	ReceivedAt time.Time
	// CorrelateByDonation lets the reconciler fall back to the donation keys
	// when no payment matches (provider, ExternalID). Provider webhooks leave it
	// false: their identifiers only ever name a payment.
	CorrelateByDonation bool
}

// PaymentStatusMessage is the generic internal webhook contract. Both the
// `/webhooks/internal` endpoint and the payment-status queue accept it.
type PaymentStatusMessage struct {
	DonationID        string          `json:"donationId,omitempty"`
	ExternalID        string          `json:"externalId,omitempty"`
	PaymentReference  string          `json:"paymentReference,omitempty"`
	IdempotencyKey    string          `json:"idempotencyKey,omitempty"`
	Status            string          `json:"status"`
	TransactionHash   string          `json:"transactionHash,omitempty"`
	Confirmations     *int            `json:"confirmations,omitempty"`
	ProcessorResponse json.RawMessage `json:"processorResponse,omitempty"`
	Provider          string          `json:"provider"`
}

// Routing keys for events published through the outbox.
const (
	EventDonationCompleted    = "donation.completed"
	EventDonationFailed       = "donation.failed"
	EventDonationRefunded     = "donation.refunded"
	EventDonationRefundReview = "donation.refund_review"
)

// DonationEvent is published after a reconciled status change so that the
// notification service can send receipts.
type DonationEvent struct {
	EventType         string     `json:"eventType"`
	DonationID        uuid.UUID  `json:"donationId"`
	PaymentID         *uuid.UUID `json:"paymentId,omitempty"`
	DonorID           string     `json:"donorId"`
	CampaignID        *uuid.UUID `json:"campaignId,omitempty"`
	Amount            string     `json:"amount"`
	Currency          string     `json:"currency"`
	Provider          string     `json:"provider,omitempty"`
	PaymentReference  string     `json:"paymentReference,omitempty"`
	AppliedToCampaign bool       `json:"appliedToCampaign"`
	OccurredAt        time.Time  `json:"occurredAt"`
}
