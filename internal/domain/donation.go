/**
 * @description
 * This file defines the core ledger models for the donation-service: the donor's
 * pledge (`Donation`), each attempt to collect it through a processor (`Payment`),
 * and the campaign aggregate whose raised amount the reconciler credits.
 *
 * @notes
 * - Money is held in `decimal.Decimal` so amounts never pass through float64.
 * - `AmountSats` is kept as a digit string; satoshi totals can exceed what a
 *   JSON number survives in most clients.
 * - Donations are financial records and are never deleted.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func init() {
	// Clients read amounts as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

type DonationStatus string

const (
	DonationStatusPending   DonationStatus = "PENDING"
	DonationStatusCompleted DonationStatus = "COMPLETED"
	DonationStatusFailed    DonationStatus = "FAILED"
	DonationStatusRefunded  DonationStatus = "REFUNDED"
)

// Valid reports whether s is one of the known donation states.
func (s DonationStatus) Valid() bool {
	switch s {
	case DonationStatusPending, DonationStatusCompleted, DonationStatusFailed, DonationStatusRefunded:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusSuccess  PaymentStatus = "SUCCESS"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// PaymentMethod is the donor-facing way of paying. Each method maps to at most
// one automated initiation path.
type PaymentMethod string

const (
	PaymentMethodMpesa        PaymentMethod = "MPESA"
	PaymentMethodCard         PaymentMethod = "CARD"
	PaymentMethodCrypto       PaymentMethod = "CRYPTO"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
)

// Valid reports whether m is a payment method the service accepts.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodMpesa, PaymentMethodCard, PaymentMethodCrypto, PaymentMethodBankTransfer:
		return true
	}
	return false
}

// PaymentChannel describes how a processor collects the money.
type PaymentChannel string

const (
	PaymentChannelPush   PaymentChannel = "push"
	PaymentChannelHosted PaymentChannel = "hosted"
	PaymentChannelManual PaymentChannel = "manual"
)

// Provider names as stored in `payments.provider` and `donations.provider`.
const (
	ProviderMpesa  = "mpesa"
	ProviderStripe = "stripe"
)

// Donation represents a donor's pledge. It maps to the `donations` table.
type Donation struct {
	ID             uuid.UUID  `json:"id"`
	IdempotencyKey *string    `json:"idempotencyKey,omitempty"`
	DonorID        string     `json:"donorId"`
	CampaignID     *uuid.UUID `json:"campaignId,omitempty"`

	AmountFiat   decimal.Decimal     `json:"amountFiat"`
	Currency     string              `json:"currency"`
	AmountSats   *string             `json:"amountSats,omitempty"`
	Network      *string             `json:"network,omitempty"`
	Fees         decimal.NullDecimal `json:"fees"`
	ExchangeRate decimal.NullDecimal `json:"exchangeRate"`
	AmountBase   decimal.NullDecimal `json:"amountBase"`

	PaymentMethod    PaymentMethod `json:"paymentMethod"`
	Provider         *string       `json:"provider,omitempty"`
	PaymentReference *string       `json:"paymentReference,omitempty"`
	ExternalID       *string       `json:"externalId,omitempty"`
	TransactionHash  *string       `json:"transactionHash,omitempty"`
	Confirmations    int           `json:"confirmations"`

	Status            DonationStatus  `json:"status"`
	AppliedToCampaign bool            `json:"appliedToCampaign"`
	ProcessorResponse json.RawMessage `json:"processorResponse,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreditAmount is the value added to the campaign aggregate when the donation
// completes: the base-currency amount when an exchange rate was applied,
// otherwise the fiat amount.
func (d *Donation) CreditAmount() decimal.Decimal {
	if d.AmountBase.Valid {
		return d.AmountBase.Decimal
	}
	return d.AmountFiat
}

// Payment represents one attempt to collect a Donation through one processor.
type Payment struct {
	ID                uuid.UUID       `json:"id"`
	DonationID        uuid.UUID       `json:"donationId"`
	Provider          string          `json:"provider"`
	Method            PaymentChannel  `json:"method"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            PaymentStatus   `json:"status"`
	ExternalID        *string         `json:"externalId,omitempty"`
	PaymentReference  *string         `json:"paymentReference,omitempty"`
	IdempotencyKey    *string         `json:"idempotencyKey,omitempty"`
	Details           ProviderDetails `json:"-"`
	ProcessorResponse json.RawMessage `json:"processorResponse,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// IsTerminal reports whether no further webhook may move the payment, except
// for the refund edge out of SUCCESS.
func (p *Payment) IsTerminal() bool {
	return p.Status == PaymentStatusSuccess || p.Status == PaymentStatusFailed || p.Status == PaymentStatusRefunded
}

// Campaign is the aggregate view of a fundraising campaign owned by the
// campaign service. Only `AmountRaised` is written here, and only through an
// atomic increment.
type Campaign struct {
	ID           uuid.UUID       `json:"id"`
	OwnerID      string          `json:"ownerId"`
	Title        string          `json:"title"`
	Currency     string          `json:"currency"`
	AmountRaised decimal.Decimal `json:"amountRaised"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// DonationListFilter narrows privileged donation listings.
type DonationListFilter struct {
	Status   *DonationStatus
	Method   *PaymentMethod
	Provider *string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}
