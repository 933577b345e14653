package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payer holds optional contact details used by push-payment processors.
type Payer struct {
	Phone string `json:"phone,omitempty" validate:"omitempty,numeric,min=9,max=15"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Name  string `json:"name,omitempty" validate:"omitempty,max=120"`
}

// CreateDonationRequest is the DTO for `POST /donations`.
type CreateDonationRequest struct {
	CampaignID       *uuid.UUID      `json:"campaignId,omitempty"`
	AmountFiat       decimal.Decimal `json:"amountFiat"`
	Currency         string          `json:"currency" validate:"required,len=3,alpha"`
	PaymentMethod    PaymentMethod   `json:"paymentMethod" validate:"required,oneof=MPESA CARD CRYPTO BANK_TRANSFER"`
	Provider         string          `json:"provider,omitempty" validate:"omitempty,max=64"`
	IdempotencyKey   string          `json:"idempotencyKey,omitempty" validate:"omitempty,max=255"`
	PaymentReference string          `json:"paymentReference,omitempty" validate:"omitempty,max=255"`
	ExternalID       string          `json:"externalId,omitempty" validate:"omitempty,max=255"`
	AmountSats       string          `json:"amountSats,omitempty" validate:"omitempty,number,max=30"`
	Network          string          `json:"network,omitempty" validate:"omitempty,max=32"`
	Payer            *Payer          `json:"payer,omitempty" validate:"omitempty"`
}

// Instruction types returned to the client after creation.
const (
	InstructionAwaitDevice  = "await_device_confirmation"
	InstructionClientSecret = "client_secret"
	InstructionManual       = "manual"
	InstructionInProgress   = "initiation_in_progress"
)

// PaymentInstructions tell the client how to finish paying.
type PaymentInstructions struct {
	Type              string `json:"type"`
	Provider          string `json:"provider,omitempty"`
	Message           string `json:"message,omitempty"`
	ClientSecret      string `json:"clientSecret,omitempty"`
	PaymentIntentID   string `json:"paymentIntentId,omitempty"`
	CheckoutRequestID string `json:"checkoutRequestId,omitempty"`
}
