/**
 * @description
 * Payment initiation. Each automated payment method has one initiator that
 * opens the transaction with its processor and returns the Payment row to
 * persist plus the instructions the client needs to finish paying. Methods
 * without an initiator (CRYPTO, BANK_TRANSFER) are settled out of band and
 * reported back through the internal webhook.
 */
package app

import (
	"context"

	"github.com/transfa/donation-service/internal/domain"
)

// InitiationResult is what an initiator hands back after a processor accepted
// the request. Payment is nil for manual methods.
type InitiationResult struct {
	Payment      *domain.Payment
	Instructions domain.PaymentInstructions
}

// PaymentInitiator opens a payment with one processor.
type PaymentInitiator interface {
	Provider() string
	Initiate(ctx context.Context, donation *domain.Donation, payer *domain.Payer) (*InitiationResult, error)
}

// InstructionResumer rebuilds client instructions for a payment that already
// exists, for idempotent replays of the creation request.
type InstructionResumer interface {
	Resume(ctx context.Context, payment *domain.Payment) (*domain.PaymentInstructions, error)
}

// StatusQuerier asks a processor for the current state of a pending payment.
// It returns a nil event while the processor still reports the payment as
// in flight.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, payment *domain.Payment) (*domain.CanonicalEvent, error)
}

// Initiators maps payment methods to their automated initiation path.
type Initiators map[domain.PaymentMethod]PaymentInitiator

// Queriers returns the initiators that can also answer status queries, keyed
// by provider name.
func (in Initiators) Queriers() map[string]StatusQuerier {
	out := make(map[string]StatusQuerier)
	for _, initiator := range in {
		if q, ok := initiator.(StatusQuerier); ok {
			out[initiator.Provider()] = q
		}
	}
	return out
}

func (in Initiators) byProvider(provider string) PaymentInitiator {
	for _, initiator := range in {
		if initiator.Provider() == provider {
			return initiator
		}
	}
	return nil
}

func manualInstructions(donation *domain.Donation) domain.PaymentInstructions {
	provider := ""
	if donation.Provider != nil {
		provider = *donation.Provider
	}
	return domain.PaymentInstructions{
		Type:     domain.InstructionManual,
		Provider: provider,
		Message:  "Complete the payment out of band; the donation is confirmed once the processor reports it.",
	}
}

func instructionsFromPayment(payment *domain.Payment) domain.PaymentInstructions {
	switch d := payment.Details.(type) {
	case domain.MpesaDetails:
		return domain.PaymentInstructions{
			Type:              domain.InstructionAwaitDevice,
			Provider:          domain.ProviderMpesa,
			Message:           "Check your phone and enter your M-Pesa PIN to complete the donation.",
			CheckoutRequestID: d.CheckoutRequestID,
		}
	case domain.StripeDetails:
		return domain.PaymentInstructions{
			Type:            domain.InstructionClientSecret,
			Provider:        domain.ProviderStripe,
			PaymentIntentID: d.PaymentIntentID,
		}
	}
	return domain.PaymentInstructions{Type: domain.InstructionManual, Provider: payment.Provider}
}
