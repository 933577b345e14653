package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/transfa/donation-service/internal/domain"
	"github.com/transfa/donation-service/internal/store"
)

// findExisting resolves the caller-supplied keys to a stored donation. Any
// single matching key is enough. A nil donation means none matched.
func (s *Service) findExisting(ctx context.Context, lookup store.DonationLookup) (*domain.Donation, error) {
	if lookup.IsEmpty() {
		return nil, nil
	}
	existing, err := s.repo.FindDonationByKeys(ctx, lookup)
	if err != nil {
		if errors.Is(err, store.ErrDonationNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up donation: %w", err)
	}
	return existing, nil
}

// replay answers a repeated creation request with the stored donation. A
// PENDING donation whose first initiation failed is initiated again, unless
// another request is initiating it right now.
func (s *Service) replay(ctx context.Context, caller Caller, donation *domain.Donation, payer *domain.Payer) (*CreateDonationResult, error) {
	if donation.DonorID != caller.UserID && !caller.Privileged() {
		return nil, ErrForbidden
	}
	log.Printf("level=info component=service msg=\"idempotent replay\" donation_id=%s status=%s", donation.ID, donation.Status)

	result := &CreateDonationResult{Donation: donation, Existing: true}
	payments, err := s.repo.ListPaymentsByDonation(ctx, donation.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}

	if len(payments) == 0 {
		if donation.Status == domain.DonationStatusPending {
			if err := s.initiate(ctx, donation, payer, result); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	s.attachLatestPayment(ctx, result, payments)
	return result, nil
}

// initiationInProgress answers a request that lost the initiation claim. The
// winner may have stored its payment by now; otherwise the client is told to
// retry.
func (s *Service) initiationInProgress(ctx context.Context, donation *domain.Donation, result *CreateDonationResult) error {
	payments, err := s.repo.ListPaymentsByDonation(ctx, donation.ID)
	if err != nil {
		return fmt.Errorf("failed to list payments: %w", err)
	}
	if len(payments) > 0 {
		s.attachLatestPayment(ctx, result, payments)
		return nil
	}

	log.Printf("level=info component=service msg=\"initiation already in progress\" donation_id=%s", donation.ID)
	result.Instructions = &domain.PaymentInstructions{
		Type:     domain.InstructionInProgress,
		Provider: derefString(donation.Provider),
		Message:  "Payment is already being initiated for this donation. Retry the request shortly.",
	}
	return nil
}

func (s *Service) attachLatestPayment(ctx context.Context, result *CreateDonationResult, payments []domain.Payment) {
	latest := payments[len(payments)-1]
	result.Payment = &latest
	if latest.Status == domain.PaymentStatusPending {
		instructions := s.resumeInstructions(ctx, &latest)
		result.Instructions = &instructions
	}
}

func (s *Service) releaseInitiation(ctx context.Context, donationID uuid.UUID) {
	if err := s.repo.ReleaseInitiation(ctx, donationID); err != nil {
		log.Printf("level=warn component=service msg=\"could not release initiation claim\" donation_id=%s err=%v", donationID, err)
	}
}

func (s *Service) resumeInstructions(ctx context.Context, payment *domain.Payment) domain.PaymentInstructions {
	base := instructionsFromPayment(payment)
	resumer, ok := s.initiators.byProvider(payment.Provider).(InstructionResumer)
	if !ok {
		return base
	}
	callCtx, cancel := context.WithTimeout(ctx, s.processorTimeout)
	defer cancel()
	resumed, err := resumer.Resume(callCtx, payment)
	if err != nil {
		log.Printf("level=warn component=service msg=\"could not resume payment instructions\" payment_id=%s err=%v", payment.ID, err)
		return base
	}
	return *resumed
}
