/**
 * @description
 * The reconciler applies a normalized payment status report to the ledger.
 * Payment status, donation status, the campaign credit and the outbound event
 * are written in one transaction, so a crash or a failed commit leaves either
 * all of them or none.
 *
 * @notes
 * - Locks are always taken payment first, then donation.
 * - A campaign is credited at most once per donation. The guard is the
 *   `applied_to_campaign = false` re-read inside the same transaction as the
 *   increment.
 * - A success outranks a failure: a late success moves FAILED to SUCCESS and a
 *   stale failure after success is ignored. Either delivery order ends the same.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/donation-service/internal/domain"
	"github.com/transfa/donation-service/internal/store"
)

// EventReconciler is implemented by Reconciler; ingestors depend on this.
type EventReconciler interface {
	Reconcile(ctx context.Context, event domain.CanonicalEvent) (*ReconcileResult, error)
}

// ReconcileResult describes what a reconciliation did.
type ReconcileResult struct {
	Payment  *domain.Payment
	Donation *domain.Donation
	Outcome  domain.PaymentOutcome
	// Transitioned is set when the payment or donation status changed.
	Transitioned bool
	// Credited is set when this call added the donation to its campaign.
	Credited bool
	// Duplicate is set when the event repeated an already-applied outcome.
	Duplicate bool
}

// Reconciler drives the ledger state machine.
type Reconciler struct {
	repo     store.Repository
	exchange string
	now      func() time.Time
}

func NewReconciler(repo store.Repository, eventsExchange string) *Reconciler {
	if eventsExchange == "" {
		eventsExchange = "donation_events"
	}
	return &Reconciler{repo: repo, exchange: eventsExchange, now: time.Now}
}

// Reconcile correlates the event to a payment (or, for the internal contract,
// a donation) and applies it. It returns ErrUnknownCorrelation when nothing
// matches; no rows are created in that case.
func (r *Reconciler) Reconcile(ctx context.Context, event domain.CanonicalEvent) (*ReconcileResult, error) {
	outcome := NormalizeOutcome(event.Provider, event.Status)

	payment, donationID, err := r.correlate(ctx, event)
	if err != nil {
		return nil, err
	}

	if payment != nil && event.TransactionHash == nil && event.Confirmations == nil && isSettledRepeat("", payment, outcome) {
		return r.settledRepeat(ctx, event, payment, outcome)
	}

	result := &ReconcileResult{Outcome: outcome}
	err = r.repo.RunInTx(ctx, func(tx store.LedgerTx) error {
		var locked *domain.Payment
		if payment != nil {
			p, lockErr := tx.LockPayment(ctx, payment.ID)
			if lockErr != nil {
				return fmt.Errorf("lock payment: %w", lockErr)
			}
			locked = p
		}
		donation, lockErr := tx.LockDonation(ctx, donationID)
		if lockErr != nil {
			return fmt.Errorf("lock donation: %w", lockErr)
		}

		paymentChanged := false
		if locked != nil {
			next, changed := nextPaymentStatus(locked.Status, outcome)
			params := store.UpdatePaymentStateParams{
				Details:           mergeProviderDetails(locked.Details, event.Details),
				ProcessorResponse: event.RawPayload,
			}
			if changed {
				params.Status = &next
			}
			if ref := mpesaReceipt(event.Details); ref != "" && locked.PaymentReference == nil {
				params.PaymentReference = &ref
			}
			if err := tx.UpdatePaymentState(ctx, locked.ID, params); err != nil {
				return fmt.Errorf("update payment: %w", err)
			}
			if changed {
				locked.Status = next
				paymentChanged = true
			}
			if params.Details != nil {
				locked.Details = params.Details
			}
			if params.PaymentReference != nil {
				locked.PaymentReference = params.PaymentReference
			}
			if len(event.RawPayload) > 0 {
				locked.ProcessorResponse = event.RawPayload
			}
		}

		previous := donation.Status
		nextDonation, donationChanged := nextDonationStatus(donation, outcome)
		dparams := r.donationParams(donation, locked, event)
		if donationChanged {
			dparams.Status = &nextDonation
		}
		if err := tx.UpdateDonationState(ctx, donation.ID, dparams); err != nil {
			return fmt.Errorf("update donation: %w", err)
		}
		applyDonationParams(donation, dparams)

		credited, err := r.creditCampaign(ctx, tx, donation)
		if err != nil {
			return err
		}

		if donationChanged {
			if err := r.enqueue(ctx, tx, donationEventType(donation.Status), donation, locked); err != nil {
				return err
			}
		}
		refundAfterCredit := paymentChanged || (locked == nil && previous == domain.DonationStatusCompleted)
		if outcome == domain.OutcomeRefunded && donation.AppliedToCampaign && refundAfterCredit {
			if err := r.enqueue(ctx, tx, domain.EventDonationRefundReview, donation, locked); err != nil {
				return err
			}
		}

		result.Payment = locked
		result.Donation = donation
		result.Credited = credited
		result.Transitioned = paymentChanged || donationChanged
		result.Duplicate = !result.Transitioned && isSettledRepeat(previous, locked, outcome)
		return nil
	})
	if err != nil {
		log.Printf("level=error component=reconciler msg=\"reconciliation rolled back\" provider=%s external_id=%s donation_id=%s err=%v", event.Provider, event.ExternalID, donationID, err)
		return nil, err
	}

	log.Printf("level=info component=reconciler msg=\"event reconciled\" provider=%s external_id=%s donation_id=%s outcome=%s transitioned=%t credited=%t duplicate=%t", event.Provider, event.ExternalID, donationID, outcome, result.Transitioned, result.Credited, result.Duplicate)
	return result, nil
}

// settledRepeat acknowledges a redelivery of the outcome the payment already
// settled on. Nothing is written, so the first settlement payload is kept.
func (r *Reconciler) settledRepeat(ctx context.Context, event domain.CanonicalEvent, payment *domain.Payment, outcome domain.PaymentOutcome) (*ReconcileResult, error) {
	donation, err := r.repo.FindDonationByID(ctx, payment.DonationID)
	if err != nil {
		return nil, fmt.Errorf("load donation: %w", err)
	}
	log.Printf("level=info component=reconciler msg=\"settled event redelivered\" provider=%s external_id=%s donation_id=%s outcome=%s", event.Provider, event.ExternalID, donation.ID, outcome)
	return &ReconcileResult{
		Outcome:   outcome,
		Payment:   payment,
		Donation:  donation,
		Duplicate: true,
	}, nil
}

// correlate finds the payment by (provider, external id), then, when the
// event allows it, the donation by its own keys.
func (r *Reconciler) correlate(ctx context.Context, event domain.CanonicalEvent) (*domain.Payment, uuid.UUID, error) {
	if event.Provider != "" && event.ExternalID != "" {
		payment, err := r.repo.FindPaymentByProviderExternalID(ctx, event.Provider, event.ExternalID)
		switch {
		case err == nil:
			return payment, payment.DonationID, nil
		case !errors.Is(err, store.ErrPaymentNotFound):
			return nil, uuid.Nil, fmt.Errorf("find payment: %w", err)
		}
	}
	if !event.CorrelateByDonation {
		return nil, uuid.Nil, ErrUnknownCorrelation
	}

	var donation *domain.Donation
	var err error
	if event.DonationID != nil {
		donation, err = r.repo.FindDonationByID(ctx, *event.DonationID)
	} else {
		lookup := store.DonationLookup{ExternalID: event.ExternalID}
		if event.IdempotencyKey != nil {
			lookup.IdempotencyKey = *event.IdempotencyKey
		}
		if event.PaymentReference != nil {
			lookup.PaymentReference = *event.PaymentReference
		}
		if lookup.IsEmpty() {
			return nil, uuid.Nil, ErrUnknownCorrelation
		}
		donation, err = r.repo.FindDonationByKeys(ctx, lookup)
	}
	if err != nil {
		if errors.Is(err, store.ErrDonationNotFound) {
			return nil, uuid.Nil, ErrUnknownCorrelation
		}
		return nil, uuid.Nil, fmt.Errorf("find donation: %w", err)
	}

	payment, err := r.paymentForDonation(ctx, donation.ID, event.Provider)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return payment, donation.ID, nil
}

// paymentForDonation picks the newest payment from the reporting provider.
// Donations settled out of band have none.
func (r *Reconciler) paymentForDonation(ctx context.Context, donationID uuid.UUID, provider string) (*domain.Payment, error) {
	if provider == "" {
		return nil, nil
	}
	payments, err := r.repo.ListPaymentsByDonation(ctx, donationID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	for i := len(payments) - 1; i >= 0; i-- {
		if payments[i].Provider == provider {
			p := payments[i]
			return &p, nil
		}
	}
	return nil, nil
}

func nextPaymentStatus(current domain.PaymentStatus, outcome domain.PaymentOutcome) (domain.PaymentStatus, bool) {
	switch outcome {
	case domain.OutcomeSuccess:
		if current == domain.PaymentStatusPending || current == domain.PaymentStatusFailed {
			return domain.PaymentStatusSuccess, true
		}
	case domain.OutcomeFailed:
		if current == domain.PaymentStatusPending {
			return domain.PaymentStatusFailed, true
		}
	case domain.OutcomeRefunded:
		if current == domain.PaymentStatusSuccess || current == domain.PaymentStatusPending {
			return domain.PaymentStatusRefunded, true
		}
	}
	return current, false
}

func nextDonationStatus(donation *domain.Donation, outcome domain.PaymentOutcome) (domain.DonationStatus, bool) {
	current := donation.Status
	switch outcome {
	case domain.OutcomeSuccess:
		if current == domain.DonationStatusPending || current == domain.DonationStatusFailed {
			return domain.DonationStatusCompleted, true
		}
	case domain.OutcomeFailed:
		if current == domain.DonationStatusPending {
			return domain.DonationStatusFailed, true
		}
	case domain.OutcomeRefunded:
		// A credited donation is never debited automatically; it stays
		// COMPLETED and a refund_review event goes out instead.
		if current == domain.DonationStatusPending || (current == domain.DonationStatusCompleted && !donation.AppliedToCampaign) {
			return domain.DonationStatusRefunded, true
		}
	}
	return current, false
}

func isSettledRepeat(previous domain.DonationStatus, payment *domain.Payment, outcome domain.PaymentOutcome) bool {
	switch outcome {
	case domain.OutcomeSuccess:
		if payment != nil {
			return payment.Status == domain.PaymentStatusSuccess
		}
		return previous == domain.DonationStatusCompleted
	case domain.OutcomeFailed:
		if payment != nil {
			return payment.Status == domain.PaymentStatusFailed
		}
		return previous == domain.DonationStatusFailed
	case domain.OutcomeRefunded:
		if payment != nil {
			return payment.Status == domain.PaymentStatusRefunded
		}
		return previous == domain.DonationStatusRefunded
	}
	return false
}

// donationParams copies correlation data from the event onto the donation.
// Keys the donation already has are never overwritten, since they back the
// idempotency indexes.
func (r *Reconciler) donationParams(donation *domain.Donation, payment *domain.Payment, event domain.CanonicalEvent) store.UpdateDonationStateParams {
	params := store.UpdateDonationStateParams{
		TransactionHash:   event.TransactionHash,
		Confirmations:     event.Confirmations,
		ProcessorResponse: event.RawPayload,
	}
	if donation.Provider == nil && event.Provider != "" {
		provider := event.Provider
		params.Provider = &provider
	}
	if donation.PaymentReference == nil {
		if event.PaymentReference != nil && *event.PaymentReference != "" {
			params.PaymentReference = event.PaymentReference
		} else if payment != nil && payment.PaymentReference != nil {
			params.PaymentReference = payment.PaymentReference
		}
	}
	if donation.ExternalID == nil && payment == nil && event.ExternalID != "" {
		externalID := event.ExternalID
		params.ExternalID = &externalID
	}
	return params
}

func applyDonationParams(donation *domain.Donation, params store.UpdateDonationStateParams) {
	if params.Status != nil {
		donation.Status = *params.Status
	}
	if params.Provider != nil {
		donation.Provider = params.Provider
	}
	if params.PaymentReference != nil {
		donation.PaymentReference = params.PaymentReference
	}
	if params.ExternalID != nil {
		donation.ExternalID = params.ExternalID
	}
	if params.TransactionHash != nil {
		donation.TransactionHash = params.TransactionHash
	}
	if params.Confirmations != nil {
		donation.Confirmations = *params.Confirmations
	}
	if len(params.ProcessorResponse) > 0 {
		donation.ProcessorResponse = params.ProcessorResponse
	}
}

func (r *Reconciler) creditCampaign(ctx context.Context, tx store.LedgerTx, donation *domain.Donation) (bool, error) {
	if donation.Status != domain.DonationStatusCompleted || donation.CampaignID == nil || donation.AppliedToCampaign {
		return false, nil
	}
	fresh, err := tx.FindUnappliedDonationForUpdate(ctx, donation.ID)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyApplied) {
			donation.AppliedToCampaign = true
			return false, nil
		}
		return false, fmt.Errorf("recheck donation: %w", err)
	}
	amount := fresh.CreditAmount()
	if err := tx.IncrementCampaignRaised(ctx, *fresh.CampaignID, amount); err != nil {
		return false, fmt.Errorf("credit campaign %s: %w", *fresh.CampaignID, err)
	}
	if err := tx.MarkDonationApplied(ctx, fresh.ID); err != nil {
		return false, fmt.Errorf("mark donation applied: %w", err)
	}
	donation.AppliedToCampaign = true
	log.Printf("level=info component=reconciler msg=\"campaign credited\" donation_id=%s campaign_id=%s amount=%s", donation.ID, *fresh.CampaignID, amount.String())
	return true, nil
}

func donationEventType(status domain.DonationStatus) string {
	switch status {
	case domain.DonationStatusCompleted:
		return domain.EventDonationCompleted
	case domain.DonationStatusFailed:
		return domain.EventDonationFailed
	case domain.DonationStatusRefunded:
		return domain.EventDonationRefunded
	}
	return ""
}

func (r *Reconciler) enqueue(ctx context.Context, tx store.LedgerTx, eventType string, donation *domain.Donation, payment *domain.Payment) error {
	if eventType == "" {
		return nil
	}
	evt := domain.DonationEvent{
		EventType:         eventType,
		DonationID:        donation.ID,
		DonorID:           donation.DonorID,
		CampaignID:        donation.CampaignID,
		Amount:            donation.AmountFiat.String(),
		Currency:          donation.Currency,
		Provider:          derefString(donation.Provider),
		PaymentReference:  derefString(donation.PaymentReference),
		AppliedToCampaign: donation.AppliedToCampaign,
		OccurredAt:        r.now().UTC(),
	}
	if payment != nil {
		id := payment.ID
		evt.PaymentID = &id
		evt.Provider = payment.Provider
	}
	if err := tx.EnqueueEvent(ctx, r.exchange, eventType, evt); err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return nil
}

// mergeProviderDetails overlays the non-empty incoming fields on the stored
// details. It returns nil when there is nothing to write.
func mergeProviderDetails(existing, incoming domain.ProviderDetails) domain.ProviderDetails {
	if incoming == nil {
		return nil
	}
	switch in := incoming.(type) {
	case domain.MpesaDetails:
		cur, ok := existing.(domain.MpesaDetails)
		if !ok {
			return in
		}
		if in.CheckoutRequestID != "" {
			cur.CheckoutRequestID = in.CheckoutRequestID
		}
		if in.MerchantRequestID != "" {
			cur.MerchantRequestID = in.MerchantRequestID
		}
		if in.ResultCode != nil {
			cur.ResultCode = in.ResultCode
		}
		if in.ResultDesc != "" {
			cur.ResultDesc = in.ResultDesc
		}
		if in.MpesaReceiptNumber != "" {
			cur.MpesaReceiptNumber = in.MpesaReceiptNumber
		}
		if in.PhoneNumber != "" {
			cur.PhoneNumber = in.PhoneNumber
		}
		if in.TransactionDate != "" {
			cur.TransactionDate = in.TransactionDate
		}
		return cur
	case domain.StripeDetails:
		cur, ok := existing.(domain.StripeDetails)
		if !ok {
			return in
		}
		if in.PaymentIntentID != "" {
			cur.PaymentIntentID = in.PaymentIntentID
		}
		if in.LatestChargeID != "" {
			cur.LatestChargeID = in.LatestChargeID
		}
		if in.LastEventID != "" {
			cur.LastEventID = in.LastEventID
		}
		if in.IntentStatus != "" {
			cur.IntentStatus = in.IntentStatus
		}
		return cur
	}
	return incoming
}

func mpesaReceipt(details domain.ProviderDetails) string {
	if d, ok := details.(domain.MpesaDetails); ok {
		return d.MpesaReceiptNumber
	}
	return ""
}
