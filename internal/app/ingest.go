/**
 * @description
 * Translation of inbound status reports into CanonicalEvents. Provider
 * webhooks, the internal webhook and the payment-status queue all end up here
 * before the reconciler sees them.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/donation-service/internal/domain"
	"github.com/transfa/donation-service/pkg/mpesaclient"
	"github.com/transfa/donation-service/pkg/rabbitmq"
	"github.com/transfa/donation-service/pkg/stripeclient"
)

// ErrIgnoredEvent marks a well-formed delivery that carries nothing to
// reconcile, such as a Stripe event type the service does not handle.
var ErrIgnoredEvent = errors.New("event type not handled")

// MpesaCallbackEvent parses a Daraja STK callback.
func MpesaCallbackEvent(raw []byte) (domain.CanonicalEvent, error) {
	cb, err := mpesaclient.ParseCallback(raw)
	if err != nil {
		return domain.CanonicalEvent{}, newValidationError("body", err.Error())
	}
	code := cb.ResultCode
	details := domain.MpesaDetails{
		CheckoutRequestID:  cb.CheckoutRequestID,
		MerchantRequestID:  cb.MerchantRequestID,
		ResultCode:         &code,
		ResultDesc:         cb.ResultDesc,
		MpesaReceiptNumber: cb.Metadata("MpesaReceiptNumber"),
		PhoneNumber:        cb.Metadata("PhoneNumber"),
		TransactionDate:    cb.Metadata("TransactionDate"),
	}
	return domain.CanonicalEvent{
		Provider:   domain.ProviderMpesa,
		ExternalID: cb.CheckoutRequestID,
		Status:     strconv.Itoa(cb.ResultCode),
		RawPayload: json.RawMessage(raw),
		Details:    details,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// StripeWebhookEvent maps a verified Stripe event. Unhandled event types
// return ErrIgnoredEvent.
func StripeWebhookEvent(event *stripeclient.Event, raw []byte) (domain.CanonicalEvent, error) {
	canonical := domain.CanonicalEvent{
		Provider:   domain.ProviderStripe,
		Status:     event.Type,
		RawPayload: json.RawMessage(raw),
		EventID:    event.ID,
		ReceivedAt: time.Now().UTC(),
	}

	switch event.Type {
	case stripeclient.EventPaymentIntentSucceeded,
		stripeclient.EventPaymentIntentPaymentFailed,
		stripeclient.EventPaymentIntentCanceled,
		stripeclient.EventPaymentIntentProcessing:
		var intent stripeclient.PaymentIntent
		if err := json.Unmarshal(event.Data.Object, &intent); err != nil || intent.ID == "" {
			return domain.CanonicalEvent{}, newValidationError("data.object", "expected a payment_intent")
		}
		canonical.ExternalID = intent.ID
		canonical.Details = domain.StripeDetails{
			PaymentIntentID: intent.ID,
			LatestChargeID:  intent.LatestCharge,
			LastEventID:     event.ID,
			IntentStatus:    intent.Status,
		}
	case stripeclient.EventChargeRefunded:
		var charge stripeclient.Charge
		if err := json.Unmarshal(event.Data.Object, &charge); err != nil || charge.PaymentIntent == "" {
			return domain.CanonicalEvent{}, newValidationError("data.object", "expected a charge with payment_intent")
		}
		if !charge.Refunded {
			// Partial refunds leave the donation as is.
			log.Printf("level=info component=ingest msg=\"partial refund ignored\" charge_id=%s amount_refunded=%d", charge.ID, charge.AmountRefunded)
			return domain.CanonicalEvent{}, ErrIgnoredEvent
		}
		canonical.ExternalID = charge.PaymentIntent
		canonical.Details = domain.StripeDetails{
			PaymentIntentID: charge.PaymentIntent,
			LatestChargeID:  charge.ID,
			LastEventID:     event.ID,
		}
	default:
		return domain.CanonicalEvent{}, ErrIgnoredEvent
	}
	return canonical, nil
}

// PaymentStatusEvent validates the generic internal contract.
func PaymentStatusEvent(raw []byte) (domain.CanonicalEvent, error) {
	var msg domain.PaymentStatusMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.CanonicalEvent{}, newValidationError("body", "invalid JSON")
	}

	fields := make(map[string]string)
	msg.Provider = strings.ToLower(strings.TrimSpace(msg.Provider))
	msg.Status = strings.TrimSpace(msg.Status)
	if msg.Provider == "" {
		fields["provider"] = "is required"
	}
	if msg.Status == "" {
		fields["status"] = "is required"
	}
	if msg.DonationID == "" && msg.ExternalID == "" && msg.PaymentReference == "" && msg.IdempotencyKey == "" {
		fields["donationId"] = "one of donationId, externalId, paymentReference or idempotencyKey is required"
	}

	event := domain.CanonicalEvent{
		Provider:            msg.Provider,
		ExternalID:          strings.TrimSpace(msg.ExternalID),
		Status:              msg.Status,
		Confirmations:       msg.Confirmations,
		RawPayload:          json.RawMessage(raw),
		ReceivedAt:          time.Now().UTC(),
		CorrelateByDonation: true,
	}
	if msg.DonationID != "" {
		id, err := uuid.Parse(msg.DonationID)
		if err != nil {
			fields["donationId"] = "must be a UUID"
		} else {
			event.DonationID = &id
		}
	}
	if msg.Confirmations != nil && *msg.Confirmations < 0 {
		fields["confirmations"] = "must not be negative"
	}
	if len(fields) > 0 {
		return domain.CanonicalEvent{}, &ValidationError{Fields: fields}
	}

	event.PaymentReference = optionalString(strings.TrimSpace(msg.PaymentReference))
	event.IdempotencyKey = optionalString(strings.TrimSpace(msg.IdempotencyKey))
	event.TransactionHash = optionalString(strings.TrimSpace(msg.TransactionHash))
	if len(msg.ProcessorResponse) > 0 && string(msg.ProcessorResponse) != "null" {
		event.RawPayload = msg.ProcessorResponse
	}
	return event, nil
}

// PaymentStatusConsumer returns the queue handler for payment-status
// messages. Malformed and uncorrelated messages are acked so they do not
// loop; transient failures are requeued.
func PaymentStatusConsumer(reconciler EventReconciler) rabbitmq.Handler {
	return func(body []byte) bool {
		event, err := PaymentStatusEvent(body)
		if err != nil {
			log.Printf("level=warn component=payment_status_consumer msg=\"dropping malformed message\" err=%v", err)
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := reconciler.Reconcile(ctx, event); err != nil {
			if errors.Is(err, ErrUnknownCorrelation) {
				log.Printf("level=warn component=payment_status_consumer msg=\"no matching donation\" provider=%s external_id=%s", event.Provider, event.ExternalID)
				return true
			}
			log.Printf("level=error component=payment_status_consumer msg=\"reconcile failed; requeueing\" provider=%s err=%v", event.Provider, err)
			return false
		}
		return true
	}
}
