package app

import (
	"strconv"
	"strings"

	"github.com/transfa/donation-service/internal/domain"
	"github.com/transfa/donation-service/pkg/stripeclient"
)

// NormalizeOutcome maps a provider-native status token onto the canonical
// outcome vocabulary. Tokens a provider-specific table does not recognize fall
// through to the generic table; anything left over is OutcomeUnknown, which
// records the payload without moving any state.
func NormalizeOutcome(provider, status string) domain.PaymentOutcome {
	token := strings.ToLower(strings.TrimSpace(status))
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case domain.ProviderMpesa:
		if outcome, ok := normalizeMpesaResultCode(token); ok {
			return outcome
		}
	case domain.ProviderStripe:
		if outcome, ok := normalizeStripeStatus(token); ok {
			return outcome
		}
	}
	return normalizeGenericStatus(token)
}

// Daraja reports a numeric ResultCode; 0 is the only success.
func normalizeMpesaResultCode(token string) (domain.PaymentOutcome, bool) {
	code, err := strconv.Atoi(token)
	if err != nil {
		return "", false
	}
	if code == 0 {
		return domain.OutcomeSuccess, true
	}
	return domain.OutcomeFailed, true
}

// Stripe tokens are either event types (webhooks) or PaymentIntent statuses
// (confirmation polling).
func normalizeStripeStatus(token string) (domain.PaymentOutcome, bool) {
	switch token {
	case stripeclient.EventPaymentIntentSucceeded, stripeclient.IntentStatusSucceeded:
		return domain.OutcomeSuccess, true
	case stripeclient.EventPaymentIntentPaymentFailed, stripeclient.EventPaymentIntentCanceled, stripeclient.IntentStatusCanceled:
		return domain.OutcomeFailed, true
	case stripeclient.EventChargeRefunded:
		return domain.OutcomeRefunded, true
	case stripeclient.EventPaymentIntentProcessing, stripeclient.IntentStatusProcessing, stripeclient.IntentStatusRequiresPaymentMethod,
		"requires_action", "requires_confirmation", "requires_capture":
		return domain.OutcomePending, true
	}
	return "", false
}

func normalizeGenericStatus(token string) domain.PaymentOutcome {
	switch token {
	case "completed", "complete", "success", "successful", "succeeded", "paid", "confirmed", "settled":
		return domain.OutcomeSuccess
	case "failed", "failure", "cancelled", "canceled", "expired", "declined", "rejected", "reversed":
		return domain.OutcomeFailed
	case "refunded", "refund":
		return domain.OutcomeRefunded
	case "pending", "processing", "in_progress", "submitted":
		return domain.OutcomePending
	default:
		return domain.OutcomeUnknown
	}
}
