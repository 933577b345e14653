package app

import (
	"testing"

	"github.com/transfa/donation-service/internal/domain"
)

func TestNormalizeOutcome(t *testing.T) {
	tests := []struct {
		provider string
		status   string
		want     domain.PaymentOutcome
	}{
		{"mpesa", "0", domain.OutcomeSuccess},
		{"mpesa", "1032", domain.OutcomeFailed},
		{"mpesa", "1037", domain.OutcomeFailed},
		{"mpesa", "completed", domain.OutcomeSuccess},
		{"stripe", "payment_intent.succeeded", domain.OutcomeSuccess},
		{"stripe", "succeeded", domain.OutcomeSuccess},
		{"stripe", "payment_intent.payment_failed", domain.OutcomeFailed},
		{"stripe", "payment_intent.canceled", domain.OutcomeFailed},
		{"stripe", "charge.refunded", domain.OutcomeRefunded},
		{"stripe", "payment_intent.processing", domain.OutcomePending},
		{"stripe", "customer.created", domain.OutcomeUnknown},
		{"btcpay", "Confirmed", domain.OutcomeSuccess},
		{"btcpay", " PAID ", domain.OutcomeSuccess},
		{"bank", "expired", domain.OutcomeFailed},
		{"bank", "refunded", domain.OutcomeRefunded},
		{"bank", "processing", domain.OutcomePending},
		{"bank", "mempool_seen", domain.OutcomeUnknown},
		{"", "", domain.OutcomeUnknown},
	}

	for _, tt := range tests {
		if got := NormalizeOutcome(tt.provider, tt.status); got != tt.want {
			t.Fatalf("NormalizeOutcome(%q, %q) = %q, want %q", tt.provider, tt.status, got, tt.want)
		}
	}
}

func TestPaymentStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current domain.PaymentStatus
		outcome domain.PaymentOutcome
		want    domain.PaymentStatus
		changed bool
	}{
		{"pending to success", domain.PaymentStatusPending, domain.OutcomeSuccess, domain.PaymentStatusSuccess, true},
		{"pending to failed", domain.PaymentStatusPending, domain.OutcomeFailed, domain.PaymentStatusFailed, true},
		{"late success wins", domain.PaymentStatusFailed, domain.OutcomeSuccess, domain.PaymentStatusSuccess, true},
		{"stale failure ignored", domain.PaymentStatusSuccess, domain.OutcomeFailed, domain.PaymentStatusSuccess, false},
		{"refund after success", domain.PaymentStatusSuccess, domain.OutcomeRefunded, domain.PaymentStatusRefunded, true},
		{"refund is final", domain.PaymentStatusRefunded, domain.OutcomeSuccess, domain.PaymentStatusRefunded, false},
		{"failed never refunds", domain.PaymentStatusFailed, domain.OutcomeRefunded, domain.PaymentStatusFailed, false},
		{"pending stays on pending", domain.PaymentStatusPending, domain.OutcomePending, domain.PaymentStatusPending, false},
		{"unknown changes nothing", domain.PaymentStatusPending, domain.OutcomeUnknown, domain.PaymentStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := nextPaymentStatus(tt.current, tt.outcome)
			if got != tt.want || changed != tt.changed {
				t.Fatalf("nextPaymentStatus(%s, %s) = (%s, %t), want (%s, %t)", tt.current, tt.outcome, got, changed, tt.want, tt.changed)
			}
		})
	}
}
