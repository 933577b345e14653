package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/donation-service/internal/domain"
)

type querierStub struct {
	results map[string]*domain.CanonicalEvent
	errs    map[string]error
	calls   []string
}

func (q *querierStub) QueryStatus(ctx context.Context, payment *domain.Payment) (*domain.CanonicalEvent, error) {
	id := *payment.ExternalID
	q.calls = append(q.calls, id)
	if err := q.errs[id]; err != nil {
		return nil, err
	}
	return q.results[id], nil
}

func TestConfirmationPollerReconcilesSettledPayments(t *testing.T) {
	f := newLedgerFixture(t)
	settled := f.seedDonation(t, domain.PaymentMethodMpesa, "12", true)
	f.seedPayment(t, settled, domain.ProviderMpesa, "ws_CO_settled")
	waiting := f.seedDonation(t, domain.PaymentMethodMpesa, "7", true)
	f.seedPayment(t, waiting, domain.ProviderMpesa, "ws_CO_waiting")
	broken := f.seedDonation(t, domain.PaymentMethodMpesa, "3", true)
	f.seedPayment(t, broken, domain.ProviderMpesa, "ws_CO_broken")

	event := mpesaEvent("ws_CO_settled", "0")
	querier := &querierStub{
		results: map[string]*domain.CanonicalEvent{"ws_CO_settled": &event},
		errs:    map[string]error{"ws_CO_broken": errors.New("daraja timeout")},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	poller := NewConfirmationPoller(f.repo, f.reconciler, map[string]StatusQuerier{domain.ProviderMpesa: querier}, logger, PollerConfig{MinAge: time.Minute, BatchSize: 10})
	poller.now = func() time.Time { return time.Now().Add(time.Hour) }

	stats, err := poller.PollPendingPayments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Checked)
	assert.Equal(t, 1, stats.Reconciled)
	assert.Equal(t, 1, stats.Failed)
	assert.ElementsMatch(t, []string{"ws_CO_settled", "ws_CO_waiting", "ws_CO_broken"}, querier.calls)

	stored, err := f.repo.FindDonationByID(context.Background(), settled.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DonationStatusCompleted, stored.Status)
	assert.True(t, f.raised(t).Equal(decimal.NewFromInt(12)))

	// Settled payments drop out of the next pass.
	querier.calls = nil
	_, err = poller.PollPendingPayments(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ws_CO_waiting", "ws_CO_broken"}, querier.calls)
}

func TestConfirmationPollerSkipsYoungPayments(t *testing.T) {
	f := newLedgerFixture(t)
	d := f.seedDonation(t, domain.PaymentMethodMpesa, "12", true)
	f.seedPayment(t, d, domain.ProviderMpesa, "ws_CO_young")

	querier := &querierStub{}
	poller := NewConfirmationPoller(f.repo, f.reconciler, map[string]StatusQuerier{domain.ProviderMpesa: querier}, nil, PollerConfig{MinAge: 10 * time.Minute})

	stats, err := poller.PollPendingPayments(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Checked)
	assert.Empty(t, querier.calls)
}
