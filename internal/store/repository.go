/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the donation-service needs. The reconciler's multi-row work runs through
 * `RunInTx`, which hands the callback a `LedgerTx` whose methods are only valid inside
 * that single database transaction.
 *
 * @dependencies
 * - github.com/google/uuid, github.com/shopspring/decimal
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/donation-service/internal/domain"
)

var (
	ErrDonationNotFound     = errors.New("donation not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrCampaignNotFound     = errors.New("campaign not found")
	ErrExchangeRateNotFound = errors.New("exchange rate not found")
	// ErrDuplicateDonation is returned when an insert loses a race on one of the
	// donation idempotency indexes.
	ErrDuplicateDonation = errors.New("duplicate donation")
	// ErrDuplicatePayment is returned when (provider, external_id) already exists.
	ErrDuplicatePayment = errors.New("duplicate payment")
	// ErrAlreadyApplied is returned by FindUnappliedDonationForUpdate when the
	// compare-and-set guard finds the flag already set.
	ErrAlreadyApplied = errors.New("donation already applied to campaign")
)

// DonationLookup holds the caller- and processor-supplied keys that identify
// a donation. Empty fields are ignored.
type DonationLookup struct {
	IdempotencyKey   string
	ExternalID       string
	PaymentReference string
}

// IsEmpty reports whether no key is set.
func (l DonationLookup) IsEmpty() bool {
	return l.IdempotencyKey == "" && l.ExternalID == "" && l.PaymentReference == ""
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Donation methods
	CreateDonation(ctx context.Context, donation *domain.Donation) error
	FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error)
	FindDonationByKeys(ctx context.Context, lookup DonationLookup) (*domain.Donation, error)
	ListDonationsByCampaign(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]domain.Donation, error)
	ListDonationsByDonor(ctx context.Context, donorID string, limit, offset int) ([]domain.Donation, error)
	ListDonations(ctx context.Context, filter domain.DonationListFilter) ([]domain.Donation, error)
	// ClaimInitiation marks a PENDING donation with no payment as being
	// initiated. It reports false when another request holds a claim younger
	// than staleAfterSeconds or a payment already exists.
	ClaimInitiation(ctx context.Context, donationID uuid.UUID, staleAfterSeconds int) (bool, error)
	// ReleaseInitiation drops the claim after a failed processor call so a
	// retry can initiate again.
	ReleaseInitiation(ctx context.Context, donationID uuid.UUID) error

	// Payment methods
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	FindPaymentByProviderExternalID(ctx context.Context, provider, externalID string) (*domain.Payment, error)
	ListPaymentsByDonation(ctx context.Context, donationID uuid.UUID) ([]domain.Payment, error)
	ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error)

	// Campaign and rate methods
	FindCampaignByID(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error)
	FindExchangeRate(ctx context.Context, currency string) (decimal.Decimal, error)

	// Outbox methods
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error

	// RunInTx executes fn inside one database transaction. Any error returned by
	// fn, or a failed commit, rolls back every write made through the LedgerTx.
	RunInTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerTx exposes the row-locking and aggregate operations used by the
// reconciler. None of them may be called outside RunInTx.
type LedgerTx interface {
	LockPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	LockDonation(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error)
	UpdatePaymentState(ctx context.Context, paymentID uuid.UUID, params UpdatePaymentStateParams) error
	UpdateDonationState(ctx context.Context, donationID uuid.UUID, params UpdateDonationStateParams) error
	// FindUnappliedDonationForUpdate re-reads the donation filtered on
	// applied_to_campaign = false. It returns ErrAlreadyApplied when the filter
	// excludes the row.
	FindUnappliedDonationForUpdate(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error)
	IncrementCampaignRaised(ctx context.Context, campaignID uuid.UUID, amount decimal.Decimal) error
	MarkDonationApplied(ctx context.Context, donationID uuid.UUID) error
	EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// UpdatePaymentStateParams uses nil to mean "leave unchanged".
type UpdatePaymentStateParams struct {
	Status            *domain.PaymentStatus
	PaymentReference  *string
	Details           domain.ProviderDetails
	ProcessorResponse json.RawMessage
}

// UpdateDonationStateParams uses nil to mean "leave unchanged".
type UpdateDonationStateParams struct {
	Status            *domain.DonationStatus
	Provider          *string
	PaymentReference  *string
	ExternalID        *string
	TransactionHash   *string
	Confirmations     *int
	ProcessorResponse json.RawMessage
}

// OutboxMessage is one pending row of `event_outbox`.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}
