// Package storetest provides an in-memory store.Repository for tests.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/donation-service/internal/domain"
	"github.com/transfa/donation-service/internal/store"
)

// OutboxRecord is an outbox row together with its delivery state.
type OutboxRecord struct {
	store.OutboxMessage
	Status        string
	NextAttemptAt time.Time
	StartedAt     time.Time
	LastError     string
}

// MemoryRepository keeps every table in maps. RunInTx calls are serialized
// and a failing callback restores the state captured when it began, which
// gives the same all-or-nothing behaviour as the Postgres transaction.
type MemoryRepository struct {
	txMu sync.Mutex
	mu   sync.Mutex

	donations map[uuid.UUID]domain.Donation
	payments  map[uuid.UUID]domain.Payment
	campaigns map[uuid.UUID]domain.Campaign
	rates     map[string]decimal.Decimal
	outbox    []OutboxRecord
	nextID    int64

	initiations map[uuid.UUID]time.Time

	commitErr error
	now       func() time.Time
}

var _ store.Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		donations: make(map[uuid.UUID]domain.Donation),
		payments:  make(map[uuid.UUID]domain.Payment),
		campaigns: make(map[uuid.UUID]domain.Campaign),
		rates:     make(map[string]decimal.Decimal),

		initiations: make(map[uuid.UUID]time.Time),
		now:         time.Now,
	}
}

// SeedCampaign inserts or replaces a campaign row.
func (r *MemoryRepository) SeedCampaign(c domain.Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c
}

// SetExchangeRate stores rate_to_base for currency.
func (r *MemoryRepository) SetExchangeRate(currency string, rate decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates[strings.ToUpper(currency)] = rate
}

// FailNextCommit makes the next RunInTx roll back and return err after its
// callback succeeds.
func (r *MemoryRepository) FailNextCommit(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitErr = err
}

// Outbox returns a copy of every enqueued event in insertion order.
func (r *MemoryRepository) Outbox() []OutboxRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OutboxRecord, len(r.outbox))
	copy(out, r.outbox)
	return out
}

// Donations returns every stored donation.
func (r *MemoryRepository) Donations() []domain.Donation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Donation, 0, len(r.donations))
	for _, d := range r.donations {
		out = append(out, d)
	}
	return out
}

// Payments returns every stored payment.
func (r *MemoryRepository) Payments() []domain.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Payment, 0, len(r.payments))
	for _, p := range r.payments {
		out = append(out, p)
	}
	return out
}

func matchesKey(value *string, key string) bool {
	return key != "" && value != nil && *value == key
}

func (r *MemoryRepository) CreateDonation(_ context.Context, d *domain.Donation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.donations {
		if existing.ID == d.ID ||
			(d.IdempotencyKey != nil && matchesKey(existing.IdempotencyKey, *d.IdempotencyKey)) ||
			(d.ExternalID != nil && matchesKey(existing.ExternalID, *d.ExternalID)) ||
			(d.PaymentReference != nil && matchesKey(existing.PaymentReference, *d.PaymentReference)) {
			return store.ErrDuplicateDonation
		}
	}
	now := r.now()
	d.CreatedAt = now
	d.UpdatedAt = now
	r.donations[d.ID] = *d
	return nil
}

func (r *MemoryRepository) FindDonationByID(_ context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.donations[donationID]
	if !ok {
		return nil, store.ErrDonationNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) FindDonationByKeys(_ context.Context, lookup store.DonationLookup) (*domain.Donation, error) {
	if lookup.IsEmpty() {
		return nil, store.ErrDonationNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *domain.Donation
	for _, d := range r.donations {
		if matchesKey(d.IdempotencyKey, lookup.IdempotencyKey) ||
			matchesKey(d.ExternalID, lookup.ExternalID) ||
			matchesKey(d.PaymentReference, lookup.PaymentReference) {
			if found == nil || d.CreatedAt.Before(found.CreatedAt) {
				d := d
				found = &d
			}
		}
	}
	if found == nil {
		return nil, store.ErrDonationNotFound
	}
	return found, nil
}

func (r *MemoryRepository) ClaimInitiation(_ context.Context, donationID uuid.UUID, staleAfterSeconds int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.donations[donationID]
	if !ok || d.Status != domain.DonationStatusPending {
		return false, nil
	}
	for _, p := range r.payments {
		if p.DonationID == donationID {
			return false, nil
		}
	}
	now := r.now()
	if started, held := r.initiations[donationID]; held && now.Sub(started) < time.Duration(staleAfterSeconds)*time.Second {
		return false, nil
	}
	r.initiations[donationID] = now
	return true, nil
}

func (r *MemoryRepository) ReleaseInitiation(_ context.Context, donationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.DonationID == donationID {
			return nil
		}
	}
	delete(r.initiations, donationID)
	return nil
}

func (r *MemoryRepository) listDonations(keep func(domain.Donation) bool, limit, offset int) []domain.Donation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Donation
	for _, d := range r.donations {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

func (r *MemoryRepository) ListDonationsByCampaign(_ context.Context, campaignID uuid.UUID, limit, offset int) ([]domain.Donation, error) {
	return r.listDonations(func(d domain.Donation) bool {
		return d.CampaignID != nil && *d.CampaignID == campaignID
	}, limit, offset), nil
}

func (r *MemoryRepository) ListDonationsByDonor(_ context.Context, donorID string, limit, offset int) ([]domain.Donation, error) {
	return r.listDonations(func(d domain.Donation) bool { return d.DonorID == donorID }, limit, offset), nil
}

func (r *MemoryRepository) ListDonations(_ context.Context, f domain.DonationListFilter) ([]domain.Donation, error) {
	return r.listDonations(func(d domain.Donation) bool {
		if f.Status != nil && d.Status != *f.Status {
			return false
		}
		if f.Method != nil && d.PaymentMethod != *f.Method {
			return false
		}
		if f.Provider != nil && (d.Provider == nil || *d.Provider != *f.Provider) {
			return false
		}
		if f.From != nil && d.CreatedAt.Before(*f.From) {
			return false
		}
		if f.To != nil && !d.CreatedAt.Before(*f.To) {
			return false
		}
		return true
	}, f.Limit, f.Offset), nil
}

func (r *MemoryRepository) CreatePayment(_ context.Context, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.payments {
		if existing.ID == p.ID {
			return store.ErrDuplicatePayment
		}
		if p.ExternalID != nil && existing.Provider == p.Provider && matchesKey(existing.ExternalID, *p.ExternalID) {
			return store.ErrDuplicatePayment
		}
	}
	now := r.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	r.payments[p.ID] = *p
	return nil
}

func (r *MemoryRepository) FindPaymentByID(_ context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[paymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) FindPaymentByProviderExternalID(_ context.Context, provider, externalID string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.Provider == provider && matchesKey(p.ExternalID, externalID) {
			return &p, nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func (r *MemoryRepository) ListPaymentsByDonation(_ context.Context, donationID uuid.UUID) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Payment
	for _, p := range r.payments {
		if p.DonationID == donationID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) ListStalePendingPayments(_ context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Payment
	for _, p := range r.payments {
		if p.Status == domain.PaymentStatusPending && p.ExternalID != nil && p.CreatedAt.Before(olderThan) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) FindCampaignByID(_ context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return nil, store.ErrCampaignNotFound
	}
	return &c, nil
}

func (r *MemoryRepository) FindExchangeRate(_ context.Context, currency string) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rate, ok := r.rates[strings.ToUpper(strings.TrimSpace(currency))]
	if !ok {
		return decimal.Zero, store.ErrExchangeRateNotFound
	}
	return rate, nil
}

func (r *MemoryRepository) ClaimOutboxMessages(_ context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	now := r.now()
	stale := time.Duration(staleAfterSeconds) * time.Second
	var claimed []store.OutboxMessage
	for i := range r.outbox {
		if len(claimed) >= limit {
			break
		}
		rec := &r.outbox[i]
		due := rec.Status == "pending" && !rec.NextAttemptAt.After(now)
		reclaim := rec.Status == "processing" && now.Sub(rec.StartedAt) > stale
		if !due && !reclaim {
			continue
		}
		rec.Status = "processing"
		rec.StartedAt = now
		rec.Attempts++
		claimed = append(claimed, rec.OutboxMessage)
	}
	return claimed, nil
}

func (r *MemoryRepository) MarkOutboxPublished(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.outbox {
		if r.outbox[i].ID == id {
			r.outbox[i].Status = "published"
			r.outbox[i].LastError = ""
		}
	}
	return nil
}

func (r *MemoryRepository) MarkOutboxFailed(_ context.Context, id int64, retryAfterSeconds int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	for i := range r.outbox {
		if r.outbox[i].ID == id {
			r.outbox[i].Status = "pending"
			r.outbox[i].NextAttemptAt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
			r.outbox[i].LastError = reason
		}
	}
	return nil
}

type snapshot struct {
	donations map[uuid.UUID]domain.Donation
	payments  map[uuid.UUID]domain.Payment
	campaigns map[uuid.UUID]domain.Campaign
	outbox    []OutboxRecord
	nextID    int64
}

func (r *MemoryRepository) snapshot() snapshot {
	s := snapshot{
		donations: make(map[uuid.UUID]domain.Donation, len(r.donations)),
		payments:  make(map[uuid.UUID]domain.Payment, len(r.payments)),
		campaigns: make(map[uuid.UUID]domain.Campaign, len(r.campaigns)),
		outbox:    append([]OutboxRecord(nil), r.outbox...),
		nextID:    r.nextID,
	}
	for k, v := range r.donations {
		s.donations[k] = v
	}
	for k, v := range r.payments {
		s.payments[k] = v
	}
	for k, v := range r.campaigns {
		s.campaigns[k] = v
	}
	return s
}

func (r *MemoryRepository) restore(s snapshot) {
	r.donations = s.donations
	r.payments = s.payments
	r.campaigns = s.campaigns
	r.outbox = s.outbox
	r.nextID = s.nextID
}

func (r *MemoryRepository) RunInTx(ctx context.Context, fn func(tx store.LedgerTx) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	before := r.snapshot()
	r.mu.Unlock()

	err := fn(&memoryTx{repo: r})
	if err == nil {
		if err = ctx.Err(); err == nil {
			r.mu.Lock()
			err = r.commitErr
			r.commitErr = nil
			r.mu.Unlock()
		}
	}
	if err != nil {
		r.mu.Lock()
		r.restore(before)
		r.mu.Unlock()
		return err
	}
	return nil
}

type memoryTx struct {
	repo *MemoryRepository
}

func (t *memoryTx) LockPayment(_ context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	p, ok := t.repo.payments[paymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	return &p, nil
}

func (t *memoryTx) LockDonation(_ context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	d, ok := t.repo.donations[donationID]
	if !ok {
		return nil, store.ErrDonationNotFound
	}
	return &d, nil
}

func (t *memoryTx) UpdatePaymentState(_ context.Context, paymentID uuid.UUID, params store.UpdatePaymentStateParams) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	p, ok := t.repo.payments[paymentID]
	if !ok {
		return store.ErrPaymentNotFound
	}
	if params.Status != nil {
		p.Status = *params.Status
	}
	if params.PaymentReference != nil {
		p.PaymentReference = params.PaymentReference
	}
	if params.Details != nil {
		p.Details = params.Details
	}
	if len(params.ProcessorResponse) > 0 {
		p.ProcessorResponse = append(json.RawMessage(nil), params.ProcessorResponse...)
	}
	p.UpdatedAt = t.repo.now()
	t.repo.payments[paymentID] = p
	return nil
}

func (t *memoryTx) UpdateDonationState(_ context.Context, donationID uuid.UUID, params store.UpdateDonationStateParams) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	d, ok := t.repo.donations[donationID]
	if !ok {
		return store.ErrDonationNotFound
	}
	if params.Status != nil {
		d.Status = *params.Status
	}
	if params.Provider != nil {
		d.Provider = params.Provider
	}
	if params.PaymentReference != nil {
		d.PaymentReference = params.PaymentReference
	}
	if params.ExternalID != nil {
		d.ExternalID = params.ExternalID
	}
	if params.TransactionHash != nil {
		d.TransactionHash = params.TransactionHash
	}
	if params.Confirmations != nil {
		d.Confirmations = *params.Confirmations
	}
	if len(params.ProcessorResponse) > 0 {
		d.ProcessorResponse = append(json.RawMessage(nil), params.ProcessorResponse...)
	}
	d.UpdatedAt = t.repo.now()
	t.repo.donations[donationID] = d
	return nil
}

func (t *memoryTx) FindUnappliedDonationForUpdate(_ context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	d, ok := t.repo.donations[donationID]
	if !ok || d.AppliedToCampaign {
		return nil, store.ErrAlreadyApplied
	}
	return &d, nil
}

func (t *memoryTx) IncrementCampaignRaised(_ context.Context, campaignID uuid.UUID, amount decimal.Decimal) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	c, ok := t.repo.campaigns[campaignID]
	if !ok {
		return store.ErrCampaignNotFound
	}
	c.AmountRaised = c.AmountRaised.Add(amount)
	c.UpdatedAt = t.repo.now()
	t.repo.campaigns[campaignID] = c
	return nil
}

func (t *memoryTx) MarkDonationApplied(_ context.Context, donationID uuid.UUID) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	d, ok := t.repo.donations[donationID]
	if !ok || d.AppliedToCampaign {
		return store.ErrAlreadyApplied
	}
	d.AppliedToCampaign = true
	t.repo.donations[donationID] = d
	return nil
}

func (t *memoryTx) EnqueueEvent(_ context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.repo.nextID++
	t.repo.outbox = append(t.repo.outbox, OutboxRecord{
		OutboxMessage: store.OutboxMessage{
			ID:         t.repo.nextID,
			Exchange:   exchange,
			RoutingKey: routingKey,
			Payload:    blob,
		},
		Status:        "pending",
		NextAttemptAt: t.repo.now(),
	})
	return nil
}
