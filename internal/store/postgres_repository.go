/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for the donation ledger tables: donations, payments, campaigns
 * (read plus atomic increment only), exchange_rates and the event outbox.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: numeric columns are scanned into decimals.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/donation-service/internal/domain"
)

const uniqueViolation = "23505"

const donationColumns = `
	id, idempotency_key, donor_id, campaign_id, amount_fiat, currency, amount_sats::text, network,
	fees, exchange_rate, amount_base, payment_method, provider, payment_reference, external_id,
	transaction_hash, confirmations, status, applied_to_campaign, processor_response, created_at, updated_at
`

const paymentColumns = `
	id, donation_id, provider, method, amount, currency, status, external_id, payment_reference,
	idempotency_key, provider_details, processor_response, created_at, updated_at
`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func scanDonation(row pgx.Row) (*domain.Donation, error) {
	var (
		d             domain.Donation
		status        string
		method        string
		processorResp []byte
	)
	err := row.Scan(
		&d.ID,
		&d.IdempotencyKey,
		&d.DonorID,
		&d.CampaignID,
		&d.AmountFiat,
		&d.Currency,
		&d.AmountSats,
		&d.Network,
		&d.Fees,
		&d.ExchangeRate,
		&d.AmountBase,
		&method,
		&d.Provider,
		&d.PaymentReference,
		&d.ExternalID,
		&d.TransactionHash,
		&d.Confirmations,
		&status,
		&d.AppliedToCampaign,
		&processorResp,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = domain.DonationStatus(status)
	d.PaymentMethod = domain.PaymentMethod(method)
	if len(processorResp) > 0 {
		d.ProcessorResponse = json.RawMessage(processorResp)
	}
	return &d, nil
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p             domain.Payment
		method        string
		status        string
		details       []byte
		processorResp []byte
	)
	err := row.Scan(
		&p.ID,
		&p.DonationID,
		&p.Provider,
		&method,
		&p.Amount,
		&p.Currency,
		&status,
		&p.ExternalID,
		&p.PaymentReference,
		&p.IdempotencyKey,
		&details,
		&processorResp,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Method = domain.PaymentChannel(method)
	p.Status = domain.PaymentStatus(status)
	p.Details, err = domain.DecodeProviderDetails(details)
	if err != nil {
		return nil, err
	}
	if len(processorResp) > 0 {
		p.ProcessorResponse = json.RawMessage(processorResp)
	}
	return &p, nil
}

func collectDonations(rows pgx.Rows) ([]domain.Donation, error) {
	defer rows.Close()
	var donations []domain.Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		donations = append(donations, *d)
	}
	return donations, rows.Err()
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// CreateDonation inserts a new PENDING donation. A collision on any of the
// idempotency indexes surfaces as ErrDuplicateDonation.
func (r *PostgresRepository) CreateDonation(ctx context.Context, d *domain.Donation) error {
	query := `
		INSERT INTO donations (
			id,
			idempotency_key,
			donor_id,
			campaign_id,
			amount_fiat,
			currency,
			amount_sats,
			network,
			fees,
			exchange_rate,
			amount_base,
			payment_method,
			provider,
			payment_reference,
			external_id,
			status,
			processor_response
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17::jsonb)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		d.ID,
		d.IdempotencyKey,
		d.DonorID,
		d.CampaignID,
		d.AmountFiat,
		d.Currency,
		d.AmountSats,
		d.Network,
		d.Fees,
		d.ExchangeRate,
		d.AmountBase,
		string(d.PaymentMethod),
		d.Provider,
		d.PaymentReference,
		d.ExternalID,
		string(d.Status),
		nullableJSON(d.ProcessorResponse),
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateDonation
		}
		return err
	}
	return nil
}

// FindDonationByID retrieves a donation by its primary key.
func (r *PostgresRepository) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	query := `SELECT ` + donationColumns + ` FROM donations WHERE id = $1`
	d, err := scanDonation(r.db.QueryRow(ctx, query, donationID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return d, nil
}

// FindDonationByKeys returns the oldest donation matching any non-empty key.
func (r *PostgresRepository) FindDonationByKeys(ctx context.Context, lookup DonationLookup) (*domain.Donation, error) {
	if lookup.IsEmpty() {
		return nil, ErrDonationNotFound
	}
	query := `
		SELECT ` + donationColumns + `
		FROM donations
		WHERE ($1::text <> '' AND idempotency_key = $1)
			OR ($2::text <> '' AND external_id = $2)
			OR ($3::text <> '' AND payment_reference = $3)
		ORDER BY created_at
		LIMIT 1
	`
	d, err := scanDonation(r.db.QueryRow(ctx, query,
		strings.TrimSpace(lookup.IdempotencyKey),
		strings.TrimSpace(lookup.ExternalID),
		strings.TrimSpace(lookup.PaymentReference),
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return d, nil
}

// ClaimInitiation is a compare-and-set on initiation_started_at. Concurrent
// claims for the same row serialize on its lock and only the first one wins.
func (r *PostgresRepository) ClaimInitiation(ctx context.Context, donationID uuid.UUID, staleAfterSeconds int) (bool, error) {
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 30
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE donations AS d
		SET initiation_started_at = NOW(),
			updated_at = NOW()
		WHERE d.id = $1
			AND d.status = 'PENDING'
			AND (d.initiation_started_at IS NULL OR d.initiation_started_at < NOW() - ($2 * INTERVAL '1 second'))
			AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.donation_id = d.id)
	`, donationID, staleAfterSeconds)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) ReleaseInitiation(ctx context.Context, donationID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE donations AS d
		SET initiation_started_at = NULL,
			updated_at = NOW()
		WHERE d.id = $1
			AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.donation_id = d.id)
	`, donationID)
	return err
}

func (r *PostgresRepository) ListDonationsByCampaign(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]domain.Donation, error) {
	query := `
		SELECT ` + donationColumns + `
		FROM donations
		WHERE campaign_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, campaignID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectDonations(rows)
}

func (r *PostgresRepository) ListDonationsByDonor(ctx context.Context, donorID string, limit, offset int) ([]domain.Donation, error) {
	query := `
		SELECT ` + donationColumns + `
		FROM donations
		WHERE donor_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, donorID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectDonations(rows)
}

// ListDonations serves the privileged listing with optional filters.
func (r *PostgresRepository) ListDonations(ctx context.Context, filter domain.DonationListFilter) ([]domain.Donation, error) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.Method != nil {
		add("payment_method = $%d", string(*filter.Method))
	}
	if filter.Provider != nil {
		add("provider = $%d", *filter.Provider)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}

	query := `SELECT ` + donationColumns + ` FROM donations`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectDonations(rows)
}

// CreatePayment inserts a payment attempt. A second row for the same
// (provider, external_id) surfaces as ErrDuplicatePayment.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *domain.Payment) error {
	details, err := domain.EncodeProviderDetails(p.Details)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO payments (
			id,
			donation_id,
			provider,
			method,
			amount,
			currency,
			status,
			external_id,
			payment_reference,
			idempotency_key,
			provider_details,
			processor_response
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb)
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		p.ID,
		p.DonationID,
		p.Provider,
		string(p.Method),
		p.Amount,
		p.Currency,
		string(p.Status),
		p.ExternalID,
		p.PaymentReference,
		p.IdempotencyKey,
		nullableJSON(details),
		nullableJSON(p.ProcessorResponse),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePayment
		}
		return err
	}
	return nil
}

func (r *PostgresRepository) FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(r.db.QueryRow(ctx, query, paymentID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) FindPaymentByProviderExternalID(ctx context.Context, provider, externalID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE provider = $1 AND external_id = $2`
	p, err := scanPayment(r.db.QueryRow(ctx, query, provider, externalID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) ListPaymentsByDonation(ctx context.Context, donationID uuid.UUID) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE donation_id = $1 ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, donationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// ListStalePendingPayments returns PENDING payments with a processor id that
// were created before olderThan, oldest first.
func (r *PostgresRepository) ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = 'PENDING'
			AND external_id IS NOT NULL
			AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, limit)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (r *PostgresRepository) FindCampaignByID(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	var c domain.Campaign
	query := `SELECT id, owner_id, title, currency, amount_raised, updated_at FROM campaigns WHERE id = $1`
	err := r.db.QueryRow(ctx, query, campaignID).Scan(&c.ID, &c.OwnerID, &c.Title, &c.Currency, &c.AmountRaised, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCampaignNotFound
		}
		return nil, err
	}
	return &c, nil
}

// FindExchangeRate returns how many base-currency units one unit of currency buys.
func (r *PostgresRepository) FindExchangeRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := r.db.QueryRow(ctx, `SELECT rate_to_base FROM exchange_rates WHERE currency = $1`, strings.ToUpper(strings.TrimSpace(currency))).Scan(&rate)
	if err != nil {
		if err == pgx.ErrNoRows {
			return decimal.Zero, ErrExchangeRateNotFound
		}
		return decimal.Zero, err
	}
	return rate, nil
}

// RunInTx runs fn inside a READ COMMITTED transaction. Row locks taken through
// the LedgerTx serialize concurrent reconciliations of the same payment.
func (r *PostgresRepository) RunInTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgLedgerTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgLedgerTx struct {
	tx pgx.Tx
}

func (t *pgLedgerTx) LockPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`
	p, err := scanPayment(t.tx.QueryRow(ctx, query, paymentID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

func (t *pgLedgerTx) LockDonation(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	query := `SELECT ` + donationColumns + ` FROM donations WHERE id = $1 FOR UPDATE`
	d, err := scanDonation(t.tx.QueryRow(ctx, query, donationID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return d, nil
}

func (t *pgLedgerTx) UpdatePaymentState(ctx context.Context, paymentID uuid.UUID, params UpdatePaymentStateParams) error {
	var status *string
	if params.Status != nil {
		s := string(*params.Status)
		status = &s
	}
	details, err := domain.EncodeProviderDetails(params.Details)
	if err != nil {
		return err
	}
	query := `
		UPDATE payments
		SET status = COALESCE($2, status),
			payment_reference = COALESCE($3, payment_reference),
			provider_details = COALESCE($4::jsonb, provider_details),
			processor_response = COALESCE($5::jsonb, processor_response),
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := t.tx.Exec(ctx, query, paymentID, status, params.PaymentReference, nullableJSON(details), nullableJSON(params.ProcessorResponse))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (t *pgLedgerTx) UpdateDonationState(ctx context.Context, donationID uuid.UUID, params UpdateDonationStateParams) error {
	var status *string
	if params.Status != nil {
		s := string(*params.Status)
		status = &s
	}
	query := `
		UPDATE donations
		SET status = COALESCE($2, status),
			provider = COALESCE($3, provider),
			payment_reference = COALESCE($4, payment_reference),
			external_id = COALESCE($5, external_id),
			transaction_hash = COALESCE($6, transaction_hash),
			confirmations = COALESCE($7, confirmations),
			processor_response = COALESCE($8::jsonb, processor_response),
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := t.tx.Exec(ctx, query,
		donationID,
		status,
		params.Provider,
		params.PaymentReference,
		params.ExternalID,
		params.TransactionHash,
		params.Confirmations,
		nullableJSON(params.ProcessorResponse),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateDonation
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDonationNotFound
	}
	return nil
}

func (t *pgLedgerTx) FindUnappliedDonationForUpdate(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	query := `SELECT ` + donationColumns + ` FROM donations WHERE id = $1 AND applied_to_campaign = false FOR UPDATE`
	d, err := scanDonation(t.tx.QueryRow(ctx, query, donationID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAlreadyApplied
		}
		return nil, err
	}
	return d, nil
}

// IncrementCampaignRaised adds amount in the database so concurrent credits
// to the same campaign never overwrite each other.
func (t *pgLedgerTx) IncrementCampaignRaised(ctx context.Context, campaignID uuid.UUID, amount decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `UPDATE campaigns SET amount_raised = amount_raised + $1, updated_at = NOW() WHERE id = $2`, amount, campaignID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

func (t *pgLedgerTx) MarkDonationApplied(ctx context.Context, donationID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `UPDATE donations SET applied_to_campaign = true, updated_at = NOW() WHERE id = $1 AND applied_to_campaign = false`, donationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyApplied
	}
	return nil
}

func (t *pgLedgerTx) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// ClaimOutboxMessages moves up to limit due rows to 'processing'. Rows stuck in
// 'processing' longer than staleAfterSeconds are reclaimed.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}
