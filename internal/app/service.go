/**
 * @description
 * This file contains the core business logic for the donation-service. It
 * orchestrates donation creation (idempotency guard, exchange-rate conversion,
 * payment initiation) and the authorized read paths over the ledger.
 *
 * @dependencies
 * - internal/domain, internal/store: ledger models and persistence.
 * - github.com/go-playground/validator/v10: request validation.
 * - github.com/google/uuid, github.com/shopspring/decimal
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/donation-service/internal/domain"
	"github.com/transfa/donation-service/internal/store"
)

const (
	donationCreateRateLimitScope = "donation_create"
	defaultPageSize              = 20
	maxPageSize                  = 100
)

// Caller is the authenticated principal behind a request.
type Caller struct {
	UserID string
	Role   string
}

// Privileged reports whether the caller may read any donation.
func (c Caller) Privileged() bool {
	switch strings.ToLower(strings.TrimSpace(c.Role)) {
	case "admin", "support":
		return true
	}
	return false
}

// ServiceConfig holds the tunables the service reads from configuration.
type ServiceConfig struct {
	BaseCurrency             string
	ProcessorTimeout         time.Duration
	CreateRateLimitPerMinute int
}

// Service provides the donation-service business logic.
type Service struct {
	repo        store.Repository
	initiators  Initiators
	rateLimiter RateLimiter
	validate    *validator.Validate

	baseCurrency     string
	processorTimeout time.Duration
	createLimit      int
}

// NewService creates a new Service.
func NewService(repo store.Repository, initiators Initiators, cfg ServiceConfig) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	base := strings.ToUpper(strings.TrimSpace(cfg.BaseCurrency))
	if base == "" {
		base = "USD"
	}
	timeout := cfg.ProcessorTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if initiators == nil {
		initiators = Initiators{}
	}

	return &Service{
		repo:             repo,
		initiators:       initiators,
		validate:         v,
		baseCurrency:     base,
		processorTimeout: timeout,
		createLimit:      cfg.CreateRateLimitPerMinute,
	}
}

// initiationClaimSeconds is how long an initiation claim blocks other
// requests. It outlives the processor call so a slow but successful call is
// never repeated.
func (s *Service) initiationClaimSeconds() int {
	seconds := int((2 * s.processorTimeout).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// SetRateLimiter enables per-donor throttling of donation creation.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.rateLimiter = limiter
}

// CreateDonationResult is returned by CreateDonation. Existing is set when an
// idempotency key matched a stored donation.
type CreateDonationResult struct {
	Donation     *domain.Donation
	Payment      *domain.Payment
	Instructions *domain.PaymentInstructions
	Existing     bool
}

// CreateDonation records a PENDING donation and opens the payment with the
// processor for its method. Repeating the request with any of the same keys
// returns the stored donation instead of creating a new one.
func (s *Service) CreateDonation(ctx context.Context, caller Caller, req domain.CreateDonationRequest) (*CreateDonationResult, error) {
	if strings.TrimSpace(caller.UserID) == "" {
		return nil, ErrForbidden
	}
	if err := s.consumeCreateRateLimit(ctx, caller); err != nil {
		return nil, err
	}

	req = normalizeCreateRequest(req)
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	lookup := store.DonationLookup{
		IdempotencyKey:   req.IdempotencyKey,
		ExternalID:       req.ExternalID,
		PaymentReference: req.PaymentReference,
	}
	if existing, err := s.findExisting(ctx, lookup); err != nil {
		return nil, err
	} else if existing != nil {
		return s.replay(ctx, caller, existing, req.Payer)
	}

	donation, err := s.buildDonation(ctx, caller, req)
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateDonation(ctx, donation); err != nil {
		if errors.Is(err, store.ErrDuplicateDonation) {
			// Lost the insert race to a concurrent request with the same key.
			existing, findErr := s.findExisting(ctx, lookup)
			if findErr == nil && existing != nil {
				return s.replay(ctx, caller, existing, req.Payer)
			}
		}
		return nil, fmt.Errorf("failed to create donation: %w", err)
	}
	log.Printf("level=info component=service msg=\"donation created\" donation_id=%s donor_id=%s method=%s amount=%s currency=%s", donation.ID, donation.DonorID, donation.PaymentMethod, donation.AmountFiat.String(), donation.Currency)

	result := &CreateDonationResult{Donation: donation}
	if err := s.initiate(ctx, donation, req.Payer, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) consumeCreateRateLimit(ctx context.Context, caller Caller) error {
	if s.rateLimiter == nil || s.createLimit <= 0 {
		return nil
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, donationCreateRateLimitScope, caller.UserID, s.createLimit, time.Minute)
	if err != nil {
		// Fail open: a Redis outage must not block donations.
		log.Printf("level=warn component=service msg=\"rate limiter unavailable\" donor_id=%s err=%v", caller.UserID, err)
		return nil
	}
	if count > s.createLimit {
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

func normalizeCreateRequest(req domain.CreateDonationRequest) domain.CreateDonationRequest {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.PaymentMethod = domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(string(req.PaymentMethod))))
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.PaymentReference = strings.TrimSpace(req.PaymentReference)
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	req.AmountSats = strings.TrimSpace(req.AmountSats)
	req.Network = strings.TrimSpace(req.Network)
	if req.Payer != nil {
		payer := *req.Payer
		payer.Phone = strings.Map(func(r rune) rune {
			if r == ' ' || r == '-' || r == '+' {
				return -1
			}
			return r
		}, strings.TrimSpace(payer.Phone))
		payer.Email = strings.TrimSpace(payer.Email)
		payer.Name = strings.TrimSpace(payer.Name)
		req.Payer = &payer
	}
	return req
}

func (s *Service) validateCreate(req domain.CreateDonationRequest) error {
	fields := make(map[string]string)
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &ValidationError{Fields: map[string]string{"request": err.Error()}}
		}
		for _, fe := range verrs {
			fields[validationFieldName(fe)] = describeValidationTag(fe)
		}
	}

	if !req.AmountFiat.IsPositive() {
		fields["amountFiat"] = "must be greater than zero"
	} else if req.AmountFiat.Exponent() < -8 {
		fields["amountFiat"] = "has too many decimal places"
	}

	switch req.PaymentMethod {
	case domain.PaymentMethodMpesa:
		if req.Payer == nil || req.Payer.Phone == "" {
			fields["payer.phone"] = "is required for M-Pesa payments"
		}
		if req.Currency != "" && req.Currency != "KES" {
			fields["currency"] = "M-Pesa only accepts KES"
		}
	case domain.PaymentMethodCard:
		if req.AmountFiat.IsPositive() && req.Currency != "" {
			if _, err := domain.MinorUnits(req.AmountFiat, req.Currency); err != nil {
				fields["amountFiat"] = err.Error()
			}
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func validationFieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	if ns == "" {
		return fe.Field()
	}
	return ns
}

func describeValidationTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "email":
		return "must be a valid email address"
	case "numeric", "number", "alpha":
		return "has an invalid format"
	}
	return "is invalid"
}

func (s *Service) buildDonation(ctx context.Context, caller Caller, req domain.CreateDonationRequest) (*domain.Donation, error) {
	if req.CampaignID != nil {
		if _, err := s.repo.FindCampaignByID(ctx, *req.CampaignID); err != nil {
			if errors.Is(err, store.ErrCampaignNotFound) {
				return nil, newValidationError("campaignId", "campaign not found")
			}
			return nil, fmt.Errorf("failed to load campaign: %w", err)
		}
	}

	donation := &domain.Donation{
		ID:            uuid.New(),
		DonorID:       caller.UserID,
		CampaignID:    req.CampaignID,
		AmountFiat:    req.AmountFiat,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		Status:        domain.DonationStatusPending,
	}
	donation.IdempotencyKey = optionalString(req.IdempotencyKey)
	donation.PaymentReference = optionalString(req.PaymentReference)
	donation.ExternalID = optionalString(req.ExternalID)
	donation.AmountSats = optionalString(req.AmountSats)
	donation.Network = optionalString(req.Network)

	if initiator, ok := s.initiators[req.PaymentMethod]; ok {
		donation.Provider = optionalString(initiator.Provider())
	} else {
		donation.Provider = optionalString(req.Provider)
	}

	if req.Currency == s.baseCurrency {
		donation.ExchangeRate = decimal.NewNullDecimal(decimal.NewFromInt(1))
		donation.AmountBase = decimal.NewNullDecimal(req.AmountFiat)
		return donation, nil
	}

	rate, err := s.repo.FindExchangeRate(ctx, req.Currency)
	switch {
	case err == nil:
		donation.ExchangeRate = decimal.NewNullDecimal(rate)
		donation.AmountBase = decimal.NewNullDecimal(req.AmountFiat.Mul(rate).Round(8))
	case errors.Is(err, store.ErrExchangeRateNotFound):
		log.Printf("level=warn component=service msg=\"no exchange rate; crediting fiat amount\" currency=%s base=%s", req.Currency, s.baseCurrency)
	default:
		return nil, fmt.Errorf("failed to load exchange rate: %w", err)
	}
	return donation, nil
}

// initiate calls the processor for the donation's method and persists the
// resulting payment. A processor failure leaves the donation PENDING with no
// payment so a replay can try again.
func (s *Service) initiate(ctx context.Context, donation *domain.Donation, payer *domain.Payer, result *CreateDonationResult) error {
	initiator, ok := s.initiators[donation.PaymentMethod]
	if !ok {
		instructions := manualInstructions(donation)
		result.Instructions = &instructions
		return nil
	}

	claimed, err := s.repo.ClaimInitiation(ctx, donation.ID, s.initiationClaimSeconds())
	if err != nil {
		return fmt.Errorf("failed to claim payment initiation: %w", err)
	}
	if !claimed {
		return s.initiationInProgress(ctx, donation, result)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.processorTimeout)
	defer cancel()

	initiated, err := initiator.Initiate(callCtx, donation, payer)
	if err != nil {
		s.releaseInitiation(ctx, donation.ID)
		if errors.Is(err, ErrValidation) {
			return err
		}
		log.Printf("level=error component=service msg=\"payment initiation failed\" donation_id=%s provider=%s err=%v", donation.ID, initiator.Provider(), err)
		return fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}

	if initiated.Payment != nil {
		payment := initiated.Payment
		if err := s.repo.CreatePayment(ctx, payment); err != nil {
			if !errors.Is(err, store.ErrDuplicatePayment) || payment.ExternalID == nil {
				return fmt.Errorf("failed to record payment: %w", err)
			}
			existing, findErr := s.repo.FindPaymentByProviderExternalID(ctx, payment.Provider, *payment.ExternalID)
			if findErr != nil {
				return fmt.Errorf("failed to load existing payment: %w", findErr)
			}
			payment = existing
		}
		result.Payment = payment
		log.Printf("level=info component=service msg=\"payment initiated\" donation_id=%s payment_id=%s provider=%s external_id=%s", donation.ID, payment.ID, payment.Provider, derefString(payment.ExternalID))
	}

	instructions := initiated.Instructions
	result.Instructions = &instructions
	return nil
}

// GetDonation returns one donation to its donor or a privileged caller.
func (s *Service) GetDonation(ctx context.Context, caller Caller, donationID uuid.UUID) (*domain.Donation, error) {
	donation, err := s.repo.FindDonationByID(ctx, donationID)
	if err != nil {
		return nil, err
	}
	if donation.DonorID != caller.UserID && !caller.Privileged() {
		return nil, ErrForbidden
	}
	return donation, nil
}

// ListDonationPayments returns every payment attempt for a donation.
func (s *Service) ListDonationPayments(ctx context.Context, caller Caller, donationID uuid.UUID) ([]domain.Payment, error) {
	if _, err := s.GetDonation(ctx, caller, donationID); err != nil {
		return nil, err
	}
	return s.repo.ListPaymentsByDonation(ctx, donationID)
}

// ListMyDonations returns the caller's own donations, newest first.
func (s *Service) ListMyDonations(ctx context.Context, caller Caller, limit, offset int) ([]domain.Donation, error) {
	limit, offset = NormalizePage(limit, offset)
	return s.repo.ListDonationsByDonor(ctx, caller.UserID, limit, offset)
}

// GetCampaign returns the campaign aggregate to its owner or a privileged caller.
func (s *Service) GetCampaign(ctx context.Context, caller Caller, campaignID uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.OwnerID != caller.UserID && !caller.Privileged() {
		return nil, ErrForbidden
	}
	return campaign, nil
}

// ListCampaignDonations returns a campaign's donations to its owner or a
// privileged caller.
func (s *Service) ListCampaignDonations(ctx context.Context, caller Caller, campaignID uuid.UUID, limit, offset int) ([]domain.Donation, error) {
	if _, err := s.GetCampaign(ctx, caller, campaignID); err != nil {
		return nil, err
	}
	limit, offset = NormalizePage(limit, offset)
	return s.repo.ListDonationsByCampaign(ctx, campaignID, limit, offset)
}

// ListDonations is the privileged, filterable listing.
func (s *Service) ListDonations(ctx context.Context, caller Caller, filter domain.DonationListFilter) ([]domain.Donation, error) {
	if !caller.Privileged() {
		return nil, ErrForbidden
	}
	filter.Limit, filter.Offset = NormalizePage(filter.Limit, filter.Offset)
	return s.repo.ListDonations(ctx, filter)
}

// NormalizePage applies the default page size, caps the limit and clamps a
// negative offset to zero.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
