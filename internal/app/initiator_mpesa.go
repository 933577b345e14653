package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/donation-service/internal/domain"
	"github.com/transfa/donation-service/pkg/mpesaclient"
)

// MpesaAPI is the subset of the Daraja client used here.
type MpesaAPI interface {
	InitiateSTKPush(ctx context.Context, phone string, amount int64, accountReference, description string) (*mpesaclient.STKPushResponse, error)
	QuerySTKPush(ctx context.Context, checkoutRequestID string) (*mpesaclient.STKQueryResponse, error)
}

// MpesaInitiator sends an STK push prompt to the payer's phone.
type MpesaInitiator struct {
	client MpesaAPI
}

func NewMpesaInitiator(client MpesaAPI) *MpesaInitiator {
	return &MpesaInitiator{client: client}
}

func (m *MpesaInitiator) Provider() string { return domain.ProviderMpesa }

func (m *MpesaInitiator) Initiate(ctx context.Context, donation *domain.Donation, payer *domain.Payer) (*InitiationResult, error) {
	if payer == nil || strings.TrimSpace(payer.Phone) == "" {
		return nil, newValidationError("payer.phone", "is required for M-Pesa payments")
	}
	if !strings.EqualFold(donation.Currency, "KES") {
		return nil, newValidationError("currency", "M-Pesa only accepts KES")
	}

	// Daraja only takes whole shillings.
	amount := donation.AmountFiat.Ceil().IntPart()
	if amount < 1 {
		return nil, newValidationError("amountFiat", "must be at least 1 KES")
	}

	phone := mpesaclient.NormalizePhone(payer.Phone)
	resp, err := m.client.InitiateSTKPush(ctx, phone, amount, mpesaclient.AccountReference(donation.ID.String()), "Donation")
	if err != nil {
		return nil, fmt.Errorf("mpesa stk push: %w", err)
	}
	if resp.CheckoutRequestID == "" {
		return nil, errors.New("mpesa stk push: response missing CheckoutRequestID")
	}

	raw, _ := json.Marshal(resp)
	checkoutID := resp.CheckoutRequestID
	details := domain.MpesaDetails{
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		PhoneNumber:       phone,
	}
	now := time.Now().UTC()
	payment := &domain.Payment{
		ID:                uuid.New(),
		DonationID:        donation.ID,
		Provider:          domain.ProviderMpesa,
		Method:            domain.PaymentChannelPush,
		Amount:            donation.AmountFiat,
		Currency:          strings.ToUpper(donation.Currency),
		Status:            domain.PaymentStatusPending,
		ExternalID:        &checkoutID,
		IdempotencyKey:    donation.IdempotencyKey,
		Details:           details,
		ProcessorResponse: raw,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	instructions := instructionsFromPayment(payment)
	if msg := strings.TrimSpace(resp.CustomerMessage); msg != "" {
		instructions.Message = msg
	}
	return &InitiationResult{Payment: payment, Instructions: instructions}, nil
}

// QueryStatus asks Daraja for the STK push result. A push the payer has not
// answered yet yields a nil event.
func (m *MpesaInitiator) QueryStatus(ctx context.Context, payment *domain.Payment) (*domain.CanonicalEvent, error) {
	if payment.ExternalID == nil || *payment.ExternalID == "" {
		return nil, nil
	}
	resp, err := m.client.QuerySTKPush(ctx, *payment.ExternalID)
	if err != nil {
		if errors.Is(err, mpesaclient.ErrTransactionInProgress) {
			return nil, nil
		}
		return nil, fmt.Errorf("mpesa stk query: %w", err)
	}
	if strings.TrimSpace(resp.ResultCode) == "" {
		return nil, nil
	}

	raw, _ := json.Marshal(resp)
	details := domain.MpesaDetails{
		CheckoutRequestID: *payment.ExternalID,
		MerchantRequestID: resp.MerchantRequestID,
		ResultDesc:        resp.ResultDesc,
	}
	if code, convErr := strconv.Atoi(strings.TrimSpace(resp.ResultCode)); convErr == nil {
		details.ResultCode = &code
	} else {
		log.Printf("level=warn component=mpesa_initiator msg=\"non-numeric result code\" checkout_request_id=%s result_code=%q", *payment.ExternalID, resp.ResultCode)
	}

	return &domain.CanonicalEvent{
		Provider:   domain.ProviderMpesa,
		ExternalID: *payment.ExternalID,
		Status:     resp.ResultCode,
		RawPayload: raw,
		Details:    details,
		ReceivedAt: time.Now().UTC(),
	}, nil
}
