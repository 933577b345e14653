/**
 * @description
 * This file contains the HTTP handlers for donation creation and the read API.
 * Handlers parse the request, call the application service with the
 * authenticated caller, and map service errors onto HTTP status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain, internal/store: service logic, models, and sentinel errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/donation-service/internal/app"
	"github.com/transfa/donation-service/internal/domain"
	"github.com/transfa/donation-service/internal/store"
)

const maxRequestBodyBytes = 1 << 20

// DonationHandlers holds the application service that handlers will use.
type DonationHandlers struct {
	service *app.Service
}

// NewDonationHandlers creates a new instance of DonationHandlers.
func NewDonationHandlers(service *app.Service) *DonationHandlers {
	return &DonationHandlers{service: service}
}

// createDonationResponse is returned by POST /donations. Note is "existing"
// when the request replayed an earlier donation.
type createDonationResponse struct {
	Donation            *domain.Donation            `json:"donation"`
	Payment             *domain.Payment             `json:"payment,omitempty"`
	PaymentInstructions *domain.PaymentInstructions `json:"paymentInstructions,omitempty"`
	Note                string                      `json:"note,omitempty"`
}

type listResponse[T any] struct {
	Data   []T `json:"data"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// CreateDonationHandler handles POST /donations.
func (h *DonationHandlers) CreateDonationHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	var req domain.CreateDonationRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_donation outcome=reject reason=invalid_json user_id=%s err=%v", caller.UserID, err)
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	result, err := h.service.CreateDonation(r.Context(), caller, req)
	if err != nil {
		writeServiceError(w, "create_donation", err)
		return
	}

	resp := createDonationResponse{
		Donation:            result.Donation,
		Payment:             result.Payment,
		PaymentInstructions: result.Instructions,
	}
	status := http.StatusCreated
	if result.Existing {
		resp.Note = "existing"
		status = http.StatusOK
	}
	log.Printf("level=info component=api endpoint=create_donation outcome=ok donation_id=%s existing=%t method=%s", result.Donation.ID, result.Existing, result.Donation.PaymentMethod)
	writeJSON(w, status, resp)
}

// GetDonationHandler handles GET /donations/{id}.
func (h *DonationHandlers) GetDonationHandler(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := callerAndID(w, r, "id")
	if !ok {
		return
	}
	donation, err := h.service.GetDonation(r.Context(), caller, id)
	if err != nil {
		writeServiceError(w, "get_donation", err)
		return
	}
	writeJSON(w, http.StatusOK, donation)
}

// ListDonationPaymentsHandler handles GET /donations/{id}/payments.
func (h *DonationHandlers) ListDonationPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := callerAndID(w, r, "id")
	if !ok {
		return
	}
	payments, err := h.service.ListDonationPayments(r.Context(), caller, id)
	if err != nil {
		writeServiceError(w, "list_donation_payments", err)
		return
	}
	if payments == nil {
		payments = []domain.Payment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": payments})
}

// ListMyDonationsHandler handles GET /donations/me.
func (h *DonationHandlers) ListMyDonationsHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	limit, offset, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	donations, err := h.service.ListMyDonations(r.Context(), caller, limit, offset)
	if err != nil {
		writeServiceError(w, "list_my_donations", err)
		return
	}
	writeDonationList(w, donations, limit, offset)
}

// GetCampaignHandler handles GET /campaigns/{campaignID}.
func (h *DonationHandlers) GetCampaignHandler(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := callerAndID(w, r, "campaignID")
	if !ok {
		return
	}
	campaign, err := h.service.GetCampaign(r.Context(), caller, id)
	if err != nil {
		writeServiceError(w, "get_campaign", err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

// ListCampaignDonationsHandler handles GET /campaigns/{campaignID}/donations.
func (h *DonationHandlers) ListCampaignDonationsHandler(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := callerAndID(w, r, "campaignID")
	if !ok {
		return
	}
	limit, offset, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	donations, err := h.service.ListCampaignDonations(r.Context(), caller, id, limit, offset)
	if err != nil {
		writeServiceError(w, "list_campaign_donations", err)
		return
	}
	writeDonationList(w, donations, limit, offset)
}

// ListDonationsHandler handles GET /admin/donations.
func (h *DonationHandlers) ListDonationsHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	filter, err := parseDonationFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	donations, err := h.service.ListDonations(r.Context(), caller, filter)
	if err != nil {
		writeServiceError(w, "list_donations", err)
		return
	}
	writeDonationList(w, donations, filter.Limit, filter.Offset)
}

func callerAndID(w http.ResponseWriter, r *http.Request, param string) (app.Caller, uuid.UUID, bool) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return app.Caller{}, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+param)
		return app.Caller{}, uuid.Nil, false
	}
	return caller, id, true
}

func parsePage(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit, offset := 0, 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, errors.New("limit must be a non-negative integer")
		}
		limit = v
	}
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = v
	}
	limit, offset = app.NormalizePage(limit, offset)
	return limit, offset, nil
}

func parseDonationFilter(r *http.Request) (domain.DonationListFilter, error) {
	var filter domain.DonationListFilter
	limit, offset, err := parsePage(r)
	if err != nil {
		return filter, err
	}
	filter.Limit, filter.Offset = limit, offset

	q := r.URL.Query()
	if raw := strings.ToUpper(strings.TrimSpace(q.Get("status"))); raw != "" {
		status := domain.DonationStatus(raw)
		if !status.Valid() {
			return filter, fmt.Errorf("unknown status %q", raw)
		}
		filter.Status = &status
	}
	if raw := strings.ToUpper(strings.TrimSpace(q.Get("method"))); raw != "" {
		method := domain.PaymentMethod(raw)
		if !method.Valid() {
			return filter, fmt.Errorf("unknown method %q", raw)
		}
		filter.Method = &method
	}
	if raw := strings.ToLower(strings.TrimSpace(q.Get("provider"))); raw != "" {
		filter.Provider = &raw
	}
	if filter.From, err = parseTimeParam(q.Get("from")); err != nil {
		return filter, fmt.Errorf("from: %w", err)
	}
	if filter.To, err = parseTimeParam(q.Get("to")); err != nil {
		return filter, fmt.Errorf("to: %w", err)
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return filter, errors.New("to must not be before from")
	}
	return filter, nil
}

// parseTimeParam accepts RFC 3339 timestamps or plain dates.
func parseTimeParam(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, errors.New("expected RFC 3339 timestamp or YYYY-MM-DD")
	}
	return &t, nil
}

func writeDonationList(w http.ResponseWriter, donations []domain.Donation, limit, offset int) {
	if donations == nil {
		donations = []domain.Donation{}
	}
	writeJSON(w, http.StatusOK, listResponse[domain.Donation]{Data: donations, Limit: limit, Offset: offset})
}

// writeServiceError maps service and store errors onto HTTP responses.
func writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var validationErr *app.ValidationError
	var rateErr *app.RateLimitError
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "validation failed", "fields": validationErr.Fields})
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, "Too many donation requests. Please wait and try again.")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, store.ErrDonationNotFound), errors.Is(err, store.ErrCampaignNotFound), errors.Is(err, store.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrProcessorUnavailable):
		log.Printf("level=warn component=api endpoint=%s outcome=failed reason=processor_unavailable err=%v", endpoint, err)
		writeError(w, http.StatusBadGateway, "Payment processor unavailable. Please retry with the same idempotency key.")
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
