/**
 * @description
 * Inbound payment status webhooks. Each provider endpoint authenticates the
 * delivery its own way, turns it into a CanonicalEvent and hands it to the
 * reconciler.
 *
 * @notes
 * - Stripe signatures are checked against the raw body before anything is
 *   parsed or written.
 * - Daraja does not sign callbacks. They are trusted only as far as the
 *   CheckoutRequestID matches a payment this service created.
 * - An unknown correlation answers 404 and creates nothing.
 */
package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/transfa/donation-service/internal/app"
	"github.com/transfa/donation-service/internal/domain"
	"github.com/transfa/donation-service/pkg/stripeclient"
)

const archiveTimeout = 5 * time.Second

// WebhookArchiver stores raw deliveries for later audit.
type WebhookArchiver interface {
	ArchiveWebhook(ctx context.Context, provider string, body []byte) (string, error)
}

// WebhookHandlers serves the provider callback endpoints.
type WebhookHandlers struct {
	reconciler app.EventReconciler
	verifier   *stripeclient.Verifier
	archiver   WebhookArchiver
}

// NewWebhookHandlers wires the reconciler and the Stripe signature verifier.
// A nil verifier disables the Stripe endpoint.
func NewWebhookHandlers(reconciler app.EventReconciler, verifier *stripeclient.Verifier) *WebhookHandlers {
	return &WebhookHandlers{reconciler: reconciler, verifier: verifier}
}

// SetArchiver enables best-effort archiving of raw webhook bodies.
func (h *WebhookHandlers) SetArchiver(archiver WebhookArchiver) {
	h.archiver = archiver
}

type mpesaAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

type webhookAck struct {
	Received     bool                  `json:"received"`
	Ignored      bool                  `json:"ignored,omitempty"`
	Duplicate    bool                  `json:"duplicate,omitempty"`
	Outcome      domain.PaymentOutcome `json:"outcome,omitempty"`
	Transitioned bool                  `json:"transitioned,omitempty"`
	Credited     bool                  `json:"credited,omitempty"`
	DonationID   string                `json:"donationId,omitempty"`
	PaymentID    string                `json:"paymentId,omitempty"`
}

func ackFor(result *app.ReconcileResult) webhookAck {
	ack := webhookAck{
		Received:     true,
		Duplicate:    result.Duplicate,
		Outcome:      result.Outcome,
		Transitioned: result.Transitioned,
		Credited:     result.Credited,
	}
	if result.Donation != nil {
		ack.DonationID = result.Donation.ID.String()
	}
	if result.Payment != nil {
		ack.PaymentID = result.Payment.ID.String()
	}
	return ack
}

// MpesaCallbackHandler handles POST /webhooks/mpesa.
func (h *WebhookHandlers) MpesaCallbackHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := readWebhookBody(w, r, domain.ProviderMpesa)
	if !ok {
		return
	}
	h.archive(domain.ProviderMpesa, body)

	event, err := app.MpesaCallbackEvent(body)
	if err != nil {
		log.Printf("level=warn component=webhook provider=mpesa outcome=reject reason=invalid_payload err=%v", err)
		writeJSON(w, http.StatusBadRequest, mpesaAck{ResultCode: 1, ResultDesc: "Invalid callback payload"})
		return
	}

	result, err := h.reconciler.Reconcile(r.Context(), event)
	switch {
	case errors.Is(err, app.ErrUnknownCorrelation):
		log.Printf("level=warn component=webhook provider=mpesa outcome=not_found checkout_request_id=%s", event.ExternalID)
		writeJSON(w, http.StatusNotFound, mpesaAck{ResultCode: 1, ResultDesc: "Unknown CheckoutRequestID"})
		return
	case err != nil:
		log.Printf("level=error component=webhook provider=mpesa outcome=failed checkout_request_id=%s err=%v", event.ExternalID, err)
		writeJSON(w, http.StatusInternalServerError, mpesaAck{ResultCode: 1, ResultDesc: "Temporary failure"})
		return
	}

	log.Printf("level=info component=webhook provider=mpesa outcome=ok checkout_request_id=%s result=%s transitioned=%t credited=%t duplicate=%t", event.ExternalID, result.Outcome, result.Transitioned, result.Credited, result.Duplicate)
	writeJSON(w, http.StatusOK, mpesaAck{ResultCode: 0, ResultDesc: "Accepted"})
}

// StripeWebhookHandler handles POST /webhooks/stripe.
func (h *WebhookHandlers) StripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "Stripe webhooks are not configured")
		return
	}
	body, ok := readWebhookBody(w, r, domain.ProviderStripe)
	if !ok {
		return
	}

	stripeEvent, err := h.verifier.ConstructEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, stripeclient.ErrMalformedEnvelope) {
			log.Printf("level=warn component=webhook provider=stripe outcome=reject reason=malformed_event err=%v", err)
			writeError(w, http.StatusBadRequest, "Malformed event")
			return
		}
		log.Printf("level=warn component=webhook provider=stripe outcome=reject reason=signature_invalid remote_addr=%s err=%v", r.RemoteAddr, err)
		writeError(w, http.StatusBadRequest, "Invalid signature")
		return
	}
	h.archive(domain.ProviderStripe, body)

	event, err := app.StripeWebhookEvent(stripeEvent, body)
	if err != nil {
		if errors.Is(err, app.ErrIgnoredEvent) {
			log.Printf("level=info component=webhook provider=stripe outcome=ignored event_id=%s type=%s", stripeEvent.ID, stripeEvent.Type)
			writeJSON(w, http.StatusOK, webhookAck{Received: true, Ignored: true})
			return
		}
		log.Printf("level=warn component=webhook provider=stripe outcome=reject reason=invalid_object event_id=%s err=%v", stripeEvent.ID, err)
		writeError(w, http.StatusBadRequest, "Invalid event object")
		return
	}

	result, err := h.reconciler.Reconcile(r.Context(), event)
	switch {
	case errors.Is(err, app.ErrUnknownCorrelation):
		log.Printf("level=warn component=webhook provider=stripe outcome=not_found event_id=%s payment_intent=%s", stripeEvent.ID, event.ExternalID)
		writeError(w, http.StatusNotFound, "Payment not found")
		return
	case err != nil:
		log.Printf("level=error component=webhook provider=stripe outcome=failed event_id=%s err=%v", stripeEvent.ID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	log.Printf("level=info component=webhook provider=stripe outcome=ok event_id=%s type=%s transitioned=%t credited=%t duplicate=%t", stripeEvent.ID, stripeEvent.Type, result.Transitioned, result.Credited, result.Duplicate)
	writeJSON(w, http.StatusOK, ackFor(result))
}

// InternalPaymentStatusHandler handles POST /webhooks/internal, the generic
// contract used by other services and confirmation watchers.
func (h *WebhookHandlers) InternalPaymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := readWebhookBody(w, r, "internal")
	if !ok {
		return
	}

	event, err := app.PaymentStatusEvent(body)
	if err != nil {
		writeServiceError(w, "internal_webhook", err)
		return
	}
	h.archive(event.Provider, body)

	result, err := h.reconciler.Reconcile(r.Context(), event)
	switch {
	case errors.Is(err, app.ErrUnknownCorrelation):
		log.Printf("level=warn component=webhook provider=%s outcome=not_found external_id=%s", event.Provider, event.ExternalID)
		writeError(w, http.StatusNotFound, "No matching payment or donation")
		return
	case err != nil:
		log.Printf("level=error component=webhook provider=%s outcome=failed err=%v", event.Provider, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, ackFor(result))
}

func readWebhookBody(w http.ResponseWriter, r *http.Request, provider string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		log.Printf("level=warn component=webhook provider=%s outcome=reject reason=unreadable_body err=%v", provider, err)
		writeError(w, http.StatusBadRequest, "Unable to read request body")
		return nil, false
	}
	return body, true
}

func (h *WebhookHandlers) archive(provider string, body []byte) {
	if h.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	key, err := h.archiver.ArchiveWebhook(ctx, provider, body)
	if err != nil {
		log.Printf("level=warn component=webhook provider=%s msg=\"archive failed\" err=%v", provider, err)
		return
	}
	log.Printf("level=debug component=webhook provider=%s msg=\"archived\" key=%s", provider, key)
}
