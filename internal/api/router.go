/**
 * @description
 * This file sets up the HTTP router for the donation-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * authentication each group of routes needs.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the donation-service router.
func NewRouter(h *DonationHandlers, webhooks *WebhookHandlers, auth func(http.Handler) http.Handler, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Processor callbacks authenticate per provider inside the handlers.
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/mpesa", webhooks.MpesaCallbackHandler)
		r.Post("/stripe", webhooks.StripeWebhookHandler)
		r.With(InternalAuthMiddleware(internalKey)).Post("/internal", webhooks.InternalPaymentStatusHandler)
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(auth)

		r.Post("/donations", h.CreateDonationHandler)
		r.Get("/donations/me", h.ListMyDonationsHandler)
		r.Get("/donations/{id}", h.GetDonationHandler)
		r.Get("/donations/{id}/payments", h.ListDonationPaymentsHandler)

		r.Get("/campaigns/{campaignID}", h.GetCampaignHandler)
		r.Get("/campaigns/{campaignID}/donations", h.ListCampaignDonationsHandler)

		r.Get("/admin/donations", h.ListDonationsHandler)
	})

	return r
}
