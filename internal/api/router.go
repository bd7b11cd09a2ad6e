/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// LedgerRoutes creates and returns a new router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Public read endpoints. The ledger state is not secret; anyone may
	// inspect pools, requests, stats and the event log.
	r.Get("/universities/{universityID}", h.GetUniversityHandler)
	r.Get("/universities/{universityID}/requests", h.ListUniversityRequestsHandler)
	r.Get("/universities/{universityID}/requests/pending", h.ListPendingRequestsHandler)
	r.Get("/universities/{universityID}/donors/count", h.GetDonorCountHandler)
	r.Get("/universities/{universityID}/donors/{address}", h.GetDonorContributionHandler)
	r.Get("/requests/{requestID}", h.GetAidRequestHandler)
	r.Get("/students/{address}/requests", h.ListStudentRequestsHandler)
	r.Get("/stats", h.GetStatsHandler)
	r.Get("/events", h.ListEventsHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Post("/universities", h.RegisterUniversityHandler)
		r.Post("/universities/{universityID}/donations", h.DonateHandler)
		r.Post("/requests", h.RequestAidHandler)
		r.Post("/requests/{requestID}/approve", h.ApproveAidHandler)
		r.Post("/requests/{requestID}/reject", h.RejectAidHandler)
	})

	return r
}
