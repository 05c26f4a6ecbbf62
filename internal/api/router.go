/**
 * @description
 * This file sets up the HTTP router for the transfer-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * authentication middleware for user and internal routes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/tickettoken/transfer-service/internal/tenant"
)

// RouterOptions configures authentication and CORS for TransferRoutes.
type RouterOptions struct {
	Keys           KeySource
	Resolver       *tenant.Resolver
	Issuer         string
	InternalAPIKey string
	AllowedOrigins []string
}

// TransferRoutes creates and returns a new router for the transfer service.
func TransferRoutes(h *TransferHandlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", internalAPIKeyHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: explicitOrigins(origins),
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(opts.InternalAPIKey))
		r.Post("/settlements/reconcile", h.ReconcileSettlementsHandler)
		r.Get("/settlements/stuck", h.ListStuckSettlementsHandler)
		r.Get("/breakers", h.BreakersHandler)
	})

	resolver := opts.Resolver
	if resolver == nil {
		resolver = tenant.NewResolver()
	}
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(opts.Keys, resolver, opts.Issuer))

		r.Post("/transfers", h.CreateTransferHandler)
		r.Get("/transfers/{id}", h.GetTransferHandler)
		r.Post("/transfers/{id}/accept", h.AcceptTransferHandler)
		r.Post("/transfers/{id}/cancel", h.CancelTransferHandler)
	})

	return r
}

// explicitOrigins reports whether every origin is spelled out with no
// wildcard. Only such a list is offered credentialed CORS.
func explicitOrigins(origins []string) bool {
	if len(origins) == 0 {
		return false
	}
	for _, origin := range origins {
		if strings.Contains(origin, "*") {
			return false
		}
	}
	return true
}
