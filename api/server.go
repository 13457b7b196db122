/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request count and latency by route pattern
  5. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /api/consigners/*     Consigners, balances, ledger, adjustments
  /api/trips/*          Trip lifecycle and per-trip payments
  /api/payments/*       Reversals, pending list, summary, overdue refresh
  /api/scenarios/*      Demo data sets
  /health               Liveness
  /metrics              Prometheus exposition

SECURITY NOTE:
  No authentication middleware. Deploy behind a gateway that provides it.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/fleet-ledger/metrics"
)

// RouterOptions tunes NewRouter. The zero value allows any origin.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Consigner routes
		r.Route("/consigners", func(r chi.Router) {
			r.Post("/", h.CreateConsigner)
			r.Get("/{id}", h.GetConsigner)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/ledger", h.GetLedger)
			r.Post("/{id}/adjustments", h.CreateAdjustment)
			r.Get("/{id}/verify", h.VerifyBalance)
			r.Post("/{id}/rebuild", h.RebuildBalance)
		})

		// Trip routes
		r.Route("/trips", func(r chi.Router) {
			r.Post("/", h.CreateTrip)
			r.Get("/{id}", h.GetTrip)
			r.Put("/{id}", h.UpdateTrip)
			r.Delete("/{id}", h.DeleteTrip)
			r.Get("/{id}/payments", h.ListTripPayments)
			r.Post("/{id}/payments", h.RecordPayment)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Get("/pending", h.ListPendingPayments)
			r.Get("/summary", h.PaymentSummary)
			r.Post("/overdue/refresh", h.RefreshOverdue)
			r.Delete("/{id}", h.ReversePayment)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
