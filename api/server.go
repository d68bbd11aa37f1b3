/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request count and latency
  5. CORS:       Cross-origin requests for the back office frontend
  6. Authenticate (under /api): Bearer token to points.Actor

ROUTE GROUPS:
  /api/points/*   Ledger entries
  /api/clients/*  Client directory; management routes are admin only
  /metrics        Prometheus scrape endpoint (no auth)
  /healthz        Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/points-ledger/metrics"
)

type RouterConfig struct {
	JWTSecret      string
	AllowedOrigins []string
	Metrics        *metrics.Metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w, http.StatusOK, nil)
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(cfg.JWTSecret))

		r.Route("/points", func(r chi.Router) {
			r.Get("/statuses", h.ListStatuses)
			r.With(RequireAdmin).Get("/form", h.GetForm)
			r.Post("/", h.CreateEntry)
			r.Get("/{id}", h.GetEntry)
			r.Patch("/{id}", h.UpdateEntry)
			r.Delete("/{id}", h.CancelWithdrawal)
			r.Post("/{id}/accept", h.AcceptEntry)
			r.Post("/{id}/cancel", h.CancelEntry)
		})

		r.Route("/clients", func(r chi.Router) {
			r.With(RequireAdmin).Post("/", h.RegisterClient)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetClient)
				r.Get("/balance", h.GetBalance)
				r.Get("/points", h.ListClientEntries)
				r.Get("/referrals", h.ListReferrals)
				r.Post("/withdrawals", h.RequestWithdrawal)
				r.Post("/partner-certs", h.RequestPartnerCert)

				r.Group(func(r chi.Router) {
					r.Use(RequireAdmin)
					r.Put("/referrer", h.SetReferrer)
					r.Put("/agent-status", h.SetAgentStatus)
					r.Post("/disable", h.DisableClient)
					r.Post("/activate", h.ActivateClient)
				})
			})
		})
	})

	return r
}
