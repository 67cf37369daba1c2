package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the receiver's routes: health, the webhook pair,
// and the bearer-guarded operator endpoints. limiter may be nil.
func SetupRoutes(h *Handlers, limiter *RateLimiter, adminToken string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Post("/webhook", h.Webhook)
		r.Post("/webhook/lifecycle", h.Webhook)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireAdmin(adminToken))
		r.Get("/queues", h.QueueDepths)
		r.Get("/poison/{queue}", h.PeekPoison)
		r.Post("/poison/{queue}/replay", h.ReplayPoison)
		r.Get("/status", h.StatusSummary)
		r.Get("/breakers", h.BreakerStates)
		r.Get("/vendors", h.ListVendors)
		r.Post("/vendors", h.CreateVendor)
	})

	return r
}
