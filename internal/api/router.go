package api

import (
	"net/http"
	"time"

	"airdrop/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter registers the airdrop routes. Admin routes are guarded by adminKey.
func NewRouter(h *Handler, adminKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Admin-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/airdrop", func(r chi.Router) {
		r.Get("/link", h.handleStartLink)
		r.Get("/link/callback", h.handleLinkCallback)
		r.Post("/participation", h.handleParticipation)
		r.Post("/claim", h.handleClaim)
		r.Get("/status", h.handleStatus)
		r.Get("/registered", h.handleRegistered)
		r.Get("/config", h.handleConfig)

		r.With(AdminKeyMiddleware(adminKey)).Post("/reconcile", h.handleReconcile)
	})

	r.Get("/campaign", h.handleGetCampaign)
	r.With(AdminKeyMiddleware(adminKey)).Post("/campaign", h.handleStartCampaign)

	return r
}
