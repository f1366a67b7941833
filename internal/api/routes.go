package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://app.textpulse.io", "http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	// Gateway callbacks authenticate by signature, not user identity
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/twilio/status", h.TwilioStatusWebhook)
		r.Post("/twilio/inbound", h.TwilioInboundWebhook)
		r.Post("/vonage/status", h.VonageStatusWebhook)
		r.Post("/delivery-report", h.GenericDeliveryWebhook)
		r.Post("/engagement", h.EngagementWebhook)
	})

	// API routes require a caller identity
	r.Route("/api", func(r chi.Router) {
		r.Use(requireUser)

		r.Route("/ab-tests", func(r chi.Router) {
			r.Get("/", h.ListTests)
			r.Post("/", h.CreateTest)
			r.Get("/stats", h.TestStats)

			r.Route("/{testID}", func(r chi.Router) {
				r.Get("/", h.GetTest)
				r.Post("/start", h.StartTest)
				r.Post("/pause", h.PauseTest)
				r.Post("/resume", h.ResumeTest)
				r.Post("/cancel", h.CancelTest)
				r.Post("/complete", h.CompleteTest)
				r.Post("/analyze", h.AnalyzeTest)
				r.Get("/results", h.TestResults)
			})
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.Post("/", h.CreateCampaign)

			r.Route("/{campaignID}", func(r chi.Router) {
				r.Get("/", h.GetCampaign)
				r.Post("/send", h.SendCampaign)
			})
		})

		r.Route("/contacts", func(r chi.Router) {
			r.Post("/", h.CreateContact)
			r.Get("/", h.ListContacts)
		})
	})

	return r
}

// requireUser rejects API calls without an X-User-ID header. Upstream edge
// auth populates the header after validating the session.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("X-User-ID") == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, req)
	})
}
