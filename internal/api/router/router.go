// Package router assembles the HTTP surface: public webhook and health
// endpoints, and the session-protected clinic API.
package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/northbridge-health/referral-platform/internal/alerts"
	"github.com/northbridge-health/referral-platform/internal/auth"
	"github.com/northbridge-health/referral-platform/internal/http/handlers"
	httpmiddleware "github.com/northbridge-health/referral-platform/internal/http/middleware"
	"github.com/northbridge-health/referral-platform/internal/referrals"
	"github.com/northbridge-health/referral-platform/pkg/logging"
)

// Config holds everything the router mounts.
type Config struct {
	Logger *logging.Logger

	AuthHandler      *auth.Handler
	AuthMiddleware   func(http.Handler) http.Handler
	ReferralsHandler *referrals.Handler
	AlertsHandler    *alerts.Handler
	CommsHandler     *handlers.CommsHandler
	VoiceWebhooks    *handlers.VoiceWebhookHandler

	MetricsHandler http.Handler

	CORSAllowedOrigins []string

	// Rate limiting for the public webhook surface.
	WebhookRateLimit float64
	WebhookRateBurst int
}

// New creates the Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints: health, metrics, vendor webhooks.
	r.Group(func(public chi.Router) {
		public.Get("/healthz", healthz)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.VoiceWebhooks != nil {
			public.Route("/webhooks/voice", func(wh chi.Router) {
				if cfg.WebhookRateLimit > 0 {
					wh.Use(httpmiddleware.RateLimit(cfg.WebhookRateLimit, cfg.WebhookRateBurst))
				}
				wh.Mount("/", cfg.VoiceWebhooks.Routes())
			})
		}
	})

	// Session auth endpoints. Login is public; /me sits behind the
	// middleware inside the handler.
	if cfg.AuthHandler != nil {
		r.Mount("/auth", cfg.AuthHandler.Routes(cfg.AuthMiddleware))
	}

	// Everything the clinic staff touches requires a session.
	r.Group(func(private chi.Router) {
		if cfg.AuthMiddleware != nil {
			private.Use(cfg.AuthMiddleware)
		}
		if cfg.ReferralsHandler != nil {
			private.Mount("/referrals", cfg.ReferralsHandler.Routes())
		}
		if cfg.CommsHandler != nil {
			private.Get("/referrals/{referralID}/communications", cfg.CommsHandler.ReferralCommunications)
			private.Mount("/emails", cfg.CommsHandler.EmailRoutes())
			private.Mount("/calls", cfg.CommsHandler.CallRoutes())
		}
		if cfg.AlertsHandler != nil {
			private.Mount("/alerts", cfg.AlertsHandler.Routes())
		}
	})

	return r
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
