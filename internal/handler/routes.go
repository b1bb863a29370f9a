package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/conversation-router/internal/middleware"
	"github.com/capitalize-ai/conversation-router/pkg/logger"
)

// RouterConfig carries the HTTP-level settings.
type RouterConfig struct {
	JWTSecret         string
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	WebhookRateLimit  int
	WebhookRateWindow time.Duration
}

// Handlers groups every endpoint handler.
type Handlers struct {
	Health        *HealthHandler
	Webhooks      *WebhookHandler
	Conversations *ConversationHandler
	Escalations   *EscalationHandler
	Presence      *PresenceHandler
	Feed          *FeedHandler
}

// NewRouter builds the HTTP routes.
func NewRouter(cfg RouterConfig, h Handlers, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Provider webhooks authenticate by signature, not by token.
	r.Route("/webhooks/{channel}/{binding}", func(r chi.Router) {
		if cfg.WebhookRateLimit > 0 {
			r.Use(middleware.WebhookRateLimit(cfg.WebhookRateLimit, cfg.WebhookRateWindow))
		}
		r.Get("/", h.Webhooks.Verify)
		r.Post("/", h.Webhooks.Receive)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.CORSOrigins))
		r.Use(middleware.Auth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.Conversations.List)
			r.Get("/{id}", h.Conversations.Get)
			r.Get("/{id}/messages", h.Conversations.Messages)
			r.Post("/{id}/messages", h.Conversations.Reply)
			r.Post("/{id}/close", h.Conversations.Close)
		})

		r.Route("/escalations", func(r chi.Router) {
			r.Get("/", h.Escalations.List)
			r.Post("/{id}/actions", h.Escalations.Action)
		})

		r.Route("/presence", func(r chi.Router) {
			r.Get("/me", h.Presence.Get)
			r.Put("/me", h.Presence.Update)
			r.Post("/me/heartbeat", h.Presence.Heartbeat)
			r.Get("/team", h.Presence.Team)
			r.With(middleware.RequireScope(middleware.ScopeAdmin)).Put("/{userId}/capacity", h.Presence.SetCapacity)
		})

		if h.Feed != nil {
			r.Get("/events/stream", h.Feed.Stream)
		}
	})

	return r
}
