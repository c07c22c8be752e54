package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nutrimed/chat-relay/internal/middleware"
	"github.com/nutrimed/chat-relay/pkg/logger"
)

// RouterConfig wires handlers into the HTTP API.
type RouterConfig struct {
	Logger  *logger.Logger
	Chat    *ChatHandler
	Threads *ThreadHandler
	Credits *CreditHandler
	Health  *HealthHandler

	// AuthEnabled requires a JWT on /api/v1 routes.
	AuthEnabled bool
	JWTSecret   string

	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string
}

// NewRouter builds the relay's routes.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(middleware.Auth(cfg.JWTSecret))
		}
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Post("/chat/stream", cfg.Chat.Stream)
		r.Get("/threads/{threadId}/turns", cfg.Threads.Turns)

		r.Route("/credits/{userId}", func(r chi.Router) {
			r.Get("/", cfg.Credits.Balance)
			r.With(grantGuard(cfg.AuthEnabled)).Post("/", cfg.Credits.Grant)
		})
	})

	return r
}

// grantGuard requires the credits:write scope when auth is on.
func grantGuard(authEnabled bool) func(http.Handler) http.Handler {
	if !authEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RequireScope(middleware.ScopeCreditsWrite)
}
