package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/connexus-ai/uia-backend/internal/handler"
	"github.com/connexus-ai/uia-backend/internal/middleware"
	"github.com/connexus-ai/uia-backend/internal/progress"
	"github.com/connexus-ai/uia-backend/internal/service"
)

// Dependencies holds all injected services needed by the router.
type Dependencies struct {
	DB                 handler.DBPinger
	AuthService        *service.AuthService
	FrontendURL        string
	Version            string
	Metrics            *middleware.Metrics
	MetricsReg         *prometheus.Registry
	InternalAuthSecret string

	// Turn orchestration (core domain)
	Orchestrator *service.TurnOrchestrator
	Broker       *progress.Broker

	// Rate limiters (nil = no rate limiting)
	GeneralRateLimiter *middleware.RateLimiter
	ChatRateLimiter    *middleware.RateLimiter
}

// New creates and configures the Chi router with all routes.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	// Public routes (no auth)
	r.Get("/api/health", handler.Health(deps.DB, deps.Version))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	// Protected routes (require internal service auth or a session bearer token)
	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalOrSessionAuth(deps.AuthService, deps.InternalAuthSecret))

		// General rate limit for all authenticated endpoints
		if deps.GeneralRateLimiter != nil {
			r.Use(middleware.RateLimit(deps.GeneralRateLimiter))
		}

		// Non-SSE routes get a 30s write timeout to prevent slow-read attacks.
		// The progress stream is registered separately below without it.
		timeout30s := middleware.Timeout(30 * time.Second)

		// A turn: scope gate, survey/insight precedence, RAG answer,
		// nudge suppression, all in one request/response cycle.
		sendMessage := handler.SendMessage(deps.Orchestrator)
		if deps.ChatRateLimiter != nil {
			r.With(timeout30s, middleware.RateLimit(deps.ChatRateLimiter)).
				Post("/api/chats/{chatId}/messages", sendMessage)
		} else {
			r.With(timeout30s).Post("/api/chats/{chatId}/messages", sendMessage)
		}

		// Per-turn progress, streamed over SSE. No write timeout: the
		// connection is meant to stay open until the turn completes.
		r.Get("/api/chats/stream", handler.ProgressStream(deps.Broker))
	})

	// 404 fallback
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "route not found",
		})
	})

	return r
}
