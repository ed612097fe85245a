// Package api assembles the HTTP surface of the calculator.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/api/handlers"
	"github.com/drfirst/go-ndc/internal/api/middleware"
)

// RouterConfig holds the handlers and policies mounted by NewRouter
type RouterConfig struct {
	ServiceName string
	// APIKeys maps accepted keys to client names; empty disables auth
	APIKeys map[string]string
	// Limiter throttles /api/v1 per client; nil disables it
	Limiter   *middleware.RateLimiter
	Calculate *handlers.CalculateHandler
	Health    *handlers.HealthHandler
	// Metrics serves /metrics when set
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewRouter builds the router. Health and metrics endpoints are never
// authenticated or throttled.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))

	if cfg.Health != nil {
		r.Get("/health", cfg.Health.Health)
		r.Get("/ready", cfg.Health.Ready)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		if cfg.Limiter != nil {
			r.Use(cfg.Limiter.Handler)
		}
		r.Mount("/", cfg.Calculate.Routes())
	})
	return r
}
