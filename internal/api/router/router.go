// Package router assembles the chi route tree over the booking
// orchestration handlers.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/booking-orchestrator/internal/api/handlers"
	httpmiddleware "github.com/wolfman30/booking-orchestrator/internal/http/middleware"
	"github.com/wolfman30/booking-orchestrator/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger       *logging.Logger
	Availability *handlers.AvailabilityHandler
	Booking      *handlers.BookingHandler
	Health       *handlers.HealthHandler

	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// Per-IP token bucket; zero rate disables the limiter.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// New creates a chi router with all routes configured.
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

	// Public health and metrics.
	r.Get("/health", cfg.Health.Liveness)
	r.Get("/health/cache", cfg.Health.CacheHealth)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	// Session-facing API.
	r.Group(func(api chi.Router) {
		if cfg.RateLimitPerSecond > 0 {
			api.Use(httpmiddleware.RateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst))
		}

		api.Get("/availability", cfg.Availability.GetAvailability)
		api.Post("/refresh", cfg.Availability.TriggerRefresh)

		api.Post("/booking/authorize", cfg.Booking.Authorize)
		api.Post("/book", cfg.Booking.Book)
		api.Get("/queue-status", cfg.Booking.QueueStatus)
		api.Get("/queue-status/{operationID}", cfg.Booking.Operation)
	})

	return r
}
