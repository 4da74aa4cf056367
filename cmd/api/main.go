package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/booking-orchestrator/internal/api/handlers"
	"github.com/wolfman30/booking-orchestrator/internal/api/router"
	"github.com/wolfman30/booking-orchestrator/internal/booking"
	"github.com/wolfman30/booking-orchestrator/internal/bookingauth"
	appconfig "github.com/wolfman30/booking-orchestrator/internal/config"
	"github.com/wolfman30/booking-orchestrator/internal/observability/metrics"
	"github.com/wolfman30/booking-orchestrator/internal/provider"
	"github.com/wolfman30/booking-orchestrator/internal/refresh"
	"github.com/wolfman30/booking-orchestrator/internal/reservation"
	"github.com/wolfman30/booking-orchestrator/internal/slotcache"
	"github.com/wolfman30/booking-orchestrator/internal/store"
	"github.com/wolfman30/booking-orchestrator/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting booking orchestrator",
		"env", cfg.Env,
		"port", cfg.Port,
		"instance_id", cfg.InstanceID,
	)

	redisClient := store.NewRedisClient(store.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		TLS:      cfg.RedisTLS,
	})
	stateStore := store.NewRedisStore(redisClient)
	defer stateStore.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := stateStore.Ping(pingCtx); err != nil {
		pingCancel()
		logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	pingCancel()

	bookingMetrics := metrics.NewBookingMetrics(nil)

	scheduler := provider.NewClient(cfg.SchedulerBaseURL, cfg.SchedulerAPIKey, logger,
		provider.WithTimeout(cfg.SchedulerTimeout),
		provider.WithRateLimitPattern(cfg.SchedulerRateLimitPattern),
		provider.WithDryRun(cfg.SchedulerDryRun),
	)

	cache := slotcache.New(stateStore)
	reservations := reservation.NewManager(stateStore, logger, bookingMetrics)
	issuer := bookingauth.NewIssuer(stateStore, cfg.BookingTokenSecret, cfg.BookingTokenTTL, logger)

	coordinator := refresh.NewCoordinator(stateStore, cache, scheduler, logger, refresh.Options{
		InstanceID:     cfg.InstanceID,
		Locations:      cfg.Locations,
		Interval:       cfg.RefreshInterval,
		LockTTL:        cfg.RefreshLockTTL,
		InterTierDelay: cfg.InterTierDelay,
		Metrics:        bookingMetrics,
	})

	queue := booking.NewQueue(stateStore, scheduler, reservations, logger, booking.QueueOptions{
		TickInterval: cfg.QueueTickInterval,
		MaxAttempts:  cfg.QueueMaxAttempts,
		BaseBackoff:  cfg.QueueBaseBackoff,
		MaxBackoff:   cfg.QueueMaxBackoff,
		Retention:    cfg.QueueRetention,
		ConfirmedTTL: cfg.ReservationConfirmedTTL,
		WriteSpacing: cfg.WriteSpacing,
		Metrics:      bookingMetrics,
	})

	gateway := booking.NewGateway(stateStore, scheduler, reservations, issuer, queue, logger, booking.GatewayOptions{
		WriteSpacing:   cfg.WriteSpacing,
		SyncRetryDelay: cfg.SyncRetryDelay,
		ReservationTTL: cfg.ReservationTTL,
		ConfirmedTTL:   cfg.ReservationConfirmedTTL,
		Metrics:        bookingMetrics,
	})

	r := router.New(&router.Config{
		Logger:             logger,
		Availability:       handlers.NewAvailabilityHandler(cache, reservations, coordinator, logger, bookingMetrics),
		Booking:            handlers.NewBookingHandler(issuer, gateway, queue, logger),
		Health:             handlers.NewHealthHandler(stateStore, coordinator, logger),
		MetricsHandler:     promhttp.Handler(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitPerSecond: cfg.HTTPRateLimit,
		RateLimitBurst:     cfg.HTTPRateBurst,
	})

	// Background workers share one cancellable context so shutdown stops
	// the refresh loop and queue processor together with the server.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	if cfg.RefreshOnStartup {
		go func() {
			results := coordinator.RefreshAll(workerCtx)
			logger.Info("startup refresh finished", "results", len(results))
		}()
	}
	go coordinator.Run(workerCtx)
	go queue.Run(workerCtx)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
