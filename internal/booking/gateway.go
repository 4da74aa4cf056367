package booking

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/booking-orchestrator/internal/bookingauth"
	"github.com/wolfman30/booking-orchestrator/internal/observability/metrics"
	"github.com/wolfman30/booking-orchestrator/internal/provider"
	"github.com/wolfman30/booking-orchestrator/internal/reservation"
	"github.com/wolfman30/booking-orchestrator/internal/store"
	"github.com/wolfman30/booking-orchestrator/pkg/logging"
)

// syncAttempts bounds caller-visible latency: one write plus one retry.
const syncAttempts = 2

// GatewayOptions configures the booking gateway.
type GatewayOptions struct {
	WriteSpacing   time.Duration // minimum gap between provider writes
	SyncRetryDelay time.Duration // pause before the second synchronous attempt
	ReservationTTL time.Duration // soft-hold TTL taken on the slot being booked
	ConfirmedTTL   time.Duration // extended hold after a successful write
	Metrics        *metrics.BookingMetrics
}

// Gateway is the single write path to the upstream scheduler.
type Gateway struct {
	store        store.StateStore
	scheduler    provider.Scheduler
	reservations *reservation.Manager
	auth         *bookingauth.Issuer
	queue        *Queue
	logger       *logging.Logger
	metrics      *metrics.BookingMetrics
	validate     *validator.Validate
	tracer       trace.Tracer

	spacing        time.Duration
	retryDelay     time.Duration
	reservationTTL time.Duration
	confirmedTTL   time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway wires the booking write path.
func NewGateway(
	st store.StateStore,
	scheduler provider.Scheduler,
	reservations *reservation.Manager,
	auth *bookingauth.Issuer,
	queue *Queue,
	logger *logging.Logger,
	opts GatewayOptions,
) *Gateway {
	if logger == nil {
		logger = logging.Default()
	}
	g := &Gateway{
		store:          st,
		scheduler:      scheduler,
		reservations:   reservations,
		auth:           auth,
		queue:          queue,
		logger:         logger.Component("gateway"),
		metrics:        opts.Metrics,
		validate:       validator.New(),
		tracer:         otel.Tracer("bookingcore.internal.booking"),
		spacing:        opts.WriteSpacing,
		retryDelay:     opts.SyncRetryDelay,
		reservationTTL: opts.ReservationTTL,
		confirmedTTL:   opts.ConfirmedTTL,
		now:            time.Now,
		sleep:          sleepCtx,
	}
	if g.spacing <= 0 {
		g.spacing = 10 * time.Second
	}
	if g.retryDelay <= 0 {
		g.retryDelay = 5 * time.Second
	}
	if g.reservationTTL <= 0 {
		g.reservationTTL = 90 * time.Second
	}
	if g.confirmedTTL <= 0 {
		g.confirmedTTL = 5 * time.Minute
	}
	return g
}

// Book runs one booking attempt end to end. It blocks for at most the
// spacing interval plus the bounded synchronous retries; persistent
// throttling hands the write to the async queue and returns a queued
// result immediately.
func (g *Gateway) Book(ctx context.Context, req BookRequest) (*BookResult, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.book")
	defer span.End()
	started := g.now()

	key, err := g.checkRequest(req)
	if err != nil {
		g.metrics.ObserveBooking("validation_error")
		return nil, err
	}

	claims, err := g.auth.Validate(req.BookingToken, req.SubjectID)
	if err != nil {
		g.metrics.ObserveBooking("authorization_error")
		g.logger.Warn("booking authorization rejected",
			"session_id", req.SessionID,
			"subject_id", req.SubjectID,
			"reason", err.Error(),
		)
		return nil, WrapError(KindAuthorization, err.Error(), err)
	}
	if claims.SessionID != req.SessionID {
		g.metrics.ObserveBooking("authorization_error")
		return nil, NewError(KindAuthorization, "booking token was issued to a different session")
	}

	// Idempotent for a session that already holds the slot from the
	// availability flow; a slot held elsewhere is a conflict.
	res, err := g.reservations.TryReserve(ctx, key, req.SessionID, g.reservationTTL)
	if err != nil {
		return nil, WrapError(KindUpstream, "reservation check failed", err)
	}
	if !res.Granted {
		g.metrics.ObserveBooking("conflict")
		return nil, NewError(KindConflict, "slot is reserved by another session")
	}

	if err := g.waitSpacing(ctx); err != nil {
		return nil, WrapError(KindTimeout, "cancelled while spacing", err)
	}

	result, err := g.attemptWithRetry(ctx, req, key)
	if err == nil {
		g.metrics.ObserveBookingLatency(g.now().Sub(started).Seconds())
	}
	return result, err
}

// checkRequest validates the request once at the boundary and returns the
// slot's reservation key.
func (g *Gateway) checkRequest(req BookRequest) (string, error) {
	if err := g.validate.Struct(req); err != nil {
		return "", WrapError(KindValidation, "missing or malformed booking fields", err)
	}
	if req.StartTime.IsZero() {
		return "", NewError(KindValidation, "startTime is required")
	}
	key := reservation.Key(req.LocationKey, req.StartTime, req.ResourceID)
	if req.SlotKey != "" && req.SlotKey != key {
		return "", NewError(KindValidation, "slotKey does not match the slot identified by location, time and resource")
	}
	return key, nil
}

func (g *Gateway) waitSpacing(ctx context.Context) error {
	return claimWriteWindow(ctx, g.store, g.logger, g.spacing, g.now, g.sleep)
}

func (g *Gateway) attemptWithRetry(ctx context.Context, req BookRequest, key string) (*BookResult, error) {
	providerReq := provider.CreateBookingRequest{
		LocationKey:       req.LocationKey,
		SubjectID:         req.SubjectID,
		ResourceID:        req.ResourceID, // always the resource chosen at read time
		StartTime:         req.StartTime,
		DurationMinutes:   req.DurationMinutes,
		AppointmentTypeID: req.AppointmentTypeID,
	}

	var lastErr error
	for attempt := 1; attempt <= syncAttempts; attempt++ {
		conf, err := g.scheduler.CreateBooking(ctx, providerReq)
		if err == nil {
			if cerr := g.reservations.Confirm(ctx, key, req.SessionID, g.confirmedTTL); cerr != nil {
				g.logger.Warn("confirm reservation failed after successful write", "key", key, "error", cerr)
			}
			g.metrics.ObserveBooking("confirmed")
			g.logger.Info("booking confirmed",
				"booking_id", conf.BookingID,
				"session_id", req.SessionID,
				"slot_key", key,
				"attempt", attempt,
			)
			return &BookResult{Status: StatusConfirmed, BookingID: conf.BookingID}, nil
		}

		lastErr = err
		switch provider.Classify(err) {
		case provider.ClassRateLimited:
			if attempt < syncAttempts {
				g.logger.Info("provider throttled, retrying synchronously",
					"attempt", attempt,
					"delay", g.retryDelay,
				)
				if serr := g.sleep(ctx, g.retryDelay); serr != nil {
					return nil, WrapError(KindTimeout, "cancelled during retry delay", serr)
				}
				continue
			}
			// Synchronous budget exhausted. The reservation stays held by
			// this session while the queue keeps trying.
			opID, qerr := g.queue.Enqueue(ctx, req, syncAttempts)
			if qerr != nil {
				return nil, WrapError(KindUpstream, "failed to queue booking for retry", qerr)
			}
			g.metrics.ObserveBooking("queued")
			g.logger.Info("booking queued for async retry",
				"operation_id", opID,
				"session_id", req.SessionID,
				"slot_key", key,
			)
			return &BookResult{Status: StatusQueued, OperationID: opID}, nil

		case provider.ClassConflict, provider.ClassNotFound:
			g.releaseQuietly(ctx, key, req.SessionID)
			g.metrics.ObserveBooking("conflict")
			return nil, WrapError(KindConflict, "slot is no longer available", err)

		case provider.ClassTimeout:
			g.releaseQuietly(ctx, key, req.SessionID)
			g.metrics.ObserveBooking("timeout")
			return nil, WrapError(KindTimeout, "provider did not respond in time", err)

		default:
			g.releaseQuietly(ctx, key, req.SessionID)
			g.metrics.ObserveBooking("upstream_error")
			return nil, WrapError(KindUpstream, "provider rejected the booking", err)
		}
	}
	return nil, WrapError(KindUpstream, "booking attempts exhausted", lastErr)
}

func (g *Gateway) releaseQuietly(ctx context.Context, key, sessionID string) {
	if err := g.reservations.Release(ctx, key, sessionID); err != nil {
		g.logger.Warn("release reservation failed", "key", key, "error", err)
	}
}
