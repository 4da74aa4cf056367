package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/booking-orchestrator/internal/observability/metrics"
	"github.com/wolfman30/booking-orchestrator/internal/provider"
	"github.com/wolfman30/booking-orchestrator/internal/reservation"
	"github.com/wolfman30/booking-orchestrator/internal/store"
	"github.com/wolfman30/booking-orchestrator/pkg/logging"
)

const opKeyPrefix = "queue:op:"

// processingLease bounds how long an operation may sit in processing.
// If the claiming instance dies before writing a terminal status, the
// lease expires and any instance's next pass reclaims the operation.
const processingLease = 2 * time.Minute

// QueueOptions configures the async retry queue.
type QueueOptions struct {
	TickInterval time.Duration // how often the processor scans for due work
	MaxAttempts  int           // total attempt budget including sync attempts
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	Retention    time.Duration // how long finished operations stay queryable
	ConfirmedTTL time.Duration // reservation extension after a late success
	WriteSpacing time.Duration // minimum gap between provider writes, shared with the gateway
	Metrics      *metrics.BookingMetrics
}

// Queue retries booking writes that exhausted the synchronous path,
// backing off exponentially until success or the attempt budget runs out.
// Multiple instances run a processor each; an operation is claimed by
// compare-and-swapping its stored record from pending to processing, so
// exactly one instance executes any given attempt. Operations are kept
// after reaching a terminal status so status queries can report them;
// the store's retention TTL garbage-collects eventually.
type Queue struct {
	store        store.StateStore
	scheduler    provider.Scheduler
	reservations *reservation.Manager
	logger       *logging.Logger
	metrics      *metrics.BookingMetrics

	tick         time.Duration
	maxAttempts  int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	retention    time.Duration
	confirmedTTL time.Duration
	spacing      time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewQueue creates the async retry queue.
func NewQueue(st store.StateStore, scheduler provider.Scheduler, reservations *reservation.Manager, logger *logging.Logger, opts QueueOptions) *Queue {
	if logger == nil {
		logger = logging.Default()
	}
	q := &Queue{
		store:        st,
		scheduler:    scheduler,
		reservations: reservations,
		logger:       logger.Component("queue"),
		metrics:      opts.Metrics,
		tick:         opts.TickInterval,
		maxAttempts:  opts.MaxAttempts,
		baseBackoff:  opts.BaseBackoff,
		maxBackoff:   opts.MaxBackoff,
		retention:    opts.Retention,
		confirmedTTL: opts.ConfirmedTTL,
		spacing:      opts.WriteSpacing,
		now:          time.Now,
		sleep:        sleepCtx,
	}
	if q.tick <= 0 {
		q.tick = 30 * time.Second
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 10
	}
	if q.baseBackoff <= 0 {
		q.baseBackoff = 10 * time.Second
	}
	if q.maxBackoff <= 0 {
		q.maxBackoff = 300 * time.Second
	}
	if q.retention <= 0 {
		q.retention = 7 * 24 * time.Hour
	}
	if q.confirmedTTL <= 0 {
		q.confirmedTTL = 5 * time.Minute
	}
	if q.spacing <= 0 {
		q.spacing = 10 * time.Second
	}
	return q
}

// SetClock replaces the queue clock. Test-only.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Enqueue records a write for background retry. attemptCount carries over
// the synchronous attempts already spent, so the backoff picks up where
// the gateway left off.
func (q *Queue) Enqueue(ctx context.Context, req BookRequest, attemptCount int) (string, error) {
	now := q.now()
	op := PendingOperation{
		OperationID:  uuid.NewString(),
		Payload:      req,
		AttemptCount: attemptCount,
		MaxAttempts:  q.maxAttempts,
		Status:       OpPending,
		NextRetryAt:  now.Add(q.Backoff(attemptCount)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := q.save(ctx, op); err != nil {
		return "", err
	}
	q.logger.Info("operation enqueued",
		"operation_id", op.OperationID,
		"attempt_count", op.AttemptCount,
		"next_retry_at", op.NextRetryAt,
	)
	return op.OperationID, nil
}

// Backoff computes the delay before the next attempt:
// min(cap, base * 2^attempts).
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	// Shift overflow guard: past 30 doublings everything is capped anyway.
	if attempts > 30 {
		return q.maxBackoff
	}
	d := q.baseBackoff * time.Duration(1<<attempts)
	if d > q.maxBackoff || d <= 0 {
		d = q.maxBackoff
	}
	return d
}

// Run processes due operations on a fixed tick until the context is
// cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.ProcessDue(ctx); err != nil {
				q.logger.Error("queue pass failed", "error", err)
			}
		}
	}
}

// ProcessDue retries every pending operation whose NextRetryAt has
// elapsed, plus processing operations whose lease has expired (the
// claiming instance died mid-attempt).
func (q *Queue) ProcessDue(ctx context.Context) error {
	ops, err := q.list(ctx)
	if err != nil {
		return err
	}
	now := q.now()
	for _, lo := range ops {
		switch lo.op.Status {
		case OpPending:
			if lo.op.NextRetryAt.After(now) {
				continue
			}
		case OpProcessing:
			if lo.op.LeaseExpiresAt.IsZero() || lo.op.LeaseExpiresAt.After(now) {
				continue
			}
			q.logger.Warn("reclaiming expired processing lease",
				"operation_id", lo.op.OperationID,
				"lease_expired_at", lo.op.LeaseExpiresAt,
			)
		default:
			continue
		}
		q.processOne(ctx, lo.op, lo.raw)
	}
	q.publishDepth(ctx)
	return nil
}

// processOne claims the operation by swapping the exact record it read
// for a processing record. Losing the swap means another instance's
// processor got there first; the operation is skipped, not retried.
func (q *Queue) processOne(ctx context.Context, op PendingOperation, raw string) {
	op.Status = OpProcessing
	op.LeaseExpiresAt = q.now().Add(processingLease)
	op.UpdatedAt = q.now()
	claimedRaw, err := json.Marshal(op)
	if err != nil {
		q.logger.Error("encode claim failed", "operation_id", op.OperationID, "error", err)
		return
	}
	won, err := q.store.CompareAndSwap(ctx, opKeyPrefix+op.OperationID, raw, string(claimedRaw), q.retention)
	if err != nil {
		q.logger.Error("claim operation failed", "operation_id", op.OperationID, "error", err)
		return
	}
	if !won {
		return
	}

	// Queue writes share the provider quota with gateway writes. On
	// cancellation the lease simply expires and the operation is
	// reclaimed later.
	if err := claimWriteWindow(ctx, q.store, q.logger, q.spacing, q.now, q.sleep); err != nil {
		return
	}

	req := op.Payload
	conf, err := q.scheduler.CreateBooking(ctx, provider.CreateBookingRequest{
		LocationKey:       req.LocationKey,
		SubjectID:         req.SubjectID,
		ResourceID:        req.ResourceID,
		StartTime:         req.StartTime,
		DurationMinutes:   req.DurationMinutes,
		AppointmentTypeID: req.AppointmentTypeID,
	})
	now := q.now()
	op.UpdatedAt = now
	op.LeaseExpiresAt = time.Time{}

	if err == nil {
		op.Status = OpCompleted
		op.BookingID = conf.BookingID
		op.LastError = ""
		q.metrics.ObserveQueueAttempt("completed")
		q.logger.Info("queued booking completed",
			"operation_id", op.OperationID,
			"booking_id", conf.BookingID,
			"attempt_count", op.AttemptCount,
		)
		key := reservation.Key(req.LocationKey, req.StartTime, req.ResourceID)
		if cerr := q.reservations.Confirm(ctx, key, req.SessionID, q.confirmedTTL); cerr != nil {
			// The soft hold may already have expired during the retries.
			q.logger.Debug("confirm after queued success failed", "key", key, "error", cerr)
		}
		if serr := q.save(ctx, op); serr != nil {
			q.logger.Error("persist completed operation failed", "operation_id", op.OperationID, "error", serr)
		}
		return
	}

	class := provider.Classify(err)
	retryable := class == provider.ClassRateLimited || class == provider.ClassTimeout || class == provider.ClassOther
	op.AttemptCount++
	op.LastError = err.Error()

	if retryable && op.AttemptCount < op.MaxAttempts {
		op.Status = OpPending
		op.NextRetryAt = now.Add(q.Backoff(op.AttemptCount))
		q.metrics.ObserveQueueAttempt(class.String())
		q.logger.Info("queued booking retry scheduled",
			"operation_id", op.OperationID,
			"class", class.String(),
			"attempt_count", op.AttemptCount,
			"next_retry_at", op.NextRetryAt,
		)
	} else {
		op.Status = OpFailed
		q.metrics.ObserveQueueAttempt("failed")
		q.logger.Error("queued booking permanently failed",
			"operation_id", op.OperationID,
			"class", class.String(),
			"attempt_count", op.AttemptCount,
		)
		// Free the slot for other sessions; the hold has usually lapsed on
		// its own by now anyway.
		key := reservation.Key(req.LocationKey, req.StartTime, req.ResourceID)
		if rerr := q.reservations.Release(ctx, key, req.SessionID); rerr != nil {
			q.logger.Debug("release after permanent failure failed", "key", key, "error", rerr)
		}
	}
	if serr := q.save(ctx, op); serr != nil {
		q.logger.Error("persist operation failed", "operation_id", op.OperationID, "error", serr)
	}
}

// Get returns one operation by id, stored form.
func (q *Queue) Get(ctx context.Context, operationID string) (*PendingOperation, bool, error) {
	raw, ok, err := q.store.Get(ctx, opKeyPrefix+operationID)
	if err != nil {
		return nil, false, fmt.Errorf("booking: get operation: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var op PendingOperation
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		return nil, false, fmt.Errorf("booking: decode operation: %w", err)
	}
	return &op, true, nil
}

// Stats reports counts by status plus per-operation detail, oldest first.
// Operations are projected through OperationView, which carries no
// credentials. Read-only.
func (q *Queue) Stats(ctx context.Context) (*QueueStats, error) {
	ops, err := q.list(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].op.CreatedAt.Before(ops[j].op.CreatedAt)
	})

	stats := &QueueStats{Total: len(ops), Operations: make([]OperationView, 0, len(ops))}
	for _, lo := range ops {
		stats.Operations = append(stats.Operations, lo.op.View())
		switch lo.op.Status {
		case OpPending:
			stats.Pending++
		case OpProcessing:
			stats.Processing++
		case OpCompleted:
			stats.Completed++
		case OpFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// loadedOp pairs a decoded operation with the raw record it was decoded
// from, which processOne needs as the compare-and-swap precondition.
type loadedOp struct {
	op  PendingOperation
	raw string
}

func (q *Queue) list(ctx context.Context) ([]loadedOp, error) {
	keys, err := q.store.Keys(ctx, opKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("booking: list operations: %w", err)
	}
	out := make([]loadedOp, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := q.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("booking: load operation %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var op PendingOperation
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			q.logger.Warn("skipping undecodable operation", "key", key, "error", err)
			continue
		}
		out = append(out, loadedOp{op: op, raw: raw})
	}
	return out, nil
}

func (q *Queue) save(ctx context.Context, op PendingOperation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("booking: encode operation: %w", err)
	}
	if err := q.store.Set(ctx, opKeyPrefix+op.OperationID, string(raw), q.retention); err != nil {
		return fmt.Errorf("booking: persist operation: %w", err)
	}
	return nil
}

func (q *Queue) publishDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		return
	}
	q.metrics.SetQueueDepth(OpPending, stats.Pending)
	q.metrics.SetQueueDepth(OpProcessing, stats.Processing)
	q.metrics.SetQueueDepth(OpCompleted, stats.Completed)
	q.metrics.SetQueueDepth(OpFailed, stats.Failed)
}
