package booking

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/booking-orchestrator/internal/provider"
	"github.com/wolfman30/booking-orchestrator/internal/reservation"
	"github.com/wolfman30/booking-orchestrator/internal/store"
)

type queueFixture struct {
	queue        *Queue
	store        *store.MemoryStore
	scheduler    *fakeScheduler
	reservations *reservation.Manager
	advance      func(time.Duration)
	sleeps       []time.Duration
}

func setupQueue(t *testing.T, script ...error) *queueFixture {
	t.Helper()
	st := store.NewMemoryStore()
	now := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st.SetClock(clock)

	sched := &fakeScheduler{script: script}
	reservations := reservation.NewManager(st, nil, nil)
	reservations.SetClock(clock)

	q := NewQueue(st, sched, reservations, nil, QueueOptions{
		TickInterval: 30 * time.Second,
		MaxAttempts:  10,
		BaseBackoff:  10 * time.Second,
		MaxBackoff:   300 * time.Second,
		Retention:    7 * 24 * time.Hour,
		ConfirmedTTL: 5 * time.Minute,
		WriteSpacing: 10 * time.Second,
	})
	q.SetClock(clock)

	f := &queueFixture{
		queue:        q,
		store:        st,
		scheduler:    sched,
		reservations: reservations,
		advance:      func(d time.Duration) { now = now.Add(d) },
	}
	// Spacing sleeps advance the frozen clock instead of blocking the test.
	q.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		now = now.Add(d)
		return nil
	}
	return f
}

// attachQueue builds a second queue instance over the same shared store,
// modelling another process pointed at the same Redis.
func attachQueue(t *testing.T, f *queueFixture, script ...error) (*Queue, *fakeScheduler) {
	t.Helper()
	sched := &fakeScheduler{script: script}
	q := NewQueue(f.store, sched, f.reservations, nil, QueueOptions{
		MaxAttempts:  10,
		BaseBackoff:  10 * time.Second,
		MaxBackoff:   300 * time.Second,
		WriteSpacing: 10 * time.Second,
	})
	q.SetClock(f.queue.now)
	q.sleep = f.queue.sleep
	return q, sched
}

func queuedRequest() BookRequest {
	return BookRequest{
		SessionID:       "session-a",
		SubjectID:       "patient-42",
		BookingToken:    "token",
		LocationKey:     "downtown",
		ResourceID:      "prov-1",
		StartTime:       time.Date(2026, 3, 12, 14, 30, 0, 0, time.UTC),
		DurationMinutes: 30,
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	f := setupQueue(t)

	assert.Equal(t, 10*time.Second, f.queue.Backoff(0))
	assert.Equal(t, 20*time.Second, f.queue.Backoff(1))
	assert.Equal(t, 40*time.Second, f.queue.Backoff(2))
	assert.Equal(t, 80*time.Second, f.queue.Backoff(3))
	assert.Equal(t, 160*time.Second, f.queue.Backoff(4))
	assert.Equal(t, 300*time.Second, f.queue.Backoff(5), "capped at the maximum")
	assert.Equal(t, 300*time.Second, f.queue.Backoff(9))
	assert.Equal(t, 300*time.Second, f.queue.Backoff(40))

	// Never decreasing.
	prev := time.Duration(0)
	for i := 0; i < 12; i++ {
		d := f.queue.Backoff(i)
		assert.GreaterOrEqual(t, d, prev, "backoff must not shrink between attempts")
		prev = d
	}
}

func TestEnqueueCarriesSyncAttempts(t *testing.T) {
	f := setupQueue(t)

	opID, err := f.queue.Enqueue(context.Background(), queuedRequest(), 2)
	require.NoError(t, err)

	op, ok, err := f.queue.Get(context.Background(), opID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OpPending, op.Status)
	assert.Equal(t, 2, op.AttemptCount)
	assert.Equal(t, 10, op.MaxAttempts)
	// Next retry waits out backoff for the attempts already spent.
	assert.Equal(t, op.CreatedAt.Add(40*time.Second), op.NextRetryAt)
}

func TestProcessDueSkipsOperationsNotYetDue(t *testing.T) {
	f := setupQueue(t)

	opID, err := f.queue.Enqueue(context.Background(), queuedRequest(), 2)
	require.NoError(t, err)

	require.NoError(t, f.queue.ProcessDue(context.Background()))
	assert.Equal(t, 0, f.scheduler.callCount())

	op, _, err := f.queue.Get(context.Background(), opID)
	require.NoError(t, err)
	assert.Equal(t, OpPending, op.Status)
}

func TestProcessDueCompletesAndConfirmsReservation(t *testing.T) {
	f := setupQueue(t)
	req := queuedRequest()
	key := reservation.Key(req.LocationKey, req.StartTime, req.ResourceID)

	// The gateway held the slot before handing the write to the queue.
	res, err := f.reservations.TryReserve(context.Background(), key, req.SessionID, 90*time.Second)
	require.NoError(t, err)
	require.True(t, res.Granted)

	opID, err := f.queue.Enqueue(context.Background(), req, 2)
	require.NoError(t, err)

	f.advance(41 * time.Second)
	require.NoError(t, f.queue.ProcessDue(context.Background()))
	assert.Equal(t, 1, f.scheduler.callCount())

	op, _, err := f.queue.Get(context.Background(), opID)
	require.NoError(t, err)
	assert.Equal(t, OpCompleted, op.Status)
	assert.Equal(t, "bk-123", op.BookingID)
	assert.Empty(t, op.LastError)

	// The reservation was promoted so the slot stays off availability while
	// the provider catches up.
	blocked, err := f.reservations.ReservedByOther(context.Background(), key, "session-z")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestProcessDueReschedulesOnRateLimit(t *testing.T) {
	throttle := &provider.Error{Class: provider.ClassRateLimited, Message: "please wait a minute between appointment requests"}
	f := setupQueue(t, throttle)

	opID, err := f.queue.Enqueue(context.Background(), queuedRequest(), 2)
	require.NoError(t, err)

	f.advance(41 * time.Second)
	require.NoError(t, f.queue.ProcessDue(context.Background()))

	op, _, err := f.queue.Get(context.Background(), opID)
	require.NoError(t, err)
	assert.Equal(t, OpPending, op.Status)
	assert.Equal(t, 3, op.AttemptCount)
	assert.NotEmpty(t, op.LastError)
	assert.Equal(t, op.UpdatedAt.Add(80*time.Second), op.NextRetryAt, "backoff grows with the attempt count")

	// Not touched again until the new NextRetryAt passes.
	require.NoError(t, f.queue.ProcessDue(context.Background()))
	assert.Equal(t, 1, f.scheduler.callCount())
}

func TestProcessDueFailsAfterMaxAttempts(t *testing.T) {
	throttle := &provider.Error{Class: provider.ClassRateLimited, Message: "please wait a minute between appointment requests"}
	var script []error
	for i := 0; i < 10; i++ {
		script = append(script, throttle)
	}
	f := setupQueue(t, script...)
	req := queuedRequest()
	key := reservation.Key(req.LocationKey, req.StartTime, req.ResourceID)

	res, err := f.reservations.TryReserve(context.Background(), key, req.SessionID, time.Hour)
	require.NoError(t, err)
	require.True(t, res.Granted)

	opID, err := f.queue.Enqueue(context.Background(), req, 2)
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		f.advance(301 * time.Second)
		require.NoError(t, f.queue.ProcessDue(context.Background()))
	}

	op, _, err := f.queue.Get(context.Background(), opID)
	require.NoError(t, err)
	assert.Equal(t, OpFailed, op.Status)
	assert.Equal(t, 10, op.AttemptCount, "stops at the attempt budget")
	assert.Equal(t, 8, f.scheduler.callCount(), "queue spends the budget left over from sync attempts")

	// Terminal failure frees the slot.
	blocked, err := f.reservations.ReservedByOther(context.Background(), key, "session-z")
	require.NoError(t, err)
	assert.False(t, blocked)

	// Failed is immutable: further passes do not retry it.
	f.advance(301 * time.Second)
	require.NoError(t, f.queue.ProcessDue(context.Background()))
	assert.Equal(t, 8, f.scheduler.callCount())
}

func TestProcessDueFailsImmediatelyOnConflict(t *testing.T) {
	f := setupQueue(t, &provider.Error{Class: provider.ClassConflict, Message: "slot taken"})

	opID, err := f.queue.Enqueue(context.Background(), queuedRequest(), 2)
	require.NoError(t, err)

	f.advance(41 * time.Second)
	require.NoError(t, f.queue.ProcessDue(context.Background()))

	op, _, err := f.queue.Get(context.Background(), opID)
	require.NoError(t, err)
	assert.Equal(t, OpFailed, op.Status, "a conflict cannot succeed later")
	assert.Equal(t, 1, f.scheduler.callCount())
}

func TestProcessDueRetriesUpstreamErrors(t *testing.T) {
	f := setupQueue(t, &provider.Error{Class: provider.ClassOther, Message: "internal error"})

	opID, err := f.queue.Enqueue(context.Background(), queuedRequest(), 2)
	require.NoError(t, err)

	f.advance(41 * time.Second)
	require.NoError(t, f.queue.ProcessDue(context.Background()))

	op, _, err := f.queue.Get(context.Background(), opID)
	require.NoError(t, err)
	assert.Equal(t, OpPending, op.Status)

	f.advance(81 * time.Second)
	require.NoError(t, f.queue.ProcessDue(context.Background()))

	op, _, err = f.queue.Get(context.Background(), opID)
	require.NoError(t, err)
	assert.Equal(t, OpCompleted, op.Status, "transient upstream failure recovers")
}

func TestStatsCountsByStatus(t *testing.T) {
	throttle := &provider.Error{Class: provider.ClassRateLimited, Message: "please wait a minute between appointment requests"}
	conflict := &provider.Error{Class: provider.ClassConflict, Message: "slot taken"}
	f := setupQueue(t, nil, throttle, conflict)
	ctx := context.Background()

	reqA := queuedRequest()
	reqB := queuedRequest()
	reqB.StartTime = reqB.StartTime.Add(time.Hour)
	reqC := queuedRequest()
	reqC.StartTime = reqC.StartTime.Add(2 * time.Hour)

	_, err := f.queue.Enqueue(ctx, reqA, 2)
	require.NoError(t, err)
	f.advance(time.Second)
	_, err = f.queue.Enqueue(ctx, reqB, 2)
	require.NoError(t, err)
	f.advance(time.Second)
	_, err = f.queue.Enqueue(ctx, reqC, 2)
	require.NoError(t, err)

	f.advance(41 * time.Second)
	require.NoError(t, f.queue.ProcessDue(ctx))

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Processing)
	require.Len(t, stats.Operations, 3)
	assert.False(t, stats.Operations[0].CreatedAt.After(stats.Operations[1].CreatedAt), "oldest first")
}

func TestGetUnknownOperation(t *testing.T) {
	f := setupQueue(t)
	_, ok, err := f.queue.Get(context.Background(), "no-such-op")
	require.NoError(t, err)
	assert.False(t, ok)
}

// Two instances read the same pending record and both try to claim it.
// The second claim sees a record that no longer matches what it read, so
// only one provider write happens.
func TestProcessOneClaimIsExclusiveAcrossInstances(t *testing.T) {
	f := setupQueue(t, nil)
	other, otherSched := attachQueue(t, f, nil)
	ctx := context.Background()

	opID, err := f.queue.Enqueue(ctx, queuedRequest(), 2)
	require.NoError(t, err)
	f.advance(41 * time.Second)

	raw, ok, err := f.store.Get(ctx, opKeyPrefix+opID)
	require.NoError(t, err)
	require.True(t, ok)
	var op PendingOperation
	require.NoError(t, json.Unmarshal([]byte(raw), &op))

	// Both processors hold the same snapshot before either acts.
	f.queue.processOne(ctx, op, raw)
	other.processOne(ctx, op, raw)

	assert.Equal(t, 1, f.scheduler.callCount())
	assert.Equal(t, 0, otherSched.callCount(), "losing the claim swap must not reach the provider")

	final, _, err := f.queue.Get(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, OpCompleted, final.Status)
	assert.Equal(t, 2, final.AttemptCount, "the operation was executed exactly once")
}

func TestProcessDueSkipsOperationsWithLiveLease(t *testing.T) {
	f := setupQueue(t, nil)
	ctx := context.Background()

	opID, err := f.queue.Enqueue(ctx, queuedRequest(), 2)
	require.NoError(t, err)

	// Another instance holds the claim.
	op, _, err := f.queue.Get(ctx, opID)
	require.NoError(t, err)
	op.Status = OpProcessing
	op.LeaseExpiresAt = f.queue.now().Add(2 * time.Minute)
	raw, err := json.Marshal(op)
	require.NoError(t, err)
	require.NoError(t, f.store.Set(ctx, opKeyPrefix+opID, string(raw), time.Hour))

	f.advance(41 * time.Second)
	require.NoError(t, f.queue.ProcessDue(ctx))
	assert.Equal(t, 0, f.scheduler.callCount())

	after, _, err := f.queue.Get(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, OpProcessing, after.Status)
}

// A processor that dies after claiming leaves the operation in
// processing; once the lease lapses any instance picks it back up.
func TestProcessDueReclaimsExpiredLease(t *testing.T) {
	f := setupQueue(t, nil)
	ctx := context.Background()

	opID, err := f.queue.Enqueue(ctx, queuedRequest(), 2)
	require.NoError(t, err)

	op, _, err := f.queue.Get(ctx, opID)
	require.NoError(t, err)
	op.Status = OpProcessing
	op.LeaseExpiresAt = f.queue.now().Add(2 * time.Minute)
	raw, err := json.Marshal(op)
	require.NoError(t, err)
	require.NoError(t, f.store.Set(ctx, opKeyPrefix+opID, string(raw), time.Hour))

	f.advance(121 * time.Second)
	require.NoError(t, f.queue.ProcessDue(ctx))
	assert.Equal(t, 1, f.scheduler.callCount())

	after, _, err := f.queue.Get(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, OpCompleted, after.Status)
	assert.True(t, after.LeaseExpiresAt.IsZero(), "terminal records carry no lease")
}

// Queue writes draw from the same spacing quota as gateway writes: the
// second of two due operations waits out the gap before hitting the
// provider.
func TestProcessDueSpacesConsecutiveWrites(t *testing.T) {
	f := setupQueue(t, nil, nil)
	ctx := context.Background()

	reqA := queuedRequest()
	reqB := queuedRequest()
	reqB.StartTime = reqB.StartTime.Add(time.Hour)

	_, err := f.queue.Enqueue(ctx, reqA, 2)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, reqB, 2)
	require.NoError(t, err)

	f.advance(41 * time.Second)
	require.NoError(t, f.queue.ProcessDue(ctx))

	assert.Equal(t, 2, f.scheduler.callCount())
	require.Len(t, f.sleeps, 1, "only the second write should wait")
	assert.Equal(t, 10*time.Second, f.sleeps[0])

	_, ok, err := f.store.Get(ctx, lastWriteKey)
	require.NoError(t, err)
	assert.True(t, ok, "queue writes record the shared last-write timestamp")
}

func TestStatsCarryNoCredentials(t *testing.T) {
	f := setupQueue(t)
	ctx := context.Background()

	req := queuedRequest()
	req.BookingToken = "eyJhbGciOiJIUzI1NiJ9.credential"
	opID, err := f.queue.Enqueue(ctx, req, 2)
	require.NoError(t, err)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Operations, 1)
	assert.Equal(t, opID, stats.Operations[0].OperationID)
	assert.Equal(t, req.LocationKey, stats.Operations[0].LocationKey)

	body, err := json.Marshal(stats)
	require.NoError(t, err)
	assert.NotContains(t, string(body), req.BookingToken)
	assert.NotContains(t, string(body), "bookingToken")
	assert.NotContains(t, string(body), req.SessionID)
}
