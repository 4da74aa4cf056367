package booking

import (
	"context"
	"strconv"
	"time"

	"github.com/wolfman30/booking-orchestrator/internal/store"
	"github.com/wolfman30/booking-orchestrator/pkg/logging"
)

// lastWriteKey holds the unix-millisecond timestamp of the most recent
// provider write, shared across instances and across both write paths,
// so gateway writes and queue retries draw from the same quota. The
// spacing check is a soft throttle: brief races are acceptable because
// the provider's own error is the authoritative rate-limit signal.
const lastWriteKey = "gateway:last_write_ms"

// claimWriteWindow enforces the shared minimum gap between provider
// writes. A CAS loop claims the write window; losing the swap means
// another writer just went, so the clock is re-read and the wait
// recomputed.
func claimWriteWindow(ctx context.Context, st store.StateStore, logger *logging.Logger, spacing time.Duration, now func() time.Time, sleep func(context.Context, time.Duration) error) error {
	for attempt := 0; attempt < 5; attempt++ {
		raw, ok, err := st.Get(ctx, lastWriteKey)
		if err != nil {
			logger.Warn("spacing read failed, proceeding", "error", err)
			return nil
		}
		ts := now()
		var last time.Time
		if ok {
			if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
				last = time.UnixMilli(ms)
			}
		}
		if wait := spacing - ts.Sub(last); wait > 0 {
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			ts = now()
		}

		old := ""
		if ok {
			old = raw
		}
		swapped, err := st.CompareAndSwap(ctx, lastWriteKey, old, strconv.FormatInt(ts.UnixMilli(), 10), time.Hour)
		if err != nil {
			logger.Warn("spacing update failed, proceeding", "error", err)
			return nil
		}
		if swapped {
			return nil
		}
		// Lost the window to another writer; loop and re-space.
	}
	// Soft throttle only: after repeated races let the write through and
	// trust the provider's own rate-limit response.
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
