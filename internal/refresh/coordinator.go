// Package refresh keeps the tiered slot cache warm without every instance
// hammering the rate-limited scheduler at once. Each instance ticks on the
// same wall-clock schedule; a per-tier lock in the shared store decides
// which instance actually performs the fetch.
package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/booking-orchestrator/internal/observability/metrics"
	"github.com/wolfman30/booking-orchestrator/internal/provider"
	"github.com/wolfman30/booking-orchestrator/internal/slotcache"
	"github.com/wolfman30/booking-orchestrator/internal/store"
	"github.com/wolfman30/booking-orchestrator/pkg/logging"
)

// TierResult reports the outcome of refreshing one tier.
type TierResult struct {
	Tier      slotcache.Tier `json:"tier"`
	Location  string         `json:"location"`
	Refreshed bool           `json:"refreshed"`
	Skipped   string         `json:"skipped,omitempty"` // lock holder when another instance won
	SlotCount int            `json:"slotCount"`
	Error     string         `json:"error,omitempty"`
}

// TierStatus is the read-only staleness view of one tier, sourced from the
// shared store so every instance reports the same answer.
type TierStatus struct {
	Tier      slotcache.Tier `json:"tier"`
	Location  string         `json:"location"`
	FetchedAt *time.Time     `json:"fetchedAt,omitempty"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
	Stale     bool           `json:"stale"`
	SlotCount int            `json:"slotCount"`
}

// Coordinator owns the refresh schedule for this instance.
type Coordinator struct {
	store          store.StateStore
	cache          *slotcache.Cache
	scheduler      provider.Scheduler
	logger         *logging.Logger
	metrics        *metrics.BookingMetrics
	holderID       string
	locations      []string
	interval       time.Duration
	lockTTL        time.Duration
	interTierDelay time.Duration
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
}

// Options configures a Coordinator.
type Options struct {
	InstanceID     string
	Locations      []string
	Interval       time.Duration
	LockTTL        time.Duration
	InterTierDelay time.Duration
	Metrics        *metrics.BookingMetrics
}

// NewCoordinator creates a refresh coordinator.
func NewCoordinator(st store.StateStore, cache *slotcache.Cache, scheduler provider.Scheduler, logger *logging.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	holderID := opts.InstanceID
	if holderID == "" {
		holderID = uuid.NewString()
	}
	c := &Coordinator{
		store:          st,
		cache:          cache,
		scheduler:      scheduler,
		logger:         logger.Component("refresh"),
		metrics:        opts.Metrics,
		holderID:       holderID,
		locations:      opts.Locations,
		interval:       opts.Interval,
		lockTTL:        opts.LockTTL,
		interTierDelay: opts.InterTierDelay,
		now:            time.Now,
		sleep:          sleepCtx,
	}
	if c.interval <= 0 {
		c.interval = 5 * time.Minute
	}
	if c.lockTTL <= 0 {
		c.lockTTL = 120 * time.Second
	}
	if c.interTierDelay < 0 {
		c.interTierDelay = 0
	}
	return c
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

// Run ticks on wall-clock boundaries of the configured interval until the
// context is cancelled. Aligning to the clock rather than the process start
// keeps all instances racing for the same tick, so restarts cannot
// desynchronize the schedule.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		now := c.now()
		next := now.Truncate(c.interval).Add(c.interval)
		if err := c.sleep(ctx, next.Sub(now)); err != nil {
			return
		}
		results := c.RefreshAll(ctx)
		for _, res := range results {
			if res.Error != "" {
				c.logger.Error("tier refresh failed",
					"tier", res.Tier,
					"location", res.Location,
					"error", res.Error,
				)
			}
		}
	}
}

// RefreshAll attempts every tier for every configured location, taking the
// per-tier lock each time. Losers record the winning holder and move on.
// Tiers are walked sequentially with the inter-tier delay so the winning
// instance stays inside the provider's read budget.
func (c *Coordinator) RefreshAll(ctx context.Context) []TierResult {
	var out []TierResult
	first := true
	for _, spec := range slotcache.Tiers() {
		if !first {
			if err := c.sleep(ctx, c.interTierDelay); err != nil {
				return out
			}
		}
		first = false
		out = append(out, c.RefreshTier(ctx, spec.Tier)...)
	}
	return out
}

// RefreshTier refreshes one tier for all locations, guarded by the tier's
// lock. Exactly one instance per tick gets to do this work.
func (c *Coordinator) RefreshTier(ctx context.Context, tier slotcache.Tier) []TierResult {
	spec, err := slotcache.SpecFor(tier)
	if err != nil {
		return []TierResult{{Tier: tier, Error: err.Error()}}
	}

	lockKey := lockKey(tier)
	won, lockErr := c.store.SetIfAbsent(ctx, lockKey, c.holderID, c.lockTTL)
	if lockErr != nil {
		c.metrics.ObserveRefresh(tierLabel(tier), "error")
		return []TierResult{{Tier: tier, Error: fmt.Sprintf("acquire lock: %v", lockErr)}}
	}
	if !won {
		holder, _, _ := c.store.Get(ctx, lockKey)
		c.metrics.ObserveRefresh(tierLabel(tier), "skipped")
		c.logger.Debug("tier refresh skipped, lock held elsewhere",
			"tier", tier,
			"holder", holder,
		)
		var skipped []TierResult
		for _, loc := range c.locations {
			skipped = append(skipped, TierResult{Tier: tier, Location: loc, Skipped: holder})
		}
		return skipped
	}
	// Crash mid-refresh leaves the lock to expire on its own; the TTL
	// bounds the blackout. On the happy path we release explicitly.
	defer func() {
		if _, err := c.store.DeleteIfValue(ctx, lockKey, c.holderID); err != nil {
			c.logger.Warn("release refresh lock failed", "tier", tier, "error", err)
		}
	}()

	from, to := spec.Window(c.now())
	var out []TierResult
	for _, loc := range c.locations {
		out = append(out, c.refreshLocation(ctx, spec, loc, from, to))
	}
	return out
}

func (c *Coordinator) refreshLocation(ctx context.Context, spec slotcache.TierSpec, location string, from, to time.Time) TierResult {
	started := c.now()
	slots, err := c.scheduler.FetchSlots(ctx, location, from, to)
	elapsed := c.now().Sub(started)
	if err != nil {
		c.metrics.ObserveRefresh(tierLabel(spec.Tier), "error")
		return TierResult{Tier: spec.Tier, Location: location, Error: err.Error()}
	}

	if err := c.cache.Write(ctx, spec.Tier, location, slots, elapsed); err != nil {
		c.metrics.ObserveRefresh(tierLabel(spec.Tier), "error")
		return TierResult{Tier: spec.Tier, Location: location, Error: err.Error()}
	}

	c.metrics.ObserveRefresh(tierLabel(spec.Tier), "refreshed")
	c.metrics.ObserveRefreshDuration(tierLabel(spec.Tier), elapsed.Seconds())
	c.logger.Info("tier refreshed",
		"tier", spec.Tier,
		"location", location,
		"slots", len(slots),
		"fetch_ms", elapsed.Milliseconds(),
	)
	return TierResult{Tier: spec.Tier, Location: location, Refreshed: true, SlotCount: len(slots)}
}

// Status reports per-tier staleness straight from the shared store. It must
// never consult instance-local memory: behind a load balancer any instance
// may answer a health probe, and they all have to agree.
func (c *Coordinator) Status(ctx context.Context) ([]TierStatus, error) {
	var out []TierStatus
	now := c.now()
	for _, spec := range slotcache.Tiers() {
		for _, loc := range c.locations {
			entry, ok, err := c.cache.Read(ctx, spec.Tier, loc)
			if err != nil {
				return nil, err
			}
			status := TierStatus{Tier: spec.Tier, Location: loc, Stale: true}
			if ok {
				fetchedAt := entry.FetchedAt
				expiresAt := entry.ExpiresAt
				status.FetchedAt = &fetchedAt
				status.ExpiresAt = &expiresAt
				status.Stale = entry.Stale(now)
				status.SlotCount = len(entry.Slots)
			}
			out = append(out, status)
		}
	}
	return out, nil
}

func lockKey(tier slotcache.Tier) string {
	return fmt.Sprintf("refresh:lock:%d", tier)
}

func tierLabel(tier slotcache.Tier) string {
	return fmt.Sprintf("%d", tier)
}
