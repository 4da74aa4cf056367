// Package slotcache stores previously fetched appointment availability in
// the shared state store, partitioned into date-range tiers. Reads never
// block on a refresh; a miss or stale entry tells the caller to fall back
// or tolerate staleness, per policy.
package slotcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wolfman30/booking-orchestrator/internal/store"
)

// Entries outlive their freshness TTL so staleness stays observable by the
// health view; the store key expires only after this retention window.
const entryRetention = 24 * time.Hour

// Slot is one bookable appointment opening as reported by the scheduler.
type Slot struct {
	StartTime         time.Time `json:"startTime"`
	ResourceID        string    `json:"resourceId"`
	DurationMinutes   int       `json:"durationMinutes"`
	AppointmentTypeID string    `json:"appointmentTypeId,omitempty"`
}

// Entry is one cached availability snapshot per (tier, location).
// Entries are replaced whole, never patched.
type Entry struct {
	Tier            Tier      `json:"tier"`
	LocationKey     string    `json:"locationKey"`
	Slots           []Slot    `json:"slots"`
	FetchedAt       time.Time `json:"fetchedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	FetchDurationMs int64     `json:"fetchDurationMs"`
}

// Stale reports whether the entry has outlived its tier's freshness TTL.
func (e *Entry) Stale(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Cache reads and writes availability entries in the shared store.
type Cache struct {
	store store.StateStore
	now   func() time.Time
}

// New creates a cache over the given state store.
func New(st store.StateStore) *Cache {
	if st == nil {
		panic("slotcache: state store cannot be nil")
	}
	return &Cache{store: st, now: time.Now}
}

// SetClock replaces the cache clock. Test-only.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// Read returns the entry for (tier, location) if one exists, stale or not.
// Callers decide whether a stale entry is usable; ReadFresh treats stale as
// a miss.
func (c *Cache) Read(ctx context.Context, tier Tier, locationKey string) (*Entry, bool, error) {
	raw, ok, err := c.store.Get(ctx, entryKey(tier, locationKey))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, fmt.Errorf("slotcache: decode entry: %w", err)
	}
	return &entry, true, nil
}

// ReadFresh returns the entry only while it is within its freshness TTL.
func (c *Cache) ReadFresh(ctx context.Context, tier Tier, locationKey string) (*Entry, bool, error) {
	entry, ok, err := c.Read(ctx, tier, locationKey)
	if err != nil || !ok {
		return nil, false, err
	}
	if entry.Stale(c.now()) {
		return nil, false, nil
	}
	return entry, true, nil
}

// Write atomically replaces the entry for (tier, location).
func (c *Cache) Write(ctx context.Context, tier Tier, locationKey string, slots []Slot, fetchDuration time.Duration) error {
	spec, err := SpecFor(tier)
	if err != nil {
		return err
	}
	now := c.now()
	entry := Entry{
		Tier:            tier,
		LocationKey:     locationKey,
		Slots:           slots,
		FetchedAt:       now,
		ExpiresAt:       now.Add(spec.RefreshTTL),
		FetchDurationMs: fetchDuration.Milliseconds(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("slotcache: encode entry: %w", err)
	}
	if err := c.store.Set(ctx, entryKey(tier, locationKey), string(raw), entryRetention); err != nil {
		return fmt.Errorf("slotcache: write entry: %w", err)
	}
	return nil
}

// Invalidate purges the entry for one tier at the location.
func (c *Cache) Invalidate(ctx context.Context, tier Tier, locationKey string) error {
	return c.store.Delete(ctx, entryKey(tier, locationKey))
}

// InvalidateAll purges all tiers at the location.
func (c *Cache) InvalidateAll(ctx context.Context, locationKey string) error {
	for _, spec := range Tiers() {
		if err := c.Invalidate(ctx, spec.Tier, locationKey); err != nil {
			return err
		}
	}
	return nil
}

func entryKey(tier Tier, locationKey string) string {
	return fmt.Sprintf("cache:slots:%d:%s", tier, locationKey)
}
