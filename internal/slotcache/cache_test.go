package slotcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/booking-orchestrator/internal/store"
)

func testSlots(base time.Time) []Slot {
	return []Slot{
		{StartTime: base.Add(9 * time.Hour), ResourceID: "chair8", DurationMinutes: 30, AppointmentTypeID: "cleaning"},
		{StartTime: base.Add(10 * time.Hour), ResourceID: "chair3", DurationMinutes: 60, AppointmentTypeID: "exam"},
	}
}

func setupCache(t *testing.T) (*Cache, func(time.Duration)) {
	t.Helper()
	st := store.NewMemoryStore()
	now := time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	c := New(st)
	c.SetClock(func() time.Time { return now })
	return c, func(d time.Duration) { now = now.Add(d) }
}

func TestReadMissWhenEmpty(t *testing.T) {
	c, _ := setupCache(t)
	_, ok, err := c.ReadFresh(context.Background(), TierNear, "loc1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	c, advance := setupCache(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	require.NoError(t, c.Write(ctx, TierNear, "loc1", testSlots(base), 1200*time.Millisecond))

	entry, ok, err := c.ReadFresh(ctx, TierNear, "loc1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TierNear, entry.Tier)
	assert.Equal(t, "loc1", entry.LocationKey)
	require.Len(t, entry.Slots, 2)
	assert.Equal(t, "chair8", entry.Slots[0].ResourceID)
	assert.Equal(t, int64(1200), entry.FetchDurationMs)
	assert.False(t, entry.Stale(entry.FetchedAt))

	spec, err := SpecFor(TierNear)
	require.NoError(t, err)
	assert.Equal(t, entry.FetchedAt.Add(spec.RefreshTTL), entry.ExpiresAt)

	// Past the tier TTL the entry is stale: ReadFresh misses, Read still
	// serves it for staleness-tolerant callers.
	advance(spec.RefreshTTL + time.Second)
	_, ok, err = c.ReadFresh(ctx, TierNear, "loc1")
	require.NoError(t, err)
	assert.False(t, ok)

	stale, ok, err := c.Read(ctx, TierNear, "loc1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stale.Stale(entry.ExpiresAt))
}

func TestWriteReplacesWholeEntry(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	require.NoError(t, c.Write(ctx, TierNear, "loc1", testSlots(base), time.Second))
	require.NoError(t, c.Write(ctx, TierNear, "loc1", testSlots(base)[:1], time.Second))

	entry, ok, err := c.ReadFresh(ctx, TierNear, "loc1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, entry.Slots, 1)
}

func TestTiersAreIsolated(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	require.NoError(t, c.Write(ctx, TierNear, "loc1", testSlots(base), time.Second))

	_, ok, err := c.ReadFresh(ctx, TierMid, "loc1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.ReadFresh(ctx, TierNear, "loc2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	require.NoError(t, c.Write(ctx, TierNear, "loc1", testSlots(base), time.Second))
	require.NoError(t, c.Write(ctx, TierMid, "loc1", testSlots(base), time.Second))

	require.NoError(t, c.Invalidate(ctx, TierNear, "loc1"))
	_, ok, err := c.Read(ctx, TierNear, "loc1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.Read(ctx, TierMid, "loc1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.InvalidateAll(ctx, "loc1"))
	_, ok, err = c.Read(ctx, TierMid, "loc1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSpecForUnknownTier(t *testing.T) {
	_, err := SpecFor(Tier(9))
	assert.Error(t, err)
}

func TestTierWindow(t *testing.T) {
	now := time.Date(2026, 3, 11, 14, 30, 0, 0, time.UTC)
	spec, err := SpecFor(TierMid)
	require.NoError(t, err)
	from, to := spec.Window(now)
	assert.Equal(t, time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC), to)
}
