package slotcache

import (
	"fmt"
	"time"
)

// Tier identifies one date-range partition of the availability cache.
// Query and refresh cost against the upstream scheduler scale with range
// length, so near-term availability is kept fresher than long-range.
type Tier int

const (
	TierNear Tier = 1 // next few days, hottest queries
	TierMid  Tier = 2 // rest of the month
	TierLong Tier = 3 // long-range planning
)

// TierSpec describes one tier's date window and freshness budget.
type TierSpec struct {
	Tier       Tier
	Name       string
	FromDays   int           // window start, days from today
	ToDays     int           // window end, days from today
	RefreshTTL time.Duration // entry age after which a read is stale
}

// Tiers lists all cache tiers in refresh order.
func Tiers() []TierSpec {
	return []TierSpec{
		{Tier: TierNear, Name: "near", FromDays: 0, ToDays: 7, RefreshTTL: 15 * time.Minute},
		{Tier: TierMid, Name: "mid", FromDays: 7, ToDays: 30, RefreshTTL: time.Hour},
		{Tier: TierLong, Name: "long", FromDays: 30, ToDays: 90, RefreshTTL: 4 * time.Hour},
	}
}

// SpecFor returns the spec for a tier.
func SpecFor(tier Tier) (TierSpec, error) {
	for _, spec := range Tiers() {
		if spec.Tier == tier {
			return spec, nil
		}
	}
	return TierSpec{}, fmt.Errorf("slotcache: unknown tier %d", tier)
}

// Window returns the absolute date range the tier covers as of now.
func (s TierSpec) Window(now time.Time) (time.Time, time.Time) {
	day := now.Truncate(24 * time.Hour)
	return day.AddDate(0, 0, s.FromDays), day.AddDate(0, 0, s.ToDays)
}
