// Package reservation implements short-lived soft locks on individual
// appointment slots, preventing two sessions from being offered or booking
// the same slot concurrently. Abandonment has no explicit cancel: a session
// that walks away simply lets its reservation TTL lapse.
package reservation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wolfman30/booking-orchestrator/internal/observability/metrics"
	"github.com/wolfman30/booking-orchestrator/internal/slotcache"
	"github.com/wolfman30/booking-orchestrator/internal/store"
	"github.com/wolfman30/booking-orchestrator/pkg/logging"
)

// State of a reservation record.
const (
	StateSoft      = "soft"
	StateConfirmed = "confirmed"
)

// Record is the stored form of one reservation.
type Record struct {
	OwnerSessionID string    `json:"ownerSessionId"`
	ReservedAt     time.Time `json:"reservedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	State          string    `json:"state"`
}

// Result of a TryReserve call.
type Result struct {
	Granted        bool
	OwnerSessionID string // the competing owner when denied
}

// Key builds the deterministic composite key for a physical slot. Two read
// paths computing a key for the same (location, date, time, resource) must
// land on the same string.
func Key(locationKey string, start time.Time, resourceID string) string {
	return fmt.Sprintf("%s|%s|%s|%s",
		locationKey,
		start.UTC().Format("2006-01-02"),
		start.UTC().Format("15:04"),
		resourceID,
	)
}

// Manager coordinates slot reservations through the shared store.
type Manager struct {
	store   store.StateStore
	logger  *logging.Logger
	metrics *metrics.BookingMetrics
	now     func() time.Time
}

// NewManager creates a reservation manager.
func NewManager(st store.StateStore, logger *logging.Logger, m *metrics.BookingMetrics) *Manager {
	if st == nil {
		panic("reservation: state store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		store:   st,
		logger:  logger.Component("reservation"),
		metrics: m,
		now:     time.Now,
	}
}

// SetClock replaces the manager clock. Test-only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// TryReserve attempts to reserve the slot for the session. Re-entry by the
// owning session is a no-op success and deliberately leaves the original
// TTL untouched. A denial carries the competing owner's session id.
func (m *Manager) TryReserve(ctx context.Context, key, sessionID string, ttl time.Duration) (Result, error) {
	now := m.now()
	record := Record{
		OwnerSessionID: sessionID,
		ReservedAt:     now,
		ExpiresAt:      now.Add(ttl),
		State:          StateSoft,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return Result{}, fmt.Errorf("reservation: encode record: %w", err)
	}

	won, err := m.store.SetIfAbsent(ctx, storeKey(key), string(raw), ttl)
	if err != nil {
		return Result{}, fmt.Errorf("reservation: reserve %s: %w", key, err)
	}
	if won {
		m.metrics.ObserveReservation("granted")
		m.logger.Info("slot reserved", "key", key, "session_id", sessionID)
		return Result{Granted: true}, nil
	}

	existing, ok, err := m.get(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		// The competing reservation expired between our SetIfAbsent and the
		// read; one retry settles it.
		won, err := m.store.SetIfAbsent(ctx, storeKey(key), string(raw), ttl)
		if err != nil {
			return Result{}, fmt.Errorf("reservation: reserve %s: %w", key, err)
		}
		if won {
			m.metrics.ObserveReservation("granted")
			return Result{Granted: true}, nil
		}
		existing, ok, err = m.get(ctx, key)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{}, fmt.Errorf("reservation: lost race twice for %s", key)
		}
	}

	if existing.OwnerSessionID == sessionID {
		m.metrics.ObserveReservation("reentry")
		return Result{Granted: true}, nil
	}
	m.metrics.ObserveReservation("denied")
	return Result{Granted: false, OwnerSessionID: existing.OwnerSessionID}, nil
}

// Confirm promotes the session's reservation after a successful provider
// write, extending its TTL so the slot is not re-offered while the provider
// catches up. Only the owner may confirm.
func (m *Manager) Confirm(ctx context.Context, key, sessionID string, extendedTTL time.Duration) error {
	currentRaw, ok, err := m.store.Get(ctx, storeKey(key))
	if err != nil {
		return fmt.Errorf("reservation: confirm %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("reservation: confirm %s: no active reservation", key)
	}
	var current Record
	if err := json.Unmarshal([]byte(currentRaw), &current); err != nil {
		return fmt.Errorf("reservation: decode record: %w", err)
	}
	if current.OwnerSessionID != sessionID {
		return fmt.Errorf("reservation: confirm %s: owned by another session", key)
	}

	now := m.now()
	confirmed := Record{
		OwnerSessionID: sessionID,
		ReservedAt:     current.ReservedAt,
		ExpiresAt:      now.Add(extendedTTL),
		State:          StateConfirmed,
	}
	raw, err := json.Marshal(confirmed)
	if err != nil {
		return fmt.Errorf("reservation: encode record: %w", err)
	}
	swapped, err := m.store.CompareAndSwap(ctx, storeKey(key), currentRaw, string(raw), extendedTTL)
	if err != nil {
		return fmt.Errorf("reservation: confirm %s: %w", key, err)
	}
	if !swapped {
		return fmt.Errorf("reservation: confirm %s: record changed underneath", key)
	}
	m.logger.Info("reservation confirmed", "key", key, "session_id", sessionID)
	return nil
}

// Release drops the session's reservation immediately, freeing the slot for
// other sessions without waiting for TTL expiry. Only the owner may release.
func (m *Manager) Release(ctx context.Context, key, sessionID string) error {
	currentRaw, ok, err := m.store.Get(ctx, storeKey(key))
	if err != nil {
		return fmt.Errorf("reservation: release %s: %w", key, err)
	}
	if !ok {
		return nil
	}
	var current Record
	if err := json.Unmarshal([]byte(currentRaw), &current); err != nil {
		return fmt.Errorf("reservation: decode record: %w", err)
	}
	if current.OwnerSessionID != sessionID {
		return fmt.Errorf("reservation: release %s: owned by another session", key)
	}
	if _, err := m.store.DeleteIfValue(ctx, storeKey(key), currentRaw); err != nil {
		return fmt.Errorf("reservation: release %s: %w", key, err)
	}
	m.logger.Info("reservation released", "key", key, "session_id", sessionID)
	return nil
}

// ReservedByOther reports whether the slot is held by a session other than
// the given one.
func (m *Manager) ReservedByOther(ctx context.Context, key, sessionID string) (bool, error) {
	record, ok, err := m.get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return record.OwnerSessionID != sessionID, nil
}

// FilterAvailable removes slots reserved by other sessions from an
// availability result. The requesting session keeps seeing slots it holds
// itself, so a session re-querying mid-flow does not lose "its" slot.
func (m *Manager) FilterAvailable(ctx context.Context, locationKey string, slots []slotcache.Slot, sessionID string) ([]slotcache.Slot, error) {
	out := make([]slotcache.Slot, 0, len(slots))
	for _, slot := range slots {
		blocked, err := m.ReservedByOther(ctx, Key(locationKey, slot.StartTime, slot.ResourceID), sessionID)
		if err != nil {
			return nil, err
		}
		if !blocked {
			out = append(out, slot)
		}
	}
	return out, nil
}

func (m *Manager) get(ctx context.Context, key string) (Record, bool, error) {
	raw, ok, err := m.store.Get(ctx, storeKey(key))
	if err != nil {
		return Record{}, false, fmt.Errorf("reservation: get %s: %w", key, err)
	}
	if !ok {
		return Record{}, false, nil
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Record{}, false, fmt.Errorf("reservation: decode record: %w", err)
	}
	return record, true, nil
}

func storeKey(key string) string {
	return "reservation:" + key
}
