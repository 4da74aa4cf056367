package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/booking-orchestrator/internal/observability/metrics"
	"github.com/wolfman30/booking-orchestrator/internal/refresh"
	"github.com/wolfman30/booking-orchestrator/internal/reservation"
	"github.com/wolfman30/booking-orchestrator/internal/slotcache"
	"github.com/wolfman30/booking-orchestrator/pkg/logging"
)

// AvailabilityHandler serves cached slot availability and on-demand
// refreshes. Reads never hit the upstream provider; they come from the
// tiered cache and degrade to stale data rather than blocking.
type AvailabilityHandler struct {
	cache        *slotcache.Cache
	reservations *reservation.Manager
	coordinator  *refresh.Coordinator
	logger       *logging.Logger
	metrics      *metrics.BookingMetrics
	now          func() time.Time
}

// NewAvailabilityHandler creates the availability handler.
func NewAvailabilityHandler(cache *slotcache.Cache, reservations *reservation.Manager, coordinator *refresh.Coordinator, logger *logging.Logger, m *metrics.BookingMetrics) *AvailabilityHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AvailabilityHandler{
		cache:        cache,
		reservations: reservations,
		coordinator:  coordinator,
		logger:       logger.Component("availability"),
		metrics:      m,
		now:          time.Now,
	}
}

type availabilityResponse struct {
	Tier        slotcache.Tier   `json:"tier"`
	LocationKey string           `json:"locationKey"`
	Slots       []slotcache.Slot `json:"slots"`
	FetchedAt   time.Time        `json:"fetchedAt"`
	Stale       bool             `json:"stale"`
}

// GetAvailability returns the cached slots for one (tier, location),
// filtering out slots currently reserved by other sessions. The caller's
// X-Session-ID keeps its own holds visible so a session re-querying
// mid-flow does not lose the slot it selected.
func (h *AvailabilityHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	location := strings.TrimSpace(r.URL.Query().Get("location"))
	if location == "" {
		writeError(w, http.StatusBadRequest, "validation", "location query parameter is required")
		return
	}
	tier, err := parseTier(r.URL.Query().Get("tier"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	sessionID := r.Header.Get("X-Session-ID")

	entry, ok, err := h.cache.Read(r.Context(), tier, location)
	if err != nil {
		h.logger.Error("availability read failed", "location", location, "tier", tier, "error", err)
		writeError(w, http.StatusBadGateway, "upstream", "availability is temporarily unavailable")
		return
	}
	if !ok {
		// Nothing cached yet counts as stale: the caller cannot treat an
		// empty list as a fresh "no availability" answer.
		h.metrics.ObserveCacheRead(strconv.Itoa(int(tier)), "miss")
		writeJSON(w, http.StatusOK, availabilityResponse{
			Tier:        tier,
			LocationKey: location,
			Slots:       []slotcache.Slot{},
			Stale:       true,
		})
		return
	}

	stale := entry.Stale(h.now())
	if stale {
		h.metrics.ObserveCacheRead(strconv.Itoa(int(tier)), "stale")
	} else {
		h.metrics.ObserveCacheRead(strconv.Itoa(int(tier)), "fresh")
	}

	slots, err := h.reservations.FilterAvailable(r.Context(), location, entry.Slots, sessionID)
	if err != nil {
		h.logger.Error("reservation filter failed", "location", location, "error", err)
		writeError(w, http.StatusBadGateway, "upstream", "availability is temporarily unavailable")
		return
	}

	writeJSON(w, http.StatusOK, availabilityResponse{
		Tier:        tier,
		LocationKey: location,
		Slots:       slots,
		FetchedAt:   entry.FetchedAt,
		Stale:       stale,
	})
}

type refreshRequest struct {
	Tier string `json:"tier"`
}

// TriggerRefresh runs an on-demand refresh of one tier or all tiers. The
// distributed lock still applies, so concurrent triggers across instances
// collapse to a single upstream fetch per tier.
func (h *AvailabilityHandler) TriggerRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}

	var results []refresh.TierResult
	if req.Tier == "" || strings.EqualFold(req.Tier, "all") {
		results = h.coordinator.RefreshAll(r.Context())
	} else {
		tier, err := parseTier(req.Tier)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
		results = h.coordinator.RefreshTier(r.Context(), tier)
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// parseTier accepts "1"/"2"/"3" and the tier names used in responses.
func parseTier(raw string) (slotcache.Tier, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	switch raw {
	case "", "1", "near":
		return slotcache.TierNear, nil
	case "2", "mid":
		return slotcache.TierMid, nil
	case "3", "long":
		return slotcache.TierLong, nil
	default:
		if n, err := strconv.Atoi(raw); err == nil {
			if _, serr := slotcache.SpecFor(slotcache.Tier(n)); serr == nil {
				return slotcache.Tier(n), nil
			}
		}
		return 0, &tierError{raw: raw}
	}
}

type tierError struct{ raw string }

func (e *tierError) Error() string {
	return "unknown tier " + strconv.Quote(e.raw) + ", expected 1-3 or near/mid/long"
}
