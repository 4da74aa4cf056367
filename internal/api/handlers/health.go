package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/wolfman30/booking-orchestrator/internal/refresh"
	"github.com/wolfman30/booking-orchestrator/pkg/logging"
)

// Pinger is the store liveness probe used by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and the cache staleness view. The
// staleness view is sourced from the shared store so any instance reports
// the same picture regardless of which one last refreshed.
type HealthHandler struct {
	pinger      Pinger
	coordinator *refresh.Coordinator
	logger      *logging.Logger
}

// NewHealthHandler creates the health handler. pinger may be nil for
// stores without a liveness probe.
func NewHealthHandler(pinger Pinger, coordinator *refresh.Coordinator, logger *logging.Logger) *HealthHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &HealthHandler{
		pinger:      pinger,
		coordinator: coordinator,
		logger:      logger.Component("health"),
	}
}

// Liveness reports process and store health.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Error("store ping failed", "error", err)
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// CacheHealth reports per-tier, per-location freshness.
func (h *HealthHandler) CacheHealth(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.coordinator.Status(r.Context())
	if err != nil {
		h.logger.Error("cache status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not read cache status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": statuses})
}
