package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/booking-orchestrator/internal/booking"
	"github.com/wolfman30/booking-orchestrator/internal/bookingauth"
	"github.com/wolfman30/booking-orchestrator/pkg/logging"
)

// BookingHandler serves the write side: token issuance, the booking
// gateway, and queue status.
type BookingHandler struct {
	issuer  *bookingauth.Issuer
	gateway *booking.Gateway
	queue   *booking.Queue
	logger  *logging.Logger
}

// NewBookingHandler creates the booking handler.
func NewBookingHandler(issuer *bookingauth.Issuer, gateway *booking.Gateway, queue *booking.Queue, logger *logging.Logger) *BookingHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &BookingHandler{
		issuer:  issuer,
		gateway: gateway,
		queue:   queue,
		logger:  logger.Component("booking_api"),
	}
}

type authorizeRequest struct {
	SessionID string `json:"sessionId"`
	SubjectID string `json:"subjectId"`
}

// Authorize issues the signed booking token a session must present to
// book. Issuance is idempotent: repeating the call within the token TTL
// returns the same token.
func (h *BookingHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.SubjectID == "" {
		writeError(w, http.StatusBadRequest, "validation", "sessionId and subjectId are required")
		return
	}

	issued, err := h.issuer.Issue(r.Context(), req.SessionID, req.SubjectID)
	if err != nil {
		h.logger.Error("token issuance failed", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not issue booking token")
		return
	}
	writeJSON(w, http.StatusOK, issued)
}

// Book runs one booking attempt. Confirmed bookings return 200; writes
// handed to the async queue return 202 with the operation id to poll.
func (h *BookingHandler) Book(w http.ResponseWriter, r *http.Request) {
	var req booking.BookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		req.SessionID = r.Header.Get("X-Session-ID")
	}

	result, err := h.gateway.Book(r.Context(), req)
	if err != nil {
		writeBookingError(w, err)
		return
	}

	status := http.StatusOK
	if result.Status == booking.StatusQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// QueueStatus reports pending retry operations. Read-only.
func (h *BookingHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error("queue stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not read queue status")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Operation returns one queued operation by id, projected so the stored
// booking credential never appears in the response.
func (h *BookingHandler) Operation(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")
	op, ok, err := h.queue.Get(r.Context(), operationID)
	if err != nil {
		h.logger.Error("operation lookup failed", "operation_id", operationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not read operation")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown operation id")
		return
	}
	writeJSON(w, http.StatusOK, op.View())
}
