// Package handlers implements the HTTP surface over the booking
// orchestration core: availability reads, coordinated refreshes, booking
// authorization, the booking write path and queue status.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfman30/booking-orchestrator/internal/booking"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// writeBookingError maps the booking error taxonomy onto HTTP statuses.
// Raw provider text never reaches the response body; only the classified
// kind and its caller-safe message do.
func writeBookingError(w http.ResponseWriter, err error) {
	kind := booking.KindOf(err)
	message := "booking failed"
	var berr *booking.Error
	if errors.As(err, &berr) && berr.Message != "" {
		message = berr.Message
	}

	status := http.StatusBadGateway
	switch kind {
	case booking.KindValidation:
		status = http.StatusBadRequest
	case booking.KindAuthorization:
		status = http.StatusUnauthorized
	case booking.KindConflict:
		status = http.StatusConflict
	case booking.KindRateLimited:
		status = http.StatusTooManyRequests
	case booking.KindTimeout:
		status = http.StatusGatewayTimeout
	case booking.KindUpstream:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: string(kind), Message: message}})
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Message: message}})
}
