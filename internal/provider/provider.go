// Package provider abstracts the upstream scheduling system. The wire
// protocol is deliberately thin: the orchestration core only needs a read
// returning availability and a write returning a booking id, a conflict, or
// a rate-limit signal it can classify.
package provider

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/wolfman30/booking-orchestrator/internal/slotcache"
)

// Class buckets provider failures for retry policy decisions.
type Class int

const (
	ClassOther Class = iota
	ClassRateLimited
	ClassConflict
	ClassNotFound
	ClassTimeout
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassConflict:
		return "conflict"
	case ClassNotFound:
		return "not_found"
	case ClassTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// Error is a classified provider failure. The raw provider message is kept
// for logs and queue records but never surfaces to API callers.
type Error struct {
	Class   Class
	Message string
}

func (e *Error) Error() string {
	return "provider: " + e.Class.String() + ": " + e.Message
}

// CreateBookingRequest carries one appointment write. ResourceID is always
// the resource chosen at availability-read time; the client never overrides
// it.
type CreateBookingRequest struct {
	LocationKey       string
	SubjectID         string
	ResourceID        string
	StartTime         time.Time
	DurationMinutes   int
	AppointmentTypeID string
}

// BookingConfirmation is the provider's acknowledgment of a created booking.
type BookingConfirmation struct {
	BookingID string
}

// Scheduler is the read/write surface of the upstream provider.
type Scheduler interface {
	FetchSlots(ctx context.Context, locationKey string, from, to time.Time) ([]slotcache.Slot, error)
	CreateBooking(ctx context.Context, req CreateBookingRequest) (*BookingConfirmation, error)
}

// defaultRateLimitPattern matches the provider's throttle error text. The
// provider does not use a dedicated status for throttling in all deployments,
// so the text match is the authoritative signal.
const defaultRateLimitPattern = "minute between appointment requests"

// Classify buckets an error from a Scheduler call. Unwrapped network
// timeouts and context deadlines count as ClassTimeout; everything
// unrecognized is ClassOther.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ClassTimeout
	}
	return ClassOther
}

// MatchesRateLimit reports whether the raw provider error text looks like a
// throttle response for the given pattern. An empty pattern falls back to
// the known default.
func MatchesRateLimit(message, pattern string) bool {
	if pattern == "" {
		pattern = defaultRateLimitPattern
	}
	return strings.Contains(strings.ToLower(message), strings.ToLower(pattern))
}
