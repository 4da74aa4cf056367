// Package booking is the single write path to the upstream scheduler: the
// gateway owns authorization enforcement, write spacing and synchronous
// retry; the queue absorbs writes the synchronous path could not complete.
package booking

import (
	"time"
)

// BookRequest is one validated booking write. SlotKey is optional; when
// present it must agree with the key derived from location, start time and
// resource, which is the authoritative identity of the slot.
type BookRequest struct {
	SessionID         string    `json:"sessionId" validate:"required"`
	SubjectID         string    `json:"subjectId" validate:"required"`
	BookingToken      string    `json:"bookingToken" validate:"required"`
	LocationKey       string    `json:"locationKey" validate:"required"`
	SlotKey           string    `json:"slotKey,omitempty"`
	ResourceID        string    `json:"resourceId" validate:"required"`
	StartTime         time.Time `json:"startTime" validate:"required"`
	DurationMinutes   int       `json:"durationMinutes" validate:"required,gt=0"`
	AppointmentTypeID string    `json:"appointmentTypeId,omitempty"`
}

// Booking statuses returned to callers.
const (
	StatusConfirmed = "confirmed"
	StatusQueued    = "queued"
)

// BookResult is the caller-visible outcome of a booking attempt that did
// not fail terminally.
type BookResult struct {
	Status      string `json:"status"`
	BookingID   string `json:"bookingId,omitempty"`
	OperationID string `json:"operationId,omitempty"`
}

// PendingOperation statuses. Transitions are pending → processing →
// {pending, completed, failed}; completed and failed are immutable.
const (
	OpPending    = "pending"
	OpProcessing = "processing"
	OpCompleted  = "completed"
	OpFailed     = "failed"
)

// PendingOperation is one queued booking write awaiting background retry.
// It is the stored form only; status responses use OperationView so the
// payload's booking token never leaves the store.
type PendingOperation struct {
	OperationID    string      `json:"operationId"`
	Payload        BookRequest `json:"payload"`
	AttemptCount   int         `json:"attemptCount"`
	MaxAttempts    int         `json:"maxAttempts"`
	Status         string      `json:"status"`
	NextRetryAt    time.Time   `json:"nextRetryAt"`
	LeaseExpiresAt time.Time   `json:"leaseExpiresAt"`
	LastError      string      `json:"lastError,omitempty"`
	BookingID      string      `json:"bookingId,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// OperationView is the caller-visible projection of a queued operation.
// The booking token and session id are deliberately absent: the token is
// a live credential and the status endpoints are not scoped to the
// owning session.
type OperationView struct {
	OperationID     string    `json:"operationId"`
	LocationKey     string    `json:"locationKey"`
	ResourceID      string    `json:"resourceId"`
	StartTime       time.Time `json:"startTime"`
	DurationMinutes int       `json:"durationMinutes"`
	AttemptCount    int       `json:"attemptCount"`
	MaxAttempts     int       `json:"maxAttempts"`
	Status          string    `json:"status"`
	NextRetryAt     time.Time `json:"nextRetryAt"`
	LastError       string    `json:"lastError,omitempty"`
	BookingID       string    `json:"bookingId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// View projects the operation for status responses.
func (op PendingOperation) View() OperationView {
	return OperationView{
		OperationID:     op.OperationID,
		LocationKey:     op.Payload.LocationKey,
		ResourceID:      op.Payload.ResourceID,
		StartTime:       op.Payload.StartTime,
		DurationMinutes: op.Payload.DurationMinutes,
		AttemptCount:    op.AttemptCount,
		MaxAttempts:     op.MaxAttempts,
		Status:          op.Status,
		NextRetryAt:     op.NextRetryAt,
		LastError:       op.LastError,
		BookingID:       op.BookingID,
		CreatedAt:       op.CreatedAt,
		UpdatedAt:       op.UpdatedAt,
	}
}

// QueueStats is the observability view over pending operations.
type QueueStats struct {
	Total      int             `json:"total"`
	Pending    int             `json:"pending"`
	Processing int             `json:"processing"`
	Completed  int             `json:"completed"`
	Failed     int             `json:"failed"`
	Operations []OperationView `json:"operations"`
}
