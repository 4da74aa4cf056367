package booking

import (
	"errors"
	"fmt"
)

// Kind classifies every terminal booking failure. Callers never see raw
// provider error text; presentation decisions belong to the consuming
// layer.
type Kind string

const (
	// KindValidation covers missing or malformed input. Never retried.
	KindValidation Kind = "validation"

	// KindAuthorization covers missing, tampered, expired or mismatched
	// booking tokens. Never retried, logged distinctly from business
	// failures.
	KindAuthorization Kind = "authorization"

	// KindConflict means the slot is reserved by another session or the
	// provider reports it unavailable. Terminal here; the caller must pick
	// a different slot.
	KindConflict Kind = "conflict"

	// KindRateLimited means the provider is throttling. Retried
	// synchronously, then asynchronously.
	KindRateLimited Kind = "rate_limited"

	// KindUpstream covers other provider failures. Retried asynchronously
	// up to the queue's attempt budget.
	KindUpstream Kind = "upstream"

	// KindTimeout means the provider did not answer within the bounded
	// window. Treated as retryable, like KindUpstream.
	KindTimeout Kind = "timeout"
)

// Error is a classified booking failure.
type Error struct {
	Kind    Kind
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("booking: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("booking: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

// NewError creates a classified error with a caller-safe message.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError attaches an underlying cause that stays out of the
// caller-visible message.
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, err: err}
}

// KindOf extracts the kind from an error chain, defaulting to KindUpstream
// for anything unclassified.
func KindOf(err error) Kind {
	var berr *Error
	if errors.As(err, &berr) {
		return berr.Kind
	}
	return KindUpstream
}

// Retryable reports whether a failure of this kind may be retried by the
// async queue.
func Retryable(kind Kind) bool {
	switch kind {
	case KindRateLimited, KindUpstream, KindTimeout:
		return true
	default:
		return false
	}
}
