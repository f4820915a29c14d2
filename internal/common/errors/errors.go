// Package errors provides the closed error taxonomy for the generation
// lifecycle. Error kinds are assigned at the throw site and inspected with
// KindOf; callers never branch on message text.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ==========================
// 1. Error Kinds
// ==========================

// Kind is a standardized internal error code.
type Kind string

const (
	KindDuplicateInFlight Kind = "DUPLICATE_IN_FLIGHT"
	KindQuotaExhausted    Kind = "QUOTA_EXHAUSTED"
	KindSecurityViolation Kind = "SECURITY_VIOLATION"
	KindNetwork           Kind = "NETWORK_ERROR"
	KindServerRejected    Kind = "SERVER_REJECTED"
	KindJobFailed         Kind = "JOB_FAILED"
	KindTimedOut          Kind = "TIMED_OUT"
	KindExpired           Kind = "EXPIRED"
	KindInternal          Kind = "INTERNAL_ERROR"
)

// QuotaReason narrows KindQuotaExhausted for user messaging.
type QuotaReason string

const (
	QuotaReasonNoEntitlement QuotaReason = "NO_ENTITLEMENT"
	QuotaReasonCycleLimit    QuotaReason = "CYCLE_LIMIT_REACHED"
	QuotaReasonDailyLimit    QuotaReason = "DAILY_LIMIT_REACHED"
)

// ==========================
// 2. Error Type
// ==========================

// Error is a structured application error.
type Error struct {
	Kind      Kind        `json:"kind"`
	Message   string      `json:"message"`
	Details   string      `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
	Reason    QuotaReason `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// ==========================
// 3. Constructors
// ==========================

// NewDuplicateInFlight reports a second submission while a job is active or
// an unacknowledged result is still blocking the slot.
func NewDuplicateInFlight(details string) *Error {
	return &Error{
		Kind:      KindDuplicateInFlight,
		Message:   "A generation is already in progress",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewQuotaExhausted reports a denied reservation with a specific reason.
func NewQuotaExhausted(reason QuotaReason, details string) *Error {
	msg := "Generation limit reached for this billing cycle"
	switch reason {
	case QuotaReasonNoEntitlement:
		msg = "An active subscription is required to generate"
	case QuotaReasonDailyLimit:
		msg = "Daily generation limit reached"
	}
	return &Error{
		Kind:      KindQuotaExhausted,
		Message:   msg,
		Details:   details,
		Reason:    reason,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewSecurityViolation reports an entitlement cross-validation mismatch.
// Always a hard deny.
func NewSecurityViolation(details string) *Error {
	return &Error{
		Kind:      KindSecurityViolation,
		Message:   "Subscription verification failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewNetwork wraps a transient transport failure.
func NewNetwork(op string, err error) *Error {
	return &Error{
		Kind:      KindNetwork,
		Message:   fmt.Sprintf("Network error during %s", op),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewServerRejected reports a non-retryable rejection from the worker.
func NewServerRejected(details string) *Error {
	return &Error{
		Kind:      KindServerRejected,
		Message:   "The generation service rejected the request",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewJobFailed reports a worker-side failure outcome with the server message.
func NewJobFailed(serverMessage string) *Error {
	if serverMessage == "" {
		serverMessage = "generation failed"
	}
	return &Error{
		Kind:      KindJobFailed,
		Message:   "Generation failed",
		Details:   serverMessage,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewTimedOut reports the hard wall-clock ceiling being exceeded.
func NewTimedOut(elapsed time.Duration) *Error {
	return &Error{
		Kind:      KindTimedOut,
		Message:   "Generation took too long and was stopped",
		Details:   fmt.Sprintf("elapsed: %s", elapsed),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewExpired reports a recovered job too old to trust.
func NewExpired(age time.Duration) *Error {
	return &Error{
		Kind:      KindExpired,
		Message:   "A previous generation expired",
		Details:   fmt.Sprintf("age: %s", age),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInternal wraps an unexpected error.
func NewInternal(op string, err error) *Error {
	return &Error{
		Kind:      KindInternal,
		Message:   fmt.Sprintf("Unexpected error during %s", op),
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// ==========================
// 4. Inspection Helpers
// ==========================

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err is safe to retry without changing input.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// ReasonOf returns the quota reason of err, or "" when not a quota error.
func ReasonOf(err error) QuotaReason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
