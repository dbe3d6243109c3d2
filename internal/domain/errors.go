package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType defines the type of error
type ErrorType string

const (
	// ErrorTypeValidation represents bad user input
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound represents an unknown observer, event type or entity
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeConflict represents a duplicate record
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeLimitExceeded represents a subscriber at its cap
	ErrorTypeLimitExceeded ErrorType = "limit_exceeded"

	// ErrorTypeVerificationTimeout represents an upstream subscription that never verified
	ErrorTypeVerificationTimeout ErrorType = "verification_timeout"

	// ErrorTypeTransientDelivery represents a rate-limited or temporarily failing send
	ErrorTypeTransientDelivery ErrorType = "transient_delivery"

	// ErrorTypePermanentDelivery represents an unreachable destination
	ErrorTypePermanentDelivery ErrorType = "permanent_delivery"

	// ErrorTypeStore represents a persistence failure
	ErrorTypeStore ErrorType = "store"

	// ErrorTypeRevoked represents an upstream cancellation
	ErrorTypeRevoked ErrorType = "revoked"

	// ErrorTypeBusy represents a destination with a command already in flight
	ErrorTypeBusy ErrorType = "busy"
)

// Error is the typed error shared by every component
type Error struct {
	Type       ErrorType
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap attaches a cause to the error
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// ValidationError creates a new validation error
func ValidationError(code string, message string) *Error {
	return &Error{Type: ErrorTypeValidation, Code: code, Message: message}
}

// NotFoundError creates a new not found error
func NotFoundError(code string, message string) *Error {
	return &Error{Type: ErrorTypeNotFound, Code: code, Message: message}
}

// ConflictError creates a new conflict error
func ConflictError(code string, message string) *Error {
	return &Error{Type: ErrorTypeConflict, Code: code, Message: message}
}

// LimitExceededError creates a new limit exceeded error
func LimitExceededError(code string, message string) *Error {
	return &Error{Type: ErrorTypeLimitExceeded, Code: code, Message: message}
}

// VerificationTimeoutError creates a new verification timeout error
func VerificationTimeoutError(code string, message string) *Error {
	return &Error{Type: ErrorTypeVerificationTimeout, Code: code, Message: message}
}

// TransientDeliveryError creates a retryable delivery error
func TransientDeliveryError(message string, retryAfter time.Duration) *Error {
	return &Error{Type: ErrorTypeTransientDelivery, Code: "rate_limited", Message: message, RetryAfter: retryAfter}
}

// PermanentDeliveryError creates a delivery error for an unreachable destination
func PermanentDeliveryError(code string, message string) *Error {
	return &Error{Type: ErrorTypePermanentDelivery, Code: code, Message: message}
}

// StoreError wraps a persistence failure
func StoreError(op string, err error) *Error {
	return &Error{Type: ErrorTypeStore, Code: op, Message: "store operation failed", Err: err}
}

// RevocationError creates a new revocation error
func RevocationError(id string, reason string) *Error {
	return &Error{Type: ErrorTypeRevoked, Code: reason, Message: "subscription " + id + " revoked upstream"}
}

// BusyError creates a new busy error
func BusyError(address string) *Error {
	return &Error{Type: ErrorTypeBusy, Code: "in_flight", Message: "command already in flight for " + address}
}

// TypeOf returns the error type of err, or "" when err is not a domain error
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsType reports whether err is a domain error of the given type
func IsType(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}

// RetryAfter returns the suggested retry delay carried by err
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// MessageOf returns the user-facing message of a domain error
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
