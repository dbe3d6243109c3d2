// Package errors renders domain failures as HTTP API errors.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/nkkko/informer/internal/domain"
)

// ErrorType defines the type of error
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeInternal   ErrorType = "internal"
)

var httpCodes = map[ErrorType]int{
	ErrorTypeValidation: http.StatusBadRequest,
	ErrorTypeNotFound:   http.StatusNotFound,
	ErrorTypeConflict:   http.StatusConflict,
	ErrorTypeTimeout:    http.StatusGatewayTimeout,
	ErrorTypeInternal:   http.StatusInternalServerError,
}

// APIError is the error body of a failed request
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// WithRequestID returns a copy of e carrying the request id
func (e *APIError) WithRequestID(requestID string) *APIError {
	c := *e
	c.RequestID = requestID
	return &c
}

// New creates an API error of the given type
func New(t ErrorType, code, message string) *APIError {
	return &APIError{Type: t, Code: code, Message: message, HTTPCode: httpCodes[t]}
}

// ValidationError creates a new validation error
func ValidationError(code string, message string) *APIError {
	return New(ErrorTypeValidation, code, message)
}

// NotFoundError creates a new not found error
func NotFoundError(code string, message string) *APIError {
	return New(ErrorTypeNotFound, code, message)
}

// domainTypes maps the domain errors an operator can act on
var domainTypes = map[domain.ErrorType]ErrorType{
	domain.ErrorTypeValidation:          ErrorTypeValidation,
	domain.ErrorTypeNotFound:            ErrorTypeNotFound,
	domain.ErrorTypeConflict:            ErrorTypeConflict,
	domain.ErrorTypeLimitExceeded:       ErrorTypeConflict,
	domain.ErrorTypeVerificationTimeout: ErrorTypeTimeout,
}

// FromError converts err to an API error. Store failures and anything
// unclassified are reported without detail.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	var domainErr *domain.Error
	if stderrors.As(err, &domainErr) {
		if t, ok := domainTypes[domainErr.Type]; ok {
			return New(t, domainErr.Code, domainErr.Message)
		}
	}
	return New(ErrorTypeInternal, "internal_error", "internal server error")
}
