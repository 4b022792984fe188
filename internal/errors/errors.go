// Package errors provides unified error handling for the request router.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// Authentication errors (1xxx)
	ErrCodeUnauthorized ErrorCode = "AUTH_1001"
	ErrCodeInvalidToken ErrorCode = "AUTH_1002"

	// Authorization errors (2xxx)
	ErrCodeForbidden ErrorCode = "AUTHZ_2001"

	// Validation errors (3xxx)
	ErrCodeInvalidInput     ErrorCode = "VAL_3001"
	ErrCodeMissingParameter ErrorCode = "VAL_3002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_3003"
	ErrCodeOutOfRange       ErrorCode = "VAL_3004"

	// Resource errors (4xxx)
	ErrCodeNotFound      ErrorCode = "RES_4001"
	ErrCodeAlreadyExists ErrorCode = "RES_4002"
	ErrCodeConflict      ErrorCode = "RES_4003"

	// Service errors (5xxx)
	ErrCodeInternal          ErrorCode = "SVC_5001"
	ErrCodeDatabaseError     ErrorCode = "SVC_5002"
	ErrCodeBlockchainError   ErrorCode = "SVC_5003"
	ErrCodeExternalAPI       ErrorCode = "SVC_5004"
	ErrCodeTimeout           ErrorCode = "SVC_5005"
	ErrCodeRateLimitExceeded ErrorCode = "SVC_5006"
	ErrCodeHandlerFailed     ErrorCode = "SVC_5007"
	ErrCodeQueueFull         ErrorCode = "SVC_5008"

	// Cryptographic errors (6xxx)
	ErrCodeSigningFailed ErrorCode = "CRYPTO_6003"

	// TEE errors (7xxx)
	ErrCodeAttestationFailed  ErrorCode = "TEE_7001"
	ErrCodeEnclaveUnavailable ErrorCode = "TEE_7004"
)

// Kind classifies an error by how the router reacts to it.
type Kind string

const (
	KindUnknown              Kind = ""
	KindValidation           Kind = "validation"
	KindHandler              Kind = "handler"
	KindChainSubmission      Kind = "chain_submission"
	KindCapacity             Kind = "capacity"
	KindConfidentialBoundary Kind = "confidential_boundary"
)

// Storage sentinels. Stores wrap these so callers can use errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate")
	ErrTerminal          = errors.New("record is terminal")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("concurrent modification")
)

// ServiceError represents a structured error with code, message, and HTTP status
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Kind       Kind                   `json:"-"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

func withKind(e *ServiceError, kind Kind) *ServiceError {
	e.Kind = kind
	return e
}

// Engine taxonomy

// Validation reports a malformed request. Rejected before enqueue, never retried.
func Validation(field, reason string) *ServiceError {
	return withKind(New(ErrCodeInvalidInput, reason, http.StatusBadRequest), KindValidation).
		WithDetails("field", field)
}

// Handler reports a domain processing failure. Retried up to max_attempts.
func Handler(message string, err error) *ServiceError {
	return withKind(Wrap(ErrCodeHandlerFailed, message, http.StatusInternalServerError, err), KindHandler)
}

// ChainSubmission reports a fulfillment-time network or finality failure.
func ChainSubmission(operation string, err error) *ServiceError {
	return withKind(Wrap(ErrCodeBlockchainError, "Blockchain operation failed", http.StatusServiceUnavailable, err), KindChainSubmission).
		WithDetails("operation", operation)
}

// Capacity reports a full queue. Surfaced synchronously to the caller.
func Capacity(capacity int) *ServiceError {
	return withKind(New(ErrCodeQueueFull, "Request queue is full", http.StatusServiceUnavailable), KindCapacity).
		WithDetails("capacity", capacity)
}

// ConfidentialBoundary reports an unavailable or unattested enclave. Fatal.
func ConfidentialBoundary(message string, err error) *ServiceError {
	return withKind(Wrap(ErrCodeAttestationFailed, message, http.StatusServiceUnavailable, err), KindConfidentialBoundary)
}

// Authentication / authorization

func Unauthorized(message string) *ServiceError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(err error) *ServiceError {
	return Wrap(ErrCodeInvalidToken, "Invalid authentication token", http.StatusUnauthorized, err)
}

func Forbidden(message string) *ServiceError {
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

// Validation helpers

func InvalidInput(field, reason string) *ServiceError {
	return Validation(field, reason)
}

func MissingParameter(param string) *ServiceError {
	return withKind(New(ErrCodeMissingParameter, "Missing required parameter", http.StatusBadRequest), KindValidation).
		WithDetails("parameter", param)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return withKind(New(ErrCodeOutOfRange, "Value out of range", http.StatusBadRequest), KindValidation).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

// Resource errors

func NotFound(resource, id string) *ServiceError {
	return Wrap(ErrCodeNotFound, "Resource not found", http.StatusNotFound, ErrNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Service errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabaseError, "Database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func ExternalAPIError(service string, err error) *ServiceError {
	return Wrap(ErrCodeExternalAPI, "External API call failed", http.StatusBadGateway, err).
		WithDetails("service", service)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "Operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

func SigningFailed(err error) *ServiceError {
	return Wrap(ErrCodeSigningFailed, "Signing failed", http.StatusInternalServerError, err)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// KindOf returns the taxonomy kind of the first ServiceError in the chain.
func KindOf(err error) Kind {
	if se := GetServiceError(err); se != nil {
		return se.Kind
	}
	return KindUnknown
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }

func IsCapacity(err error) bool { return KindOf(err) == KindCapacity }

func IsConfidentialBoundary(err error) bool { return KindOf(err) == KindConfidentialBoundary }

func IsChainSubmission(err error) bool { return KindOf(err) == KindChainSubmission }

// IsRetryable reports whether a processing failure may consume another attempt.
// Validation and confidential boundary failures are final.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindConfidentialBoundary:
		return false
	default:
		return err != nil
	}
}

// Sanitize renders the only error text that may be persisted on a request.
// Wrapped causes are dropped; they may carry key material or node responses.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	if se := GetServiceError(err); se != nil {
		return fmt.Sprintf("%s: %s", se.Code, se.Message)
	}
	return fmt.Sprintf("%s: %s", ErrCodeInternal, "Internal processing error")
}

// Is, As and Join re-export the standard helpers so callers need one import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)
