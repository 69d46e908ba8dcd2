// Package apperror classifies errors crossing the External Task Board, PR
// Host, and SDK boundaries so the Restart Controller and Reconciler can tell
// "expected transient" from "programmer error" (spec §7). Grounded on
// jordigilh-kubernaut's internal/errors test contract; the rest of bosun
// keeps the teacher's plain fmt.Errorf("...: %w", err) wrapping and only
// reaches for AppError where a caller needs to branch on error kind.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType is a coarse classification of a failure, used both for HTTP
// status mapping (when bosun talks to the task board / PR host) and for
// retry/skip decisions.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
)

var statusCodes = map[ErrorType]int{
	ErrorTypeValidation: http.StatusBadRequest,
	ErrorTypeAuth:       http.StatusUnauthorized,
	ErrorTypeNotFound:   http.StatusNotFound,
	ErrorTypeConflict:   http.StatusConflict,
	ErrorTypeTimeout:    http.StatusRequestTimeout,
	ErrorTypeRateLimit:  http.StatusTooManyRequests,
	ErrorTypeDatabase:   http.StatusInternalServerError,
	ErrorTypeNetwork:    http.StatusInternalServerError,
	ErrorTypeInternal:   http.StatusInternalServerError,
}

// retryable marks error types that a caller should retry on its own
// schedule rather than caching a permanent skip entry for.
var retryable = map[ErrorType]bool{
	ErrorTypeNetwork:   true,
	ErrorTypeTimeout:   true,
	ErrorTypeRateLimit: true,
}

// AppError is a classified, wrappable error with optional free-form details.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

func New(t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusCodes[t]}
}

func Newf(t ErrorType, format string, args ...any) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

func Wrap(cause error, t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusCodes[t], Cause: cause}
}

func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Details)
	}
	return msg
}

func (e *AppError) Unwrap() error { return e.Cause }

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// Retryable reports whether a caller should retry this failure rather than
// cache it as a permanent skip.
func (e *AppError) Retryable() bool {
	return retryable[e.Type]
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Type == t
	}
	return false
}

// GetType returns the error's classification, defaulting to internal for
// unclassified errors.
func GetType(err error) ErrorType {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status a classified error maps to.
func GetStatusCode(err error) int {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether err (classified or not) should be retried.
// Unclassified errors are treated as non-retryable — callers that know an
// operation is safe to retry regardless of classification should not rely
// on this default.
func IsRetryable(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}

// ErrorMessages holds the safe, user-facing strings for error types whose
// underlying cause should never reach a notification.
var ErrorMessages = struct {
	ResourceNotFound        string
	AuthenticationFailed    string
	OperationTimeout        string
	RateLimitExceeded       string
	ConcurrentModification  string
}{
	ResourceNotFound:       "The requested resource was not found",
	AuthenticationFailed:   "Authentication failed",
	OperationTimeout:       "The operation timed out",
	RateLimitExceeded:      "Rate limit exceeded, please try again later",
	ConcurrentModification: "The resource was modified concurrently",
}

// SafeErrorMessage returns a message safe to surface in a notification:
// validation errors pass their message through (they're meant to be read),
// everything else gets a generic type-appropriate message so internal
// details never leak into chat.
func SafeErrorMessage(err error) string {
	var ae *AppError
	if !errors.As(err, &ae) {
		return "An unexpected error occurred"
	}
	switch ae.Type {
	case ErrorTypeValidation:
		return ae.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimit:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	default:
		return "An internal error occurred"
	}
}

// LogFields renders an error as structured logging fields.
func LogFields(err error) map[string]any {
	fields := map[string]any{"error": err.Error()}
	var ae *AppError
	if !errors.As(err, &ae) {
		return fields
	}
	fields["error_type"] = string(ae.Type)
	fields["status_code"] = ae.StatusCode
	if ae.Details != "" {
		fields["error_details"] = ae.Details
	}
	if ae.Cause != nil {
		fields["underlying_error"] = ae.Cause.Error()
	}
	return fields
}

// Chain combines independent errors (e.g. per-listener dispatch failures)
// into one, filtering nils. Returns nil if every input is nil, the error
// itself if exactly one is non-nil.
func Chain(errs ...error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		msgs := make([]string, len(nonNil))
		for i, e := range nonNil {
			msgs[i] = e.Error()
		}
		return errors.New(strings.Join(msgs, " -> "))
	}
}

// Predefined constructors, mirroring the teacher-domain's AppError contract.

func NewValidationError(message string) *AppError { return New(ErrorTypeValidation, message) }

func NewDatabaseError(op string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", op)
}

func NewNotFoundError(resource string) *AppError {
	return Newf(ErrorTypeNotFound, "%s not found", resource)
}

func NewAuthError(message string) *AppError { return New(ErrorTypeAuth, message) }

func NewTimeoutError(op string) *AppError {
	return Newf(ErrorTypeTimeout, "operation timed out: %s", op)
}

func NewNetworkError(cause error, op string) *AppError {
	return Wrapf(cause, ErrorTypeNetwork, "network operation failed: %s", op)
}

func NewRateLimitError(op string) *AppError {
	return Newf(ErrorTypeRateLimit, "rate limited: %s", op)
}
