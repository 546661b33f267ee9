// Package apperr holds the error taxonomy shared by the facilitation core and
// its transports.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrValidation              = errors.New("validation error")
	ErrProviderTimeout         = errors.New("provider timeout")
	ErrProviderUnavailable     = errors.New("provider unavailable")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrSyncConflict            = errors.New("sync conflict")
	ErrConnectionLost          = errors.New("connection lost")
	ErrRateLimitExceeded       = errors.New("rate limit exceeded")
	ErrNotFound                = errors.New("not found")
)

// RateLimitError tells the caller how long to wait before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimitExceeded, e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}

// RateLimited builds a RateLimitError with a floor of one millisecond.
func RateLimited(retryAfter time.Duration) error {
	if retryAfter < time.Millisecond {
		retryAfter = time.Millisecond
	}
	return &RateLimitError{RetryAfter: retryAfter}
}

// RetryAfter extracts the retry hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Transitionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// Code maps err to a stable wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrProviderTimeout):
		return "provider_timeout"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return "duplicate_idempotency_key"
	case errors.Is(err, ErrSyncConflict):
		return "sync_conflict"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrRateLimitExceeded):
		return "rate_limit_exceeded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps err to the status code transports should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil, errors.Is(err, ErrDuplicateIdempotencyKey):
		return http.StatusOK
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrSyncConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrProviderTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrConnectionLost):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
