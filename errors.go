package medgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ValidationError reports a malformed provider config. Nothing is persisted
// when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid provider config: %s %s", e.Field, e.Reason)
}

// NotFoundError reports an operation against an unknown id.
type NotFoundError struct {
	Resource string
	Id       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Id)
}

// ConflictError reports a deactivation blocked by a remaining reference.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// ProviderUnavailableError reports a dispatch against a provider that is not
// ACTIVE. Fatal for the call; never retried.
type ProviderUnavailableError struct {
	ProviderId string
	Status     ProviderStatus
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %s is not available (status: %s)", e.ProviderId, e.Status)
}

// VendorError wraps a non-2xx vendor response. Retryable follows the HTTP
// status class: 429 and 5xx are transient, other 4xx are not.
type VendorError struct {
	ProviderId string
	HTTPStatus int
	Payload    string
	Retryable  bool
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("vendor error from provider %s: %s: %s", e.ProviderId, e.Code(), e.Payload)
}

// Code returns the normalized error code, e.g. "VENDOR_429".
func (e *VendorError) Code() string {
	return fmt.Sprintf("VENDOR_%d", e.HTTPStatus)
}

// NewVendorError builds a VendorError with retryability derived from the
// status class.
func NewVendorError(providerId string, httpStatus int, payload string) *VendorError {
	return &VendorError{
		ProviderId: providerId,
		HTTPStatus: httpStatus,
		Payload:    payload,
		Retryable:  RetryableStatus(httpStatus),
	}
}

// TimeoutError reports a vendor call that exceeded its bound. Always
// retryable.
type TimeoutError struct {
	ProviderId string
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to provider %s timed out after %s", e.ProviderId, e.Timeout)
}

// RateLimitError reports a request rejected by the local admission check
// before dispatch. Treated as retryable so the executor backs off.
type RateLimitError struct {
	ProviderId string
	Reason     string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for provider %s: %s", e.ProviderId, e.Reason)
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500
}

// IsRetryable is the executor's retryability predicate: timeouts, rate
// limits, and transient vendor failures qualify.
func IsRetryable(err error) bool {
	var vendorErr *VendorError
	if errors.As(err, &vendorErr) {
		return vendorErr.Retryable
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ErrorType returns the taxonomy label recorded in usage and health logs.
func ErrorType(err error) string {
	var vendorErr *VendorError
	if errors.As(err, &vendorErr) {
		return vendorErr.Code()
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT"
	}
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return "RATE_LIMIT"
	}
	var unavailableErr *ProviderUnavailableError
	if errors.As(err, &unavailableErr) {
		return "PROVIDER_UNAVAILABLE"
	}
	var notFoundErr *NotFoundError
	if errors.As(err, &notFoundErr) {
		return "NOT_FOUND"
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return "VALIDATION"
	}
	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		return "CONFLICT"
	}
	return "UNKNOWN"
}
