package ado

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinel errors - use with errors.Is()
var (
	// API errors
	ErrUnauthorized    = errors.New("pipewarden: unauthorized (invalid or expired token)")
	ErrForbidden       = errors.New("pipewarden: forbidden")
	ErrNotFound        = errors.New("pipewarden: not found")
	ErrTooManyRequests = errors.New("pipewarden: too many requests")

	// Pipeline errors
	ErrRateLimited      = errors.New("pipewarden: rate limit exceeded")
	ErrCircuitOpen      = errors.New("pipewarden: circuit breaker open")
	ErrMaxRetries       = errors.New("pipewarden: max retries exceeded")
	ErrTokenSource      = errors.New("pipewarden: could not obtain bearer token")
	ErrResponseTooLarge = errors.New("pipewarden: response too large")

	// Project errors
	ErrNoProject         = errors.New("pipewarden: no project specified and no default project configured")
	ErrProjectNotAllowed = errors.New("pipewarden: project not in allowed list")

	// Configuration errors
	ErrInvalidConfig = errors.New("pipewarden: invalid configuration")
)

// ErrorKind classifies a terminal invocation outcome for audit records.
type ErrorKind string

const (
	KindRateLimited  ErrorKind = "rate_limited"
	KindCircuitOpen  ErrorKind = "circuit_open"
	KindTimeout      ErrorKind = "timeout"
	KindServerError  ErrorKind = "server_error"
	KindClientError  ErrorKind = "client_error"
	KindNetworkError ErrorKind = "network_error"
	KindCanceled     ErrorKind = "canceled"
)

// KindOf maps an error to its audit classification.
// The mapping mirrors the retry/breaker taxonomy: timeouts, connectivity
// failures and 5xx responses are server-side; everything else is client-side.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 500 {
			return KindServerError
		}
		return KindClientError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetworkError
	}

	return KindClientError
}

// APIError represents an error response from the Azure DevOps REST API.
// Use errors.As() to extract details, errors.Is() to match sentinels.
type APIError struct {
	Code        int
	Message     string
	TypeKey     string        // ADO error type key, e.g. "PipelineNotFoundException"
	RetryAfter  time.Duration // From the Retry-After header, if present
	Method      string        // HTTP method that failed
	Path        string        // API path that failed (no host, no query)
	cause       error         // Underlying sentinel for errors.Is()
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("pipewarden: %s %s failed: %s (status=%d, retry_after=%s)",
			e.Method, e.Path, e.Message, e.Code, e.RetryAfter)
	}
	return fmt.Sprintf("pipewarden: %s %s failed: %s (status=%d)", e.Method, e.Path, e.Message, e.Code)
}

// Unwrap returns the underlying sentinel error for errors.Is() support.
func (e *APIError) Unwrap() error { return e.cause }

// IsRetryable returns true if the error is temporary and may succeed on retry.
func (e *APIError) IsRetryable() bool {
	return e.Code == 429 || e.Code >= 500
}

// NewAPIError creates an APIError with automatic sentinel detection.
func NewAPIError(method, path string, code int, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Method:  method,
		Path:    path,
		cause:   DetectSentinel(code),
	}
}

// NewAPIErrorWithRetry creates an APIError with retry information.
func NewAPIErrorWithRetry(method, path string, code int, message string, retryAfter time.Duration) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		Method:     method,
		Path:       path,
		RetryAfter: retryAfter,
		cause:      DetectSentinel(code),
	}
}

// DetectSentinel maps HTTP status codes to sentinel errors.
func DetectSentinel(code int) error {
	switch code {
	case 401:
		return ErrUnauthorized
	case 403:
		return ErrForbidden
	case 404:
		return ErrNotFound
	case 429:
		return ErrTooManyRequests
	}
	return nil
}

// ValidationError represents a tool argument validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pipewarden: validation: %s - %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pipewarden: config: %s - %s", e.Key, e.Message)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// NewConfigError creates a new ConfigError.
func NewConfigError(key, message string) *ConfigError {
	return &ConfigError{Key: key, Message: message}
}
