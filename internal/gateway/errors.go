package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSupported is returned by the registry for unknown provider names.
	ErrNotSupported = errors.New("gateway not supported")

	// ErrUnsupportedOperation is returned by adapters for operations their
	// provider has no API for (e.g. refunds on a manual-settlement gateway).
	ErrUnsupportedOperation = errors.New("operation not supported by gateway")
)

// ConfigurationError means a required credential is missing or malformed.
// Raised at adapter construction, never mid-request.
type ConfigurationError struct {
	Provider string
	Field    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: missing or invalid configuration field %q", e.Provider, e.Field)
}

// NetworkError wraps a transport-level failure (DNS, connect, timeout).
// Retryable by the caller; the adapter itself never retries.
type NetworkError struct {
	Provider string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Provider, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// GatewayRejection means the provider answered with a well-formed error
// response. Generally not retryable without changing the input.
type GatewayRejection struct {
	Provider   string
	HTTPStatus int
	Body       string
}

func (e *GatewayRejection) Error() string {
	return fmt.Sprintf("%s: gateway rejected request (http %d): %s", e.Provider, e.HTTPStatus, e.Body)
}

// ValidationError means the caller's input is invalid for the requested
// operation (refund over the captured amount, currency mismatch, ...).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}
