package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the caller's context ends during an invocation.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrMissingAPIKey is returned when no API credential is configured.
	ErrMissingAPIKey = errors.New("api key is required")
)

// ErrorKind is the closed classification of remote failures. Upstream logic
// switches on the kind and never on error text.
type ErrorKind string

const (
	// KindTimeout means a single attempt exceeded its time budget.
	KindTimeout ErrorKind = "timeout"

	// KindRateLimited means the remote answered 429.
	KindRateLimited ErrorKind = "rate_limited"

	// KindUnsupportedEntity means the entity can never serve this query.
	KindUnsupportedEntity ErrorKind = "unsupported_entity"

	// KindTransient covers every other remote or transport failure.
	KindTransient ErrorKind = "transient"
)

// DefaultUnsupportedMarkers are the validation messages that identify an
// entity which does not support the requested listing.
var DefaultUnsupportedMarkers = []string{"invalid device type"}

// APIError represents a classified dashboard API failure.
type APIError struct {
	StatusCode int
	Kind       ErrorKind
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("meraki %s error (status %d): %s: %v",
			e.Kind, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("meraki %s error (status %d): %s",
		e.Kind, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Classify returns the kind of err. Errors that did not pass through the
// API boundary are timeouts when they carry a deadline, transient otherwise.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind != "" {
		return apiErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	return KindTransient
}

// classifyStatus maps an HTTP error response onto an ErrorKind.
func classifyStatus(status int, message string, markers []string) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 400 && containsMarker(message, markers):
		return KindUnsupportedEntity
	default:
		return KindTransient
	}
}

func containsMarker(message string, markers []string) bool {
	lower := strings.ToLower(message)
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// shouldRetry determines if an error kind is retried by the invoker.
func shouldRetry(kind ErrorKind) bool {
	switch kind {
	case KindTimeout, KindRateLimited:
		return true
	default:
		return false
	}
}
