package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "i/o timeout" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

var _ net.Error = timeoutNetError{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "api error kind wins", err: &APIError{StatusCode: 429, Kind: KindRateLimited}, want: KindRateLimited},
		{name: "wrapped api error", err: fmt.Errorf("wrap: %w", &APIError{Kind: KindUnsupportedEntity}), want: KindUnsupportedEntity},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: KindTimeout},
		{name: "net timeout", err: timeoutNetError{}, want: KindTimeout},
		{name: "plain error", err: errors.New("boom"), want: KindTransient},
		{name: "canceled", err: context.Canceled, want: KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
		want    ErrorKind
	}{
		{name: "429", status: 429, message: "Too Many Requests", want: KindRateLimited},
		{name: "400 with marker", status: 400, message: "Invalid device type for this network", want: KindUnsupportedEntity},
		{name: "400 without marker", status: 400, message: "t0 must be before t1", want: KindTransient},
		{name: "marker on other status", status: 404, message: "invalid device type", want: KindTransient},
		{name: "500", status: 500, message: "internal", want: KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyStatus(tt.status, tt.message, DefaultUnsupportedMarkers); got != tt.want {
				t.Errorf("classifyStatus(%d, %q) = %q, want %q", tt.status, tt.message, got, tt.want)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindTimeout, true},
		{KindRateLimited, true},
		{KindUnsupportedEntity, false},
		{KindTransient, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := shouldRetry(tt.kind); got != tt.want {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	err := &APIError{StatusCode: 502, Kind: KindTransient, Message: "bad gateway", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped error")
	}

	var apiErr *APIError
	if !errors.As(fmt.Errorf("outer: %w", err), &apiErr) {
		t.Fatal("errors.As should find *APIError")
	}
	if apiErr.StatusCode != 502 {
		t.Errorf("StatusCode = %d, want 502", apiErr.StatusCode)
	}
	if err.Error() == "" {
		t.Error("Error() should not be empty")
	}
}
