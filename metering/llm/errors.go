// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrProviderAuth matches provider errors caused by rejected credentials
	ErrProviderAuth = errors.New("provider rejected credentials")

	// ErrProviderRateLimited matches provider throttling errors
	ErrProviderRateLimited = errors.New("provider rate limited")

	// ErrProviderServer matches provider-side failures, timeouts and transport errors
	ErrProviderServer = errors.New("provider server error")
)

// APIError is a failed provider call. StatusCode is 0 for transport
// failures and timeouts.
type APIError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s API error (%s): %s", e.Provider, e.Type, e.Message)
	}
	return fmt.Sprintf("%s API error (status %d, type %s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Is lets errors.Is match an APIError against the taxonomy sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrProviderAuth:
		return e.IsAuthError()
	case ErrProviderRateLimited:
		return e.IsRateLimitError()
	case ErrProviderServer:
		return e.IsServerError()
	}
	return false
}

// IsAuthError returns true for rejected or missing credentials
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden ||
		e.Type == "authentication_error" || e.Type == "invalid_api_key"
}

// IsRateLimitError returns true if the provider throttled the call
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Type == "rate_limit_error"
}

// IsServerError returns true for 5xx responses, timeouts and transport failures
func (e *APIError) IsServerError() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// TransportError wraps a failure to reach the provider, including deadline
// expiry, as a server-class APIError.
func TransportError(provider string, err error) *APIError {
	typ := "transport_error"
	if errors.Is(err, context.DeadlineExceeded) {
		typ = "timeout"
	}
	return &APIError{Provider: provider, Type: typ, Message: err.Error(), Err: err}
}

// IsRetryable reports whether err is worth retrying automatically. Only
// server-class failures qualify; rate limits are left to the caller.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.IsServerError() && !apiErr.IsRateLimitError()
}
