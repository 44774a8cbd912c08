// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package payments

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrSignatureInvalid is returned when a webhook signature does not verify
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrMalformedEvent is returned for webhook payloads that cannot be parsed
	ErrMalformedEvent = errors.New("malformed webhook event")

	// ErrSessionNotFound is returned when the payment provider has no such session
	ErrSessionNotFound = errors.New("payment session not found")

	// ErrSessionOwnership is returned when a session belongs to another account
	ErrSessionOwnership = errors.New("payment session belongs to another account")

	// ErrInvalidSession is returned when a completed session lacks an account or line item
	ErrInvalidSession = errors.New("payment session is missing account or line items")

	// ErrInvalidQuantity is returned for top-up quantities outside the allowed range
	ErrInvalidQuantity = errors.New("invalid top-up quantity")
)

// APIError is an error response from the payment provider.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payments API error (status %d, %s/%s): %s", e.StatusCode, e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("payments API error (status %d, %s): %s", e.StatusCode, e.Type, e.Message)
}

// Is maps a missing-resource response onto ErrSessionNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrSessionNotFound &&
		(e.StatusCode == http.StatusNotFound || e.Code == "resource_missing")
}
