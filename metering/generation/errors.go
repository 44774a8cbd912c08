// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package generation

import (
	"errors"
	"fmt"

	"conduit/platform/metering/llm"
)

// Kind classifies a gateway failure. Its string form is the error code
// clients see.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindProviderAuth        Kind = "provider_auth_error"
	KindProviderRateLimited Kind = "provider_rate_limited"
	KindProviderServer      Kind = "provider_server_error"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal"
)

// Error is the typed failure returned by the gateway.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so callers can write
// errors.Is(err, &Error{Kind: KindValidation}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindInternal
}

// fromProvider maps a provider failure onto the gateway taxonomy.
func fromProvider(err error) *Error {
	switch {
	case errors.Is(err, llm.ErrProviderAuth):
		return newError(KindProviderAuth, "the generation provider rejected our credentials", err)
	case errors.Is(err, llm.ErrProviderRateLimited):
		return newError(KindProviderRateLimited, "the generation provider is rate limiting requests, retry later", err)
	default:
		return newError(KindProviderServer, "the generation provider failed to complete the request", err)
	}
}
