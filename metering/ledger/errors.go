// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ledger

import "errors"

var (
	// ErrAccountNotFound is returned when the account does not exist
	ErrAccountNotFound = errors.New("account not found")

	// ErrAlreadyFulfilled is returned when a payment session was already credited
	ErrAlreadyFulfilled = errors.New("payment session already fulfilled")

	// ErrInvalidAmount is returned for negative mutation amounts
	ErrInvalidAmount = errors.New("amount must not be negative")

	// ErrInvalidAccountID is returned for an empty account id
	ErrInvalidAccountID = errors.New("invalid account ID")
)
