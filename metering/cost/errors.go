// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package cost

import "errors"

var (
	// ErrInvalidPriceTable is returned when prices or the token budget are not positive
	ErrInvalidPriceTable = errors.New("invalid price table")

	// ErrUnknownModel is returned when no price table is registered for a model
	ErrUnknownModel = errors.New("no pricing for model")

	// ErrNilEstimator is returned when a Model is built without a token estimator
	ErrNilEstimator = errors.New("token estimator is required")
)
