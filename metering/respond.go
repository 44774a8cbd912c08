// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"conduit/platform/metering/generation"
)

// Error codes that are not gateway kinds.
const (
	errUnauthorized = "unauthorized"
	errNotFound     = "not_found"
	errBadRequest   = "validation_error"
	errRateLimited  = "rate_limited"
	errInternal     = "internal"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// statusFor maps a gateway kind onto its HTTP status.
func statusFor(kind generation.Kind) int {
	switch kind {
	case generation.KindValidation:
		return http.StatusBadRequest
	case generation.KindInsufficientCredits:
		return http.StatusPaymentRequired
	case generation.KindNotFound:
		return http.StatusNotFound
	case generation.KindProviderRateLimited:
		return http.StatusTooManyRequests
	case generation.KindProviderAuth, generation.KindProviderServer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeGatewayError(w http.ResponseWriter, err error) {
	kind := generation.KindOf(err)
	message := "internal error"
	var gerr *generation.Error
	if errors.As(err, &gerr) && kind != generation.KindInternal {
		message = gerr.Message
	}
	writeError(w, statusFor(kind), string(kind), message)
}
