// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"conduit/platform/metering/generation"
	"conduit/platform/metering/ledger"
	"conduit/platform/metering/llm"
	"conduit/platform/metering/payments"
)

const (
	maxRequestBody = 1 << 20
	maxWebhookBody = 256 << 10
)

type promptResponse struct {
	Name     string        `json:"name"`
	Messages []llm.Message `json:"messages"`
}

type usageResponse struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

type generateResponse struct {
	Message string         `json:"message"`
	Prompt  promptResponse `json:"prompt"`
	Cost    json.Number    `json:"cost"`
	Usage   usageResponse  `json:"usage"`
	Scaled  bool           `json:"scaled"`
}

type balanceResponse struct {
	Balance json.Number `json:"balance"`
}

type topUpRequest struct {
	Quantity int64 `json:"quantity"`
}

type topUpResponse struct {
	URL string `json:"url"`
}

type entryResponse struct {
	ID           string      `json:"id"`
	Kind         string      `json:"kind"`
	Amount       json.Number `json:"amount"`
	BalanceAfter json.Number `json:"balanceAfter"`
	Reference    string      `json:"reference,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}

type historyResponse struct {
	Entries []entryResponse `json:"entries"`
}

// decodeStrict decodes exactly one JSON value and rejects unknown fields.
func decodeStrict(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "conduit-metering",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := accountFrom(ctx)
	requestID := requestIDFrom(ctx)

	allowed, err := s.deps.Limiter.Allow(ctx, accountID)
	if err != nil {
		s.log.WarnWithCode(accountID, requestID, "rate limiter error", "RATE_LIMIT_ERROR", err, nil)
	}
	if !allowed {
		writeError(w, http.StatusTooManyRequests, errRateLimited, "too many generation requests, slow down")
		return
	}

	var req generation.Request
	if err := decodeStrict(http.MaxBytesReader(w, r.Body, maxRequestBody), &req); err != nil {
		writeError(w, http.StatusBadRequest, errBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	res, err := s.deps.Generator.Generate(ctx, accountID, requestID, req)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Message: "Text generated successfully",
		Prompt: promptResponse{
			Name:     req.Prompt.Name,
			Messages: []llm.Message{{Role: llm.RoleAssistant, Content: res.Content}},
		},
		Cost:   json.Number(res.Cost.String()),
		Usage:  usageResponse{PromptTokens: res.Usage.PromptTokens, CompletionTokens: res.Usage.CompletionTokens},
		Scaled: res.Scaled,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.deps.Accounts.BalanceOf(r.Context(), accountFrom(r.Context()))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Balance: json.Number(balance.String())})
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	req := topUpRequest{Quantity: 1}
	err := decodeStrict(http.MaxBytesReader(w, r.Body, maxRequestBody), &req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, errBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	url, err := s.deps.TopUps.Start(r.Context(), accountFrom(r.Context()), req.Quantity)
	switch {
	case errors.Is(err, payments.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, errBadRequest, err.Error())
		return
	case err != nil:
		s.log.ErrorWithCode(accountFrom(r.Context()), requestIDFrom(r.Context()), "failed to start top-up", "TOPUP_FAILED", err, nil)
		writeError(w, http.StatusInternalServerError, errInternal, "failed to start checkout")
		return
	}
	writeJSON(w, http.StatusOK, topUpResponse{URL: url})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	status, err := s.deps.Statuses.Status(r.Context(), accountFrom(r.Context()), sessionID)
	switch {
	case errors.Is(err, payments.ErrSessionOwnership):
		writeError(w, http.StatusUnauthorized, errUnauthorized, "authentication credentials were not provided or are invalid")
		return
	case errors.Is(err, payments.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, errNotFound, "payment session not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, errInternal, "failed to load payment session")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.deps.Accounts.History(r.Context(), accountFrom(r.Context()), limit)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	resp := historyResponse{Entries: make([]entryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, entryResponse{
			ID:           e.ID,
			Kind:         string(e.Kind),
			Amount:       json.Number(e.Amount.String()),
			BalanceAfter: json.Number(e.BalanceAfter.String()),
			Reference:    e.Reference,
			CreatedAt:    e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, errBadRequest, "unreadable payload")
		return
	}

	result, err := s.deps.Webhooks.Process(r.Context(), payload, r.Header.Get(payments.SignatureHeader))
	if err != nil {
		if permanentWebhookError(err) {
			s.log.WarnWithCode("", requestID, "webhook rejected", "WEBHOOK_REJECTED", err, nil)
			writeError(w, http.StatusBadRequest, errBadRequest, "webhook rejected")
			return
		}
		s.log.ErrorWithCode("", requestID, "webhook processing failed", "WEBHOOK_FAILED", err, nil)
		writeError(w, http.StatusInternalServerError, errInternal, "webhook processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "result": result})
}

func permanentWebhookError(err error) bool {
	for _, target := range []error{
		payments.ErrSignatureInvalid,
		payments.ErrMalformedEvent,
		payments.ErrInvalidSession,
		payments.ErrSessionNotFound,
		ledger.ErrAccountNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ledger.ErrAccountNotFound) {
		writeError(w, http.StatusNotFound, errNotFound, "account not found")
		return
	}
	s.log.ErrorWithCode(accountFrom(r.Context()), requestIDFrom(r.Context()), "ledger read failed", "LEDGER_READ_FAILED", err, nil)
	writeError(w, http.StatusInternalServerError, errInternal, "failed to read credits")
}
