// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package payments connects the credit ledger to an external checkout
// provider: starting top-ups, applying completed-checkout webhooks exactly
// once, and answering session status polls.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"conduit/platform/metering/ledger"
	"conduit/platform/shared/logger"
)

// Event types that can move credits. A delayed payment completes checkout
// unpaid and is credited on the later async success event.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// Result is the outcome of one webhook delivery.
type Result string

const (
	ResultCredited  Result = "credited"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored"
)

// Credits is the part of the ledger that fulfils sessions.
type Credits interface {
	CreditOnce(ctx context.Context, accountID, sessionID string, amount decimal.Decimal) (*ledger.Entry, error)
	IsFulfilled(ctx context.Context, sessionID string) (bool, error)
}

type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

// WebhookProcessor verifies and applies payment provider events.
type WebhookProcessor struct {
	client    Client
	credits   Credits
	secret    string
	tolerance time.Duration
	now       func() time.Time
	log       *logger.Logger
}

// NewWebhookProcessor creates a processor. A zero tolerance disables the
// timestamp age check.
func NewWebhookProcessor(client Client, credits Credits, secret string, tolerance time.Duration, log *logger.Logger) *WebhookProcessor {
	if log == nil {
		log = logger.New("payments")
	}
	return &WebhookProcessor{
		client:    client,
		credits:   credits,
		secret:    secret,
		tolerance: tolerance,
		now:       time.Now,
		log:       log,
	}
}

// Process handles one delivery. Errors wrapping ErrSignatureInvalid,
// ErrMalformedEvent, ErrInvalidSession, ErrSessionNotFound or
// ledger.ErrAccountNotFound are permanent; anything else is worth a retry
// by the provider.
func (p *WebhookProcessor) Process(ctx context.Context, payload []byte, signature string) (Result, error) {
	if err := VerifySignature(payload, signature, p.secret, p.tolerance, p.now()); err != nil {
		p.log.WarnWithCode("", "", "rejected webhook delivery", "WEBHOOK_SIGNATURE_INVALID", err, map[string]interface{}{
			"payload_bytes": len(payload),
		})
		return "", err
	}

	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type != EventCheckoutCompleted && ev.Type != EventAsyncPaymentSucceeded {
		p.log.Debug("", ev.ID, "ignoring webhook event", map[string]interface{}{"type": ev.Type})
		return ResultIgnored, nil
	}
	sessionID := ev.Data.Object.ID
	if sessionID == "" {
		return "", fmt.Errorf("%w: event %s has no session id", ErrMalformedEvent, ev.ID)
	}

	done, err := p.credits.IsFulfilled(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to check session fulfilment: %w", err)
	}
	if done {
		p.log.Info("", sessionID, "webhook replay for fulfilled session", map[string]interface{}{"event_id": ev.ID})
		return ResultDuplicate, nil
	}

	// Amount and account come from the provider, never from the event body.
	session, err := p.client.GetSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch session %s: %w", sessionID, err)
	}
	if !session.Complete() {
		p.log.Info(session.AccountID, sessionID, "session not paid yet, waiting for settlement", map[string]interface{}{
			"event_type":     ev.Type,
			"status":         session.Status,
			"payment_status": session.PaymentStatus,
		})
		return ResultIgnored, nil
	}
	if session.AccountID == "" || len(session.LineItems) == 0 || session.LineItems[0].AmountTotal < 0 {
		return "", fmt.Errorf("%w: session %s", ErrInvalidSession, sessionID)
	}
	amount := decimal.NewFromInt(session.LineItems[0].AmountTotal)

	_, err = p.credits.CreditOnce(ctx, session.AccountID, sessionID, amount)
	switch {
	case errors.Is(err, ledger.ErrAlreadyFulfilled):
		return ResultDuplicate, nil
	case err != nil:
		return "", fmt.Errorf("failed to credit session %s: %w", sessionID, err)
	}
	return ResultCredited, nil
}
