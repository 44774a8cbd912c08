// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package payments

import (
	"context"
	"fmt"

	"conduit/platform/shared/logger"
)

// MaxTopUpQuantity bounds a single checkout.
const MaxTopUpQuantity = 100

// TopUpConfig names the credit product and the checkout return pages.
type TopUpConfig struct {
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// TopUp starts checkout sessions for buying credits.
type TopUp struct {
	client Client
	cfg    TopUpConfig
	log    *logger.Logger
}

func NewTopUp(client Client, cfg TopUpConfig, log *logger.Logger) *TopUp {
	if log == nil {
		log = logger.New("payments")
	}
	return &TopUp{client: client, cfg: cfg, log: log}
}

// Start opens a checkout session for quantity units of the credit price
// and returns the URL to redirect the client to.
func (t *TopUp) Start(ctx context.Context, accountID string, quantity int64) (string, error) {
	if quantity < 1 || quantity > MaxTopUpQuantity {
		return "", fmt.Errorf("%w: %d (allowed 1-%d)", ErrInvalidQuantity, quantity, MaxTopUpQuantity)
	}
	session, err := t.client.CreateCheckoutSession(ctx, CheckoutParams{
		AccountID:  accountID,
		PriceID:    t.cfg.PriceID,
		Quantity:   quantity,
		SuccessURL: t.cfg.SuccessURL,
		CancelURL:  t.cfg.CancelURL,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	if session.URL == "" {
		return "", fmt.Errorf("checkout session %s has no redirect url", session.ID)
	}
	t.log.Info(accountID, session.ID, "checkout session created", map[string]interface{}{"quantity": quantity})
	return session.URL, nil
}
