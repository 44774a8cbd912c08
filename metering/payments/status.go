// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package payments

import (
	"context"
	"fmt"
)

const (
	SessionComplete   = "complete"
	SessionIncomplete = "incomplete"
)

// SessionStatus is what a polling client sees. AddedAmount is set only
// for complete sessions.
type SessionStatus struct {
	Status      string `json:"status"`
	AddedAmount *int64 `json:"addedAmount,omitempty"`
}

// StatusChecker answers session polls. It never touches the ledger.
type StatusChecker struct {
	client Client
}

func NewStatusChecker(client Client) *StatusChecker {
	return &StatusChecker{client: client}
}

// Status returns ErrSessionNotFound when the provider lookup fails and
// ErrSessionOwnership when the session was opened by another account.
func (c *StatusChecker) Status(ctx context.Context, accountID, sessionID string) (*SessionStatus, error) {
	session, err := c.client.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionNotFound, err)
	}
	if session.AccountID != accountID {
		return nil, ErrSessionOwnership
	}
	if !session.Complete() {
		return &SessionStatus{Status: SessionIncomplete}, nil
	}
	st := &SessionStatus{Status: SessionComplete}
	if len(session.LineItems) > 0 {
		amount := session.LineItems[0].AmountTotal
		st.AddedAmount = &amount
	}
	return st, nil
}
