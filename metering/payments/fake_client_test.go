// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package payments

import (
	"context"
	"sync"
)

type fakeClient struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	getErr    error
	getCalls  int
	created   []CheckoutParams
	createURL string
	createErr error
}

func newFakeClient(sessions ...*Session) *fakeClient {
	c := &fakeClient{sessions: map[string]*Session{}, createURL: "https://checkout.example/pay/cs_new"}
	for _, s := range sessions {
		c.sessions[s.ID] = s
	}
	return c
}

func (c *fakeClient) CreateCheckoutSession(_ context.Context, params CheckoutParams) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return nil, c.createErr
	}
	c.created = append(c.created, params)
	return &Session{ID: "cs_new", Status: StatusOpen, URL: c.createURL, AccountID: params.AccountID}, nil
}

func (c *fakeClient) GetSession(_ context.Context, id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getCalls++
	if c.getErr != nil {
		return nil, c.getErr
	}
	s, ok := c.sessions[id]
	if !ok {
		return nil, &APIError{StatusCode: 404, Type: "invalid_request_error", Code: "resource_missing", Message: "No such checkout.session: " + id}
	}
	copied := *s
	return &copied, nil
}

func completedSession(id, accountID string, amount int64) *Session {
	return &Session{
		ID:            id,
		Status:        StatusComplete,
		PaymentStatus: PaymentPaid,
		AccountID:     accountID,
		LineItems:     []LineItem{{PriceID: "price_credits", Quantity: 1, AmountTotal: amount}},
	}
}
