// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.stripe.com"
	DefaultTimeout = 30 * time.Second

	// MetadataAccountID is the session metadata key naming the account to credit.
	MetadataAccountID = "accountId"

	StatusComplete = "complete"
	StatusOpen     = "open"
	StatusExpired  = "expired"

	PaymentPaid        = "paid"
	PaymentUnpaid      = "unpaid"
	PaymentNotRequired = "no_payment_required"
)

// LineItem is one purchased line of a checkout session. AmountTotal is in
// ledger units.
type LineItem struct {
	PriceID     string
	Quantity    int64
	AmountTotal int64
}

// Session is the subset of a checkout session the metering core reads.
type Session struct {
	ID            string
	Status        string
	PaymentStatus string
	URL           string
	AccountID     string
	LineItems     []LineItem
}

// Complete reports whether checkout finished and the payment settled.
// Delayed payment methods finish checkout while still unpaid.
func (s *Session) Complete() bool {
	if s.Status != StatusComplete {
		return false
	}
	return s.PaymentStatus == PaymentPaid || s.PaymentStatus == PaymentNotRequired
}

// CheckoutParams describes a new checkout session.
type CheckoutParams struct {
	AccountID  string
	PriceID    string
	Quantity   int64
	SuccessURL string
	CancelURL  string
}

// Client is the payment provider contract.
type Client interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
}

// HTTPDoer is an interface for HTTP client operations (enables testing)
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RESTConfig configures a RESTClient.
type RESTConfig struct {
	SecretKey string        // Required
	BaseURL   string        // Optional: default https://api.stripe.com
	Timeout   time.Duration // Optional: HTTP client timeout
	HTTP      HTTPDoer      // Optional: overrides the default http.Client
}

// RESTClient talks to a Stripe-compatible checkout API using form-encoded
// requests and bearer authentication.
type RESTClient struct {
	secretKey string
	baseURL   string
	http      HTTPDoer
}

func NewRESTClient(cfg RESTConfig) (*RESTClient, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("payments secret key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	doer := cfg.HTTP
	if doer == nil {
		doer = &http.Client{Timeout: cfg.Timeout}
	}
	return &RESTClient{
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		http:      doer,
	}, nil
}

// CreateCheckoutSession creates a one-off payment session for the price.
func (c *RESTClient) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*Session, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("line_items[0][price]", params.PriceID)
	form.Set("line_items[0][quantity]", strconv.FormatInt(params.Quantity, 10))
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("client_reference_id", params.AccountID)
	form.Set("metadata["+MetadataAccountID+"]", params.AccountID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

// GetSession fetches a session with its line items expanded.
func (c *RESTClient) GetSession(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	query := url.Values{}
	query.Add("expand[]", "line_items")
	endpoint := c.baseURL + "/v1/checkout/sessions/" + url.PathEscape(id) + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req)
}

func (c *RESTClient) do(req *http.Request) (*Session, error) {
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payments request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read payments response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, body)
	}

	var raw sessionResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode payments response: %w", err)
	}
	return raw.toSession(), nil
}

func parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return &APIError{StatusCode: statusCode, Type: "unknown", Message: string(body)}
	}
	return &APIError{
		StatusCode: statusCode,
		Type:       errResp.Error.Type,
		Code:       errResp.Error.Code,
		Message:    errResp.Error.Message,
	}
}

type sessionResponse struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	URL               string            `json:"url"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	LineItems         *struct {
		Data []struct {
			Quantity    int64 `json:"quantity"`
			AmountTotal int64 `json:"amount_total"`
			Price       *struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"line_items"`
}

func (r sessionResponse) toSession() *Session {
	s := &Session{
		ID:            r.ID,
		Status:        r.Status,
		PaymentStatus: r.PaymentStatus,
		URL:           r.URL,
		AccountID:     r.Metadata[MetadataAccountID],
	}
	if r.LineItems != nil {
		for _, item := range r.LineItems.Data {
			li := LineItem{Quantity: item.Quantity, AmountTotal: item.AmountTotal}
			if item.Price != nil {
				li.PriceID = item.Price.ID
			}
			s.LineItems = append(s.LineItems, li)
		}
	}
	return s
}
