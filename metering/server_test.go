// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/platform/metering/cost"
	"conduit/platform/metering/generation"
	"conduit/platform/metering/ledger"
	"conduit/platform/metering/payments"
	"conduit/platform/shared/logger"
)

var testSecret = []byte("test-jwt-secret")

type stubGenerator struct {
	res       *generation.Result
	err       error
	calls     int
	got       generation.Request
	account   string
	requestID string
}

func (s *stubGenerator) Generate(_ context.Context, accountID, requestID string, req generation.Request) (*generation.Result, error) {
	s.calls++
	s.account, s.requestID, s.got = accountID, requestID, req
	return s.res, s.err
}

type stubAccounts struct {
	mu      sync.Mutex
	opened  map[string]int
	openErr error
	balance decimal.Decimal
	readErr error
	history []ledger.Entry
	limit   int
}

func (s *stubAccounts) OpenAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.opened[accountID]++
	return nil
}

func (s *stubAccounts) BalanceOf(context.Context, string) (decimal.Decimal, error) {
	return s.balance, s.readErr
}

func (s *stubAccounts) History(_ context.Context, _ string, limit int) ([]ledger.Entry, error) {
	s.limit = limit
	return s.history, s.readErr
}

type stubTopUps struct {
	url      string
	err      error
	quantity int64
}

func (s *stubTopUps) Start(_ context.Context, _ string, quantity int64) (string, error) {
	s.quantity = quantity
	return s.url, s.err
}

type stubStatuses struct {
	status  *payments.SessionStatus
	err     error
	session string
}

func (s *stubStatuses) Status(_ context.Context, _, sessionID string) (*payments.SessionStatus, error) {
	s.session = sessionID
	return s.status, s.err
}

type stubWebhooks struct {
	result    payments.Result
	err       error
	payload   []byte
	signature string
}

func (s *stubWebhooks) Process(_ context.Context, payload []byte, signature string) (payments.Result, error) {
	s.payload, s.signature = payload, signature
	return s.result, s.err
}

type fixedLimiter bool

func (f fixedLimiter) Allow(context.Context, string) (bool, error) { return bool(f), nil }

type serverFixture struct {
	server    *Server
	generator *stubGenerator
	accounts  *stubAccounts
	topUps    *stubTopUps
	statuses  *stubStatuses
	webhooks  *stubWebhooks
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		generator: &stubGenerator{},
		accounts:  &stubAccounts{opened: map[string]int{}},
		topUps:    &stubTopUps{url: "https://checkout.example/cs_1"},
		statuses:  &stubStatuses{},
		webhooks:  &stubWebhooks{result: payments.ResultCredited},
	}
	srv, err := NewServer(Dependencies{
		Generator: f.generator,
		Accounts:  f.accounts,
		TopUps:    f.topUps,
		Statuses:  f.statuses,
		Webhooks:  f.webhooks,
		JWTSecret: testSecret,
		Gatherer:  prometheus.NewRegistry(),
		Logger:    logger.NewWithWriter("metering", io.Discard),
	})
	require.NoError(t, err)
	f.server = srv
	return f
}

func token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func (f *serverFixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) authed(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + token(t, jwt.MapClaims{"username": "alice"}),
	})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const validBody = `{"prompt":{"name":"haiku","messages":[{"role":"user","content":"Write a haiku."}]}}`

func TestHealthNeedsNoAuth(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

func TestPrometheusEndpoint(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/prometheus", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthentication(t *testing.T) {
	f := newServerFixture(t)
	hs384, err := jwt.NewWithClaims(jwt.SigningMethodHS384, jwt.MapClaims{"username": "alice"}).SignedString(testSecret)
	require.NoError(t, err)
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"username": "alice"}).SignedString([]byte("other"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"no token", nil, http.StatusUnauthorized},
		{"garbage", map[string]string{"Authorization": "Bearer not-a-jwt"}, http.StatusUnauthorized},
		{"wrong secret", map[string]string{"Authorization": "Bearer " + foreign}, http.StatusUnauthorized},
		{"wrong algorithm", map[string]string{"Authorization": "Bearer " + hs384}, http.StatusUnauthorized},
		{"expired", map[string]string{"Authorization": "Bearer " + token(t, jwt.MapClaims{"username": "alice", "exp": time.Now().Add(-time.Minute).Unix()})}, http.StatusUnauthorized},
		{"no subject", map[string]string{"Authorization": "Bearer " + token(t, jwt.MapClaims{"email": "a@example.com"})}, http.StatusUnauthorized},
		{"bearer username", map[string]string{"Authorization": "Bearer " + token(t, jwt.MapClaims{"username": "alice"})}, http.StatusOK},
		{"bearer sub", map[string]string{"Authorization": "Bearer " + token(t, jwt.MapClaims{"sub": "alice"})}, http.StatusOK},
		{"cookie", map[string]string{"Cookie": "JWT=" + token(t, jwt.MapClaims{"username": "alice"})}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/credits", "", tt.headers)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, "unauthorized", decodeBody(t, rec)["error"])
			}
		})
	}
}

func TestAccountProvisionedOnce(t *testing.T) {
	f := newServerFixture(t)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, f.authed(t, http.MethodGet, "/credits", "").Code)
	}
	assert.Equal(t, 1, f.accounts.opened["alice"])
}

func TestAccountProvisionFailure(t *testing.T) {
	f := newServerFixture(t)
	f.accounts.openErr = errors.New("db down")
	rec := f.authed(t, http.MethodGet, "/credits", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

func TestGenerateSuccess(t *testing.T) {
	f := newServerFixture(t)
	f.generator.res = &generation.Result{
		Content: "Columns of numbers",
		Cost:    decimal.RequireFromString("0.0054"),
		Usage:   cost.Usage{PromptTokens: 57, CompletionTokens: 17},
	}

	rec := f.do(t, http.MethodPost, "/generate/text", validBody, map[string]string{
		"Authorization": "Bearer " + token(t, jwt.MapClaims{"username": "alice"}),
		"X-Request-ID":  "req-7",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "Text generated successfully", body["message"])
	assert.Equal(t, 0.0054, body["cost"])
	prompt := body["prompt"].(map[string]interface{})
	assert.Equal(t, "haiku", prompt["name"])
	msg := prompt["messages"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "assistant", msg["role"])
	assert.Equal(t, "Columns of numbers", msg["content"])

	assert.Equal(t, "alice", f.generator.account)
	assert.Equal(t, "req-7", f.generator.requestID)
	assert.Equal(t, "Write a haiku.", f.generator.got.Prompt.Messages[0].Content)
	assert.False(t, f.generator.got.ScaleOutput)
}

func TestGenerateRejectsMalformedBodies(t *testing.T) {
	f := newServerFixture(t)
	for _, body := range []string{
		`{"prompt":{"name":"p","messages":[]},"temperature":2}`,
		`{"prompt":{"name":"p","messages":[{"role":"user","content":"hi","extra":1}]}}`,
		`not json`,
		validBody + validBody,
	} {
		rec := f.authed(t, http.MethodPost, "/generate/text", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "validation_error", decodeBody(t, rec)["error"])
	}
	assert.Zero(t, f.generator.calls)
}

func TestGenerateErrorMapping(t *testing.T) {
	tests := []struct {
		kind generation.Kind
		want int
	}{
		{generation.KindValidation, http.StatusBadRequest},
		{generation.KindInsufficientCredits, http.StatusPaymentRequired},
		{generation.KindNotFound, http.StatusNotFound},
		{generation.KindProviderRateLimited, http.StatusTooManyRequests},
		{generation.KindProviderAuth, http.StatusBadGateway},
		{generation.KindProviderServer, http.StatusBadGateway},
		{generation.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			f := newServerFixture(t)
			f.generator.err = &generation.Error{Kind: tt.kind, Message: "detail for " + string(tt.kind)}
			rec := f.authed(t, http.MethodPost, "/generate/text", validBody)
			assert.Equal(t, tt.want, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, string(tt.kind), body["error"])
			if tt.kind == generation.KindInternal {
				assert.Equal(t, "internal error", body["message"])
			} else {
				assert.Equal(t, "detail for "+string(tt.kind), body["message"])
			}
		})
	}
}

func TestGenerateRateLimited(t *testing.T) {
	f := newServerFixture(t)
	f.server.deps.Limiter = fixedLimiter(false)
	rec := f.authed(t, http.MethodPost, "/generate/text", validBody)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeBody(t, rec)["error"])
	assert.Zero(t, f.generator.calls)
}

func TestBalance(t *testing.T) {
	f := newServerFixture(t)
	f.accounts.balance = decimal.RequireFromString("12.5")
	rec := f.authed(t, http.MethodGet, "/credits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"balance":12.5}`, rec.Body.String())

	f.accounts.readErr = ledger.ErrAccountNotFound
	assert.Equal(t, http.StatusNotFound, f.authed(t, http.MethodGet, "/credits", "").Code)
	f.accounts.readErr = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, f.authed(t, http.MethodGet, "/credits", "").Code)
}

func TestTopUp(t *testing.T) {
	f := newServerFixture(t)

	rec := f.authed(t, http.MethodPost, "/credits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"url":"https://checkout.example/cs_1"}`, rec.Body.String())
	assert.Equal(t, int64(1), f.topUps.quantity)

	rec = f.authed(t, http.MethodPost, "/credits", `{"quantity":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), f.topUps.quantity)

	assert.Equal(t, http.StatusBadRequest, f.authed(t, http.MethodPost, "/credits", `{"amount":3}`).Code)

	f.topUps.err = payments.ErrInvalidQuantity
	assert.Equal(t, http.StatusBadRequest, f.authed(t, http.MethodPost, "/credits", `{"quantity":0}`).Code)

	f.topUps.err = errors.New("provider down")
	assert.Equal(t, http.StatusInternalServerError, f.authed(t, http.MethodPost, "/credits", "").Code)
}

func TestSessionStatus(t *testing.T) {
	f := newServerFixture(t)
	amount := int64(500)
	f.statuses.status = &payments.SessionStatus{Status: payments.SessionComplete, AddedAmount: &amount}

	rec := f.authed(t, http.MethodGet, "/credits/cs_123", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"complete","addedAmount":500}`, rec.Body.String())
	assert.Equal(t, "cs_123", f.statuses.session)

	f.statuses.status = &payments.SessionStatus{Status: payments.SessionIncomplete}
	rec = f.authed(t, http.MethodGet, "/credits/cs_123", "")
	assert.JSONEq(t, `{"status":"incomplete"}`, rec.Body.String())

	f.statuses.err = payments.ErrSessionOwnership
	assert.Equal(t, http.StatusUnauthorized, f.authed(t, http.MethodGet, "/credits/cs_123", "").Code)

	f.statuses.err = payments.ErrSessionNotFound
	assert.Equal(t, http.StatusNotFound, f.authed(t, http.MethodGet, "/credits/cs_123", "").Code)
}

func TestHistory(t *testing.T) {
	f := newServerFixture(t)
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f.accounts.history = []ledger.Entry{{
		ID:           "e1",
		AccountID:    "alice",
		Kind:         ledger.EntryDebit,
		Amount:       decimal.RequireFromString("0.0054"),
		BalanceAfter: decimal.RequireFromString("9.9946"),
		Reference:    "req-1",
		CreatedAt:    created,
	}}

	rec := f.authed(t, http.MethodGet, "/credits/history?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":[{"id":"e1","kind":"debit","amount":0.0054,"balanceAfter":9.9946,"reference":"req-1","createdAt":"2025-03-01T12:00:00Z"}]}`, rec.Body.String())
	assert.Equal(t, 10, f.accounts.limit)

	assert.Equal(t, http.StatusBadRequest, f.authed(t, http.MethodGet, "/credits/history?limit=x", "").Code)
}

func TestWebhook(t *testing.T) {
	f := newServerFixture(t)
	payload := `{"type":"checkout.session.completed"}`

	rec := f.do(t, http.MethodPost, "/webhooks/payments", payload, map[string]string{payments.SignatureHeader: "t=1,v1=ab"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "credited", decodeBody(t, rec)["result"])
	assert.Equal(t, payload, string(f.webhooks.payload))
	assert.Equal(t, "t=1,v1=ab", f.webhooks.signature)

	for _, err := range []error{
		payments.ErrSignatureInvalid,
		payments.ErrMalformedEvent,
		payments.ErrInvalidSession,
		ledger.ErrAccountNotFound,
	} {
		f.webhooks.err = err
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/webhooks/payments", payload, nil).Code, err.Error())
	}

	f.webhooks.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodPost, "/webhooks/payments", payload, nil).Code)
}

func TestNewServerValidatesDependencies(t *testing.T) {
	_, err := NewServer(Dependencies{})
	assert.Error(t, err)

	f := newServerFixture(t)
	deps := f.server.deps
	deps.JWTSecret = nil
	_, err = NewServer(deps)
	assert.Error(t, err)
}
