// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/platform/config"
	"conduit/platform/metering/payments"
	"conduit/platform/metering/tokens"
	"conduit/platform/shared/logger"
)

const e2eWebhookSecret = "whsec_e2e"

func fakeLLM(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-llm", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-3.5-turbo",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Columns of numbers"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 57, "completion_tokens": 17, "total_tokens": 74}
		}`))
	}))
}

func fakePayments(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-pay", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/checkout/sessions":
			_, _ = w.Write([]byte(`{"id":"cs_1","status":"open","url":"https://checkout.example/cs_1","metadata":{"accountId":"alice"}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/checkout/sessions/cs_1":
			_, _ = w.Write([]byte(`{"id":"cs_1","status":"complete","payment_status":"paid","metadata":{"accountId":"alice"},
				"line_items":{"data":[{"quantity":1,"amount_total":500,"price":{"id":"price_credits"}}]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such checkout.session"}}`))
		}
	}))
}

func e2eConfig(llmURL, paymentsURL string) config.Config {
	cfg := config.Default()
	cfg.LLM.APIKey = "sk-llm"
	cfg.LLM.BaseURL = llmURL
	cfg.LLM.Encoding = tokens.HeuristicEncoding
	cfg.LLM.MaxRetries = 0
	cfg.Payments.SecretKey = "sk-pay"
	cfg.Payments.BaseURL = paymentsURL
	cfg.Payments.WebhookSecret = e2eWebhookSecret
	cfg.Payments.PriceID = "price_credits"
	cfg.Auth.JWTSecret = string(testSecret)
	return cfg
}

func TestBuildEndToEnd(t *testing.T) {
	llmServer := fakeLLM(t)
	defer llmServer.Close()
	payServer := fakePayments(t)
	defer payServer.Close()

	registry := prometheus.NewRegistry()
	app, err := Build(context.Background(), e2eConfig(llmServer.URL, payServer.URL), registry, registry,
		logger.NewWithWriter("metering", io.Discard))
	require.NoError(t, err)
	defer app.Close()

	srv := httptest.NewServer(app.Server.Handler())
	defer srv.Close()
	auth := "Bearer " + token(t, jwt.MapClaims{"username": "alice"})

	call := func(method, path, body string, headers map[string]string) (int, string) {
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(raw)
	}
	balance := func() string {
		code, body := call(http.MethodGet, "/credits", "", map[string]string{"Authorization": auth})
		require.Equal(t, http.StatusOK, code, body)
		var out struct {
			Balance json.Number `json:"balance"`
		}
		require.NoError(t, json.Unmarshal([]byte(body), &out))
		return out.Balance.String()
	}

	// New accounts start empty and cannot generate.
	assert.Equal(t, "0", balance())
	code, body := call(http.MethodPost, "/generate/text", validBody, map[string]string{"Authorization": auth})
	assert.Equal(t, http.StatusPaymentRequired, code, body)

	// Top up through checkout and the webhook, delivered twice.
	code, body = call(http.MethodPost, "/credits", `{"quantity":1}`, map[string]string{"Authorization": auth})
	require.Equal(t, http.StatusOK, code, body)
	assert.JSONEq(t, `{"url":"https://checkout.example/cs_1"}`, body)

	event := `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`
	for i := 0; i < 2; i++ {
		sig := payments.SignPayload([]byte(event), e2eWebhookSecret, time.Now())
		code, body = call(http.MethodPost, "/webhooks/payments", event, map[string]string{payments.SignatureHeader: sig})
		require.Equal(t, http.StatusOK, code, body)
	}
	assert.Equal(t, "500", balance())

	code, body = call(http.MethodGet, "/credits/cs_1", "", map[string]string{"Authorization": auth})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"complete","addedAmount":500}`, body)

	// Generate and pay for the reported usage.
	code, body = call(http.MethodPost, "/generate/text", validBody, map[string]string{"Authorization": auth})
	require.Equal(t, http.StatusOK, code, body)
	var gen map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &gen))
	assert.Equal(t, 0.0054, gen["cost"])
	assert.Equal(t, "499.9946", balance())

	code, body = call(http.MethodGet, "/credits/history", "", map[string]string{"Authorization": auth})
	require.Equal(t, http.StatusOK, code)
	var history historyResponse
	require.NoError(t, json.Unmarshal([]byte(body), &history))
	require.Len(t, history.Entries, 2)
	assert.Equal(t, "debit", history.Entries[0].Kind)
	assert.Equal(t, "credit", history.Entries[1].Kind)
	assert.Equal(t, "cs_1", history.Entries[1].Reference)

	code, body = call(http.MethodGet, "/prometheus", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `conduit_generation_requests_total{outcome="success"} 1`)
	assert.Contains(t, body, `conduit_generation_requests_total{outcome="insufficient_credits"} 1`)
}

func TestBuildRejectsUnknownEncoding(t *testing.T) {
	cfg := e2eConfig("http://127.0.0.1:1", "http://127.0.0.1:1")
	cfg.LLM.Encoding = "no_such_encoding"
	_, err := Build(context.Background(), cfg, prometheus.NewRegistry(), prometheus.NewRegistry(),
		logger.NewWithWriter("metering", io.Discard))
	assert.ErrorContains(t, err, "tokenizer")
}

func TestBuildRejectsUnknownProvider(t *testing.T) {
	cfg := e2eConfig("http://127.0.0.1:1", "http://127.0.0.1:1")
	cfg.LLM.Provider = "carrier-pigeon"
	_, err := Build(context.Background(), cfg, prometheus.NewRegistry(), prometheus.NewRegistry(),
		logger.NewWithWriter("metering", io.Discard))
	assert.Error(t, err)
}

func TestPriceTable(t *testing.T) {
	cfg := config.Default()

	table, err := priceTable(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(50), table.InputPerMillion)
	assert.Equal(t, int64(150), table.OutputPerMillion)
	assert.Equal(t, 4096, table.TotalTokenBudget)
	assert.Equal(t, "gpt-3.5-turbo", table.Model)

	cfg.Pricing.Catalog = `{"gpt-3.5-turbo":{"input_per_million":60,"output_per_million":180,"total_token_budget":4096}}`
	table, err = priceTable(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(60), table.InputPerMillion)
	cfg.Pricing.Catalog = ""

	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("custom-model:\n  input_per_million: 10\n  output_per_million: 20\n  total_token_budget: 2048\n"), 0o600))
	cfg.Pricing.File = path
	cfg.LLM.Model = "custom-model"
	table, err = priceTable(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2048, table.TotalTokenBudget)

	cfg.LLM.Model = "unlisted"
	_, err = priceTable(cfg)
	assert.Error(t, err)
}
