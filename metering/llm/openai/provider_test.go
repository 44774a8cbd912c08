// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/platform/metering/llm"
)

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.Error(t, err)

	p, err := NewProvider(Config{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, DefaultBaseURL, p.baseURL)
	assert.Equal(t, DefaultModel, p.model)
}

func TestCompleteSendsFixedRequestShape(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-3.5-turbo-0125",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello there."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 57, "completion_tokens": 17, "total_tokens": 74}
		}`))
	}))
	defer server.Close()

	p, err := NewProvider(Config{APIKey: "sk-test", BaseURL: server.URL})
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: "Say hello"}},
		MaxTokens:   512,
		Temperature: 0.6,
		TopP:        0.9,
		N:           1,
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello there.", resp.Content)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, llm.Usage{PromptTokens: 57, CompletionTokens: 17}, resp.Usage)

	assert.Equal(t, "gpt-3.5-turbo", got["model"])
	assert.Equal(t, float64(512), got["max_tokens"])
	assert.Equal(t, float64(1), got["n"])
	assert.Equal(t, false, got["stream"])
	assert.Equal(t, 0.6, got["temperature"])
	assert.Equal(t, 0.9, got["top_p"])
}

func TestCompleteErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		is     error
	}{
		{
			name:   "invalid key",
			status: http.StatusUnauthorized,
			body:   `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`,
			is:     llm.ErrProviderAuth,
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`,
			is:     llm.ErrProviderRateLimited,
		},
		{
			name:   "server error with html body",
			status: http.StatusBadGateway,
			body:   `<html>bad gateway</html>`,
			is:     llm.ErrProviderServer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p, _ := NewProvider(Config{APIKey: "sk", BaseURL: server.URL})
			_, err := p.Complete(context.Background(), llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "x"}}})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.is), "got %v", err)

			var apiErr *llm.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestCompleteTimeoutIsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	p, _ := NewProvider(Config{APIKey: "sk", BaseURL: server.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Complete(ctx, llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, llm.ErrProviderServer))
	assert.True(t, llm.IsRetryable(err))
}

func TestCompleteNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [], "usage": {"prompt_tokens": 3}}`))
	}))
	defer server.Close()

	p, _ := NewProvider(Config{APIKey: "sk", BaseURL: server.URL})
	_, err := p.Complete(context.Background(), llm.CompletionRequest{})
	assert.True(t, errors.Is(err, llm.ErrProviderServer))
}
