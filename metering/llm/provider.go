// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package llm defines the contract the metering gateway needs from a text
// generation provider, and the error taxonomy providers report through.
package llm

import (
	"context"
	"time"
)

// Message roles accepted by the providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is a single non-streaming chat completion.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	TopP        float64
	// N is the number of candidates requested. The gateway always asks for one.
	N int
}

// Usage is the provider's authoritative token accounting for a call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

func (u Usage) TotalTokens() int { return u.PromptTokens + u.CompletionTokens }

// CompletionResponse is the result of a successful call.
type CompletionResponse struct {
	Content    string
	Model      string
	StopReason string
	Usage      Usage
	Latency    time.Duration
}

// Provider is implemented by every generation backend.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name identifies the provider in logs, metrics and usage records.
	Name() string

	// Complete runs one completion. Failures are reported as *APIError so
	// callers can tell auth, rate limit and server failures apart.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// IsValidRole reports whether role is one of the chat roles.
func IsValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}
