// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package usage records per-call generation usage for reporting and
// reconciliation against provider invoices. Recording is best effort and
// never affects the billed amount.
package usage

import (
	"context"
	"database/sql"
	"os"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GenerationEvent describes one completed generation call.
type GenerationEvent struct {
	AccountID             string
	RequestID             string
	Provider              string
	Model                 string
	EstimatedPromptTokens int
	PromptTokens          int
	CompletionTokens      int
	CompletionLimit       int
	Scaled                bool
	Cost                  decimal.Decimal
	LatencyMs             int64
}

// TotalTokens is the billed token total.
func (e GenerationEvent) TotalTokens() int {
	return e.PromptTokens + e.CompletionTokens
}

// Recorder writes generation events to the usage_events table.
type Recorder struct {
	db         *sql.DB
	instanceID string
}

// NewRecorder creates a recorder. The instance id is read from INSTANCE_ID.
func NewRecorder(db *sql.DB) *Recorder {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}
	return &Recorder{db: db, instanceID: instanceID}
}

// RecordGeneration inserts one event.
func (r *Recorder) RecordGeneration(ctx context.Context, event GenerationEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_events (
			id, account_id, request_id, event_type, instance_id,
			llm_provider, llm_model, estimated_prompt_tokens, prompt_tokens,
			completion_tokens, total_tokens, completion_limit, scaled,
			cost, latency_ms
		) VALUES ($1, $2, $3, 'generation', $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, uuid.New().String(), event.AccountID, nullString(event.RequestID), r.instanceID,
		event.Provider, event.Model, event.EstimatedPromptTokens, event.PromptTokens,
		event.CompletionTokens, event.TotalTokens(), event.CompletionLimit, event.Scaled,
		event.Cost, event.LatencyMs)
	return err
}

// NopRecorder discards events. It is used when no database is configured.
type NopRecorder struct{}

func (NopRecorder) RecordGeneration(context.Context, GenerationEvent) error { return nil }

// nullString converts an empty string to NULL for database insertion
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
