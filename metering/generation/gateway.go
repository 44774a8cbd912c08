// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package generation implements admission control around a paid text
// generation call: preflight pricing against the account balance, output
// scaling when the balance is tight, the provider call itself, and billing
// of the provider-reported usage afterwards.
package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"conduit/platform/common/usage"
	"conduit/platform/metering/cost"
	"conduit/platform/metering/ledger"
	"conduit/platform/metering/llm"
	"conduit/platform/shared/logger"
)

// Ledger is the part of the credit ledger the gateway needs.
type Ledger interface {
	BalanceOf(ctx context.Context, accountID string) (decimal.Decimal, error)
	Debit(ctx context.Context, accountID string, amount decimal.Decimal, reference string) (*ledger.Entry, error)
}

// UsageRecorder receives one event per billed call.
type UsageRecorder interface {
	RecordGeneration(ctx context.Context, event usage.GenerationEvent) error
}

// Options holds the fixed call policy. Sampling is never user supplied.
type Options struct {
	Model       string
	Temperature float64
	TopP        float64
	CallTimeout time.Duration
}

// Prompt is the client-supplied conversation. The first message's content
// is what preflight pricing estimates.
type Prompt struct {
	Name     string        `json:"name"`
	Messages []llm.Message `json:"messages"`
}

// Request is the body of a generation request.
type Request struct {
	Prompt      *Prompt `json:"prompt"`
	ScaleOutput bool    `json:"scaleOutput,omitempty"`
}

// Result describes a billed generation.
type Result struct {
	Content         string
	Model           string
	Cost            decimal.Decimal
	Usage           cost.Usage
	EstimatedTokens int
	CompletionLimit int
	Scaled          bool
	BalanceAfter    decimal.Decimal
}

// Gateway runs the per-request state machine. It holds no per-account
// state; the ledger serializes balance mutations.
type Gateway struct {
	model    *cost.Model
	ledger   Ledger
	provider llm.Provider
	recorder UsageRecorder
	metrics  *Metrics
	opts     Options
	log      *logger.Logger
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithUsageRecorder records a usage event after every debit.
func WithUsageRecorder(r UsageRecorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithMetrics sets the collectors the gateway reports to.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger replaces the default "generation" logger.
func WithLogger(l *logger.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// NewGateway wires a gateway. Model, ledger and provider are required.
func NewGateway(model *cost.Model, l Ledger, provider llm.Provider, opts Options, options ...Option) (*Gateway, error) {
	if model == nil || l == nil || provider == nil {
		return nil, errors.New("generation gateway requires a cost model, a ledger and a provider")
	}
	if opts.Model == "" {
		opts.Model = model.Prices().Model
	}
	g := &Gateway{
		model:    model,
		ledger:   l,
		provider: provider,
		opts:     opts,
	}
	for _, o := range options {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(nil)
	}
	if g.log == nil {
		g.log = logger.New("generation")
	}
	return g, nil
}

// Generate admits, calls, and bills one request. Any returned error is a
// *Error. No debit happens unless the provider call succeeded.
func (g *Gateway) Generate(ctx context.Context, accountID, requestID string, req Request) (*Result, error) {
	start := time.Now()
	res, err := g.generate(ctx, accountID, requestID, req)
	g.metrics.observe(res, err, time.Since(start))
	return res, err
}

func (g *Gateway) generate(ctx context.Context, accountID, requestID string, req Request) (*Result, error) {
	balance, err := g.ledger.BalanceOf(ctx, accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, newError(KindNotFound, "account not found", err)
		}
		return nil, newError(KindInternal, "failed to read balance", err)
	}
	if balance.Sign() <= 0 {
		return nil, newError(KindInsufficientCredits, "Insufficient credits. Please top up your balance.", nil)
	}

	if err := validate(req); err != nil {
		return nil, err
	}

	quote := g.model.Quote(req.Prompt.Messages[0].Content)
	budget := g.model.Prices().TotalTokenBudget
	if !quote.FitsBudget() {
		return nil, newError(KindValidation,
			fmt.Sprintf("prompt is too long: estimated %d tokens, model limit is %d", quote.EstimatedTokens, budget), nil)
	}
	if quote.PromptCost.GreaterThan(balance) {
		return nil, newError(KindInsufficientCredits,
			fmt.Sprintf("Insufficient credits to cover the prompt (cost %s, balance %s).", quote.PromptCost, balance), nil)
	}

	limit := quote.MaxCompletionTokens
	scaled := false
	if quote.MaxCost.GreaterThan(balance) {
		if !req.ScaleOutput {
			return nil, newError(KindInsufficientCredits,
				fmt.Sprintf("Insufficient credits for a full-length response (up to %s, balance %s). "+
					"Set scaleOutput to true to shorten the response to what your balance covers.", quote.MaxCost, balance), nil)
		}
		affordable := g.model.ScaledLimit(quote, balance)
		if affordable <= 0 {
			return nil, newError(KindInsufficientCredits, "Insufficient credits for any response tokens after the prompt.", nil)
		}
		if affordable < int64(limit) {
			limit = int(affordable)
		}
		scaled = true
	}

	// The client may go away from here on; the call and its debit still run.
	if err := ctx.Err(); err != nil {
		return nil, newError(KindInternal, "request cancelled before dispatch", err)
	}
	detached := context.WithoutCancel(ctx)

	resp, err := g.call(detached, req.Prompt.Messages, limit)
	if err != nil {
		gerr := fromProvider(err)
		g.log.ErrorWithCode(accountID, requestID, "generation call failed", string(gerr.Kind), err, map[string]interface{}{
			"provider":         g.provider.Name(),
			"completion_limit": limit,
		})
		return nil, gerr
	}

	used := cost.Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens}
	charge := g.model.ActualCost(used)
	entry, err := g.ledger.Debit(detached, accountID, charge, requestID)
	if err != nil {
		g.log.ErrorWithCode(accountID, requestID, "completed call could not be billed", "BILLING_FAILED", err, map[string]interface{}{
			"amount":            charge.String(),
			"prompt_tokens":     used.PromptTokens,
			"completion_tokens": used.CompletionTokens,
		})
		return nil, newError(KindInternal, "failed to bill the generation", err)
	}

	res := &Result{
		Content:         resp.Content,
		Model:           resp.Model,
		Cost:            charge,
		Usage:           used,
		EstimatedTokens: quote.EstimatedTokens,
		CompletionLimit: limit,
		Scaled:          scaled,
		BalanceAfter:    entry.BalanceAfter,
	}
	g.record(detached, accountID, requestID, res, resp.Latency)

	g.log.Info(accountID, requestID, "generation billed", map[string]interface{}{
		"cost":              charge.String(),
		"balance_after":     entry.BalanceAfter.String(),
		"estimated_tokens":  quote.EstimatedTokens,
		"prompt_tokens":     used.PromptTokens,
		"completion_tokens": used.CompletionTokens,
		"scaled":            scaled,
	})
	return res, nil
}

func (g *Gateway) call(ctx context.Context, messages []llm.Message, limit int) (*llm.CompletionResponse, error) {
	if g.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.CallTimeout)
		defer cancel()
	}
	return g.provider.Complete(ctx, llm.CompletionRequest{
		Model:       g.opts.Model,
		Messages:    messages,
		MaxTokens:   limit,
		Temperature: g.opts.Temperature,
		TopP:        g.opts.TopP,
		N:           1,
	})
}

func (g *Gateway) record(ctx context.Context, accountID, requestID string, res *Result, latency time.Duration) {
	if g.recorder == nil {
		return
	}
	model := res.Model
	if model == "" {
		model = g.opts.Model
	}
	err := g.recorder.RecordGeneration(ctx, usage.GenerationEvent{
		AccountID:             accountID,
		RequestID:             requestID,
		Provider:              g.provider.Name(),
		Model:                 model,
		EstimatedPromptTokens: res.EstimatedTokens,
		PromptTokens:          res.Usage.PromptTokens,
		CompletionTokens:      res.Usage.CompletionTokens,
		CompletionLimit:       res.CompletionLimit,
		Scaled:                res.Scaled,
		Cost:                  res.Cost,
		LatencyMs:             latency.Milliseconds(),
	})
	if err != nil {
		g.log.WarnWithCode(accountID, requestID, "failed to record usage event", "USAGE_RECORD_FAILED", err, nil)
	}
}

func validate(req Request) error {
	if req.Prompt == nil {
		return newError(KindValidation, "prompt is required", nil)
	}
	if req.Prompt.Name == "" {
		return newError(KindValidation, "prompt name is required", nil)
	}
	if len(req.Prompt.Messages) == 0 {
		return newError(KindValidation, "prompt must contain at least one message", nil)
	}
	for i, m := range req.Prompt.Messages {
		if !llm.IsValidRole(m.Role) {
			return newError(KindValidation, fmt.Sprintf("message %d has an invalid role %q", i, m.Role), nil)
		}
		if m.Content == "" {
			return newError(KindValidation, fmt.Sprintf("message %d has no content", i), nil)
		}
	}
	return nil
}
