// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package cost holds the pure pricing arithmetic used for admission control
// and post-call billing. Nothing here reads or writes account state.
package cost

import (
	"github.com/shopspring/decimal"

	"conduit/platform/metering/tokens"
)

// Usage is the provider-reported token usage of a completed call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Quote is the preflight estimate for one prompt.
type Quote struct {
	EstimatedTokens     int
	PromptCost          decimal.Decimal
	MaxCompletionTokens int
	MaxCost             decimal.Decimal
}

// FitsBudget reports whether the prompt leaves any completion budget.
func (q Quote) FitsBudget() bool {
	return q.MaxCompletionTokens > 0
}

// Model prices prompts against one PriceTable.
type Model struct {
	prices PriceTable
	est    tokens.Estimator
}

// NewModel validates prices and returns a Model.
func NewModel(prices PriceTable, est tokens.Estimator) (*Model, error) {
	if err := prices.Validate(); err != nil {
		return nil, err
	}
	if est == nil {
		return nil, ErrNilEstimator
	}
	return &Model{prices: prices, est: est}, nil
}

func (m *Model) Prices() PriceTable { return m.prices }

// Estimate returns the estimated token count of text, overhead included.
func (m *Model) Estimate(text string) int {
	return m.est.Estimate(text)
}

// Quote estimates text once and derives every preflight figure from it.
func (m *Model) Quote(text string) Quote {
	estimated := m.est.Estimate(text)
	promptCost := m.tokenCost(estimated, m.prices.InputPerMillion)
	maxCompletion := m.prices.TotalTokenBudget - estimated

	maxCost := promptCost
	if maxCompletion > 0 {
		maxCost = promptCost.Add(m.tokenCost(maxCompletion, m.prices.OutputPerMillion).Ceil())
	}

	return Quote{
		EstimatedTokens:     estimated,
		PromptCost:          promptCost,
		MaxCompletionTokens: maxCompletion,
		MaxCost:             maxCost,
	}
}

// PromptCost is estimate(text) * inputPrice / 1e6.
func (m *Model) PromptCost(text string) decimal.Decimal {
	return m.Quote(text).PromptCost
}

// MaxCompletionTokens is the budget left after the prompt. A value <= 0
// means the prompt alone exceeds the model budget.
func (m *Model) MaxCompletionTokens(text string) int {
	return m.Quote(text).MaxCompletionTokens
}

// MaxCost is the worst case charge: prompt cost plus the full remaining
// budget at the output price, the latter rounded up to a whole unit.
func (m *Model) MaxCost(text string) decimal.Decimal {
	return m.Quote(text).MaxCost
}

// ScaledCompletionLimit returns how many completion tokens balance can pay
// for after the prompt. Negative when balance does not cover the prompt.
func (m *Model) ScaledCompletionLimit(text string, balance decimal.Decimal) int64 {
	return m.ScaledLimit(m.Quote(text), balance)
}

// ScaledLimit is ScaledCompletionLimit for an existing quote.
func (m *Model) ScaledLimit(q Quote, balance decimal.Decimal) int64 {
	remaining := balance.Sub(q.PromptCost).Shift(6)
	return floorDiv(remaining, decimal.NewFromInt(m.prices.OutputPerMillion)).IntPart()
}

// ActualCost bills the provider-reported usage exactly.
func (m *Model) ActualCost(u Usage) decimal.Decimal {
	in := decimal.NewFromInt(int64(u.PromptTokens)).Mul(decimal.NewFromInt(m.prices.InputPerMillion))
	out := decimal.NewFromInt(int64(u.CompletionTokens)).Mul(decimal.NewFromInt(m.prices.OutputPerMillion))
	return in.Add(out).Shift(-6)
}

func (m *Model) tokenCost(n int, perMillion int64) decimal.Decimal {
	return decimal.NewFromInt(int64(n)).Mul(decimal.NewFromInt(perMillion)).Shift(-6)
}

// floorDiv divides rounding toward negative infinity. den must be positive.
func floorDiv(num, den decimal.Decimal) decimal.Decimal {
	q, r := num.QuoRem(den, 0)
	if r.Sign() < 0 {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q
}
