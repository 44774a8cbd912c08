// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PriceTable prices one model. Prices are ledger units (cents) per one
// million tokens; TotalTokenBudget is the model's prompt+completion ceiling.
type PriceTable struct {
	Model            string `json:"model" yaml:"model"`
	InputPerMillion  int64  `json:"input_per_million" yaml:"input_per_million"`
	OutputPerMillion int64  `json:"output_per_million" yaml:"output_per_million"`
	TotalTokenBudget int    `json:"total_token_budget" yaml:"total_token_budget"`
}

// Validate checks that the table can be used for cost arithmetic.
func (p PriceTable) Validate() error {
	if p.InputPerMillion <= 0 || p.OutputPerMillion <= 0 {
		return fmt.Errorf("%w: prices must be positive (input=%d, output=%d)",
			ErrInvalidPriceTable, p.InputPerMillion, p.OutputPerMillion)
	}
	if p.TotalTokenBudget <= 0 {
		return fmt.Errorf("%w: total token budget must be positive", ErrInvalidPriceTable)
	}
	return nil
}

// defaultPriceTables lists list prices for the models the gateway is
// deployed against, in cents per million tokens.
var defaultPriceTables = map[string]PriceTable{
	"gpt-3.5-turbo":                 {Model: "gpt-3.5-turbo", InputPerMillion: 50, OutputPerMillion: 150, TotalTokenBudget: 4096},
	"gpt-3.5-turbo-0125":            {Model: "gpt-3.5-turbo-0125", InputPerMillion: 50, OutputPerMillion: 150, TotalTokenBudget: 4096},
	"gpt-4":                         {Model: "gpt-4", InputPerMillion: 3000, OutputPerMillion: 6000, TotalTokenBudget: 8192},
	"meta.llama2-13b-chat-v1":       {Model: "meta.llama2-13b-chat-v1", InputPerMillion: 75, OutputPerMillion: 100, TotalTokenBudget: 4096},
	"meta.llama3-8b-instruct-v1:0":  {Model: "meta.llama3-8b-instruct-v1:0", InputPerMillion: 30, OutputPerMillion: 60, TotalTokenBudget: 8192},
	"meta.llama3-70b-instruct-v1:0": {Model: "meta.llama3-70b-instruct-v1:0", InputPerMillion: 265, OutputPerMillion: 350, TotalTokenBudget: 8192},
}

// PriceTables is a set of price tables keyed by model id.
type PriceTables map[string]PriceTable

// DefaultTables returns a copy of the built-in list prices.
func DefaultTables() PriceTables {
	out := make(PriceTables, len(defaultPriceTables))
	for k, v := range defaultPriceTables {
		out[k] = v
	}
	return out
}

// Lookup returns the table for model. Model ids are matched case-insensitively.
func (t PriceTables) Lookup(model string) (PriceTable, error) {
	if p, ok := t[model]; ok {
		return p, nil
	}
	for k, p := range t {
		if strings.EqualFold(k, model) {
			return p, nil
		}
	}
	return PriceTable{}, fmt.Errorf("%w: %s", ErrUnknownModel, model)
}

func (t PriceTables) merge(custom PriceTables) {
	for model, p := range custom {
		if p.Model == "" {
			p.Model = model
		}
		t[model] = p
	}
}

// ParsePriceTables merges a JSON catalog (the CONDUIT_PRICING_CONFIG
// format) over the defaults. Malformed JSON is reported, not ignored.
func ParsePriceTables(data []byte) (PriceTables, error) {
	tables := DefaultTables()
	if len(strings.TrimSpace(string(data))) == 0 {
		return tables, nil
	}

	var custom PriceTables
	if err := json.Unmarshal(data, &custom); err != nil {
		return nil, fmt.Errorf("failed to parse pricing catalog: %w", err)
	}
	tables.merge(custom)
	return tables, nil
}

// LoadPriceTablesFromFile merges a JSON or YAML file over the defaults.
func LoadPriceTablesFromFile(path string) (PriceTables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file %s: %w", path, err)
	}

	var custom PriceTables
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, &custom)
	} else {
		err = yaml.Unmarshal(data, &custom)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse pricing file %s: %w", path, err)
	}

	tables := DefaultTables()
	tables.merge(custom)
	return tables, nil
}
