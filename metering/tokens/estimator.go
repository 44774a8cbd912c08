// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package tokens estimates prompt token counts ahead of a generation call.
package tokens

import (
	"fmt"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// RequestOverhead is the number of hidden boilerplate tokens the provider
// bills on every chat request. It is added once per request, never per
// message.
const RequestOverhead = 7

// DefaultEncoding is the BPE used by the gpt-3.5/gpt-4 chat models.
const DefaultEncoding = "cl100k_base"

// Estimator counts tokens for the target model's tokenizer.
type Estimator interface {
	// Count returns the raw token count of text.
	Count(text string) int
	// Estimate returns Count(text) plus RequestOverhead.
	Estimate(text string) int
}

// encoder is satisfied by *tiktoken.Tiktoken.
type encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
}

// TiktokenEstimator counts tokens with a tiktoken BPE encoding.
type TiktokenEstimator struct {
	name string
	enc  encoder
	mu   sync.Mutex
}

var loaderOnce sync.Once

// useEmbeddedRanks points tiktoken at rank files compiled into the binary,
// so loading an encoding never touches the network.
func useEmbeddedRanks() {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
}

// NewTiktokenEstimator loads the named encoding from the embedded rank data.
func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	useEmbeddedRanks()
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %s: %w", encoding, err)
	}
	return &TiktokenEstimator{name: encoding, enc: enc}, nil
}

// Encoding reports the encoding the estimator was built for.
func (e *TiktokenEstimator) Encoding() string { return e.name }

func (e *TiktokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	// Tiktoken caches internally and is not documented as goroutine safe.
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.enc.Encode(text, nil, nil))
}

func (e *TiktokenEstimator) Estimate(text string) int {
	return e.Count(text) + RequestOverhead
}

// HeuristicEstimator approximates English text at four bytes per token,
// rounding up. It needs no rank data.
type HeuristicEstimator struct{}

func (HeuristicEstimator) Count(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

func (h HeuristicEstimator) Estimate(text string) int {
	return h.Count(text) + RequestOverhead
}

// HeuristicEncoding selects HeuristicEstimator without touching tiktoken.
const HeuristicEncoding = "heuristic"

// New returns the estimator for encoding. The heuristic is only used when
// asked for by name; an encoding that cannot be loaded is an error.
func New(encoding string) (Estimator, error) {
	if encoding == HeuristicEncoding {
		return HeuristicEstimator{}, nil
	}
	est, err := NewTiktokenEstimator(encoding)
	if err != nil {
		return nil, err
	}
	return est, nil
}
