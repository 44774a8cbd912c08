// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"time"
)

// RetryingProvider retries server-class failures a bounded number of times
// with linear backoff. Auth and rate-limit errors are returned immediately.
type RetryingProvider struct {
	next     Provider
	attempts int
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps p. maxRetries is the number of extra attempts after the first.
func WithRetry(p Provider, maxRetries int, backoff time.Duration) *RetryingProvider {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryingProvider{next: p, attempts: maxRetries + 1, backoff: backoff, sleep: sleepContext}
}

func (r *RetryingProvider) Name() string { return r.next.Name() }

func (r *RetryingProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		resp, err := r.next.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == r.attempts {
			break
		}
		if err := r.sleep(ctx, time.Duration(attempt)*r.backoff); err != nil {
			break
		}
	}
	return nil, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
