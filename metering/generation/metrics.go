// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package generation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const outcomeSuccess = "success"

// Metrics are the gateway's Prometheus collectors.
type Metrics struct {
	requests *prometheus.CounterVec
	cost     prometheus.Counter
	duration prometheus.Histogram
	tokens   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_generation_requests_total",
				Help: "Generation requests by outcome",
			},
			[]string{"outcome"},
		),
		cost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conduit_generation_cost_total",
				Help: "Credits debited for completed generations",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conduit_generation_duration_seconds",
				Help:    "End to end generation request duration",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60},
			},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_generation_tokens_total",
				Help: "Billed tokens by type",
			},
			[]string{"type"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.cost, m.duration, m.tokens)
	}
	return m
}

func (m *Metrics) observe(res *Result, err error, elapsed time.Duration) {
	m.duration.Observe(elapsed.Seconds())
	if err != nil {
		m.requests.WithLabelValues(string(KindOf(err))).Inc()
		return
	}
	m.requests.WithLabelValues(outcomeSuccess).Inc()
	m.cost.Add(res.Cost.InexactFloat64())
	m.tokens.WithLabelValues("prompt").Add(float64(res.Usage.PromptTokens))
	m.tokens.WithLabelValues("completion").Add(float64(res.Usage.CompletionTokens))
}
