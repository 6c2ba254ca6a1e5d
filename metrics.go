package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes of a /get request.
const (
	outcomeOK            = "ok"
	outcomeEmptyMessage  = "empty_message"
	outcomeMisconfigured = "misconfigured"
	outcomeRateLimited   = "rate_limited"
	outcomeTokenBudget   = "token_budget"
	outcomeUpstreamError = "upstream_error"
)

var (
	// chatRequestsTotal counts /get requests by outcome.
	chatRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "chat",
		Name:      "requests_total",
		Help:      "Total chat requests by outcome",
	}, []string{"outcome"})

	// rateLimitDenialsTotal counts limiter denials by reason (cooldown, ip_daily, global_daily).
	rateLimitDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "ratelimit",
		Name:      "denials_total",
		Help:      "Total requests denied by the rate limiter by reason",
	}, []string{"reason"})

	upstreamLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chatrelay",
		Subsystem: "upstream",
		Name:      "latency_seconds",
		Help:      "Latency of completion calls",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	upstreamTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "upstream",
		Name:      "tokens_total",
		Help:      "Total tokens reported by the completion API",
	})

	conversationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatrelay",
		Subsystem: "conversation",
		Name:      "active",
		Help:      "Conversations currently held in memory",
	})
)

func recordOutcome(outcome string) {
	chatRequestsTotal.WithLabelValues(outcome).Inc()
}
