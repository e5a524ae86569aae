// Package metrics holds the Prometheus collectors shared across the agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "couponfinder"

var (
	// CacheRequests counts fetch cache lookups by cache name and outcome
	// (hit, miss, shared).
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Fetch cache lookups by outcome.",
	}, []string{"cache", "outcome"})

	// Reveals counts reveal attempts by outcome.
	Reveals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reveals_total",
		Help:      "Coupon reveal attempts by outcome.",
	}, []string{"outcome"})

	// DailyRevealCount mirrors the session's reveal counter.
	DailyRevealCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "daily_reveal_count",
		Help:      "Codes revealed in the current 24h window.",
	})

	// UpstreamRequests counts backend calls by operation and result class.
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Backend API calls by operation and result.",
	}, []string{"operation", "result"})

	// HTTPDuration observes local API latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Local API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
