package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts gateway requests by endpoint and result.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of payment gateway requests",
		},
		[]string{"endpoint", "result"},
	)

	// RequestDuration tracks gateway request latency including retries.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Payment gateway request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// TokenCacheTotal counts token cache lookups.
	TokenCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_cache_total",
			Help: "Token cache lookups by result",
		},
		[]string{"result"},
	)
)
