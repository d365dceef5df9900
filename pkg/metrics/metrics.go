// Package metrics registers the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransfersTotal counts finished P2P transfers by terminal status.
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardpay_transfers_total",
		Help: "Number of P2P transfers by terminal status",
	}, []string{"status"})

	// TransferDuration observes end-to-end transfer execution time.
	TransferDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cardpay_transfer_duration_seconds",
		Help:    "P2P transfer execution time",
		Buckets: prometheus.DefBuckets,
	})

	// IdempotencyResults counts gate outcomes (new, processing, completed).
	IdempotencyResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardpay_idempotency_results_total",
		Help: "Idempotency gate outcomes by state",
	}, []string{"state"})

	// ExchangeRateRequests counts rate lookups against the CBU feed.
	ExchangeRateRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardpay_exchange_rate_requests_total",
		Help: "Exchange rate lookups by result",
	}, []string{"result"})
)
