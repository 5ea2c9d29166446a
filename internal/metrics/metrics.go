// Package metrics exposes the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradementor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradementor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	SessionsOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradementor_sessions_opened_total",
			Help: "Total number of chat sessions opened",
		},
		[]string{"type"},
	)

	SessionsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradementor_sessions_expired_total",
			Help: "Total number of chat sessions expired by the monitor",
		},
	)

	SubscriptionsPurchasedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradementor_subscriptions_purchased_total",
			Help: "Total number of subscriptions purchased",
		},
		[]string{"package"},
	)

	WalletDebitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradementor_wallet_debits_total",
			Help: "Total number of wallet debits",
		},
		[]string{"purpose"},
	)

	WalletRechargesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradementor_wallet_recharges_total",
			Help: "Total number of wallet recharges",
		},
	)

	InsufficientFundsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradementor_insufficient_funds_total",
			Help: "Total number of debits rejected for insufficient funds",
		},
	)

	MessagesPostedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradementor_messages_posted_total",
			Help: "Total number of session messages posted",
		},
	)
)

func RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

func RecordSessionOpened(sessionType string) {
	SessionsOpenedTotal.WithLabelValues(sessionType).Inc()
}

func RecordSessionsExpired(count int) {
	SessionsExpiredTotal.Add(float64(count))
}

func RecordSubscriptionPurchased(packageType string) {
	SubscriptionsPurchasedTotal.WithLabelValues(packageType).Inc()
}

func RecordDebit(purpose string) {
	WalletDebitsTotal.WithLabelValues(purpose).Inc()
}

func RecordRecharge() {
	WalletRechargesTotal.Inc()
}

func RecordInsufficientFunds() {
	InsufficientFundsTotal.Inc()
}

func RecordMessagePosted() {
	MessagesPostedTotal.Inc()
}
