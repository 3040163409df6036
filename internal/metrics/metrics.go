package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchpay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matchpay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	PaymentTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchpay_payment_transitions_total",
			Help: "Payment status transitions applied",
		},
		[]string{"type", "status"},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchpay_webhook_events_total",
			Help: "Gateway webhook events by outcome",
		},
		[]string{"event_type", "outcome"},
	)

	LedgerTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchpay_ledger_transactions_total",
			Help: "Ledger transactions recorded",
		},
		[]string{"type", "currency"},
	)

	WalletTopUpsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matchpay_wallet_topups_total",
			Help: "Total number of wallet top-ups",
		},
	)

	SubscriptionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchpay_subscription_transitions_total",
			Help: "Subscription status changes applied",
		},
		[]string{"status"},
	)

	PayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchpay_payouts_total",
			Help: "Payouts by lifecycle event",
		},
		[]string{"status"},
	)

	SchedulerRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matchpay_payout_scheduler_run_seconds",
			Help:    "Duration of a payout scheduler run",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "matchpay_event_queue_length",
			Help: "Domain events waiting for delivery",
		},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordPaymentTransition(paymentType, status string) {
	PaymentTransitionsTotal.WithLabelValues(paymentType, status).Inc()
}

func RecordWebhookEvent(eventType, outcome string) {
	WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func RecordLedgerTransaction(txType, currency string) {
	LedgerTransactionsTotal.WithLabelValues(txType, currency).Inc()
}

func RecordWalletTopUp() {
	WalletTopUpsTotal.Inc()
}

func RecordSubscriptionTransition(status string) {
	SubscriptionTransitionsTotal.WithLabelValues(status).Inc()
}

func RecordPayout(status string) {
	PayoutsTotal.WithLabelValues(status).Inc()
}

func ObserveSchedulerRun(seconds float64) {
	SchedulerRunDuration.Observe(seconds)
}
