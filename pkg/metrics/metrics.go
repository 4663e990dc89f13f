package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Credit metering
	CreditsDeducted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_credits_deducted_total",
			Help: "Total credits deducted, by model",
		},
		[]string{"model"},
	)

	DailyFreeConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metering_daily_free_consumed_total",
			Help: "Image generations served from the daily free allowance",
		},
	)

	GenerationsDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_generations_denied_total",
			Help: "Generation requests denied by the credit gate, by reason",
		},
		[]string{"reason"},
	)

	// Subscription reconciliation
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Stripe webhook events processed, by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	// Audit logging
	AuditLogFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metering_audit_log_failures_total",
			Help: "Best-effort audit log writes that failed",
		},
	)

	// HTTP
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		},
	)
)

// RecordDeduction updates deduction metrics after a successful charge.
func RecordDeduction(model string, amount int) {
	CreditsDeducted.WithLabelValues(model).Add(float64(amount))
}

// RecordDenial updates denial metrics when the gate rejects a request.
func RecordDenial(reason string) {
	GenerationsDenied.WithLabelValues(reason).Inc()
}

// RecordWebhookEvent updates webhook processing metrics.
func RecordWebhookEvent(eventType, outcome string) {
	WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}
