package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the delivery core's instruments. Everything registers on
// the registry handed to New, so tests and the ops endpoint each own their
// own registry.
type Metrics struct {
	OutboxClaimed      prometheus.Counter
	OutboxPublished    *prometheus.CounterVec
	OutboxPoisoned     prometheus.Counter
	OutboxCleanedUp    prometheus.Counter
	DelayedEnqueued    prometheus.Counter
	DelayedClaimed     prometheus.Counter
	DelayedConfirmed   prometheus.Counter
	DelayedClaimsLost  prometheus.Counter
	DelayedRescheduled prometheus.Counter
	DelayedDeadLetters prometheus.Counter
	DelayedQueueDepth  prometheus.Gauge
	Delivered          *prometheus.CounterVec
	DeliveryFailed     *prometheus.CounterVec
	DeliveryRetried    *prometheus.CounterVec
	DuplicatesSkipped  *prometheus.CounterVec
	RateLimitDenied    *prometheus.CounterVec
	ProviderLatency    *prometheus.HistogramVec
	WebhookDelivered   prometheus.Counter
	WebhookFailed      prometheus.Counter
	StatusApplied      *prometheus.CounterVec
	RecoveryAlerts     *prometheus.CounterVec
	RecoveryReconciled *prometheus.CounterVec
}

// New creates the instruments and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OutboxClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_entries_claimed_total",
			Help: "Outbox entries claimed by this worker",
		}),
		OutboxPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_entries_published_total",
			Help: "Outbox entries published to the bus",
		}, []string{"topic"}),
		OutboxPoisoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_entries_poisoned_total",
			Help: "Outbox entries dropped because their payload failed validation",
		}),
		OutboxCleanedUp: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_entries_cleaned_up_total",
			Help: "Published outbox entries deleted past retention",
		}),
		DelayedEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "delayed_events_enqueued_total",
			Help: "Events added to the delayed queue",
		}),
		DelayedClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "delayed_events_claimed_total",
			Help: "Due delayed events claimed by this worker",
		}),
		DelayedConfirmed: factory.NewCounter(prometheus.CounterOpts{
			Name: "delayed_events_confirmed_total",
			Help: "Delayed events published and removed from the queue",
		}),
		DelayedClaimsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "delayed_claims_lost_total",
			Help: "Delayed event confirms that found the claim expired or reassigned",
		}),
		DelayedRescheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "delayed_events_rescheduled_total",
			Help: "Delayed events pushed back with backoff after a publish failure",
		}),
		DelayedDeadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "delayed_events_dead_lettered_total",
			Help: "Delayed events failed terminally after exhausting poller retries",
		}),
		DelayedQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "delayed_queue_depth",
			Help: "Current number of events in the delayed queue",
		}),
		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Notifications delivered successfully",
		}, []string{"channel"}),
		DeliveryFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Notifications failed terminally",
		}, []string{"channel", "reason"}),
		DeliveryRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_retried_total",
			Help: "Notification sends re-enqueued with backoff",
		}, []string{"channel"}),
		DuplicatesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duplicate_deliveries_skipped_total",
			Help: "Bus redeliveries suppressed by the idempotency registry",
		}, []string{"channel"}),
		RateLimitDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_denials_total",
			Help: "Token consumptions denied by the per-channel rate limiter",
		}, []string{"channel"}),
		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provider_send_duration_seconds",
			Help:    "Wall-clock time of provider send calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"channel"}),
		WebhookDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "webhooks_delivered_total",
			Help: "Status webhooks acknowledged by the client endpoint",
		}),
		WebhookFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "webhooks_failed_total",
			Help: "Status webhooks dropped after exhausting retries or a 4xx",
		}),
		StatusApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "status_events_applied_total",
			Help: "Terminal status events applied to the store",
		}, []string{"status"}),
		RecoveryAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recovery_alerts_raised_total",
			Help: "Alerts upserted by the recovery cron",
		}, []string{"alert_type"}),
		RecoveryReconciled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recovery_reconciled_total",
			Help: "Stuck notifications auto-reconciled from the idempotency record",
		}, []string{"outcome"}),
	}
}
