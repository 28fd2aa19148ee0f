package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Payment processor metrics
	PaymentsSubmitted *prometheus.CounterVec
	PaymentsTerminal  *prometheus.CounterVec
	BatchesClaimed    prometheus.Counter
	BatchesTerminal   *prometheus.CounterVec
	TickDuration      *prometheus.HistogramVec
	ProviderErrors    *prometheus.CounterVec

	// Outbox metrics
	OutboxEnqueued    *prometheus.CounterVec
	OutboxPublished   *prometheus.CounterVec
	OutboxRetried     prometheus.Counter
	OutboxDeadLetters prometheus.Counter
	OutboxLeaseLost   prometheus.Counter

	// Sweeper metrics
	PaymentsReset prometheus.Counter
	BatchesSwept  prometheus.Counter
	BatchesFailed prometheus.Counter
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		PaymentsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_submitted_total",
				Help:      "Payments claimed and submitted to the provider",
			},
			[]string{"provider"},
		),
		PaymentsTerminal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_terminal_total",
				Help:      "Payments reaching a terminal state",
			},
			[]string{"status"},
		),
		BatchesClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_claimed_total",
				Help:      "Batches claimed for processing",
			},
		),
		BatchesTerminal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_terminal_total",
				Help:      "Batches reaching a terminal status",
			},
			[]string{"status"},
		),
		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Duration of one tick per loop",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"loop"},
		),
		ProviderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Failed provider submission calls",
			},
			[]string{"provider"},
		),
		OutboxEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_enqueued_total",
				Help:      "Outbox events enqueued, by topic and dedup outcome",
			},
			[]string{"topic", "outcome"},
		),
		OutboxPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_published_total",
				Help:      "Outbox events delivered to the broker",
			},
			[]string{"topic"},
		),
		OutboxRetried: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_retried_total",
				Help:      "Outbox delivery failures returned to pending",
			},
		),
		OutboxDeadLetters: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_dead_letters_total",
				Help:      "Outbox events copied to the dead-letter stream",
			},
		),
		OutboxLeaseLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_lease_lost_total",
				Help:      "Claims abandoned because the lease expired mid-delivery",
			},
		),
		PaymentsReset: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_reset_total",
				Help:      "Failed payments reset to created by the sweeper",
			},
		),
		BatchesSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_swept_total",
				Help:      "Stuck batches visited by the sweeper",
			},
		),
		BatchesFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_failed_total",
				Help:      "Batches abandoned after exhausting sweep attempts",
			},
		),
	}

	reg.MustRegister(
		m.PaymentsSubmitted,
		m.PaymentsTerminal,
		m.BatchesClaimed,
		m.BatchesTerminal,
		m.TickDuration,
		m.ProviderErrors,
		m.OutboxEnqueued,
		m.OutboxPublished,
		m.OutboxRetried,
		m.OutboxDeadLetters,
		m.OutboxLeaseLost,
		m.PaymentsReset,
		m.BatchesSwept,
		m.BatchesFailed,
	)

	return m
}
