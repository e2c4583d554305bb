package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_events_received_total",
		Help: "The total number of billing webhook events received",
	}, []string{"event_type", "outcome"})

	WebhookProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_events_processed_total",
		Help: "The total number of billing webhook events processed",
	}, []string{"event_type", "status"})

	WebhookProcessingTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_webhook_processing_duration_seconds",
		Help:    "Time taken to process billing webhook events",
		Buckets: prometheus.DefBuckets,
	}, []string{"event_type"})

	DuplicateEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_duplicates_total",
		Help: "The total number of duplicate deliveries detected",
	}, []string{"detector"})

	OrderingQueueSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ordering_queue_size",
		Help: "Current number of queue entries awaiting dispatch",
	}, []string{"status"})

	OrderingRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordering_entry_retries_total",
		Help: "The total number of ordering queue entry retries",
	}, []string{"entity_type"})

	OrderingFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordering_entries_failed_total",
		Help: "Queue entries that exhausted retries and need manual review",
	}, []string{"entity_type"})

	OrderingConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ordering_claim_conflicts_total",
		Help: "Conditional updates lost to a concurrent worker",
	})

	IdempotencyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idempotency_outcomes_total",
		Help: "Idempotency key acquisitions by outcome",
	}, []string{"operation", "outcome"})

	StageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dunning_stage_transitions_total",
		Help: "Dunning stages entered",
	}, []string{"stage"})

	RecoveryActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_actions_total",
		Help: "Recovery actions finished by type and status",
	}, []string{"type", "status"})

	ChargeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_charge_attempts_total",
		Help: "Retry charges sent to the billing gateway",
	}, []string{"kind", "result"})

	Recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_recoveries_total",
		Help: "Failures closed by outcome",
	}, []string{"outcome"})

	AccessChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "customer_access_changes_total",
		Help: "Grace periods and suspension tier changes",
	}, []string{"level", "tier"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "billing_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"breaker"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_rate_limit_exceeded_total",
		Help: "The total number of times rate limits were exceeded",
	}, []string{"source", "limit_type"})

	BrokerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_queue_depth",
		Help: "Messages waiting in the entity-ready queue",
	}, []string{"queue"})
)
