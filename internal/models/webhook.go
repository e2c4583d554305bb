package models

import (
	"time"

	"github.com/goccy/go-json"
)

// EventStatus represents the processing state of a webhook event
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
	EventStatusSkipped    EventStatus = "skipped"
)

// IsTerminal reports whether no further transition is allowed.
func (s EventStatus) IsTerminal() bool {
	return s == EventStatusCompleted || s == EventStatusFailed || s == EventStatusSkipped
}

// CanTransition enforces the forward-only lifecycle. A processing event may be
// re-claimed by another worker, so processing -> processing is allowed.
func (s EventStatus) CanTransition(to EventStatus) bool {
	switch s {
	case EventStatusPending:
		return to == EventStatusProcessing
	case EventStatusProcessing:
		return to == EventStatusProcessing || to.IsTerminal()
	default:
		return false
	}
}

// Entity types used as ordering keys
const (
	EntitySubscription  = "subscription"
	EntityCustomer      = "customer"
	EntityInvoice       = "invoice"
	EntityPaymentIntent = "payment_intent"
	EntityUnknown       = "unknown"
)

// EntityReferences identifies the billing objects an event is about
type EntityReferences struct {
	CustomerID      string `json:"customer_id,omitempty" bson:"customer_id,omitempty"`
	SubscriptionID  string `json:"subscription_id,omitempty" bson:"subscription_id,omitempty"`
	InvoiceID       string `json:"invoice_id,omitempty" bson:"invoice_id,omitempty"`
	PaymentIntentID string `json:"payment_intent_id,omitempty" bson:"payment_intent_id,omitempty"`
}

// EntityKey picks the ordering key for the references. Subscriptions win because
// dunning state is kept per subscription.
func (r EntityReferences) EntityKey() EntityKey {
	switch {
	case r.SubscriptionID != "":
		return EntityKey{Type: EntitySubscription, ID: r.SubscriptionID}
	case r.CustomerID != "":
		return EntityKey{Type: EntityCustomer, ID: r.CustomerID}
	case r.InvoiceID != "":
		return EntityKey{Type: EntityInvoice, ID: r.InvoiceID}
	case r.PaymentIntentID != "":
		return EntityKey{Type: EntityPaymentIntent, ID: r.PaymentIntentID}
	default:
		return EntityKey{Type: EntityUnknown, ID: "unknown"}
	}
}

// EntityKey is the (entityType, entityId) pair events are ordered by
type EntityKey struct {
	Type string `json:"entity_type" bson:"entity_type"`
	ID   string `json:"entity_id" bson:"entity_id"`
}

func (k EntityKey) String() string {
	return k.Type + ":" + k.ID
}

// Envelope is the signed notification body sent by the payment processor
type Envelope struct {
	SourceEventID string           `json:"source_event_id" validate:"required,max=255"`
	EventType     string           `json:"event_type" validate:"required,max=128"`
	References    EntityReferences `json:"entity_references"`
	Payload       json.RawMessage  `json:"payload"`
	CreatedAt     time.Time        `json:"created_at"`
}

// WebhookEvent is the persisted record of an accepted notification
type WebhookEvent struct {
	ID             string           `json:"id" bson:"_id"`
	SourceEventID  string           `json:"source_event_id" bson:"source_event_id"`
	EventType      string           `json:"event_type" bson:"event_type"`
	EntityType     string           `json:"entity_type" bson:"entity_type"`
	EntityID       string           `json:"entity_id" bson:"entity_id"`
	References     EntityReferences `json:"entity_references" bson:"entity_references"`
	Payload        json.RawMessage  `json:"payload" bson:"payload"`
	DedupHash      string           `json:"dedup_hash" bson:"dedup_hash"`
	SequenceNumber int64            `json:"sequence_number" bson:"sequence_number"`
	Status         EventStatus      `json:"status" bson:"status"`
	LastError      string           `json:"last_error,omitempty" bson:"last_error,omitempty"`
	CreatedAt      time.Time        `json:"created_at" bson:"created_at"`
	ReceivedAt     time.Time        `json:"received_at" bson:"received_at"`
	UpdatedAt      time.Time        `json:"updated_at" bson:"updated_at"`
}

// Key returns the ordering key the event was enqueued under.
func (e *WebhookEvent) Key() EntityKey {
	return EntityKey{Type: e.EntityType, ID: e.EntityID}
}

// ProcessingState is the per-entity ordering cursor
type ProcessingState struct {
	EntityType            string    `json:"entity_type" bson:"entity_type"`
	EntityID              string    `json:"entity_id" bson:"entity_id"`
	LastProcessedSequence int64     `json:"last_processed_sequence" bson:"last_processed_sequence"`
	CurrentSequenceNumber int64     `json:"current_sequence_number" bson:"current_sequence_number"`
	ConsecutiveFailures   int       `json:"consecutive_failures" bson:"consecutive_failures"`
	Version               int64     `json:"version" bson:"version"`
	UpdatedAt             time.Time `json:"updated_at" bson:"updated_at"`
}

// DedupRecord tracks repeated sightings of the same logical event
type DedupRecord struct {
	DedupHash        string    `json:"dedup_hash" bson:"_id"`
	FirstSeenAt      time.Time `json:"first_seen_at" bson:"first_seen_at"`
	LastSeenAt       time.Time `json:"last_seen_at" bson:"last_seen_at"`
	OccurrenceCount  int64     `json:"occurrence_count" bson:"occurrence_count"`
	ProcessedEventID string    `json:"processed_event_id" bson:"processed_event_id"`
}

// AuditEntry is an append-only compliance record
type AuditEntry struct {
	ID        string            `json:"id" bson:"_id"`
	SubjectID string            `json:"subject_id" bson:"subject_id"`
	Kind      string            `json:"kind" bson:"kind"`
	FailureID string            `json:"failure_id,omitempty" bson:"failure_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty" bson:"detail,omitempty"`
	At        time.Time         `json:"at" bson:"at"`
}
