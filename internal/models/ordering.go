package models

import "time"

// QueueStatus represents the state of an ordering queue entry
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusSkipped    QueueStatus = "skipped"
)

// Done reports whether the entry no longer blocks its successor.
func (s QueueStatus) Done() bool {
	return s == QueueStatusCompleted || s == QueueStatusSkipped
}

// OrderingEntry is one event waiting for in-order dispatch within its entity
type OrderingEntry struct {
	ID                  string      `json:"id" bson:"_id"`
	EntityType          string      `json:"entity_type" bson:"entity_type"`
	EntityID            string      `json:"entity_id" bson:"entity_id"`
	SequenceNumber      int64       `json:"sequence_number" bson:"sequence_number"`
	EventID             string      `json:"event_id" bson:"event_id"`
	DependsOnSequence   int64       `json:"depends_on_sequence" bson:"depends_on_sequence"`
	DependencySatisfied bool        `json:"dependency_satisfied" bson:"dependency_satisfied"`
	Priority            int         `json:"priority" bson:"priority"`
	RetryCount          int         `json:"retry_count" bson:"retry_count"`
	MaxRetries          int         `json:"max_retries" bson:"max_retries"`
	Status              QueueStatus `json:"status" bson:"status"`
	NextAttemptAt       time.Time   `json:"next_attempt_at" bson:"next_attempt_at"`
	ClaimedAt           *time.Time  `json:"claimed_at,omitempty" bson:"claimed_at,omitempty"`
	LastError           string      `json:"last_error,omitempty" bson:"last_error,omitempty"`
	Version             int64       `json:"version" bson:"version"`
	CreatedAt           time.Time   `json:"created_at" bson:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at" bson:"updated_at"`
}

// Key returns the entity the entry belongs to.
func (e *OrderingEntry) Key() EntityKey {
	return EntityKey{Type: e.EntityType, ID: e.EntityID}
}

// Dispatchable reports whether a worker may claim the entry at now.
func (e *OrderingEntry) Dispatchable(now time.Time, claimTimeout time.Duration) bool {
	if !e.DependencySatisfied {
		return false
	}
	switch e.Status {
	case QueueStatusQueued:
		return !now.Before(e.NextAttemptAt)
	case QueueStatusProcessing:
		return e.ClaimedAt != nil && now.Sub(*e.ClaimedAt) >= claimTimeout
	default:
		return false
	}
}
