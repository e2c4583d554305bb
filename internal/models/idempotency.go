package models

import (
	"time"

	"github.com/goccy/go-json"
)

// KeyStatus represents the state of an idempotency key
type KeyStatus string

const (
	KeyStatusInProgress KeyStatus = "in_progress"
	KeyStatusCompleted  KeyStatus = "completed"
	KeyStatusFailed     KeyStatus = "failed"
)

// IdempotencyKey guards one logical side-effecting operation
type IdempotencyKey struct {
	KeyHash       string          `json:"key_hash" bson:"_id"`
	OperationType string          `json:"operation_type" bson:"operation_type"`
	Status        KeyStatus       `json:"status" bson:"status"`
	ResultData    json.RawMessage `json:"result_data,omitempty" bson:"result_data,omitempty"`
	Error         string          `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" bson:"updated_at"`
	ExpiresAt     time.Time       `json:"expires_at" bson:"expires_at"`
}

// Expired reports whether the key may be reused at now.
func (k *IdempotencyKey) Expired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}
