package models

import "errors"

var (
	// ErrSignatureInvalid rejects a delivery without creating any record.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrInvalidEnvelope rejects a delivery whose envelope is malformed.
	ErrInvalidEnvelope = errors.New("webhook envelope invalid")
	// ErrDuplicateEvent is a no-op; the original outcome is returned.
	ErrDuplicateEvent = errors.New("duplicate webhook event")
	// ErrOrderingViolation means the entry must wait for its dependency.
	ErrOrderingViolation = errors.New("ordering dependency not satisfied")
	// ErrIdempotencyConflict means the operation already ran or is running.
	ErrIdempotencyConflict = errors.New("idempotency key already in use")
	// ErrTransientCharge is retried under the bounded retry policies.
	ErrTransientCharge = errors.New("transient charge error")
	// ErrPermanentCharge is never retried for the same action.
	ErrPermanentCharge = errors.New("permanent charge error")
	// ErrSystemFailure marks the action failed and surfaces it for review.
	ErrSystemFailure = errors.New("system failure")
	// ErrUnknownEntity routes the event to manual intervention.
	ErrUnknownEntity = errors.New("unknown billing entity")
)
