package storage

import (
	"context"
	"errors"
	"time"

	"payment-recovery/internal/models"

	"github.com/goccy/go-json"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("record changed concurrently")
	ErrDuplicate = errors.New("record already exists")
)

// EventRepository persists webhook events. SourceEventID is unique.
type EventRepository interface {
	InsertEvent(ctx context.Context, event *models.WebhookEvent) error
	GetEvent(ctx context.Context, id string) (*models.WebhookEvent, error)
	GetEventBySourceID(ctx context.Context, sourceEventID string) (*models.WebhookEvent, error)
	SetEventSequence(ctx context.Context, id string, sequence int64) error
	// TransitionEvent moves the event forward; a disallowed move returns ErrConflict.
	TransitionEvent(ctx context.Context, id string, to models.EventStatus, lastError string, now time.Time) (*models.WebhookEvent, error)
	PurgeEvents(ctx context.Context, before time.Time) (int64, error)
}

// DedupRepository stores the sliding-window deduplication index.
type DedupRepository interface {
	// ObserveDedup records a sighting. It returns fresh=true when no record was
	// seen within window, in which case eventID becomes the processed event.
	ObserveDedup(ctx context.Context, hash, eventID string, now time.Time, window time.Duration) (*models.DedupRecord, bool, error)
	PurgeDedup(ctx context.Context, before time.Time) (int64, error)
}

// OrderingRepository stores per-entity cursors and the queue entry arena.
type OrderingRepository interface {
	NextSequence(ctx context.Context, key models.EntityKey, now time.Time) (int64, error)
	GetProcessingState(ctx context.Context, key models.EntityKey) (*models.ProcessingState, error)
	// AdvanceCursor sets lastProcessedSequence to next only if it still equals expected.
	AdvanceCursor(ctx context.Context, key models.EntityKey, expected, next int64, now time.Time) error
	RecordEntityFailure(ctx context.Context, key models.EntityKey, reset bool, now time.Time) error

	InsertEntry(ctx context.Context, entry *models.OrderingEntry) error
	GetEntry(ctx context.Context, key models.EntityKey, sequence int64) (*models.OrderingEntry, error)
	UpdateEntry(ctx context.Context, entry *models.OrderingEntry) error
	ReadyEntities(ctx context.Context, now time.Time, claimTimeout time.Duration, limit int) ([]models.EntityKey, error)
	ListEntriesByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]*models.OrderingEntry, error)
	CountEntries(ctx context.Context, status models.QueueStatus) (int64, error)
}

// IdempotencyRepository stores idempotency keys.
type IdempotencyRepository interface {
	// AcquireKey inserts key unless a live key with the same hash exists. An
	// expired key is replaced. created reports whether key is now the stored one.
	AcquireKey(ctx context.Context, key *models.IdempotencyKey, now time.Time) (stored *models.IdempotencyKey, created bool, err error)
	FinishKey(ctx context.Context, hash string, status models.KeyStatus, result json.RawMessage, errMsg string, now time.Time) error
	GetKey(ctx context.Context, hash string) (*models.IdempotencyKey, error)
	PurgeKeys(ctx context.Context, before time.Time) (int64, error)
}

// FailureRepository stores payment failures.
type FailureRepository interface {
	InsertFailure(ctx context.Context, failure *models.PaymentFailure) error
	GetFailure(ctx context.Context, id string) (*models.PaymentFailure, error)
	// FindActiveFailure returns the open or manual-review failure for a subscription.
	FindActiveFailure(ctx context.Context, customerID, subscriptionID string) (*models.PaymentFailure, error)
	ListActiveFailures(ctx context.Context, customerID string) ([]*models.PaymentFailure, error)
	// UpdateFailure saves failure if its Version is unchanged and bumps Version.
	UpdateFailure(ctx context.Context, failure *models.PaymentFailure) error
}

// ActionRepository stores recovery actions.
type ActionRepository interface {
	InsertAction(ctx context.Context, action *models.RecoveryAction) error
	GetAction(ctx context.Context, id string) (*models.RecoveryAction, error)
	// UpdateAction saves action if its Version is unchanged and bumps Version.
	UpdateAction(ctx context.Context, action *models.RecoveryAction) error
	ListActions(ctx context.Context, failureID string) ([]*models.RecoveryAction, error)
	// DueActions returns scheduled actions due at now plus executing actions
	// started before staleBefore, in execution order.
	DueActions(ctx context.Context, now, staleBefore time.Time, limit int) ([]*models.RecoveryAction, error)
}

// AccessRepository stores grace and suspension state.
type AccessRepository interface {
	GetAccessState(ctx context.Context, customerID string) (*models.AccessState, error)
	// SaveAccessState inserts when Version is 0, otherwise updates if unchanged.
	SaveAccessState(ctx context.Context, state *models.AccessState) error
	ListRestrictedAccess(ctx context.Context, limit int) ([]*models.AccessState, error)
}

// AuditRepository is the append-only audit log.
type AuditRepository interface {
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	ListAudit(ctx context.Context, failureID string) ([]*models.AuditEntry, error)
	PurgeAudit(ctx context.Context, before time.Time) (int64, error)
}

// Repository is the full persistence surface.
type Repository interface {
	EventRepository
	DedupRepository
	OrderingRepository
	IdempotencyRepository
	FailureRepository
	ActionRepository
	AccessRepository
	AuditRepository
	Close(ctx context.Context) error
}

var (
	_ Repository = (*Memory)(nil)
	_ Repository = (*MongoDB)(nil)
)
