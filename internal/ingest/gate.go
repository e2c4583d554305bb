// Package ingest is the webhook ingestion gate: it verifies, deduplicates,
// sequences and enqueues billing events.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"payment-recovery/config"
	"payment-recovery/internal/dedup"
	"payment-recovery/internal/models"
	"payment-recovery/internal/ordering"
	"payment-recovery/internal/queue"
	"payment-recovery/internal/storage"
	"payment-recovery/pkg/metrics"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Result describes what happened to one delivery. For a duplicate it carries
// the original event's id, status and sequence.
type Result struct {
	Outcome  Outcome            `json:"outcome"`
	EventID  string             `json:"event_id,omitempty"`
	Status   models.EventStatus `json:"status,omitempty"`
	Sequence int64              `json:"sequence,omitempty"`
}

// Store is the persistence the gate writes to.
type Store interface {
	storage.EventRepository
	storage.AuditRepository
}

type Gate struct {
	store     Store
	dedup     *dedup.Index
	queue     *ordering.Queue
	publisher queue.Publisher
	validate  *validator.Validate
	cfg       config.IngestionConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewGate(store Store, index *dedup.Index, q *ordering.Queue, publisher queue.Publisher, cfg config.IngestionConfig, logger *zap.Logger) *Gate {
	return &Gate{
		store:     store,
		dedup:     index,
		queue:     q,
		publisher: publisher,
		validate:  validator.New(),
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the gate's time source.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Accept ingests one delivery. Rejections create no record of any kind.
func (g *Gate) Accept(ctx context.Context, env *models.Envelope, signatureValid bool) (Result, error) {
	if !signatureValid {
		metrics.WebhookReceived.WithLabelValues(eventTypeLabel(env), string(OutcomeRejected)).Inc()
		return Result{Outcome: OutcomeRejected}, models.ErrSignatureInvalid
	}
	if env == nil {
		metrics.WebhookReceived.WithLabelValues("", string(OutcomeRejected)).Inc()
		return Result{Outcome: OutcomeRejected}, fmt.Errorf("%w: empty body", models.ErrInvalidEnvelope)
	}
	if err := g.validate.Struct(env); err != nil {
		metrics.WebhookReceived.WithLabelValues(env.EventType, string(OutcomeRejected)).Inc()
		return Result{Outcome: OutcomeRejected}, fmt.Errorf("%w: %v", models.ErrInvalidEnvelope, err)
	}

	existing, err := g.store.GetEventBySourceID(ctx, env.SourceEventID)
	switch {
	case err == nil:
		return g.duplicate(ctx, existing, "source_event_id")
	case !errors.Is(err, storage.ErrNotFound):
		return Result{}, fmt.Errorf("lookup source event: %w", err)
	}

	now := g.now()
	createdAt := env.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	key := env.References.EntityKey()
	hash := g.dedup.Hash(env.EventType, key.ID, env.Payload, createdAt)

	eventID := uuid.NewString()
	rec, fresh, err := g.dedup.Observe(ctx, hash, eventID, now)
	if err != nil {
		return Result{}, fmt.Errorf("observe dedup hash: %w", err)
	}
	if !fresh {
		original, err := g.store.GetEvent(ctx, rec.ProcessedEventID)
		switch {
		case err == nil:
			return g.duplicate(ctx, original, "content_hash")
		case errors.Is(err, storage.ErrNotFound):
			// The first delivery died before storing its event; finish it
			// under the id the index already points at.
			eventID = rec.ProcessedEventID
		default:
			return Result{}, fmt.Errorf("load deduplicated event: %w", err)
		}
	}

	ev := &models.WebhookEvent{
		ID:            eventID,
		SourceEventID: env.SourceEventID,
		EventType:     env.EventType,
		EntityType:    key.Type,
		EntityID:      key.ID,
		References:    env.References,
		Payload:       env.Payload,
		DedupHash:     hash,
		Status:        models.EventStatusPending,
		CreatedAt:     createdAt,
		ReceivedAt:    now,
		UpdatedAt:     now,
	}
	if err := g.store.InsertEvent(ctx, ev); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			winner, getErr := g.store.GetEventBySourceID(ctx, env.SourceEventID)
			if getErr != nil {
				return Result{}, fmt.Errorf("load concurrent event: %w", getErr)
			}
			return g.duplicate(ctx, winner, "source_event_id")
		}
		return Result{}, fmt.Errorf("insert event: %w", err)
	}

	if err := g.enqueue(ctx, ev); err != nil {
		return Result{}, err
	}

	metrics.WebhookReceived.WithLabelValues(ev.EventType, string(OutcomeAccepted)).Inc()
	g.logger.Info("Webhook event accepted",
		zap.String("event_id", ev.ID),
		zap.String("source_event_id", ev.SourceEventID),
		zap.String("event_type", ev.EventType),
		zap.String("entity", key.String()),
		zap.Int64("sequence", ev.SequenceNumber))
	return Result{Outcome: OutcomeAccepted, EventID: ev.ID, Status: ev.Status, Sequence: ev.SequenceNumber}, nil
}

// enqueue assigns the event its sequence, creates the ordering entry and
// wakes a worker. A lost wake-up is tolerated; workers also poll for ready
// entities.
func (g *Gate) enqueue(ctx context.Context, ev *models.WebhookEvent) error {
	entry, err := g.queue.Enqueue(ctx, ev.Key(), ev.ID, g.cfg.EventPriority[ev.EventType])
	if err != nil {
		return fmt.Errorf("enqueue event %s: %w", ev.ID, err)
	}
	if err := g.store.SetEventSequence(ctx, ev.ID, entry.SequenceNumber); err != nil {
		return fmt.Errorf("set event sequence: %w", err)
	}
	ev.SequenceNumber = entry.SequenceNumber

	if g.publisher != nil {
		err := g.publisher.Publish(ctx, queue.EntityReady{
			EntityType: ev.EntityType,
			EntityID:   ev.EntityID,
			Sequence:   entry.SequenceNumber,
			EventID:    ev.ID,
		})
		if err != nil {
			g.logger.Warn("Failed to publish entity-ready message",
				zap.String("event_id", ev.ID),
				zap.Error(err))
		}
	}

	err = g.store.AppendAudit(ctx, &models.AuditEntry{
		ID:        uuid.NewString(),
		SubjectID: ev.ID,
		Kind:      "event_accepted",
		Detail: map[string]string{
			"source_event_id": ev.SourceEventID,
			"event_type":      ev.EventType,
			"entity":          ev.Key().String(),
			"sequence":        strconv.FormatInt(entry.SequenceNumber, 10),
		},
		At: g.now(),
	})
	if err != nil {
		g.logger.Error("Failed to append audit entry", zap.String("event_id", ev.ID), zap.Error(err))
	}
	return nil
}

// duplicate reports the original event. An original that was stored but
// never enqueued, and is older than the enqueue grace, is enqueued now.
func (g *Gate) duplicate(ctx context.Context, ev *models.WebhookEvent, detector string) (Result, error) {
	metrics.DuplicateEvents.WithLabelValues(detector).Inc()
	metrics.WebhookReceived.WithLabelValues(ev.EventType, string(OutcomeDuplicate)).Inc()

	if ev.Status == models.EventStatusPending && ev.SequenceNumber == 0 &&
		g.now().Sub(ev.ReceivedAt) >= g.cfg.EnqueueGrace {
		g.logger.Warn("Enqueuing half-ingested event",
			zap.String("event_id", ev.ID),
			zap.String("source_event_id", ev.SourceEventID))
		if err := g.enqueue(ctx, ev); err != nil {
			return Result{}, err
		}
	}

	g.logger.Info("Duplicate webhook delivery",
		zap.String("event_id", ev.ID),
		zap.String("source_event_id", ev.SourceEventID),
		zap.String("detector", detector))
	return Result{Outcome: OutcomeDuplicate, EventID: ev.ID, Status: ev.Status, Sequence: ev.SequenceNumber}, nil
}

func eventTypeLabel(env *models.Envelope) string {
	if env == nil {
		return ""
	}
	return env.EventType
}
