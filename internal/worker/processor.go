package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-recovery/internal/models"
	"payment-recovery/internal/storage"
	"payment-recovery/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventHandler applies one event to the recovery engine.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *models.WebhookEvent) (models.EventStatus, error)
}

// ProcessorStore is the persistence the processor touches.
type ProcessorStore interface {
	storage.EventRepository
	storage.AuditRepository
}

// Processor moves an ordered event through its lifecycle around the
// recovery engine. It is the ordering queue's handler.
type Processor struct {
	store   ProcessorStore
	handler EventHandler
	logger  *zap.Logger
	now     func() time.Time
}

func NewProcessor(store ProcessorStore, handler EventHandler, logger *zap.Logger) *Processor {
	return &Processor{
		store:   store,
		handler: handler,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the processor's time source.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Handle processes the entry's event. A returned error sends the entry back
// to the queue's backoff; events that can never succeed are marked failed,
// audited for manual review and complete the entry.
func (p *Processor) Handle(ctx context.Context, entry *models.OrderingEntry) error {
	ev, err := p.store.GetEvent(ctx, entry.EventID)
	if errors.Is(err, storage.ErrNotFound) {
		p.logger.Error("Queue entry refers to a missing event",
			zap.String("event_id", entry.EventID),
			zap.String("entity", entry.Key().String()))
		p.audit(ctx, entry.EventID, "event_missing", map[string]string{"entity": entry.Key().String()})
		return nil
	}
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	if ev.Status.IsTerminal() {
		// Processed before the worker died; only the entry was left behind.
		return nil
	}

	ev, err = p.store.TransitionEvent(ctx, ev.ID, models.EventStatusProcessing, "", p.now())
	if err != nil {
		return fmt.Errorf("start event %s: %w", entry.EventID, err)
	}

	start := time.Now()
	status, herr := p.handler.HandleEvent(ctx, ev)
	metrics.WebhookProcessingTime.WithLabelValues(ev.EventType).Observe(time.Since(start).Seconds())

	switch {
	case herr == nil:
		return p.finish(ctx, ev, status, "")

	case errors.Is(herr, models.ErrUnknownEntity), errors.Is(herr, models.ErrInvalidEnvelope):
		p.logger.Error("Event cannot be applied, manual review required",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.EventType),
			zap.Error(herr))
		p.audit(ctx, ev.ID, "manual_review_required", map[string]string{
			"event_type": ev.EventType,
			"error":      herr.Error(),
		})
		return p.finish(ctx, ev, models.EventStatusFailed, herr.Error())

	case entry.RetryCount+1 >= entry.MaxRetries:
		p.audit(ctx, ev.ID, "manual_review_required", map[string]string{
			"event_type": ev.EventType,
			"error":      herr.Error(),
			"attempts":   fmt.Sprint(entry.RetryCount + 1),
		})
		if err := p.finish(ctx, ev, models.EventStatusFailed, herr.Error()); err != nil {
			p.logger.Error("Failed to mark event failed", zap.String("event_id", ev.ID), zap.Error(err))
		}
		return herr

	default:
		if _, err := p.store.TransitionEvent(ctx, ev.ID, models.EventStatusProcessing, herr.Error(), p.now()); err != nil {
			p.logger.Warn("Failed to record event error", zap.String("event_id", ev.ID), zap.Error(err))
		}
		return herr
	}
}

func (p *Processor) finish(ctx context.Context, ev *models.WebhookEvent, status models.EventStatus, lastError string) error {
	if _, err := p.store.TransitionEvent(ctx, ev.ID, status, lastError, p.now()); err != nil {
		return fmt.Errorf("finish event %s: %w", ev.ID, err)
	}
	metrics.WebhookProcessed.WithLabelValues(ev.EventType, string(status)).Inc()
	p.logger.Info("Event processed",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.EventType),
		zap.String("entity", ev.Key().String()),
		zap.Int64("sequence", ev.SequenceNumber),
		zap.String("status", string(status)))
	return nil
}

func (p *Processor) audit(ctx context.Context, subject, kind string, detail map[string]string) {
	err := p.store.AppendAudit(ctx, &models.AuditEntry{
		ID:        uuid.NewString(),
		SubjectID: subject,
		Kind:      kind,
		Detail:    detail,
		At:        p.now(),
	})
	if err != nil {
		p.logger.Error("Failed to append audit entry", zap.String("kind", kind), zap.Error(err))
	}
}
