// Package ordering delivers events to the processor strictly in sequence per
// billing entity while letting different entities proceed in parallel.
package ordering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-recovery/config"
	"payment-recovery/internal/models"
	"payment-recovery/internal/storage"
	"payment-recovery/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// casAttempts bounds retries of a conditional update lost to a concurrent writer.
const casAttempts = 5

// Handler processes one dequeued entry. A returned error schedules a retry.
type Handler interface {
	Handle(ctx context.Context, entry *models.OrderingEntry) error
}

type HandlerFunc func(ctx context.Context, entry *models.OrderingEntry) error

func (f HandlerFunc) Handle(ctx context.Context, entry *models.OrderingEntry) error {
	return f(ctx, entry)
}

type Queue struct {
	repo   storage.OrderingRepository
	cfg    config.OrderingConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewQueue(repo storage.OrderingRepository, cfg config.OrderingConfig, logger *zap.Logger) *Queue {
	return &Queue{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the queue's time source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue assigns the entity's next sequence number to eventID and stores the entry.
func (q *Queue) Enqueue(ctx context.Context, key models.EntityKey, eventID string, priority int) (*models.OrderingEntry, error) {
	now := q.now()
	seq, err := q.repo.NextSequence(ctx, key, now)
	if err != nil {
		return nil, fmt.Errorf("assign sequence: %w", err)
	}

	st, err := q.repo.GetProcessingState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load processing state: %w", err)
	}

	entry := &models.OrderingEntry{
		ID:                  uuid.NewString(),
		EntityType:          key.Type,
		EntityID:            key.ID,
		SequenceNumber:      seq,
		EventID:             eventID,
		DependsOnSequence:   seq - 1,
		DependencySatisfied: seq == 1 || st.LastProcessedSequence >= seq-1,
		Priority:            priority,
		MaxRetries:          q.cfg.MaxRetries,
		Status:              models.QueueStatusQueued,
		NextAttemptAt:       now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := q.repo.InsertEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert queue entry: %w", err)
	}

	// The predecessor may have completed between reading the cursor and the
	// insert, in which case it found no successor to release.
	if !entry.DependencySatisfied {
		if st, err := q.repo.GetProcessingState(ctx, key); err == nil && st.LastProcessedSequence >= seq-1 {
			if err := q.markSatisfied(ctx, key, seq); err != nil {
				return nil, err
			}
			entry.DependencySatisfied = true
		}
	}
	return entry, nil
}

// Drain runs every dispatchable entry of the entity through h in sequence
// order and returns how many completed. It stops at the first entry that is
// not ready, claimed elsewhere, backing off, or failed.
func (q *Queue) Drain(ctx context.Context, key models.EntityKey, h Handler) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		st, err := q.repo.GetProcessingState(ctx, key)
		if err != nil {
			return processed, fmt.Errorf("load processing state: %w", err)
		}
		entry, err := q.repo.GetEntry(ctx, key, st.LastProcessedSequence+1)
		if errors.Is(err, storage.ErrNotFound) {
			return processed, nil
		}
		if err != nil {
			return processed, fmt.Errorf("load queue entry: %w", err)
		}

		if entry.Status.Done() {
			// Finished by a worker that stopped before moving the cursor.
			if err := q.advance(ctx, entry); err != nil {
				return processed, err
			}
			continue
		}
		if entry.Status == models.QueueStatusFailed {
			return processed, nil
		}
		if !entry.DependencySatisfied {
			// The cursor sits right behind the entry, so its dependency is met.
			if err := q.markSatisfied(ctx, key, entry.SequenceNumber); err != nil {
				return processed, err
			}
			continue
		}

		now := q.now()
		if !entry.Dispatchable(now, q.cfg.ClaimTimeout) {
			return processed, nil
		}

		claimed, err := q.claim(ctx, entry, now)
		if err != nil || !claimed {
			return processed, err
		}

		if herr := h.Handle(ctx, entry); herr != nil {
			if err := q.retry(ctx, entry, herr); err != nil {
				return processed, err
			}
			return processed, nil
		}

		entry.Status = models.QueueStatusCompleted
		entry.LastError = ""
		entry.UpdatedAt = q.now()
		if err := q.repo.UpdateEntry(ctx, entry); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				metrics.OrderingConflicts.Inc()
				q.logger.Warn("Queue entry re-claimed while processing",
					zap.String("entity", key.String()),
					zap.Int64("sequence", entry.SequenceNumber))
				return processed, nil
			}
			return processed, fmt.Errorf("complete queue entry: %w", err)
		}
		if st.ConsecutiveFailures > 0 {
			if err := q.repo.RecordEntityFailure(ctx, key, true, entry.UpdatedAt); err != nil {
				q.logger.Warn("Failed to reset entity failures", zap.String("entity", key.String()), zap.Error(err))
			}
		}
		if err := q.advance(ctx, entry); err != nil {
			return processed, err
		}
		processed++
	}
}

func (q *Queue) claim(ctx context.Context, entry *models.OrderingEntry, now time.Time) (bool, error) {
	reclaim := entry.Status == models.QueueStatusProcessing
	entry.Status = models.QueueStatusProcessing
	entry.ClaimedAt = &now
	entry.UpdatedAt = now
	if err := q.repo.UpdateEntry(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			metrics.OrderingConflicts.Inc()
			return false, nil
		}
		return false, fmt.Errorf("claim queue entry: %w", err)
	}
	if reclaim {
		q.logger.Warn("Re-claimed stale queue entry",
			zap.String("entity", entry.Key().String()),
			zap.Int64("sequence", entry.SequenceNumber))
	}
	return true, nil
}

// advance moves the cursor past a finished entry and releases its successor.
func (q *Queue) advance(ctx context.Context, entry *models.OrderingEntry) error {
	key := entry.Key()
	seq := entry.SequenceNumber

	for attempt := 0; ; attempt++ {
		err := q.repo.AdvanceCursor(ctx, key, seq-1, seq, q.now())
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("advance cursor: %w", err)
		}
		metrics.OrderingConflicts.Inc()
		st, err := q.repo.GetProcessingState(ctx, key)
		if err != nil {
			return fmt.Errorf("load processing state: %w", err)
		}
		if st.LastProcessedSequence >= seq {
			break
		}
		if attempt+1 >= casAttempts {
			return fmt.Errorf("advance cursor for %s to %d: %w", key, seq, models.ErrOrderingViolation)
		}
	}
	return q.markSatisfied(ctx, key, seq+1)
}

func (q *Queue) markSatisfied(ctx context.Context, key models.EntityKey, seq int64) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		next, err := q.repo.GetEntry(ctx, key, seq)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load queue entry: %w", err)
		}
		if next.DependencySatisfied {
			return nil
		}
		next.DependencySatisfied = true
		next.UpdatedAt = q.now()
		err = q.repo.UpdateEntry(ctx, next)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("release queue entry: %w", err)
		}
	}
	return fmt.Errorf("release %s sequence %d: %w", key, seq, storage.ErrConflict)
}

func (q *Queue) retry(ctx context.Context, entry *models.OrderingEntry, herr error) error {
	now := q.now()
	key := entry.Key()
	entry.RetryCount++
	entry.LastError = herr.Error()
	entry.ClaimedAt = nil
	entry.UpdatedAt = now

	exhausted := entry.RetryCount >= entry.MaxRetries
	if exhausted {
		entry.Status = models.QueueStatusFailed
	} else {
		entry.Status = models.QueueStatusQueued
		entry.NextAttemptAt = now.Add(q.Backoff(entry.RetryCount))
	}

	if err := q.repo.UpdateEntry(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			metrics.OrderingConflicts.Inc()
			return nil
		}
		return fmt.Errorf("reschedule queue entry: %w", err)
	}

	if !exhausted {
		metrics.OrderingRetries.WithLabelValues(key.Type).Inc()
		q.logger.Warn("Queue entry failed, retrying",
			zap.String("entity", key.String()),
			zap.Int64("sequence", entry.SequenceNumber),
			zap.Int("retry_count", entry.RetryCount),
			zap.Time("next_attempt_at", entry.NextAttemptAt),
			zap.Error(herr))
		return nil
	}

	metrics.OrderingFailed.WithLabelValues(key.Type).Inc()
	q.logger.Error("Queue entry exhausted retries, manual review required",
		zap.String("entity", key.String()),
		zap.Int64("sequence", entry.SequenceNumber),
		zap.String("event_id", entry.EventID),
		zap.Error(herr))
	if err := q.repo.RecordEntityFailure(ctx, key, false, now); err != nil {
		return fmt.Errorf("record entity failure: %w", err)
	}
	return nil
}

// Backoff returns the delay before retry n (1-based): base·2^(n-1), capped.
func (q *Queue) Backoff(n int) time.Duration {
	d := q.cfg.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	if q.cfg.MaxBackoff > 0 && d > q.cfg.MaxBackoff {
		return q.cfg.MaxBackoff
	}
	return d
}

// Resolve marks a failed entry skipped so the entity can move past it.
func (q *Queue) Resolve(ctx context.Context, key models.EntityKey, seq int64) error {
	entry, err := q.repo.GetEntry(ctx, key, seq)
	if err != nil {
		return err
	}
	if entry.Status != models.QueueStatusFailed {
		return fmt.Errorf("entry %s/%d is %s: %w", key, seq, entry.Status, models.ErrOrderingViolation)
	}
	entry.Status = models.QueueStatusSkipped
	entry.UpdatedAt = q.now()
	if err := q.repo.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("skip queue entry: %w", err)
	}
	q.logger.Info("Failed queue entry resolved",
		zap.String("entity", key.String()),
		zap.Int64("sequence", seq))
	return q.advance(ctx, entry)
}

// ReadyEntities lists entities whose head entry can be claimed now.
func (q *Queue) ReadyEntities(ctx context.Context, limit int) ([]models.EntityKey, error) {
	return q.repo.ReadyEntities(ctx, q.now(), q.cfg.ClaimTimeout, limit)
}

// ListFailed returns entries waiting for manual review.
func (q *Queue) ListFailed(ctx context.Context, limit int) ([]*models.OrderingEntry, error) {
	return q.repo.ListEntriesByStatus(ctx, models.QueueStatusFailed, limit)
}

// RefreshGauges publishes the queue depth per status.
func (q *Queue) RefreshGauges(ctx context.Context) error {
	for _, s := range []models.QueueStatus{models.QueueStatusQueued, models.QueueStatusProcessing, models.QueueStatusFailed} {
		n, err := q.repo.CountEntries(ctx, s)
		if err != nil {
			return err
		}
		metrics.OrderingQueueSize.WithLabelValues(string(s)).Set(float64(n))
	}
	return nil
}
