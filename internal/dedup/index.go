// Package dedup detects repeated deliveries of the same logical billing event
// within a sliding time window.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"payment-recovery/internal/models"

	"go.uber.org/zap"
)

// Store is the persistence the index needs. storage.Memory, storage.MongoDB
// and RedisStore implement it.
type Store interface {
	ObserveDedup(ctx context.Context, hash, eventID string, now time.Time, window time.Duration) (*models.DedupRecord, bool, error)
	PurgeDedup(ctx context.Context, before time.Time) (int64, error)
}

type Index struct {
	store  Store
	window time.Duration
	bucket time.Duration
	logger *zap.Logger
}

func NewIndex(store Store, window, bucket time.Duration, logger *zap.Logger) *Index {
	return &Index{
		store:  store,
		window: window,
		bucket: bucket,
		logger: logger,
	}
}

// Hash digests (eventType, entityID, payload digest, time bucket).
func (i *Index) Hash(eventType, entityID string, payload []byte, createdAt time.Time) string {
	return Hash(eventType, entityID, payload, createdAt, i.bucket)
}

func Hash(eventType, entityID string, payload []byte, createdAt time.Time, bucket time.Duration) string {
	payloadSum := sha256.Sum256(payload)

	var slot int64
	if bucket > 0 {
		slot = createdAt.UTC().Truncate(bucket).Unix()
	} else {
		slot = createdAt.UTC().Unix()
	}

	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(entityID))
	h.Write([]byte{0})
	h.Write(payloadSum[:])
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(slot, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Observe reports whether hash is seen for the first time within the window.
// On a duplicate the returned record names the event that was processed.
func (i *Index) Observe(ctx context.Context, hash, eventID string, now time.Time) (*models.DedupRecord, bool, error) {
	rec, fresh, err := i.store.ObserveDedup(ctx, hash, eventID, now, i.window)
	if err != nil {
		return nil, false, err
	}
	if !fresh {
		i.logger.Debug("Duplicate delivery detected",
			zap.String("dedup_hash", hash),
			zap.String("processed_event_id", rec.ProcessedEventID),
			zap.Int64("occurrences", rec.OccurrenceCount))
	}
	return rec, fresh, nil
}

// Purge drops records whose window has passed.
func (i *Index) Purge(ctx context.Context, now time.Time) (int64, error) {
	return i.store.PurgeDedup(ctx, now.Add(-i.window))
}
