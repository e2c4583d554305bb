// Package idempotency guarantees that a side-effecting operation runs at most
// once per logical key, even when the caller is retried or raced.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"payment-recovery/internal/models"
	"payment-recovery/internal/storage"
	"payment-recovery/pkg/metrics"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

type State int

const (
	// Fresh means the caller owns the key and must Complete or Fail it.
	Fresh State = iota
	// InProgress means another caller owns the key.
	InProgress
	// Cached means the operation already finished; Result and Err hold its outcome.
	Cached
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case InProgress:
		return "in_progress"
	default:
		return "cached"
	}
}

type Outcome struct {
	State  State
	Key    string
	Result json.RawMessage
	Err    error
}

// CachedError is the stored failure of an operation that already ran.
type CachedError struct {
	Message string
}

func (e *CachedError) Error() string { return e.Message }

type Manager struct {
	repo   storage.IdempotencyRepository
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewManager(repo storage.IdempotencyRepository, ttl time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		repo:   repo,
		ttl:    ttl,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the manager's time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Key derives the stored key hash for an operation and its identifying parts.
func Key(operation string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(operation))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (m *Manager) Begin(ctx context.Context, operation string, parts ...string) (*Outcome, error) {
	now := m.now()
	hash := Key(operation, parts...)
	key := &models.IdempotencyKey{
		KeyHash:       hash,
		OperationType: operation,
		Status:        models.KeyStatusInProgress,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
	}

	stored, created, err := m.repo.AcquireKey(ctx, key, now)
	if err != nil {
		return nil, fmt.Errorf("acquire idempotency key: %w", err)
	}

	out := &Outcome{Key: hash}
	switch {
	case created:
		out.State = Fresh
	case stored.Status == models.KeyStatusInProgress:
		out.State = InProgress
	case stored.Status == models.KeyStatusCompleted:
		out.State = Cached
		out.Result = stored.ResultData
	default:
		out.State = Cached
		out.Result = stored.ResultData
		out.Err = &CachedError{Message: stored.Error}
	}

	metrics.IdempotencyOutcomes.WithLabelValues(operation, out.State.String()).Inc()
	if out.State != Fresh {
		m.logger.Debug("Idempotency key already used",
			zap.String("operation", operation),
			zap.String("key", hash),
			zap.String("state", out.State.String()))
	}
	return out, nil
}

// Complete stores result as the key's outcome.
func (m *Manager) Complete(ctx context.Context, key string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotent result: %w", err)
	}
	return m.repo.FinishKey(ctx, key, models.KeyStatusCompleted, data, "", m.now())
}

// Fail stores opErr as the key's outcome. Later callers receive it as a CachedError.
func (m *Manager) Fail(ctx context.Context, key string, opErr error) error {
	msg := ""
	if opErr != nil {
		msg = opErr.Error()
	}
	return m.repo.FinishKey(ctx, key, models.KeyStatusFailed, nil, msg, m.now())
}

// Do runs fn once per (operation, parts). A repeated call returns the stored
// result, or models.ErrIdempotencyConflict while the first call is running.
func (m *Manager) Do(ctx context.Context, operation string, fn func(ctx context.Context) (any, error), parts ...string) (json.RawMessage, error) {
	out, err := m.Begin(ctx, operation, parts...)
	if err != nil {
		return nil, err
	}

	switch out.State {
	case InProgress:
		return nil, models.ErrIdempotencyConflict
	case Cached:
		return out.Result, out.Err
	}

	result, opErr := fn(ctx)
	if opErr != nil {
		if err := m.Fail(ctx, out.Key, opErr); err != nil {
			m.logger.Error("Failed to record idempotent failure",
				zap.String("operation", operation),
				zap.Error(err))
		}
		return nil, opErr
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode idempotent result: %w", err)
	}
	if err := m.repo.FinishKey(ctx, out.Key, models.KeyStatusCompleted, data, "", m.now()); err != nil {
		return data, fmt.Errorf("record idempotent result: %w", err)
	}
	return data, nil
}

// Purge removes keys that expired before now.
func (m *Manager) Purge(ctx context.Context) (int64, error) {
	return m.repo.PurgeKeys(ctx, m.now())
}

// IsCached reports whether err is a stored failure replayed from a previous run.
func IsCached(err error) bool {
	var cached *CachedError
	return errors.As(err, &cached)
}
